/*
 * Copyright (c) 2026 The partmount authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package partition

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// scanParted walks the machine-readable output of
// `parted -s -m <image> unit B print`, one line per partition:
//
//	1:1048576B:368050175B:367001600B:ext4::;
//
// fn is called for each partition entry and may stop the scan by returning
// true. Header and device summary lines are skipped because their first field
// is not an integer index.
func scanParted(out []byte, fn func(Entry) bool) error {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		line = strings.TrimSuffix(line, ";")
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil || index < 1 {
			continue
		}
		offset, err := parseByteField(fields[1])
		if err != nil {
			continue
		}
		length, err := parseByteField(fields[3])
		if err != nil || length == 0 {
			continue
		}
		e := Entry{
			Index:    index,
			Geometry: Geometry{Offset: offset, Length: length},
		}
		if len(fields) > 4 {
			e.Fstype = fields[4]
		}
		if fn(e) {
			return nil
		}
	}
	return s.Err()
}

// parseByteField strips parted's byte unit suffix and parses the value.
func parseByteField(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSuffix(strings.TrimSpace(s), "B"), 10, 64)
}

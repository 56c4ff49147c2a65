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
	"regexp"
	"strconv"
	"strings"
)

var (
	sfdiskIndexPattern = regexp.MustCompile(`(\d+)\s*$`)
	sfdiskStartPattern = regexp.MustCompile(`start=\s*(\d+)`)
	sfdiskSizePattern  = regexp.MustCompile(`size=\s*(\d+)`)
)

// scanSfdisk walks the dump output of `sfdisk -d <image>`, one descriptor
// line per partition:
//
//	/tmp/disk.img1 : start=        2048, size=      716800, type=83
//
// Offsets and sizes are reported in 512-byte sectors and are normalized to
// bytes here. fn may stop the scan by returning true.
func scanSfdisk(out []byte, fn func(Entry) bool) error {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		sep := strings.Index(line, " : ")
		if sep < 0 || !strings.Contains(line, "start=") {
			continue
		}
		name := strings.TrimSpace(line[:sep])
		im := sfdiskIndexPattern.FindStringSubmatch(name)
		if im == nil {
			continue
		}
		index, err := strconv.Atoi(im[1])
		if err != nil || index < 1 {
			continue
		}
		sm := sfdiskStartPattern.FindStringSubmatch(line)
		zm := sfdiskSizePattern.FindStringSubmatch(line)
		if sm == nil || zm == nil {
			continue
		}
		start, err := strconv.ParseUint(sm[1], 10, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseUint(zm[1], 10, 64)
		if err != nil || size == 0 {
			continue
		}
		e := Entry{
			Index:    index,
			Geometry: Geometry{Offset: start * SectorSize, Length: size * SectorSize},
		}
		if fn(e) {
			return nil
		}
	}
	return s.Err()
}

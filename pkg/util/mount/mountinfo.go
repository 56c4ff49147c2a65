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

package mount

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// parseInfoFile parses mountinfo lines:
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//	(0)(1)(2)  (3)   (4)   (5)        (6)     (7) (8)  (9)      (10)
//
// The optional fields (6) may be absent or repeated; the hyphen terminates them.
func parseInfoFile(r io.Reader) ([]*Info, error) {
	entries := []*Info{}

	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		e, err := parseInfoLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseInfoLine(line string) (*Info, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil, fmt.Errorf("parse mountinfo: not enough fields in line %q", line)
	}

	sep := -1
	for i, f := range fields {
		if f == "-" {
			sep = i
			break
		}
	}
	if sep < 6 || sep+2 >= len(fields) {
		return nil, fmt.Errorf("parse mountinfo: missing separator in line %q", line)
	}

	e := &Info{
		Root:       unescape(fields[3]),
		Mountpoint: unescape(fields[4]),
		Opts:       fields[5],
		Optional:   strings.Join(fields[6:sep], " "),
		Fstype:     fields[sep+1],
		Source:     unescape(fields[sep+2]),
	}
	if sep+3 < len(fields) {
		e.VfsOpts = fields[sep+3]
	}
	if _, err := fmt.Sscanf(fields[0], "%d", &e.ID); err != nil {
		return nil, fmt.Errorf("parse mountinfo: bad mount id in line %q", line)
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &e.Parent); err != nil {
		return nil, fmt.Errorf("parse mountinfo: bad parent id in line %q", line)
	}
	if _, err := fmt.Sscanf(fields[2], "%d:%d", &e.Major, &e.Minor); err != nil {
		return nil, fmt.Errorf("parse mountinfo: bad major:minor in line %q", line)
	}
	return e, nil
}

// unescape reverses the octal escaping the kernel applies to paths in
// mountinfo (space, tab, newline and backslash).
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			v := 0
			ok := true
			for j := 1; j <= 3; j++ {
				c := s[i+j]
				if c < '0' || c > '7' {
					ok = false
					break
				}
				v = v*8 + int(c-'0')
			}
			if ok {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

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

// Package partition resolves partition geometry from a raw disk image by
// cross-checking two independent partition table readers.
package partition

import (
	"fmt"
)

// SectorSize is the fixed sector size sfdisk reports offsets and sizes in.
const SectorSize = 512

// Geometry locates one partition inside an image file, in bytes.
type Geometry struct {
	Offset uint64
	Length uint64
}

func (g Geometry) String() string {
	return fmt.Sprintf("offset=%d length=%d", g.Offset, g.Length)
}

// Entry is one cross-checked partition table entry.
type Entry struct {
	Index  int
	Geometry
	Fstype string
}

// InvalidInputError reports arguments the locator refuses to act on.
type InvalidInputError struct {
	Image  string
	Index  int
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for image %s partition %d: %s", e.Image, e.Index, e.Reason)
}

// NotFoundError reports a partition index absent from both table readers.
type NotFoundError struct {
	Image string
	Index int
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("partition %d not found in image %s", e.Index, e.Image)
}

// DisagreementError reports the two table readers resolving different
// geometry for the same partition index. Acting on either value would risk
// exposing the wrong byte range, so the caller must abort.
type DisagreementError struct {
	Image  string
	Index  int
	Parted *Geometry
	Sfdisk *Geometry
}

func (e DisagreementError) Error() string {
	describe := func(g *Geometry) string {
		if g == nil {
			return "absent"
		}
		return g.String()
	}
	return fmt.Sprintf("partition table readers disagree for partition %d of image %s: parted reports %s, sfdisk reports %s",
		e.Index, e.Image, describe(e.Parted), describe(e.Sfdisk))
}

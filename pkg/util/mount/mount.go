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

// Package mount queries the kernel's live mount table.
package mount

// Info describes one entry of the live mount table.
type Info struct {
	ID         int
	Parent     int
	Major      int
	Minor      int
	Root       string
	Mountpoint string
	Opts       string
	Optional   string
	Fstype     string
	Source     string
	VfsOpts    string
}

// GetMounts returns the current mount table.
func GetMounts() ([]*Info, error) {
	return ParseMountTable()
}

// InfoFor returns the entry of a parsed table whose mountpoint equals the
// given path, or nil.
func InfoFor(entries []*Info, mountpoint string) *Info {
	for _, e := range entries {
		if e.Mountpoint == mountpoint {
			return e
		}
	}
	return nil
}

// FilterBySource selects the entries of a parsed table backed by the given device.
func FilterBySource(entries []*Info, source string) []*Info {
	found := make([]*Info, 0)
	for _, e := range entries {
		if e.Source == source {
			found = append(found, e)
		}
	}
	return found
}

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

// Package state persists one advisory record per live attachment so a later
// detach can sanity-check it is undoing the correct thing. Records never
// replace live kernel queries: a loop device number saved here may have been
// reused by the kernel since, so callers re-derive devices before acting.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/partmount/partmount/pkg/util/logs"
)

// DefaultDir is the default state directory.
const DefaultDir = "/var/lib/partmount"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record describes one attachment this tool created or adopted.
type Record struct {
	ID             string    `json:"id"`
	Image          string    `json:"image"`
	PartitionIndex int       `json:"partitionIndex"`
	OffsetBytes    uint64    `json:"offsetBytes"`
	LengthBytes    uint64    `json:"lengthBytes"`
	LoopDevice     string    `json:"loopDevice"`
	MountPoint     string    `json:"mountPoint,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewRecord creates a record with a fresh ID.
func NewRecord(image string, index int, offset, length uint64, device string) *Record {
	return &Record{
		ID:             uuid.New().String(),
		Image:          image,
		PartitionIndex: index,
		OffsetBytes:    offset,
		LengthBytes:    length,
		LoopDevice:     device,
		CreatedAt:      time.Now().UTC(),
	}
}

// Store keeps one JSON document per image under a state directory.
type Store struct {
	dir    string
	logger *logs.Logger
}

// NewStore opens (and creates if needed) the state directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create state directory %s", dir)
	}
	return &Store{
		dir:    dir,
		logger: logs.NewLogger().WithField("module", "state"),
	}, nil
}

// key derives a stable file name from the absolute image path.
func (s *Store) key(image string) string {
	abs, err := filepath.Abs(image)
	if err != nil {
		abs = image
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:16])
}

func (s *Store) recordPath(image string) string {
	return filepath.Join(s.dir, s.key(image)+".json")
}

// Load returns the records for image; a missing document means none.
func (s *Store) Load(image string) ([]*Record, error) {
	data, err := os.ReadFile(s.recordPath(image))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read state for image %s", image)
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "decode state for image %s", image)
	}
	return records, nil
}

// save writes the records atomically (write-temp-then-rename) because a
// concurrent detach may be reading the document.
func (s *Store) save(image string, records []*Record) error {
	path := s.recordPath(image)
	if len(records) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove state for image %s", image)
		}
		return nil
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode state for image %s", image)
	}
	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return errors.Wrap(err, "create state temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write state temp file")
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return errors.Wrap(err, "chmod state temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close state temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename state for image %s", image)
	}
	return nil
}

// Add appends a record for image.
func (s *Store) Add(image string, r *Record) error {
	records, err := s.Load(image)
	if err != nil {
		return err
	}
	records = append(records, r)
	return s.save(image, records)
}

// Update replaces the record with the same ID, or appends it if absent.
func (s *Store) Update(image string, r *Record) error {
	records, err := s.Load(image)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range records {
		if existing.ID == r.ID {
			records[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, r)
	}
	return s.save(image, records)
}

// Remove deletes the record with the given ID; unknown IDs are ignored.
func (s *Store) Remove(image string, id string) error {
	records, err := s.Load(image)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	return s.save(image, kept)
}

// FindByMountPoint scans all state documents for a record of the given
// mount point.
func (s *Store) FindByMountPoint(mountPoint string) (*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read state directory %s", s.dir)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "read state document %s", entry.Name())
		}
		var records []*Record
		if err := json.Unmarshal(data, &records); err != nil {
			s.logger.Warnf("skipping undecodable state document %s: %s", entry.Name(), err)
			continue
		}
		for _, r := range records {
			if r.MountPoint == mountPoint {
				return r, nil
			}
		}
	}
	return nil, nil
}

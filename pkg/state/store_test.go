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

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestAddLoadRemove(t *testing.T) {
	s := newTestStore(t)
	image := "/tmp/disk.img"

	records, err := s.Load(image)
	require.NoError(t, err)
	assert.Empty(t, records)

	r := NewRecord(image, 1, 1048576, 367001600, "/dev/loop3")
	require.NotEmpty(t, r.ID)
	require.NoError(t, s.Add(image, r))

	records, err = s.Load(image)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, r.ID, records[0].ID)
	assert.Equal(t, 1, records[0].PartitionIndex)
	assert.Equal(t, uint64(1048576), records[0].OffsetBytes)
	assert.Equal(t, "/dev/loop3", records[0].LoopDevice)

	require.NoError(t, s.Remove(image, r.ID))
	records, err = s.Load(image)
	require.NoError(t, err)
	assert.Empty(t, records)

	// empty document is removed, not left as an empty list
	_, err = os.Stat(s.recordPath(image))
	assert.True(t, os.IsNotExist(err))
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	image := "/tmp/disk.img"

	r := NewRecord(image, 1, 1048576, 367001600, "/dev/loop3")
	require.NoError(t, s.Add(image, r))

	r.MountPoint = "/mnt/data"
	require.NoError(t, s.Update(image, r))

	records, err := s.Load(image)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/mnt/data", records[0].MountPoint)
}

func TestRecordsKeyedPerImage(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Add("/tmp/a.img", NewRecord("/tmp/a.img", 1, 0, 512, "/dev/loop1")))
	require.NoError(t, s.Add("/tmp/b.img", NewRecord("/tmp/b.img", 2, 512, 1024, "/dev/loop2")))

	records, err := s.Load("/tmp/a.img")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/dev/loop1", records[0].LoopDevice)
}

func TestFindByMountPoint(t *testing.T) {
	s := newTestStore(t)

	a := NewRecord("/tmp/a.img", 1, 0, 512, "/dev/loop1")
	a.MountPoint = "/mnt/a"
	require.NoError(t, s.Add("/tmp/a.img", a))

	b := NewRecord("/tmp/b.img", 2, 512, 1024, "/dev/loop2")
	b.MountPoint = "/mnt/b"
	require.NoError(t, s.Add("/tmp/b.img", b))

	found, err := s.FindByMountPoint("/mnt/b")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, b.ID, found.ID)
	assert.Equal(t, "/tmp/b.img", found.Image)

	found, err = s.FindByMountPoint("/mnt/elsewhere")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindByMountPointSkipsCorruptDocument(t *testing.T) {
	s := newTestStore(t)

	a := NewRecord("/tmp/a.img", 1, 0, 512, "/dev/loop1")
	a.MountPoint = "/mnt/a"
	require.NoError(t, s.Add("/tmp/a.img", a))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "garbage.json"), []byte("not json"), 0644))

	found, err := s.FindByMountPoint("/mnt/a")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)
}

func TestLockRoundTrip(t *testing.T) {
	s := newTestStore(t)

	l, err := s.Lock("/tmp/disk.img")
	require.NoError(t, err)
	require.NoError(t, l.Unlock())
}

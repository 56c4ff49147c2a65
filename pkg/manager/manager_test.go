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

package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partmount/partmount/pkg/loopdev"
	"github.com/partmount/partmount/pkg/partition"
	"github.com/partmount/partmount/pkg/state"
	"github.com/partmount/partmount/pkg/util/command"
	"github.com/partmount/partmount/pkg/util/file"
	"github.com/partmount/partmount/pkg/util/mount"
)

const partedOnePartition = `BYT;
/tmp/disk.img:4294967296B:file:512:512:msdos:Virtual disk:;
1:1048576B:368050175B:367001600B:ext4::;
`

const sfdiskOnePartition = `label: dos
device: /tmp/disk.img
unit: sectors

/tmp/disk.img1 : start=        2048, size=      716800, type=83
`

// fakeRunner replays canned answers keyed by "name" or "name flag", e.g.
// "parted" or "losetup --find".
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   [][]string
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (*command.Result, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	for _, arg := range args {
		if out, ok := f.outputs[name+" "+arg]; ok {
			return &command.Result{Cmd: name, Stdout: []byte(out)}, nil
		}
		if err, ok := f.errs[name+" "+arg]; ok {
			return nil, err
		}
	}
	if out, ok := f.outputs[name]; ok {
		return &command.Result{Cmd: name, Stdout: []byte(out)}, nil
	}
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return &command.Result{Cmd: name}, nil
}

func (f *fakeRunner) called(parts ...string) bool {
	for _, call := range f.calls {
		joined := strings.Join(call, " ")
		match := true
		for _, p := range parts {
			if !strings.Contains(joined, p) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func tempImage(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, file.CreateFile(path, 4*1024*1024))
	return path
}

func newTestManager(t *testing.T, runner *fakeRunner, table []*mount.Info) (*Manager, *state.Store) {
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	m := New(
		partition.NewLocator(runner),
		loopdev.NewManager(runner),
		store,
		runner,
		WithMountTable(func() ([]*mount.Info, error) { return table, nil }),
	)
	return m, store
}

func TestMount(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "",
		"losetup --find":       "/dev/loop5\n",
	}}
	m, store := newTestManager(t, runner, nil)

	record, err := m.Mount(context.Background(), image, 1, dir, false)
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop5", record.LoopDevice)
	assert.Equal(t, dir, record.MountPoint)
	assert.Equal(t, uint64(1048576), record.OffsetBytes)
	assert.Equal(t, uint64(367001600), record.LengthBytes)

	assert.True(t, runner.called("mount /dev/loop5 "+dir))

	records, err := store.Load(image)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
}

func TestMountReadOnly(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "",
		"losetup --find":       "/dev/loop5\n",
	}}
	m, _ := newTestManager(t, runner, nil)

	_, err := m.Mount(context.Background(), image, 1, dir, true)
	require.NoError(t, err)
	assert.True(t, runner.called("mount -o ro /dev/loop5 "+dir))
}

func TestMountTargetNotEmpty(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover"), nil, 0644))
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner, nil)

	_, err := m.Mount(context.Background(), image, 1, dir, false)
	require.Error(t, err)
	if _, ok := err.(TargetNotEmptyError); !ok {
		t.Fatalf("expected TargetNotEmptyError, got %T: %v", err, err)
	}
	// refused before touching any system state
	assert.False(t, runner.called("parted"))
	assert.False(t, runner.called("losetup"))
}

func TestMountTargetMissing(t *testing.T) {
	image := tempImage(t)
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner, nil)

	_, err := m.Mount(context.Background(), image, 1, filepath.Join(t.TempDir(), "missing"), false)
	require.Error(t, err)
	if _, ok := err.(InvalidTargetError); !ok {
		t.Fatalf("expected InvalidTargetError, got %T: %v", err, err)
	}
}

func TestMountAlreadyMounted(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	table := []*mount.Info{{Mountpoint: dir, Source: "/dev/loop2", Fstype: "ext4"}}
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner, table)

	_, err := m.Mount(context.Background(), image, 1, dir, false)
	require.Error(t, err)
	mounted, ok := err.(AlreadyMountedError)
	require.True(t, ok, "expected AlreadyMountedError, got %T: %v", err, err)
	assert.Equal(t, "/dev/loop2", mounted.Device)
}

func TestMountDeviceAlreadyMountedElsewhere(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "/dev/loop5 1048576 367001600 " + image + "\n",
	}}
	table := []*mount.Info{{Mountpoint: "/mnt/other", Source: "/dev/loop5", Fstype: "ext4"}}
	m, _ := newTestManager(t, runner, table)

	_, err := m.Mount(context.Background(), image, 1, dir, false)
	require.Error(t, err)
	mounted, ok := err.(AlreadyMountedError)
	require.True(t, ok, "expected AlreadyMountedError, got %T: %v", err, err)
	assert.Equal(t, "/dev/loop5", mounted.Device)
	assert.Equal(t, "/mnt/other", mounted.Dir)
	assert.False(t, runner.called("mount /dev/loop5"))
}

func TestMountFailureLeavesLoopAttached(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	runner := &fakeRunner{
		outputs: map[string]string{
			"parted":               partedOnePartition,
			"sfdisk":               sfdiskOnePartition,
			"losetup --associated": "",
			"losetup --find":       "/dev/loop5\n",
		},
		errs: map[string]error{
			"mount": command.ExitError{Result: &command.Result{Cmd: "mount", ExitCode: 32, Stderr: []byte("wrong fs type")}},
		},
	}
	m, store := newTestManager(t, runner, nil)

	_, err := m.Mount(context.Background(), image, 1, dir, false)
	require.Error(t, err)
	failed, ok := err.(MountFailedError)
	require.True(t, ok, "expected MountFailedError, got %T: %v", err, err)
	assert.Contains(t, failed.Detail, "wrong fs type")

	assert.False(t, runner.called("--detach"))
	records, err := store.Load(image)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].MountPoint)
}

func TestAttachOnly(t *testing.T) {
	image := tempImage(t)
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "",
		"losetup --find":       "/dev/loop5\n",
	}}
	m, store := newTestManager(t, runner, nil)

	dev, reused, err := m.Attach(context.Background(), image, 1)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, "/dev/loop5", dev.Path)
	assert.False(t, runner.called("mount /dev/loop5"))

	records, err := store.Load(image)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].MountPoint)
}

func TestDetachByMountPoint(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	runner := &fakeRunner{outputs: map[string]string{
		"losetup --associated": "/dev/loop5 1048576 367001600 " + image + "\n",
	}}
	table := []*mount.Info{{Mountpoint: dir, Source: "/dev/loop5", Fstype: "ext4"}}
	m, store := newTestManager(t, runner, table)

	record := state.NewRecord(image, 1, 1048576, 367001600, "/dev/loop5")
	record.MountPoint = dir
	require.NoError(t, store.Add(image, record))

	require.NoError(t, m.Detach(context.Background(), DetachRequest{MountPoint: dir}))
	assert.True(t, runner.called("umount "+dir))
	assert.True(t, runner.called("losetup --detach /dev/loop5"))

	records, err := store.Load(image)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetachByImage(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "/dev/loop5 1048576 367001600 " + image + "\n",
	}}
	table := []*mount.Info{{Mountpoint: dir, Source: "/dev/loop5", Fstype: "ext4"}}
	m, store := newTestManager(t, runner, table)

	record := state.NewRecord(image, 1, 1048576, 367001600, "/dev/loop5")
	record.MountPoint = dir
	require.NoError(t, store.Add(image, record))

	require.NoError(t, m.Detach(context.Background(), DetachRequest{Image: image, Index: 1}))
	assert.True(t, runner.called("umount "+dir))
	assert.True(t, runner.called("losetup --detach /dev/loop5"))
}

func TestDetachWholeImage(t *testing.T) {
	image := tempImage(t)
	runner := &fakeRunner{outputs: map[string]string{
		"losetup --associated": "/dev/loop5 1048576 367001600 " + image + "\n" +
			"/dev/loop6 368050176 1000000 " + image + "\n",
	}}
	table := []*mount.Info{{Mountpoint: "/mnt/a", Source: "/dev/loop5", Fstype: "ext4"}}
	m, store := newTestManager(t, runner, table)

	record := state.NewRecord(image, 1, 1048576, 367001600, "/dev/loop5")
	record.MountPoint = "/mnt/a"
	require.NoError(t, store.Add(image, record))
	require.NoError(t, store.Add(image, state.NewRecord(image, 2, 368050176, 1000000, "/dev/loop6")))

	require.NoError(t, m.Detach(context.Background(), DetachRequest{Image: image}))
	assert.True(t, runner.called("umount /mnt/a"))
	assert.True(t, runner.called("losetup --detach /dev/loop5"))
	assert.True(t, runner.called("losetup --detach /dev/loop6"))

	records, err := store.Load(image)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetachMismatch(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "/dev/loop7 1048576 367001600 " + image + "\n",
	}}
	table := []*mount.Info{{Mountpoint: dir, Source: "/dev/loop5", Fstype: "ext4"}}
	m, _ := newTestManager(t, runner, table)

	err := m.Detach(context.Background(), DetachRequest{MountPoint: dir, Image: image, Index: 1})
	require.Error(t, err)
	mismatch, ok := err.(MismatchError)
	require.True(t, ok, "expected MismatchError, got %T: %v", err, err)
	assert.Equal(t, "/dev/loop5", mismatch.DeviceFromMount)
	assert.Equal(t, "/dev/loop7", mismatch.DeviceFromImage)

	// nothing is undone on a mismatch
	assert.False(t, runner.called("umount"))
	assert.False(t, runner.called("--detach"))
}

func TestDetachStillInUse(t *testing.T) {
	image := tempImage(t)
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "/dev/loop5 1048576 367001600 " + image + "\n",
	}}
	table := []*mount.Info{
		{Mountpoint: "/mnt/mine", Source: "/dev/loop5", Fstype: "ext4"},
		{Mountpoint: "/mnt/theirs", Source: "/dev/loop5", Fstype: "ext4"},
	}
	m, store := newTestManager(t, runner, table)

	record := state.NewRecord(image, 1, 1048576, 367001600, "/dev/loop5")
	record.MountPoint = "/mnt/mine"
	require.NoError(t, store.Add(image, record))

	err := m.Detach(context.Background(), DetachRequest{Image: image, Index: 1})
	require.Error(t, err)
	inUse, ok := err.(StillInUseError)
	require.True(t, ok, "expected StillInUseError, got %T: %v", err, err)
	assert.Equal(t, []string{"/mnt/theirs"}, inUse.MountPoints)

	// only the owned mount was undone, the device stays attached
	assert.True(t, runner.called("umount /mnt/mine"))
	assert.False(t, runner.called("umount /mnt/theirs"))
	assert.False(t, runner.called("--detach"))

	records, err := store.Load(image)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].MountPoint)
}

func TestDetachNotAttached(t *testing.T) {
	image := tempImage(t)
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "",
	}}
	m, _ := newTestManager(t, runner, nil)

	err := m.Detach(context.Background(), DetachRequest{Image: image, Index: 1})
	require.Error(t, err)
	if _, ok := err.(NotAttachedError); !ok {
		t.Fatalf("expected NotAttachedError, got %T: %v", err, err)
	}
}

func TestDetachStaleRecord(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	runner := &fakeRunner{outputs: map[string]string{
		"losetup --associated": "",
	}}
	m, store := newTestManager(t, runner, nil)

	record := state.NewRecord(image, 1, 1048576, 367001600, "/dev/loop5")
	record.MountPoint = dir
	require.NoError(t, store.Add(image, record))

	// mount and loop device are both gone, only the record is left
	require.NoError(t, m.Detach(context.Background(), DetachRequest{MountPoint: dir}))
	assert.False(t, runner.called("umount"))
	assert.False(t, runner.called("--detach"))

	records, err := store.Load(image)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetachStaleRecordDeviceReused(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	// the kernel reuses loop numbers: /dev/loop5 now maps a different byte
	// range of the same image
	runner := &fakeRunner{outputs: map[string]string{
		"losetup --associated": "/dev/loop5 368050176 1000000 " + image + "\n",
	}}
	m, store := newTestManager(t, runner, nil)

	record := state.NewRecord(image, 1, 1048576, 367001600, "/dev/loop5")
	record.MountPoint = dir
	require.NoError(t, store.Add(image, record))

	// the recorded device number must not be trusted: nothing is detached,
	// the record is dropped as stale
	require.NoError(t, m.Detach(context.Background(), DetachRequest{MountPoint: dir}))
	assert.False(t, runner.called("--detach"))

	records, err := store.Load(image)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetachStaleRecordDeviceRenumbered(t *testing.T) {
	image := tempImage(t)
	dir := t.TempDir()
	// the recorded byte range is live, but on a different device number
	runner := &fakeRunner{outputs: map[string]string{
		"losetup --associated": "/dev/loop7 1048576 367001600 " + image + "\n",
	}}
	m, store := newTestManager(t, runner, nil)

	record := state.NewRecord(image, 1, 1048576, 367001600, "/dev/loop5")
	record.MountPoint = dir
	require.NoError(t, store.Add(image, record))

	// the device is re-derived from the live mapping of the recorded range
	require.NoError(t, m.Detach(context.Background(), DetachRequest{MountPoint: dir}))
	assert.True(t, runner.called("losetup --detach /dev/loop7"))
	assert.False(t, runner.called("--detach /dev/loop5"))

	records, err := store.Load(image)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetachUnknownMountPoint(t *testing.T) {
	runner := &fakeRunner{}
	m, _ := newTestManager(t, runner, nil)

	err := m.Detach(context.Background(), DetachRequest{MountPoint: "/mnt/nowhere"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing is mounted")
}

func TestList(t *testing.T) {
	image := tempImage(t)
	runner := &fakeRunner{outputs: map[string]string{
		"parted":               partedOnePartition,
		"sfdisk":               sfdiskOnePartition,
		"losetup --associated": "/dev/loop5 1048576 367001600 " + image + "\n",
	}}
	table := []*mount.Info{{Mountpoint: "/mnt/data", Source: "/dev/loop5", Fstype: "ext4"}}
	m, _ := newTestManager(t, runner, table)

	statuses, err := m.List(context.Background(), image)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].Index)
	assert.Equal(t, "ext4", statuses[0].Fstype)
	assert.Equal(t, "/dev/loop5", statuses[0].Device)
	assert.Equal(t, []string{"/mnt/data"}, statuses[0].MountPoints)
}

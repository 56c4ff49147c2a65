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

// Package manager coordinates the partition locator, the loop device layer,
// the mount table and the state store into the user-facing mount and detach
// operations. The kernel is the source of truth throughout; persisted records
// only let a detach confirm it is undoing work this tool did.
package manager

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/partmount/partmount/pkg/loopdev"
	"github.com/partmount/partmount/pkg/partition"
	"github.com/partmount/partmount/pkg/state"
	"github.com/partmount/partmount/pkg/util/command"
	"github.com/partmount/partmount/pkg/util/file"
	"github.com/partmount/partmount/pkg/util/logs"
	"github.com/partmount/partmount/pkg/util/mount"
)

const (
	DefaultMountCmd  = "mount"
	DefaultUmountCmd = "umount"
)

// Manager ties the layers together.
type Manager struct {
	locator   *partition.Locator
	loop      *loopdev.Manager
	store     *state.Store
	runner    command.Interface
	mounts    func() ([]*mount.Info, error)
	mountCmd  string
	umountCmd string
	logger    *logs.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMountCmd overrides the mount binary path.
func WithMountCmd(cmd string) Option {
	return func(m *Manager) {
		m.mountCmd = cmd
	}
}

// WithUmountCmd overrides the umount binary path.
func WithUmountCmd(cmd string) Option {
	return func(m *Manager) {
		m.umountCmd = cmd
	}
}

// WithMountTable overrides how the live mount table is read.
func WithMountTable(fn func() ([]*mount.Info, error)) Option {
	return func(m *Manager) {
		m.mounts = fn
	}
}

// New creates a Manager.
func New(locator *partition.Locator, loop *loopdev.Manager, store *state.Store, runner command.Interface, opts ...Option) *Manager {
	m := &Manager{
		locator:   locator,
		loop:      loop,
		store:     store,
		runner:    runner,
		mounts:    mount.GetMounts,
		mountCmd:  DefaultMountCmd,
		umountCmd: DefaultUmountCmd,
		logger:    logs.NewLogger().WithField("module", "manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mount locates partition index of image, attaches it via a loop device and
// mounts it at dir. A mount failure leaves the loop device attached so the
// situation can be inspected and undone with a detach.
func (m *Manager) Mount(ctx context.Context, image string, index int, dir string, readOnly bool) (*state.Record, error) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	ok, err := file.IsDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "stat mount target %s", dir)
	}
	if !ok {
		return nil, InvalidTargetError{Dir: dir, Reason: "not an existing directory"}
	}

	lock, err := m.store.Lock(image)
	if err != nil {
		return nil, err
	}
	defer m.unlock(lock)

	// mounted first: the visible content of an already-mounted target would
	// make the emptiness check answer for the wrong filesystem
	table, err := m.mounts()
	if err != nil {
		return nil, errors.Wrap(err, "read mount table")
	}
	if info := mount.InfoFor(table, dir); info != nil {
		return nil, AlreadyMountedError{Device: info.Source, Dir: dir}
	}
	empty, err := file.IsEmptyDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read mount target %s", dir)
	}
	if !empty {
		return nil, TargetNotEmptyError{Dir: dir}
	}

	geom, err := m.locator.Locate(ctx, image, index)
	if err != nil {
		return nil, err
	}
	dev, reused, err := m.loop.Attach(ctx, image, geom)
	if err != nil {
		return nil, err
	}

	record := m.adoptRecord(image, index, geom, dev, reused)

	// re-check right before mounting to narrow the attach/mount race; a
	// device mounted anywhere, not just at dir, refuses a second mount
	table, err = m.mounts()
	if err != nil {
		return nil, errors.Wrap(err, "read mount table")
	}
	if infos := mount.FilterBySource(table, dev.Path); len(infos) > 0 {
		return nil, AlreadyMountedError{Device: dev.Path, Dir: infos[0].Mountpoint}
	}
	if info := mount.InfoFor(table, dir); info != nil {
		return nil, AlreadyMountedError{Device: info.Source, Dir: dir}
	}

	args := make([]string, 0, 4)
	if readOnly {
		args = append(args, "-o", "ro")
	}
	args = append(args, dev.Path, dir)
	if _, err := m.runner.Output(ctx, m.mountCmd, args...); err != nil {
		return nil, MountFailedError{Device: dev.Path, Dir: dir, Detail: err.Error()}
	}

	record.MountPoint = dir
	if err := m.store.Update(image, record); err != nil {
		m.logger.Warnf("record mount of %s at %s: %s", dev.Path, dir, err)
	}
	m.logger.Infof("mounted partition %d of %s via %s at %s", index, image, dev.Path, dir)
	return record, nil
}

// Attach locates partition index of image and attaches it via a loop device
// without mounting. The reported bool is true when an existing mapping was
// reused.
func (m *Manager) Attach(ctx context.Context, image string, index int) (*loopdev.Device, bool, error) {
	lock, err := m.store.Lock(image)
	if err != nil {
		return nil, false, err
	}
	defer m.unlock(lock)

	geom, err := m.locator.Locate(ctx, image, index)
	if err != nil {
		return nil, false, err
	}
	dev, reused, err := m.loop.Attach(ctx, image, geom)
	if err != nil {
		return nil, false, err
	}
	m.adoptRecord(image, index, geom, dev, reused)
	return dev, reused, nil
}

// adoptRecord ensures the state store has a record for the attachment,
// whether this call created the mapping or converged on an existing one.
// Store failures are logged, not returned: the attachment is live either way
// and a later detach re-derives everything from the kernel.
func (m *Manager) adoptRecord(image string, index int, geom partition.Geometry, dev *loopdev.Device, reused bool) *state.Record {
	if reused {
		records, err := m.store.Load(image)
		if err != nil {
			m.logger.Warnf("load records for image %s: %s", image, err)
		}
		for _, r := range records {
			if r.LoopDevice == dev.Path && r.PartitionIndex == index {
				return r
			}
		}
	}
	record := state.NewRecord(image, index, geom.Offset, geom.Length, dev.Path)
	if err := m.store.Add(image, record); err != nil {
		m.logger.Warnf("record attachment of %s for image %s: %s", dev.Path, image, err)
	}
	return record
}

// DetachRequest names the attachment to undo, by mount point, by image and
// partition index, or both. When both are given they must resolve to the
// same loop device.
type DetachRequest struct {
	MountPoint string
	Image      string
	Index      int
}

// Detach unmounts and detaches the attachment named by req. An image
// without a partition index tears down every attachment of that image.
// Mounts of the device not created by this tool are left alone and keep the
// device attached; the caller gets a StillInUseError naming them.
func (m *Manager) Detach(ctx context.Context, req DetachRequest) error {
	if req.MountPoint == "" && req.Image == "" {
		return errors.New("either a mount point or an image and partition index is required")
	}
	if req.MountPoint != "" {
		if abs, err := filepath.Abs(req.MountPoint); err == nil {
			req.MountPoint = abs
		}
	}

	table, err := m.mounts()
	if err != nil {
		return errors.Wrap(err, "read mount table")
	}

	var device string
	var record *state.Record
	if req.MountPoint != "" {
		record, err = m.store.FindByMountPoint(req.MountPoint)
		if err != nil {
			m.logger.Warnf("search records for mount point %s: %s", req.MountPoint, err)
		}
		if info := mount.InfoFor(table, req.MountPoint); info != nil {
			if !loopdev.IsLoopDevice(info.Source) {
				return errors.Errorf("%s is mounted from %s, not a loop device", req.MountPoint, info.Source)
			}
			device = info.Source
		} else if record == nil {
			return errors.Errorf("nothing is mounted at %s", req.MountPoint)
		}
	}

	image := req.Image
	if image == "" {
		if record != nil {
			image = record.Image
		} else {
			dev, err := m.loop.Get(ctx, device)
			if err != nil {
				return err
			}
			if dev == nil {
				return errors.Errorf("loop device %s has no live mapping", device)
			}
			image = dev.BackingFile
		}
	}

	lock, err := m.store.Lock(image)
	if err != nil {
		return err
	}
	defer m.unlock(lock)

	if req.Image != "" && req.Index > 0 {
		geom, err := m.locator.Locate(ctx, req.Image, req.Index)
		if err != nil {
			return err
		}
		dev, err := m.loop.Find(ctx, req.Image, geom.Offset)
		if err != nil {
			return err
		}
		if device != "" {
			fromImage := ""
			if dev != nil {
				fromImage = dev.Path
			}
			if fromImage != device {
				return MismatchError{
					MountPoint:      req.MountPoint,
					Image:           req.Image,
					Index:           req.Index,
					DeviceFromMount: device,
					DeviceFromImage: fromImage,
				}
			}
		} else {
			if dev == nil {
				return NotAttachedError{Image: req.Image, Index: req.Index}
			}
			device = dev.Path
		}
	} else if req.MountPoint != "" && req.Image != "" {
		return errors.New("an image cross-check requires the partition index")
	}

	if device == "" && record != nil {
		// the mount is gone and only a record remains; loop device numbers
		// are reused by the kernel, so the device is re-derived from the
		// recorded byte range instead of the saved device number
		live, err := m.loop.Find(ctx, image, record.OffsetBytes)
		if err != nil {
			return err
		}
		if live == nil || live.SizeLimit != record.LengthBytes {
			if err := m.store.Remove(image, record.ID); err != nil {
				m.logger.Warnf("drop stale record %s for image %s: %s", record.ID, image, err)
			}
			m.logger.Infof("record for mount point %s no longer matches a live mapping, nothing to detach", req.MountPoint)
			return nil
		}
		device = live.Path
		if record.LoopDevice != device {
			record.LoopDevice = device
			if err := m.store.Update(image, record); err != nil {
				m.logger.Warnf("update record %s for image %s: %s", record.ID, image, err)
			}
		}
	}

	records, err := m.store.Load(image)
	if err != nil {
		m.logger.Warnf("load records for image %s: %s", image, err)
	}

	if device == "" {
		// image without an index: every loop device of the image
		live, err := m.loop.FindAssociated(ctx, image)
		if err != nil {
			return err
		}
		if len(live) == 0 {
			return NotAttachedError{Image: image, Index: req.Index}
		}
		var errs error
		for _, d := range live {
			errs = multierr.Append(errs, m.teardown(ctx, image, d.Path, "", table, records))
		}
		return errs
	}
	return m.teardown(ctx, image, device, req.MountPoint, table, records)
}

// teardown unmounts and detaches one loop device. explicitMount, when
// non-empty, is the only mount undone; otherwise every mount of the device
// owned by a record is. Foreign mounts keep the device attached.
func (m *Manager) teardown(ctx context.Context, image, device, explicitMount string, table []*mount.Info, records []*state.Record) error {
	var targets []string
	if explicitMount != "" {
		if mount.InfoFor(table, explicitMount) != nil {
			targets = append(targets, explicitMount)
		}
	} else {
		owned := map[string]bool{}
		for _, r := range records {
			if r.LoopDevice == device && r.MountPoint != "" {
				owned[r.MountPoint] = true
			}
		}
		for _, info := range mount.FilterBySource(table, device) {
			if owned[info.Mountpoint] {
				targets = append(targets, info.Mountpoint)
			}
		}
	}

	var unmountErrs error
	unmounted := map[string]bool{}
	for _, target := range targets {
		if _, err := m.runner.Output(ctx, m.umountCmd, target); err != nil {
			unmountErrs = multierr.Append(unmountErrs, errors.Wrapf(err, "unmount %s", target))
			continue
		}
		unmounted[target] = true
		m.logger.Infof("unmounted %s", target)
	}
	m.forgetMounts(image, device, records, unmounted)
	if unmountErrs != nil {
		return unmountErrs
	}

	var remaining []string
	for _, info := range mount.FilterBySource(table, device) {
		if !unmounted[info.Mountpoint] {
			remaining = append(remaining, info.Mountpoint)
		}
	}
	if len(remaining) > 0 {
		return StillInUseError{Device: device, MountPoints: remaining}
	}

	live, err := m.loop.FindAssociated(ctx, image)
	if err != nil {
		return err
	}
	attached := false
	for _, d := range live {
		if d.Path == device {
			attached = true
			break
		}
	}
	if attached {
		if err := m.loop.Detach(ctx, device); err != nil {
			return err
		}
	} else {
		m.logger.Infof("loop device %s already detached", device)
	}
	for _, r := range records {
		if r.LoopDevice != device {
			continue
		}
		if err := m.store.Remove(image, r.ID); err != nil {
			m.logger.Warnf("drop record %s for image %s: %s", r.ID, image, err)
		}
	}
	return nil
}

// forgetMounts clears the mount point of records whose mount was just
// undone, keeping the record itself while the loop device stays attached.
func (m *Manager) forgetMounts(image, device string, records []*state.Record, unmounted map[string]bool) {
	for _, r := range records {
		if r.LoopDevice != device || !unmounted[r.MountPoint] {
			continue
		}
		r.MountPoint = ""
		if err := m.store.Update(image, r); err != nil {
			m.logger.Warnf("update record %s for image %s: %s", r.ID, image, err)
		}
	}
}

// Status is one partition of an image together with its live attachment
// state.
type Status struct {
	partition.Entry
	Device      string
	MountPoints []string
}

// List returns the cross-checked partition table of image annotated with
// which partitions are currently attached and where they are mounted.
func (m *Manager) List(ctx context.Context, image string) ([]Status, error) {
	entries, err := m.locator.Table(ctx, image)
	if err != nil {
		return nil, err
	}
	devices, err := m.loop.FindAssociated(ctx, image)
	if err != nil {
		return nil, err
	}
	table, err := m.mounts()
	if err != nil {
		return nil, errors.Wrap(err, "read mount table")
	}

	statuses := make([]Status, 0, len(entries))
	for _, e := range entries {
		s := Status{Entry: e}
		for i := range devices {
			if devices[i].Offset == e.Offset && devices[i].SizeLimit == e.Length {
				s.Device = devices[i].Path
				break
			}
		}
		if s.Device != "" {
			for _, info := range mount.FilterBySource(table, s.Device) {
				s.MountPoints = append(s.MountPoints, info.Mountpoint)
			}
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func (m *Manager) unlock(lock *state.Lock) {
	if err := lock.Unlock(); err != nil {
		m.logger.Warnf("release image lock: %s", err)
	}
}

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

// Package loopdev manages loop device mappings through losetup. All state is
// re-derived from the kernel on every call; device identifiers are never
// trusted from earlier runs because the kernel reuses loop device numbers.
package loopdev

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/partmount/partmount/pkg/partition"
	"github.com/partmount/partmount/pkg/util/bytefmt"
	"github.com/partmount/partmount/pkg/util/command"
	"github.com/partmount/partmount/pkg/util/logs"
)

const DefaultLosetupCmd = "losetup"

// devicePattern is the device-namespace shape a trustworthy losetup answer
// must have.
var devicePattern = regexp.MustCompile(`^/dev/loop\d+$`)

// Device is one live loop device mapping.
type Device struct {
	Path        string
	Offset      uint64
	SizeLimit   uint64
	BackingFile string
}

func (d *Device) String() string {
	return d.Path
}

// IsLoopDevice reports whether path names a loop device node.
func IsLoopDevice(path string) bool {
	return devicePattern.MatchString(path)
}

// AttachError reports a failed or untrustworthy attach operation.
type AttachError struct {
	Image  string
	Detail string
}

func (e AttachError) Error() string {
	return fmt.Sprintf("attach loop device for image %s failed: %s", e.Image, e.Detail)
}

// SizeMismatchError reports an existing mapping for the requested offset
// whose size limit differs from the requested geometry. Reusing it silently
// could expose bytes beyond the partition boundary, so the attach is refused.
type SizeMismatchError struct {
	Device    string
	Image     string
	Requested uint64
	Actual    uint64
}

func (e SizeMismatchError) Error() string {
	return fmt.Sprintf("loop device %s already maps image %s at the requested offset with size limit %d, want %d",
		e.Device, e.Image, e.Actual, e.Requested)
}

// Manager runs losetup.
type Manager struct {
	runner     command.Interface
	losetupCmd string
	logger     *logs.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLosetupCmd overrides the losetup binary path.
func WithLosetupCmd(cmd string) ManagerOption {
	return func(m *Manager) {
		m.losetupCmd = cmd
	}
}

// NewManager creates a loop device manager.
func NewManager(runner command.Interface, opts ...ManagerOption) *Manager {
	m := &Manager{
		runner:     runner,
		losetupCmd: DefaultLosetupCmd,
		logger:     logs.NewLogger().WithField("module", "loopdev"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindAssociated returns every loop device currently backed by image.
func (m *Manager) FindAssociated(ctx context.Context, image string) ([]Device, error) {
	res, err := m.runner.Output(ctx, m.losetupCmd,
		"--list", "--noheadings", "--output", "NAME,OFFSET,SIZELIMIT,BACK-FILE",
		"--associated", image)
	if err != nil {
		return nil, errors.Wrapf(err, "query loop devices for image %s", image)
	}
	return parseList(res.Stdout), nil
}

// Find returns the loop device mapping (image, offset), or nil when the
// kernel reports none.
func (m *Manager) Find(ctx context.Context, image string, offset uint64) (*Device, error) {
	devices, err := m.FindAssociated(ctx, image)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Offset == offset {
			return &devices[i], nil
		}
	}
	return nil, nil
}

// Get resolves one loop device path to its live mapping.
func (m *Manager) Get(ctx context.Context, device string) (*Device, error) {
	if !devicePattern.MatchString(device) {
		return nil, errors.Errorf("%s is not a loop device path", device)
	}
	res, err := m.runner.Output(ctx, m.losetupCmd,
		"--list", "--noheadings", "--output", "NAME,OFFSET,SIZELIMIT,BACK-FILE",
		device)
	if err != nil {
		return nil, errors.Wrapf(err, "query loop device %s", device)
	}
	devices := parseList(res.Stdout)
	if len(devices) == 0 {
		return nil, nil
	}
	return &devices[0], nil
}

// Attach ensures a loop device maps exactly (image, geom) and returns it.
// An existing mapping for the same offset is reused so that independent
// invocations converge on one device; reuse with a differing size limit is
// refused. The reported bool is true when an existing mapping was reused.
func (m *Manager) Attach(ctx context.Context, image string, geom partition.Geometry) (*Device, bool, error) {
	existing, err := m.Find(ctx, image, geom.Offset)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.SizeLimit != geom.Length {
			return nil, false, SizeMismatchError{
				Device:    existing.Path,
				Image:     image,
				Requested: geom.Length,
				Actual:    existing.SizeLimit,
			}
		}
		m.logger.Infof("reusing loop device %s already mapping %s at offset %d size %s",
			existing.Path, image, geom.Offset, bytefmt.String(existing.SizeLimit))
		return existing, true, nil
	}

	// size limit always set, the device must not expose bytes beyond the
	// partition boundary
	res, err := m.runner.Output(ctx, m.losetupCmd,
		"--show", "--find",
		"--offset", strconv.FormatUint(geom.Offset, 10),
		"--sizelimit", strconv.FormatUint(geom.Length, 10),
		image)
	if err != nil {
		return nil, false, AttachError{Image: image, Detail: err.Error()}
	}
	devPath := strings.TrimSpace(string(res.Stdout))
	if !devicePattern.MatchString(devPath) {
		return nil, false, AttachError{Image: image, Detail: fmt.Sprintf("losetup returned unexpected device path %q", devPath)}
	}
	m.logger.Infof("attached loop device %s mapping %s at offset %d size %s",
		devPath, image, geom.Offset, bytefmt.String(geom.Length))
	return &Device{
		Path:        devPath,
		Offset:      geom.Offset,
		SizeLimit:   geom.Length,
		BackingFile: image,
	}, false, nil
}

// Detach removes the mapping of the given loop device.
func (m *Manager) Detach(ctx context.Context, device string) error {
	if !devicePattern.MatchString(device) {
		return errors.Errorf("%s is not a loop device path", device)
	}
	if _, err := m.runner.Output(ctx, m.losetupCmd, "--detach", device); err != nil {
		return errors.Wrapf(err, "detach loop device %s", device)
	}
	m.logger.Infof("detached loop device %s", device)
	return nil
}

// parseList parses losetup --list --noheadings output, one device per line:
//
//	/dev/loop3 1048576 367001600 /var/lib/images/disk.img
//
// The backing file is last and may contain spaces; a " (deleted)" marker is
// stripped.
func parseList(out []byte) []Device {
	devices := make([]Device, 0)
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || !devicePattern.MatchString(fields[0]) {
			continue
		}
		offset, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		sizelimit, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		backing := strings.Join(fields[3:], " ")
		backing = strings.TrimSuffix(backing, " (deleted)")
		devices = append(devices, Device{
			Path:        fields[0],
			Offset:      offset,
			SizeLimit:   sizelimit,
			BackingFile: backing,
		})
	}
	return devices
}

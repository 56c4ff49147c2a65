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
	"fmt"
	"strings"
)

// InvalidTargetError reports a mount target that is unusable before any
// system state was touched.
type InvalidTargetError struct {
	Dir    string
	Reason string
}

func (e InvalidTargetError) Error() string {
	return fmt.Sprintf("mount target %s: %s", e.Dir, e.Reason)
}

// TargetNotEmptyError reports a mount target directory that has entries.
// Mounting over them would shadow existing files.
type TargetNotEmptyError struct {
	Dir string
}

func (e TargetNotEmptyError) Error() string {
	return fmt.Sprintf("mount target %s is not empty", e.Dir)
}

// AlreadyMountedError reports a mount target that is already a mountpoint.
type AlreadyMountedError struct {
	Device string
	Dir    string
}

func (e AlreadyMountedError) Error() string {
	return fmt.Sprintf("%s is already mounted at %s", e.Device, e.Dir)
}

// MountFailedError reports a failed mount call. The loop device stays
// attached so the failure can be inspected and undone with a detach.
type MountFailedError struct {
	Device string
	Dir    string
	Detail string
}

func (e MountFailedError) Error() string {
	return fmt.Sprintf("mount %s at %s failed: %s", e.Device, e.Dir, e.Detail)
}

// NotAttachedError reports that no live loop device maps the requested
// partition, so there is nothing to detach.
type NotAttachedError struct {
	Image string
	Index int
}

func (e NotAttachedError) Error() string {
	return fmt.Sprintf("no loop device is attached for partition %d of image %s", e.Index, e.Image)
}

// MismatchError reports that the mount point and the image/index arguments
// of a detach resolve to different loop devices. Nothing is undone on a
// mismatch.
type MismatchError struct {
	MountPoint      string
	Image           string
	Index           int
	DeviceFromMount string
	DeviceFromImage string
}

func (e MismatchError) Error() string {
	return fmt.Sprintf("mount point %s is backed by %s but partition %d of image %s maps to %s",
		e.MountPoint, e.DeviceFromMount, e.Index, e.Image, e.DeviceFromImage)
}

// StillInUseError reports mounts of the loop device that remain after the
// requested unmounts, so the device was left attached.
type StillInUseError struct {
	Device      string
	MountPoints []string
}

func (e StillInUseError) Error() string {
	return fmt.Sprintf("loop device %s is still mounted at %s", e.Device, strings.Join(e.MountPoints, ", "))
}

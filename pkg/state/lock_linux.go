//go:build linux
// +build linux

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

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lock is a held host-wide advisory lock for one image.
type Lock struct {
	f *os.File
}

// Lock takes the advisory lock for image, blocking until it is available.
// Holding it across attach+mount (and unmount+detach) narrows the window
// between the mounted-state check and the mount call; other processes
// mutating loop devices outside this tool are unaffected.
func (s *Store) Lock(image string) (*Lock, error) {
	path := filepath.Join(s.dir, s.key(image)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file for image %s", image)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "lock image %s", image)
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	defer l.f.Close()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrap(err, "unlock image")
	}
	return nil
}

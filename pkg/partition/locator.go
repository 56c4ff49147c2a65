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

package partition

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/partmount/partmount/pkg/util/command"
	"github.com/partmount/partmount/pkg/util/file"
	"github.com/partmount/partmount/pkg/util/logs"
)

const (
	DefaultPartedCmd = "parted"
	DefaultSfdiskCmd = "sfdisk"
)

// Locator resolves partition geometry by querying parted and sfdisk
// independently and requiring exact agreement. Geometry is recomputed on
// every call; the on-disk table is the single source of truth and caching
// would go stale if the image were repartitioned between calls.
type Locator struct {
	runner    command.Interface
	partedCmd string
	sfdiskCmd string
	logger    *logs.Logger
}

// LocatorOption configures a Locator.
type LocatorOption func(*Locator)

// WithPartedCmd overrides the parted binary path.
func WithPartedCmd(cmd string) LocatorOption {
	return func(l *Locator) {
		l.partedCmd = cmd
	}
}

// WithSfdiskCmd overrides the sfdisk binary path.
func WithSfdiskCmd(cmd string) LocatorOption {
	return func(l *Locator) {
		l.sfdiskCmd = cmd
	}
}

// NewLocator creates a Locator running the table readers via runner.
func NewLocator(runner command.Interface, opts ...LocatorOption) *Locator {
	l := &Locator{
		runner:    runner,
		partedCmd: DefaultPartedCmd,
		sfdiskCmd: DefaultSfdiskCmd,
		logger:    logs.NewLogger().WithField("module", "partition"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate returns the byte geometry of the index-th partition of image.
// Both readers are consulted on every call and must agree exactly.
func (l *Locator) Locate(ctx context.Context, image string, index int) (Geometry, error) {
	if index < 1 {
		return Geometry{}, InvalidInputError{Image: image, Index: index, Reason: "partition index must be a positive integer"}
	}
	ok, err := file.IsRegular(image)
	if err != nil {
		return Geometry{}, errors.Wrapf(err, "stat image %s", image)
	}
	if !ok {
		return Geometry{}, InvalidInputError{Image: image, Index: index, Reason: "image is not an existing regular file"}
	}

	partedOut, sfdiskOut, err := l.readTables(ctx, image)
	if err != nil {
		return Geometry{}, err
	}

	var fromParted, fromSfdisk *Geometry
	if err := scanParted(partedOut, func(e Entry) bool {
		if e.Index == index {
			g := e.Geometry
			fromParted = &g
			return true
		}
		return false
	}); err != nil {
		return Geometry{}, errors.Wrapf(err, "scan parted output for image %s", image)
	}
	if err := scanSfdisk(sfdiskOut, func(e Entry) bool {
		if e.Index == index {
			g := e.Geometry
			fromSfdisk = &g
			return true
		}
		return false
	}); err != nil {
		return Geometry{}, errors.Wrapf(err, "scan sfdisk output for image %s", image)
	}

	if fromParted == nil && fromSfdisk == nil {
		return Geometry{}, NotFoundError{Image: image, Index: index}
	}
	if fromParted == nil || fromSfdisk == nil || *fromParted != *fromSfdisk {
		return Geometry{}, DisagreementError{Image: image, Index: index, Parted: fromParted, Sfdisk: fromSfdisk}
	}

	l.logger.V(4).Infof("located partition %d of %s: %s", index, image, fromParted)
	return *fromParted, nil
}

// Table returns the full cross-checked partition table of image, sorted by
// index. Any per-index mismatch between the readers fails the whole listing.
func (l *Locator) Table(ctx context.Context, image string) ([]Entry, error) {
	ok, err := file.IsRegular(image)
	if err != nil {
		return nil, errors.Wrapf(err, "stat image %s", image)
	}
	if !ok {
		return nil, InvalidInputError{Image: image, Index: 0, Reason: "image is not an existing regular file"}
	}

	partedOut, sfdiskOut, err := l.readTables(ctx, image)
	if err != nil {
		return nil, err
	}

	fromParted := map[int]Entry{}
	if err := scanParted(partedOut, func(e Entry) bool {
		fromParted[e.Index] = e
		return false
	}); err != nil {
		return nil, errors.Wrapf(err, "scan parted output for image %s", image)
	}
	fromSfdisk := map[int]Geometry{}
	if err := scanSfdisk(sfdiskOut, func(e Entry) bool {
		fromSfdisk[e.Index] = e.Geometry
		return false
	}); err != nil {
		return nil, errors.Wrapf(err, "scan sfdisk output for image %s", image)
	}

	entries := make([]Entry, 0, len(fromParted))
	for index, e := range fromParted {
		g, ok := fromSfdisk[index]
		if !ok {
			return nil, DisagreementError{Image: image, Index: index, Parted: &e.Geometry}
		}
		if g != e.Geometry {
			return nil, DisagreementError{Image: image, Index: index, Parted: &e.Geometry, Sfdisk: &g}
		}
		entries = append(entries, e)
	}
	for index := range fromSfdisk {
		if _, ok := fromParted[index]; !ok {
			g := fromSfdisk[index]
			return nil, DisagreementError{Image: image, Index: index, Sfdisk: &g}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

func (l *Locator) readTables(ctx context.Context, image string) (partedOut, sfdiskOut []byte, err error) {
	partedRes, err := l.runner.Output(ctx, l.partedCmd, "-s", "-m", image, "unit", "B", "print")
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read partition table of %s via parted", image)
	}
	sfdiskRes, err := l.runner.Output(ctx, l.sfdiskCmd, "-d", image)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read partition table of %s via sfdisk", image)
	}
	return partedRes.Stdout, sfdiskRes.Stdout, nil
}

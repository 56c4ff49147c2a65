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

package app

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/partmount/partmount/cmd/partmount/options"
)

func newMountCommand(o *options.Options) *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "mount IMAGE INDEX DIR",
		Short: "Locate a partition, attach it via a loop device and mount it at DIR",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			m, err := newManager(o)
			if err != nil {
				return err
			}
			record, err := m.Mount(cmd.Context(), args[0], index, args[2], readOnly)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mounted partition %d of %s via %s at %s\n",
				index, args[0], record.LoopDevice, record.MountPoint)
			return nil
		},
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "mount the filesystem read-only")
	return cmd
}

func parseIndex(arg string) (int, error) {
	index, err := strconv.Atoi(arg)
	if err != nil {
		return 0, errors.Errorf("partition index %q is not an integer", arg)
	}
	return index, nil
}

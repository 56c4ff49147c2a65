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

// Package app wires the commands of the partmount binary.
package app

import (
	"github.com/spf13/cobra"

	"github.com/partmount/partmount/cmd/partmount/options"
	"github.com/partmount/partmount/pkg/loopdev"
	"github.com/partmount/partmount/pkg/manager"
	"github.com/partmount/partmount/pkg/partition"
	"github.com/partmount/partmount/pkg/state"
	"github.com/partmount/partmount/pkg/util/command"
	"github.com/partmount/partmount/pkg/util/logs"
)

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the partmount command tree.
func NewRootCommand() *cobra.Command {
	o := options.NewOptions()
	cmd := &cobra.Command{
		Use:   "partmount",
		Short: "Mount partitions of raw disk images via loop devices",
		Long: `partmount locates a numbered partition inside a raw disk image by
cross-checking two independent partition table readers, attaches the
partition's byte range via a loop device and mounts it at an empty
directory. The unmount command undoes both steps.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd.Flags()); err != nil {
				return err
			}
			logs.InitLogs()
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logs.FlushLogs()
		},
	}

	fs := cmd.PersistentFlags()
	o.AddFlags(fs)
	logs.AddFlags(fs)

	cmd.AddCommand(
		newMountCommand(o),
		newUnmountCommand(o),
		newAttachCommand(o),
		newListCommand(o),
		newVersionCommand(),
	)
	return cmd
}

// newManager builds the manager stack from the options.
func newManager(o *options.Options) (*manager.Manager, error) {
	store, err := state.NewStore(o.StateDir)
	if err != nil {
		return nil, err
	}
	runner := command.New(command.WithTimeout(o.Timeout))
	locator := partition.NewLocator(runner,
		partition.WithPartedCmd(o.PartedCmd),
		partition.WithSfdiskCmd(o.SfdiskCmd))
	loop := loopdev.NewManager(runner, loopdev.WithLosetupCmd(o.LosetupCmd))
	return manager.New(locator, loop, store, runner,
		manager.WithMountCmd(o.MountCmd),
		manager.WithUmountCmd(o.UmountCmd)), nil
}

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
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/partmount/partmount/cmd/partmount/options"
	"github.com/partmount/partmount/pkg/util/bytefmt"
)

func newListCommand(o *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list IMAGE",
		Short: "List the partitions of an image with their attachment state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(o)
			if err != nil {
				return err
			}
			statuses, err := m.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tOFFSET\tSIZE\tFSTYPE\tDEVICE\tMOUNTPOINTS")
			for _, s := range statuses {
				device := s.Device
				if device == "" {
					device = "-"
				}
				mounts := "-"
				if len(s.MountPoints) > 0 {
					mounts = strings.Join(s.MountPoints, ",")
				}
				fstype := s.Fstype
				if fstype == "" {
					fstype = "-"
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
					s.Index, s.Offset, bytefmt.ByteSize(s.Length), fstype, device, mounts)
			}
			return w.Flush()
		},
	}
}

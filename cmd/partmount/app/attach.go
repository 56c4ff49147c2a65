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

	"github.com/spf13/cobra"

	"github.com/partmount/partmount/cmd/partmount/options"
)

func newAttachCommand(o *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "attach IMAGE INDEX",
		Short: "Attach a partition via a loop device without mounting it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			m, err := newManager(o)
			if err != nil {
				return err
			}
			dev, reused, err := m.Attach(cmd.Context(), args[0], index)
			if err != nil {
				return err
			}
			if reused {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (reused)\n", dev.Path)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), dev.Path)
			}
			return nil
		},
	}
}

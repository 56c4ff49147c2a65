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

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/partmount/partmount/cmd/partmount/options"
	"github.com/partmount/partmount/pkg/manager"
	"github.com/partmount/partmount/pkg/util/file"
)

func newUnmountCommand(o *options.Options) *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "unmount TARGET [INDEX]",
		Short: "Unmount a mounted partition and detach its loop device",
		Long: `Unmount and detach by mount directory:

  partmount unmount /mnt/data

or by image and partition index:

  partmount unmount disk.img 1

Omitting the index tears down every attachment of the image. When the
target is a directory, --image together with INDEX additionally
verifies that the mount really belongs to that partition before anything
is undone.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildDetachRequest(args, image)
			if err != nil {
				return err
			}
			m, err := newManager(o)
			if err != nil {
				return err
			}
			if err := m.Detach(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "detached %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "image to cross-check against when the target is a mount directory")
	return cmd
}

// buildDetachRequest disambiguates the target argument: an existing
// directory names a mount point, anything else names an image file.
func buildDetachRequest(args []string, image string) (manager.DetachRequest, error) {
	var req manager.DetachRequest
	isDir, err := file.IsDir(args[0])
	if err != nil {
		return req, errors.Wrapf(err, "stat %s", args[0])
	}
	if isDir {
		req.MountPoint = args[0]
		req.Image = image
		if image != "" && len(args) != 2 {
			return req, errors.New("--image also requires the partition index argument")
		}
		if len(args) == 2 {
			if image == "" {
				return req, errors.New("a partition index with a directory target requires --image")
			}
			if req.Index, err = parseIndex(args[1]); err != nil {
				return req, err
			}
		}
		return req, nil
	}
	if image != "" {
		return req, errors.New("--image only applies when the target is a mount directory")
	}
	req.Image = args[0]
	if len(args) == 2 {
		if req.Index, err = parseIndex(args[1]); err != nil {
			return req, err
		}
	}
	return req, nil
}

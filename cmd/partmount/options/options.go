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

// Package options
package options

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/partmount/partmount/pkg/loopdev"
	"github.com/partmount/partmount/pkg/manager"
	"github.com/partmount/partmount/pkg/partition"
	"github.com/partmount/partmount/pkg/state"
)

// DefaultTimeout bounds every external command run.
const DefaultTimeout = 30 * time.Second

// Options holds the runtime configuration of the tool.
type Options struct {
	ConfigFile string
	StateDir   string
	Timeout    time.Duration
	PartedCmd  string
	SfdiskCmd  string
	LosetupCmd string
	MountCmd   string
	UmountCmd  string
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		StateDir:   state.DefaultDir,
		Timeout:    DefaultTimeout,
		PartedCmd:  partition.DefaultPartedCmd,
		SfdiskCmd:  partition.DefaultSfdiskCmd,
		LosetupCmd: loopdev.DefaultLosetupCmd,
		MountCmd:   manager.DefaultMountCmd,
		UmountCmd:  manager.DefaultUmountCmd,
	}
}

// AddFlags registers the option flags.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "path of a YAML config file; flags override its values")
	fs.StringVar(&o.StateDir, "state-dir", o.StateDir, "directory for attachment records and image locks")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "bound on every external command run; 0 disables the bound")
	fs.StringVar(&o.PartedCmd, "parted-cmd", o.PartedCmd, "parted binary to run")
	fs.StringVar(&o.SfdiskCmd, "sfdisk-cmd", o.SfdiskCmd, "sfdisk binary to run")
	fs.StringVar(&o.LosetupCmd, "losetup-cmd", o.LosetupCmd, "losetup binary to run")
	fs.StringVar(&o.MountCmd, "mount-cmd", o.MountCmd, "mount binary to run")
	fs.StringVar(&o.UmountCmd, "umount-cmd", o.UmountCmd, "umount binary to run")
}

// fileConfig mirrors Options in the config file. Timeout is a duration
// string such as "30s".
type fileConfig struct {
	StateDir   string `yaml:"stateDir"`
	Timeout    string `yaml:"timeout"`
	PartedCmd  string `yaml:"partedCmd"`
	SfdiskCmd  string `yaml:"sfdiskCmd"`
	LosetupCmd string `yaml:"losetupCmd"`
	MountCmd   string `yaml:"mountCmd"`
	UmountCmd  string `yaml:"umountCmd"`
}

// Complete overlays the config file, if any, onto the options. A flag the
// user set on the command line wins over the file.
func (o *Options) Complete(fs *pflag.FlagSet) error {
	if o.ConfigFile == "" {
		return nil
	}
	data, err := os.ReadFile(o.ConfigFile)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", o.ConfigFile)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return errors.Wrapf(err, "parse config file %s", o.ConfigFile)
	}

	changed := func(flag string) bool {
		return fs != nil && fs.Changed(flag)
	}
	apply := func(flag, value string, dst *string) {
		if value != "" && !changed(flag) {
			*dst = value
		}
	}
	apply("state-dir", cfg.StateDir, &o.StateDir)
	apply("parted-cmd", cfg.PartedCmd, &o.PartedCmd)
	apply("sfdisk-cmd", cfg.SfdiskCmd, &o.SfdiskCmd)
	apply("losetup-cmd", cfg.LosetupCmd, &o.LosetupCmd)
	apply("mount-cmd", cfg.MountCmd, &o.MountCmd)
	apply("umount-cmd", cfg.UmountCmd, &o.UmountCmd)
	if cfg.Timeout != "" && !changed("timeout") {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return errors.Wrapf(err, "parse timeout in config file %s", o.ConfigFile)
		}
		o.Timeout = d
	}
	return o.Validate()
}

// Validate rejects unusable option values.
func (o *Options) Validate() error {
	if o.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if o.StateDir == "" {
		return errors.New("state directory must not be empty")
	}
	return nil
}

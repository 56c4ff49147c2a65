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

// Package command
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/partmount/partmount/pkg/util/logs"
)

// Result holds the observable outcome of one external command run.
type Result struct {
	Cmd      string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// String renders the command with its exit status and captured error stream,
// suitable for operator-facing diagnostics.
func (r *Result) String() string {
	stderr := strings.TrimSpace(string(r.Stderr))
	if stderr == "" {
		return fmt.Sprintf("%s (exit %d)", r.Cmd, r.ExitCode)
	}
	return fmt.Sprintf("%s (exit %d): %s", r.Cmd, r.ExitCode, stderr)
}

// NotInstalledError reports a required external command missing from the host.
type NotInstalledError struct {
	Cmd string
}

func (e NotInstalledError) Error() string {
	return fmt.Sprintf("command %s not installed on system", e.Cmd)
}

// TimeoutError reports an external command exceeding its bounded run time.
type TimeoutError struct {
	Cmd     string
	Timeout time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out after %s", e.Cmd, e.Timeout)
}

// ExitError reports a non-zero exit status, carrying the full result so the
// caller can surface the command line and its output.
type ExitError struct {
	Result *Result
}

func (e ExitError) Error() string {
	return fmt.Sprintf("command failed: %s", e.Result)
}

// Interface runs external commands to completion and captures their output.
type Interface interface {
	Output(ctx context.Context, name string, args ...string) (*Result, error)
}

type runner struct {
	timeout time.Duration
	logger  *logs.Logger
}

// Option configures a runner.
type Option func(*runner)

// WithTimeout bounds every command run; zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *runner) {
		r.timeout = d
	}
}

// New creates a command runner.
func New(opts ...Option) Interface {
	r := &runner{
		logger: logs.NewLogger().WithField("module", "command"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *runner) Output(ctx context.Context, name string, args ...string) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	r.logger.V(9).Infof("start command %v", cmd.Args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := &Result{Cmd: strings.Join(cmd.Args, " ")}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if exErr, ok := err.(*exec.Error); ok {
			if exErr.Err == exec.ErrNotFound || exErr.Err == os.ErrNotExist {
				return nil, NotInstalledError{Cmd: name}
			}
		}
		return nil, err
	}

	err := cmd.Wait()
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	if ctx.Err() == context.DeadlineExceeded {
		// the deadline may come from the caller's context rather than the
		// runner's own bound; report the time actually allowed
		bound := r.timeout
		if bound <= 0 {
			bound = time.Since(start).Round(time.Millisecond)
		}
		r.logger.Errorf("command %s timed out, stderr %s", res.Cmd, res.Stderr)
		return res, TimeoutError{Cmd: name, Timeout: bound}
	}
	if err != nil {
		r.logger.V(9).Infof("command %s stdout %s stderr %s", cmd.Args, res.Stdout, res.Stderr)
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, ExitError{Result: res}
		}
		return res, err
	}
	return res, nil
}

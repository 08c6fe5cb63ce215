/*
Copyright © 2024 Metaldeploy Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmdrunner is the shell-out facade every other package uses to
// invoke sgdisk, mdadm, efibootmgr, mkfs.vfat, grub2-install and friends. It
// generalizes oslo_concurrency.processutils.execute's keyword surface
// (attempts, delay_on_retry, use_standard_locale, shell, check_exit_code,
// env_variables) into a Go RunOptions struct.
package cmdrunner

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// Runner is the production types.Runner implementation, shelling out via
// os/exec with retry/backoff and structured logging on every attempt.
type Runner struct {
	Logger types.Logger
}

// New returns a Runner that logs through the given logger.
func New(logger types.Logger) *Runner {
	return &Runner{Logger: logger}
}

var _ types.Runner = (*Runner)(nil)

// Run executes opts.Binary with opts.Args, retrying up to opts.Attempts
// times (default 1) with a linear backoff (500ms times the attempt number)
// when DelayOnRetry is set. A non-zero exit code not present in
// CheckExitCode (default: only 0 is OK) is treated as failure and retried.
func (r *Runner) Run(ctx context.Context, opts types.RunOptions) (string, string, error) {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	allowed := opts.CheckExitCode
	if len(allowed) == 0 {
		allowed = []int{0}
	}

	var stdout, stderr string
	var lastErr error

	delayStep := 500 * time.Millisecond

	for attempt := 1; attempt <= attempts; attempt++ {
		if r.Logger != nil {
			r.Logger.Debugf("running %s %v (attempt %d/%d)", opts.Binary, opts.Args, attempt, attempts)
		}
		stdout, stderr, lastErr = r.runOnce(ctx, opts, allowed)
		if lastErr == nil {
			if opts.LogStdout && r.Logger != nil {
				r.Logger.Debugf("command %s %v stdout: %s", opts.Binary, opts.Args, stdout)
			}
			return stdout, stderr, nil
		}

		if r.Logger != nil {
			r.Logger.Warnf("command %s %v failed (attempt %d/%d): %v", opts.Binary, opts.Args, attempt, attempts, lastErr)
		}

		if attempt == attempts {
			break
		}

		if opts.DelayOnRetry {
			select {
			case <-ctx.Done():
				return stdout, stderr, ctx.Err()
			case <-time.After(time.Duration(attempt) * delayStep):
			}
		}
	}

	return stdout, stderr, lastErr
}

func (r *Runner) runOnce(ctx context.Context, opts types.RunOptions, allowed []int) (string, string, error) {
	cmd := exec.CommandContext(ctx, opts.Binary, opts.Args...)

	env := cmd.Environ()
	if opts.UseStandardLocale {
		env = append(env, "LC_ALL=C", "LANG=C")
	}
	for k, v := range opts.EnvVariables {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr := outBuf.String(), errBuf.String()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdout, stderr, pkgerrors.Wrapf(runErr, "failed to start %s", opts.Binary)
		}
	}

	for _, code := range allowed {
		if code == exitCode {
			return stdout, stderr, nil
		}
	}

	return stdout, stderr, &agenterrors.CommandExecutionError{
		Argv:     append([]string{opts.Binary}, opts.Args...),
		ExitCode: exitCode,
		Stderr:   stderr,
		Err:      runErr,
	}
}

// TryRun is the same as Run but swallows the error, returning ok=false
// instead — mirrors utils.try_execute's "log and move on" convenience.
func TryRun(ctx context.Context, runner types.Runner, opts types.RunOptions) (stdout, stderr string, ok bool) {
	stdout, stderr, err := runner.Run(ctx, opts)
	return stdout, stderr, err == nil
}

// FailureCollector accumulates best-effort failures without aborting the
// calling operation, mirrored on ironic_python_agent.utils.AccumulatedFailures
// — used by cleanup/unmount passes where one failure shouldn't mask the rest.
type FailureCollector struct {
	failures []string
	logger   types.Logger
}

// NewFailureCollector returns a collector that logs each added failure
// through logger as it happens.
func NewFailureCollector(logger types.Logger) *FailureCollector {
	return &FailureCollector{logger: logger}
}

// Add records a failure, logging it immediately.
func (f *FailureCollector) Add(err error) {
	if err == nil {
		return
	}
	if f.logger != nil {
		f.logger.Errorf("%v", err)
	}
	f.failures = append(f.failures, err.Error())
}

// HasFailures reports whether anything was accumulated.
func (f *FailureCollector) HasFailures() bool {
	return len(f.failures) > 0
}

// Error returns a combined error describing everything accumulated, or nil
// if nothing was.
func (f *FailureCollector) Error() error {
	if len(f.failures) == 0 {
		return nil
	}
	msg := "the following errors were encountered:"
	for _, failure := range f.failures {
		msg += "\n* " + failure
	}
	return pkgerrors.New(msg)
}

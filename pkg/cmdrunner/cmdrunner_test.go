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

package cmdrunner

import (
	"context"
	"strings"
	"testing"

	"github.com/metaldeploy/agent-core/pkg/testutil"
	"github.com/metaldeploy/agent-core/pkg/types"
)

func TestRunSucceeds(t *testing.T) {
	r := New(testutil.FakeLogger{})
	stdout, _, err := r.Run(context.Background(), types.RunOptions{
		Binary: "echo",
		Args:   []string{"hello"},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if strings.TrimSpace(stdout) != "hello" {
		t.Fatalf("stdout = %q, want hello", stdout)
	}
}

func TestRunNonZeroExitFails(t *testing.T) {
	r := New(testutil.FakeLogger{})
	_, _, err := r.Run(context.Background(), types.RunOptions{
		Binary:   "false",
		Attempts: 1,
	})
	if err == nil {
		t.Fatal("expected an error for a command that exits non-zero")
	}
}

func TestRunCheckExitCodeAllowsNonZero(t *testing.T) {
	r := New(testutil.FakeLogger{})
	_, _, err := r.Run(context.Background(), types.RunOptions{
		Binary:        "sh",
		Args:          []string{"-c", "exit 3"},
		CheckExitCode: []int{3},
	})
	if err != nil {
		t.Fatalf("Run with CheckExitCode=[3] against exit-3 command returned error: %v", err)
	}
}

func TestRunRetriesUpToAttempts(t *testing.T) {
	r := New(testutil.FakeLogger{})
	_, _, err := r.Run(context.Background(), types.RunOptions{
		Binary:   "false",
		Attempts: 3,
	})
	if err == nil {
		t.Fatal("expected an error after exhausting all retry attempts")
	}
}

func TestTryRun(t *testing.T) {
	r := New(testutil.FakeLogger{})
	_, _, ok := TryRun(context.Background(), r, types.RunOptions{Binary: "false"})
	if ok {
		t.Fatal("TryRun on a failing command reported ok=true")
	}
	_, _, ok = TryRun(context.Background(), r, types.RunOptions{Binary: "true"})
	if !ok {
		t.Fatal("TryRun on a successful command reported ok=false")
	}
}

func TestFailureCollector(t *testing.T) {
	c := NewFailureCollector(testutil.FakeLogger{})
	if c.HasFailures() {
		t.Fatal("new collector reports failures")
	}
	c.Add(nil)
	if c.HasFailures() {
		t.Fatal("adding a nil error should not count as a failure")
	}
	c.Add(errString("boom"))
	if !c.HasFailures() {
		t.Fatal("expected HasFailures to be true after adding a real error")
	}
	if c.Error() == nil {
		t.Fatal("expected a combined error")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

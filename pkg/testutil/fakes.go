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

// Package testutil holds the small fakes the rest of the repo's package
// tests wire into types.Config in place of a real logrus logger or shelled
// command runner. There is no hardware-in-loop harness in this repo (the
// teacher's own tests/sut package has no equivalent here), so every package
// test drives these instead.
package testutil

import (
	"context"
	"fmt"
	"os"

	"github.com/metaldeploy/agent-core/pkg/types"
)

// FakeLogger discards everything; WithField returns itself so call chains
// don't panic on a nil receiver.
type FakeLogger struct{}

func (FakeLogger) Debugf(format string, args ...interface{}) {}
func (FakeLogger) Infof(format string, args ...interface{})  {}
func (FakeLogger) Warnf(format string, args ...interface{})  {}
func (FakeLogger) Errorf(format string, args ...interface{}) {}
func (f FakeLogger) WithField(key string, value interface{}) types.Logger {
	return f
}

var _ types.Logger = FakeLogger{}

// RecordedCommand captures one Runner.Run invocation for assertions.
type RecordedCommand struct {
	Binary string
	Args   []string
	Env    map[string]string
}

func (r RecordedCommand) String() string {
	return fmt.Sprintf("%s %v", r.Binary, r.Args)
}

// FakeRunner never shells out. Responses are keyed by binary name; Default
// is used when no specific response was registered. Every call is appended
// to Calls regardless of whether a response was registered for it.
type FakeRunner struct {
	Responses map[string]FakeResponse
	Default   FakeResponse
	Calls     []RecordedCommand
}

// FakeResponse is what FakeRunner.Run returns for a matched binary.
type FakeResponse struct {
	Stdout string
	Stderr string
	Err    error
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Responses: map[string]FakeResponse{}}
}

func (f *FakeRunner) Run(ctx context.Context, opts types.RunOptions) (string, string, error) {
	f.Calls = append(f.Calls, RecordedCommand{Binary: opts.Binary, Args: opts.Args, Env: opts.EnvVariables})
	if resp, ok := f.Responses[opts.Binary]; ok {
		return resp.Stdout, resp.Stderr, resp.Err
	}
	return f.Default.Stdout, f.Default.Stderr, f.Default.Err
}

var _ types.Runner = (*FakeRunner)(nil)

// CallsTo returns every recorded call to the given binary, in call order.
func (f *FakeRunner) CallsTo(binary string) []RecordedCommand {
	var out []RecordedCommand
	for _, c := range f.Calls {
		if c.Binary == binary {
			out = append(out, c)
		}
	}
	return out
}

// MemFs is an in-memory types.Fs, for tests that need to intercept a
// well-known path (like /proc/cmdline) without touching the real one.
type MemFs struct {
	Files map[string][]byte
}

func NewMemFs() *MemFs {
	return &MemFs{Files: map[string][]byte{}}
}

func (m *MemFs) ReadFile(filename string) ([]byte, error) {
	data, ok := m.Files[filename]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *MemFs) WriteFile(filename string, data []byte, perm os.FileMode) error {
	m.Files[filename] = data
	return nil
}

// Stat only reports existence: callers in this repo (e.g. the vmedia
// device-by-label probe) check the error, never the returned FileInfo.
func (m *MemFs) Stat(name string) (os.FileInfo, error) {
	if _, ok := m.Files[name]; !ok {
		return nil, os.ErrNotExist
	}
	return nil, nil
}

func (m *MemFs) Open(name string) (*os.File, error)                     { return nil, os.ErrNotExist }
func (m *MemFs) OpenFile(string, int, os.FileMode) (*os.File, error)    { return nil, os.ErrNotExist }
func (m *MemFs) Create(string) (*os.File, error)                        { return nil, os.ErrNotExist }
func (m *MemFs) Remove(name string) error                               { delete(m.Files, name); return nil }
func (m *MemFs) RemoveAll(path string) error                            { return nil }
func (m *MemFs) MkdirAll(path string, perm os.FileMode) error           { return nil }
func (m *MemFs) ReadDir(dirname string) ([]os.DirEntry, error)          { return nil, nil }
func (m *MemFs) TempDir(dir, pattern string) (string, error)            { return "/tmp/memfs-tempdir", nil }

var _ types.Fs = (*MemFs)(nil)

// FakeMounter records Mount/Unmount calls in order; UnmountFailures lets tests
// force an unmount to fail a fixed number of times before succeeding.
type FakeMounter struct {
	MountCalls   []RecordedCommand
	UnmountCalls []string
	UnmountFailures map[string]int
}

func NewFakeMounter() *FakeMounter {
	return &FakeMounter{UnmountFailures: map[string]int{}}
}

func (f *FakeMounter) Mount(source, target, fstype string, options []string) error {
	f.MountCalls = append(f.MountCalls, RecordedCommand{Binary: source, Args: []string{target, fstype}})
	return nil
}

func (f *FakeMounter) Unmount(target string) error {
	f.UnmountCalls = append(f.UnmountCalls, target)
	if remaining := f.UnmountFailures[target]; remaining > 0 {
		f.UnmountFailures[target] = remaining - 1
		return fmt.Errorf("fake unmount failure for %s", target)
	}
	return nil
}

func (f *FakeMounter) IsNotMountPoint(target string) (bool, error) {
	for _, t := range f.UnmountCalls {
		if t == target {
			return true, nil
		}
	}
	return false, nil
}

var _ types.Mounter = (*FakeMounter)(nil)

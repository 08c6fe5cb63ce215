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

package types

import (
	"context"
	"io"
	"os"
)

// Logger is the structured logger contract every component takes, backed in
// production by logrus. Kept narrow so packages can be tested with a fake.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
}

// Fs is the subset of filesystem operations the deploy-core touches. An
// interface instead of raw os.* calls so tests can swap in an in-memory fs.
type Fs interface {
	Open(name string) (*os.File, error)
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	Create(name string) (*os.File, error)
	Remove(name string) error
	RemoveAll(path string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	ReadDir(dirname string) ([]os.DirEntry, error)
	ReadFile(filename string) ([]byte, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	TempDir(dir, pattern string) (string, error)
}

// Mounter wraps the mount/unmount primitives used to stage filesystems
// during partitioning and bootloader installation.
type Mounter interface {
	Mount(source, target, fstype string, options []string) error
	Unmount(target string) error
	IsNotMountPoint(target string) (bool, error)
}

// Runner is the shell-out facade used everywhere a binary needs to be
// invoked (sgdisk, mdadm, efibootmgr, mkfs.vfat, grub2-install, ...).
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (stdout string, stderr string, err error)
}

// RunOptions mirrors the keyword surface of oslo's processutils.execute, as
// the command facade in the upstream agent exposes it.
type RunOptions struct {
	Binary             string
	Args               []string
	Attempts           int
	DelayOnRetry       bool
	UseStandardLocale  bool
	CheckExitCode      []int
	EnvVariables       map[string]string
	Shell              bool
	LogStdout          bool
}

// HTTPGetter downloads a URL to a local path, returning bytes written. Image
// pipeline code depends on this instead of importing grab directly so tests
// don't need a live HTTP server.
type HTTPGetter interface {
	Download(ctx context.Context, url, destPath string) (int64, error)
}

// HashWriter is satisfied by the standard library hash.Hash types. The
// image pipeline hashes through hash.Hash directly and does not use it.
type HashWriter interface {
	io.Writer
	Sum(b []byte) []byte
}

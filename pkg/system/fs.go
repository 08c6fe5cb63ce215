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

// Package system wires types.Fs/Mounter/Logger to the real operating
// system: plain os.* calls, k8s.io/mount-utils, and logrus. Kept separate
// from pkg/types so every other package only ever depends on the
// interfaces, never on this package.
package system

import "os"

// OSFs is the production types.Fs backed directly by the os package.
type OSFs struct{}

func (OSFs) Open(name string) (*os.File, error) { return os.Open(name) }

func (OSFs) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (OSFs) Create(name string) (*os.File, error) { return os.Create(name) }

func (OSFs) Remove(name string) error { return os.Remove(name) }

func (OSFs) RemoveAll(path string) error { return os.RemoveAll(path) }

func (OSFs) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (OSFs) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (OSFs) ReadDir(dirname string) ([]os.DirEntry, error) { return os.ReadDir(dirname) }

func (OSFs) ReadFile(filename string) ([]byte, error) { return os.ReadFile(filename) }

func (OSFs) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (OSFs) TempDir(dir, pattern string) (string, error) { return os.MkdirTemp(dir, pattern) }

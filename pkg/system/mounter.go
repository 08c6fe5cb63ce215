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

package system

import (
	mount "k8s.io/mount-utils"

	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// KubeMounter adapts k8s.io/mount-utils' Mounter to types.Mounter, the same
// library the teacher's snapshotter uses for its own bind-mount handling.
type KubeMounter struct {
	inner mount.Interface
}

// NewKubeMounter returns a KubeMounter using the real mount(8)/umount(8)
// syscalls via mount-utils' exec-based implementation.
func NewKubeMounter() *KubeMounter {
	return &KubeMounter{inner: mount.New(constants.MountBinary)}
}

var _ types.Mounter = (*KubeMounter)(nil)

func (m *KubeMounter) Mount(source, target, fstype string, options []string) error {
	return m.inner.Mount(source, target, fstype, options)
}

func (m *KubeMounter) Unmount(target string) error {
	return mount.CleanupMountPoint(target, m.inner, false)
}

func (m *KubeMounter) IsNotMountPoint(target string) (bool, error) {
	notMnt, err := mount.IsNotMountPoint(m.inner, target)
	return notMnt, err
}

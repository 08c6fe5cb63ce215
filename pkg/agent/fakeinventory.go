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

package agent

import (
	"context"

	"github.com/metaldeploy/agent-core/pkg/rootdevice"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// FakeInventoryCollector is a canned InventoryCollector for tests exercising
// Deploy without a real hardware inventory service behind it — the same
// role a hand-rolled struct-backed fake plays for the teacher's Config
// collaborators in its own tests.
type FakeInventoryCollector struct {
	Devices      []types.BlockDevice
	Boot         BootInfo
	MDHolders    map[string][]string
	MDComponents map[string][]string
}

func (f *FakeInventoryCollector) ListBlockDevices(ctx context.Context) ([]types.BlockDevice, error) {
	return f.Devices, nil
}

func (f *FakeInventoryCollector) GetOSInstallDevice(ctx context.Context, hints types.RootDeviceHints) (*types.BlockDevice, error) {
	return rootdevice.SelectRootDevice(f.Devices, hints)
}

func (f *FakeInventoryCollector) GetBootInfo(ctx context.Context) (BootInfo, error) {
	return f.Boot, nil
}

func (f *FakeInventoryCollector) IsMDDevice(ctx context.Context, name string) (bool, error) {
	_, ok := f.MDHolders[name]
	return ok, nil
}

func (f *FakeInventoryCollector) GetHolderDisks(ctx context.Context, mdDeviceName string) ([]string, error) {
	return f.MDHolders[mdDeviceName], nil
}

func (f *FakeInventoryCollector) GetComponentDevices(ctx context.Context, mdDeviceName string) ([]string, error) {
	return f.MDComponents[mdDeviceName], nil
}

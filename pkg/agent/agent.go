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

// Package agent defines the contract consumed by the (external,
// not-built-here) command-server boundary: cache/prepare an image,
// install a bootloader, report partition UUIDs, sync, and finally hand
// the machine over to the newly deployed OS. Deploy implements the
// contract by composing imagepipeline/partitioner/bootloader/rootdevice,
// the same "one façade over several collaborators" shape the teacher's
// installer.InstallElemental function has.
package agent

import (
	"context"

	"github.com/metaldeploy/agent-core/pkg/types"
)

// Deployer is the external interface contract: everything the command
// server calls to drive one bare-metal deploy from a matched root device
// to a handed-off, booting OS.
type Deployer interface {
	// CacheImage downloads and verifies img, returning a local cache path. A
	// second call with the same img.ID is a no-op on the disk unless force
	// is set.
	CacheImage(ctx context.Context, img types.ImageInfo, force bool) (string, error)

	// PrepareImage writes the cached image at cachePath onto targetPath,
	// branching on img.Kind (whole-disk vs partition) and, when layout is
	// non-nil, validating the resulting partition table against it.
	PrepareImage(ctx context.Context, img types.ImageInfo, cachePath, targetPath string, layout *types.PartitionLayout) error

	// InstallBootloader installs and (on UEFI) registers a bootloader per
	// plan, returning the resulting EFI boot order when applicable.
	InstallBootloader(ctx context.Context, plan BootloaderPlan) (*types.EFIBootOrder, error)

	// GetPartitionUUIDs reports the UUIDs of the partitions just deployed,
	// for the conductor to record without re-probing the disk.
	GetPartitionUUIDs(ctx context.Context, layout *types.PartitionLayout) (types.PartitionUUIDs, error)

	// Sync flushes all pending writes to the target disk before handoff.
	Sync(ctx context.Context) error

	// RunImage hands control to the deployed OS: sync, then reboot,
	// escalating to a sysrq-trigger reboot if a clean reboot doesn't
	// take within the implementation's configured grace period.
	RunImage(ctx context.Context) error

	// PowerOff powers the machine off instead of rebooting it, used for
	// the "deploy and leave powered off" workflow.
	PowerOff(ctx context.Context) error
}

// BootloaderPlan is the agent-level bootloader install request, mirroring
// bootloader.Plan's shape without importing that package's internals into
// this contract's signature (the command server only needs the fields it
// supplies, not the Installer's collaborators).
type BootloaderPlan struct {
	Disk            string
	HolderDisks     []string
	BootMode        string
	Layout          *types.PartitionLayout
	RootMountPoint  string
	ExistingEFIPart string
}

// InventoryCollector is the contract implemented by the (external,
// not-built-here) hardware inventory collector. This repo defines only the
// interface and a test double — no production implementation, since the
// inventory collector's I2C/PCI/vendor-specific enumeration lives in a
// separate system per spec.md's "interfaces only" scoping for this
// collaborator.
type InventoryCollector interface {
	// ListBlockDevices returns every block device the collector can see.
	ListBlockDevices(ctx context.Context) ([]types.BlockDevice, error)

	// GetOSInstallDevice resolves the device the conductor should deploy
	// onto, applying the caller-supplied root device hints.
	GetOSInstallDevice(ctx context.Context, hints types.RootDeviceHints) (*types.BlockDevice, error)

	// GetBootInfo reports the current boot mode ("uefi"/"bios") and
	// firmware-visible boot device.
	GetBootInfo(ctx context.Context) (BootInfo, error)

	// IsMDDevice reports whether name is a Linux software-RAID (md) device.
	IsMDDevice(ctx context.Context, name string) (bool, error)

	// GetHolderDisks returns the physical disks backing an md device.
	GetHolderDisks(ctx context.Context, mdDeviceName string) ([]string, error)

	// GetComponentDevices returns the partitions mdadm reports as members
	// of an md device.
	GetComponentDevices(ctx context.Context, mdDeviceName string) ([]string, error)
}

// BootInfo reports the firmware's view of how the machine booted.
type BootInfo struct {
	BootMode       string // "uefi" or "bios"
	PXEInterface   string
	CurrentBootDevice string
}

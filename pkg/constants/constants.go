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

// Package constants collects the magic numbers and well-known paths used
// across the deploy-core packages, the way a teacher repo keeps them in one
// place instead of scattering literals through every component.
package constants

import "os"

const (
	// MaxConfigDriveSizeMB bounds the config-drive partition size. Anything
	// larger is rejected before it ever touches a disk.
	MaxConfigDriveSizeMB = uint64(64)

	// MaxDiskSizeMBSupportedByMBR is the 2TiB boundary past which a msdos
	// partition table cannot address the end of the disk.
	MaxDiskSizeMBSupportedByMBR = uint64(2_097_152)

	// ESPSizeMiB is the size of each per-holder-disk EFI System Partition
	// created for a software-RAID mirrored ESP.
	ESPSizeMiB = uint64(550)

	// RAIDPartitionNumber is the partition number holding the raid metadata
	// member, mirrored across BIOS-boot and EFI-system software RAID setups.
	RAIDPartitionNumber = 1

	// MinRootDiskSize is the floor applied when no root device hints are
	// supplied and the selector must guess a disk.
	MinRootDiskSize = uint64(4) * 1024 * 1024 * 1024 // 4 GiB

	GPTLabel  = "gpt"
	MSDOSLabel = "msdos"

	EFISystemPartitionType = "efi"
	BIOSBootPartitionType  = "bios"
	PrepPartitionType      = "prep"

	EFIFs   = "vfat"
	ConfigDriveFs = "vfat"

	// ConfigDriveLabel is the filesystem label applied to a freshly created
	// config-drive partition.
	ConfigDriveLabel = "metadata"

	SwapPartitionType      = "swap"
	EphemeralPartitionType = "ephemeral"

	// EFIPartitionLabel/SwapPartitionLabel/EphemeralPartitionLabel are the
	// filesystem labels work_on_disk applies to the partitions it formats.
	EFIPartitionLabel       = "efi-part"
	SwapPartitionLabel      = "swap1"
	EphemeralPartitionLabel = "ephemeral0"

	// DefaultEphemeralFormat is used when an ephemeral partition is
	// requested without an explicit filesystem.
	DefaultEphemeralFormat = "ext4"

	// VmediaDeviceModel is the substring sysfs reports for a virtual-media
	// floppy/CD device attached by the management controller.
	VmediaDeviceModel = "virtual media"

	// VmediaParamsFile is the well-known filename inside the virtual-media
	// floppy carrying kernel-cmdline-equivalent parameters.
	VmediaParamsFile = "parameters.txt"

	VmediaLabelLower = "ir-vfd-dev"
	VmediaLabelUpper = "IR-VFD-DEV"

	ProcCmdline = "/proc/cmdline"

	// DefaultShellBinary is used by the command facade when no explicit
	// shell interpreter is requested.
	DefaultShellBinary = "/bin/sh"

	// MountBinary is the external mount(8) binary k8s.io/mount-utils shells
	// out to; "" would also resolve via $PATH, but pinning it matches how
	// every other external binary in this repo is named explicitly.
	MountBinary = "mount"

	// DirPerm/FilePerm mirror the permission bits the teacher applies when
	// creating scratch directories and staging files.
	DirPerm  = os.ModeDir | 0755
	FilePerm = 0644

	// HTTPTimeout is a per-chunk image-download read bound in seconds. No
	// code in this repository reads it: the image pipeline sets no
	// per-chunk deadline.
	HTTPTimeout = 60

	// EFIBootOrderRAIDSuffixFmt is the format of the suffix appended to an
	// EFI boot entry's label when the partition in question is a leg of a
	// software-RAID mirrored ESP.
	EFIBootOrderRAIDSuffixFmt = "(RAID, part%d)"
)

// BootloadersEFI lists the lowercase filenames recognized as EFI
// bootloaders (or CSV pointers to one) when walking a mounted ESP. It
// deliberately excludes bootia32.csv: 32-bit EFI booting never became
// popular and isn't worth the ambiguity it would add to the walk.
var BootloadersEFI = []string{
	"bootx64.csv", // GRUB2 shim loader (Ubuntu, Red Hat)
	"boot.csv",    // rEFInd, CentOS 7 Grub2
	"bootia32.efi",
	"bootx64.efi", // x86_64 default
	"bootia64.efi",
	"bootarm.efi",
	"bootaa64.efi", // arm64 default
	"bootriscv32.efi",
	"bootriscv64.efi",
	"bootriscv128.efi",
	"grubaa64.efi",
	"winload.efi",
}

// SupportedRootDeviceHints is the set of hint keys this selector recognizes.
// Requesting any other key is a configuration error, not a silent no-match.
var SupportedRootDeviceHints = map[string]bool{
	"model":                true,
	"vendor":                true,
	"serial":                true,
	"size":                  true,
	"wwn":                   true,
	"wwn_with_extension":    true,
	"wwn_vendor_extension":  true,
	"rotational":            true,
	"hctl":                  true,
	"by_path":               true,
	"name":                  true,
	"tran":                  true,
}

// NumericHintKeys take a default "==" operator when no explicit operator is
// given; every other hint key defaults to the string-equality operator "s==".
var NumericHintKeys = map[string]bool{
	"size":       true,
	"rotational": true,
}

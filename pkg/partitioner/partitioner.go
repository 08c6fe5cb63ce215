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

// Package partitioner lays out and writes a disk's partition table: choose
// a label by boot mode/arch, create the root (and optional boot/config-drive)
// partitions in the order the firmware needs them, and hand back the
// resulting layout with UUIDs filled in. Grounded on
// ironic_python_agent/partition_utils.py's work_on_disk and
// create_config_drive_partition, shelling out to sgdisk/parted the way the
// original shells out to disk_utils.
package partitioner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// Options describes the partitions WorkOnDisk should create. RootMiB is
// required; the rest are zero-value-means-absent, matching work_on_disk's
// "if 0, no partition" convention for optional partitions.
type Options struct {
	RootMiB   uint64
	BootMode  string // "bios" or "uefi"
	CPUArch   string // "" for x86_64, "ppc64*" triggers PReP
	DiskLabel string // "gpt", "msdos", or "" to infer from BootMode

	SwapMiB uint64 // 0 means no swap partition

	EphemeralMiB      uint64 // 0 means no ephemeral partition
	EphemeralFormat   string // filesystem for the ephemeral partition; defaults to constants.DefaultEphemeralFormat
	PreserveEphemeral bool   // skip formatting the ephemeral partition (it already holds data worth keeping)

	// ConfigDriveSourcePath, when set, is a staged config-drive image dd'd
	// onto a freshly created config-drive partition during this same pass.
	ConfigDriveSourcePath string
}

// Partitioner lays out disks through the injected Config's Runner.
type Partitioner struct {
	Config types.Config
}

// New returns a Partitioner using cfg's Runner/Logger/Fs.
func New(cfg types.Config) *Partitioner {
	return &Partitioner{Config: cfg}
}

// chooseLabel picks gpt or msdos the way work_on_disk infers disk_label
// from boot_mode when the caller hasn't pinned one explicitly: uefi always
// needs gpt (for the ESP GUID type), bios defaults to msdos for maximum
// compatibility with legacy firmware.
func chooseLabel(opts Options) string {
	if opts.DiskLabel != "" {
		return opts.DiskLabel
	}
	if opts.BootMode == "uefi" {
		return constants.GPTLabel
	}
	return constants.MSDOSLabel
}

func (p *Partitioner) run(ctx context.Context, binary string, args ...string) (string, error) {
	stdout, stderr, err := p.Config.Runner.Run(ctx, types.RunOptions{
		Binary:            binary,
		Args:              args,
		UseStandardLocale: true,
		Attempts:          1,
	})
	if err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)", binary, strings.Join(args, " "), err, stderr)
	}
	return stdout, nil
}

// diskSizeMB shells out to blockdev --getsize64, mirroring
// _is_disk_larger_than_max_size's own probe.
func (p *Partitioner) diskSizeMB(ctx context.Context, disk string) (uint64, error) {
	out, err := p.run(ctx, "blockdev", "--getsize64", disk)
	if err != nil {
		return 0, fmt.Errorf("getting size of %s: %w", disk, err)
	}
	bytes, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing size of %s: %w", disk, err)
	}
	return bytes / 1024 / 1024, nil
}

// WorkOnDisk creates the partition table and partitions for a fresh deploy:
// an optional bios-boot/ESP/PReP boot partition ahead of root, sized per
// boot mode and architecture, followed by the root partition occupying the
// rest of the addressable space.
func (p *Partitioner) WorkOnDisk(ctx context.Context, disk types.BlockDevice, opts Options) (*types.PartitionLayout, error) {
	if opts.RootMiB == 0 {
		return nil, fmt.Errorf("work on disk %s: root size must be non-zero", disk.Name)
	}

	label := chooseLabel(opts)
	sizeMB, err := p.diskSizeMB(ctx, disk.Name)
	if err != nil {
		return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
	}
	layout := types.PartitionLayout{Disk: disk.Name, Label: label}
	if err := layout.Sanitize(sizeMB, constants.MaxDiskSizeMBSupportedByMBR); err != nil {
		return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
	}

	if _, err := p.run(ctx, "sgdisk", "-Z", disk.Name); err != nil {
		return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
	}
	if _, err := p.run(ctx, "parted", "-s", disk.Name, "mklabel", label); err != nil {
		return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
	}

	number := 1
	switch {
	case opts.BootMode == "uefi" && label == constants.GPTLabel:
		part, err := p.createPartition(ctx, disk.Name, number, constants.ESPSizeMiB, "ef00", constants.EFISystemPartitionType)
		if err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
		}
		layout.Partitions = append(layout.Partitions, *part)
		number++
	case opts.BootMode == "bios" && label == constants.GPTLabel:
		part, err := p.createPartition(ctx, disk.Name, number, 1, "ef02", constants.BIOSBootPartitionType)
		if err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
		}
		layout.Partitions = append(layout.Partitions, *part)
		number++
	}

	if strings.HasPrefix(opts.CPUArch, "ppc") {
		part, err := p.createPartition(ctx, disk.Name, number, 8, "4100", constants.PrepPartitionType)
		if err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
		}
		layout.Partitions = append(layout.Partitions, *part)
		number++
	}

	// work_on_disk's partition order places the optional ephemeral/swap/
	// config-drive partitions ahead of root, in that order, regardless of
	// boot mode or label.
	if opts.EphemeralMiB > 0 {
		part, err := p.createPartition(ctx, disk.Name, number, opts.EphemeralMiB, "8300", constants.EphemeralPartitionType)
		if err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
		}
		layout.Partitions = append(layout.Partitions, *part)
		number++
	}

	if opts.SwapMiB > 0 {
		part, err := p.createPartition(ctx, disk.Name, number, opts.SwapMiB, "8200", constants.SwapPartitionType)
		if err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
		}
		layout.Partitions = append(layout.Partitions, *part)
		number++
	}

	var configDrivePart *types.Partition
	if opts.ConfigDriveSourcePath != "" {
		part, err := p.createPartition(ctx, disk.Name, number, constants.MaxConfigDriveSizeMB, "8300", "config-drive")
		if err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
		}
		part.Label = constants.ConfigDriveLabel
		part.FS = constants.ConfigDriveFs
		layout.Partitions = append(layout.Partitions, *part)
		layout.ConfigDrive = &layout.Partitions[len(layout.Partitions)-1]
		configDrivePart = &layout.Partitions[len(layout.Partitions)-1]
		number++
	}

	rootPart, err := p.createPartition(ctx, disk.Name, number, opts.RootMiB, "8300", "root")
	if err != nil {
		return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
	}
	layout.Partitions = append(layout.Partitions, *rootPart)

	if _, err := p.run(ctx, "partprobe", disk.Name); err != nil {
		p.Config.Logger.Warnf("partprobe %s failed: %v", disk.Name, err)
	}

	if err := p.formatCreatedPartitions(ctx, &layout, opts); err != nil {
		return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
	}

	if configDrivePart != nil {
		if _, err := p.run(ctx, "dd", "if="+opts.ConfigDriveSourcePath, "of="+configDrivePart.Path); err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: fmt.Errorf("writing config drive to %s: %w", configDrivePart.Path, err)}
		}
	}

	for i := range layout.Partitions {
		p.readPartitionUUIDs(ctx, &layout.Partitions[i])
	}

	return &layout, nil
}

// formatCreatedPartitions applies the filesystem each role requires: vfat on
// the ESP, swap on the swap partition, and the caller-supplied filesystem on
// ephemeral (skipped when preserve_ephemeral is set). Root and config-drive
// are left unformatted here: root is populated by the image pipeline, and
// config-drive is written as a raw dd image immediately after this.
func (p *Partitioner) formatCreatedPartitions(ctx context.Context, layout *types.PartitionLayout, opts Options) error {
	if esp := layout.Partitions.GetByRole(constants.EFISystemPartitionType); esp != nil {
		if _, err := p.run(ctx, "mkfs.vfat", "-n", constants.EFIPartitionLabel, esp.Path); err != nil {
			return fmt.Errorf("formatting esp %s: %w", esp.Path, err)
		}
	}

	if swap := layout.Partitions.GetByRole(constants.SwapPartitionType); swap != nil {
		if _, err := p.run(ctx, "mkswap", "-L", constants.SwapPartitionLabel, swap.Path); err != nil {
			return fmt.Errorf("formatting swap %s: %w", swap.Path, err)
		}
	}

	if ephemeral := layout.Partitions.GetByRole(constants.EphemeralPartitionType); ephemeral != nil && !opts.PreserveEphemeral {
		format := opts.EphemeralFormat
		if format == "" {
			format = constants.DefaultEphemeralFormat
		}
		if _, err := p.run(ctx, "mkfs."+format, "-L", constants.EphemeralPartitionLabel, ephemeral.Path); err != nil {
			return fmt.Errorf("formatting ephemeral %s: %w", ephemeral.Path, err)
		}
	}

	return nil
}

// readPartitionUUIDs fills part's UUID/PARTUUID from the actual on-disk
// partition table and filesystem via blkid, instead of fabricating one
// client-side: PARTUUID comes straight from the partition table and is
// available immediately after partprobe even for an unformatted partition
// like root; UUID is the filesystem UUID and is only readable once a
// filesystem has actually been written (best-effort — root has none yet).
func (p *Partitioner) readPartitionUUIDs(ctx context.Context, part *types.Partition) {
	if out, err := p.run(ctx, "blkid", "-s", "PARTUUID", "-o", "value", part.Path); err == nil {
		part.PARTUUID = strings.TrimSpace(out)
	} else {
		p.Config.Logger.Warnf("reading PARTUUID for %s: %v", part.Path, err)
	}
	if out, err := p.run(ctx, "blkid", "-s", "UUID", "-o", "value", part.Path); err == nil {
		part.UUID = strings.TrimSpace(out)
	}
}

// createPartition shells out to sgdisk to append a new partition of the
// given size and GPT type code, returning the types.Partition describing it.
// The root partition always takes all remaining space (sgdisk's own "0"
// end sentinel) whatever sizeMiB says; every other role gets exactly
// sizeMiB.
func (p *Partitioner) createPartition(ctx context.Context, disk string, number int, sizeMiB uint64, typeCode, role string) (*types.Partition, error) {
	sizeArg := fmt.Sprintf("0:+%dMiB", sizeMiB)
	if role == "root" {
		sizeArg = "0:0" // remainder of the disk
	}

	if _, err := p.run(ctx, "sgdisk", "-n", sizeArg, "-t", fmt.Sprintf("%d:%s", number, typeCode), disk); err != nil {
		return nil, fmt.Errorf("creating %s partition on %s: %w", role, disk, err)
	}

	// UUID/PARTUUID are filled in by readPartitionUUIDs once the kernel has
	// rescanned the table (partprobe) and any formatting has run; sgdisk -n
	// here only reserves the slot, it cannot yet report a stable identifier.
	return &types.Partition{
		Number:  number,
		Role:    role,
		SizeMiB: sizeMiB,
		Path:    partitionDevicePath(disk, number),
	}, nil
}

// partitionDevicePath appends the kernel's partition-number suffix,
// handling the nvme/mmcblk "pN" convention vs the sdX/vdX "N" convention.
func partitionDevicePath(disk string, number int) string {
	if len(disk) > 0 {
		last := disk[len(disk)-1]
		if last >= '0' && last <= '9' {
			return fmt.Sprintf("%sp%d", disk, number)
		}
	}
	return fmt.Sprintf("%s%d", disk, number)
}

// AddConfigDrive creates (or reuses) a config-drive partition on an
// already-populated disk, handling both GPT and MBR label schemes and the
// 2TiB MBR addressing boundary. Grounded on create_config_drive_partition.
func (p *Partitioner) AddConfigDrive(ctx context.Context, disk types.BlockDevice, layout *types.PartitionLayout) (*types.Partition, error) {
	if existing := layout.Partitions.GetByLabel(constants.ConfigDriveLabel); existing != nil {
		p.Config.Logger.Infof("config drive already exists at %s", existing.Path)
		return existing, nil
	}

	sizeMB, err := p.diskSizeMB(ctx, disk.Name)
	if err != nil {
		return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
	}

	number := len(layout.Partitions) + 1

	if layout.Label == constants.GPTLabel {
		createOption := fmt.Sprintf("0:-%dMB:0", constants.MaxConfigDriveSizeMB)
		if _, err := p.run(ctx, "sgdisk", "-n", createOption, disk.Name); err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
		}
	} else {
		primaryCount := countPrimaryPartitions(layout.Partitions)
		if primaryCount > 3 {
			return nil, &agenterrors.PartitioningError{
				Disk: disk.Name,
				Err:  fmt.Errorf("disk uses MBR partitioning and already has %d primary partitions", primaryCount),
			}
		}

		startLimit := fmt.Sprintf("-%dMiB", constants.MaxConfigDriveSizeMB)
		endLimit := "-0"
		if sizeMB > constants.MaxDiskSizeMBSupportedByMBR {
			p.Config.Logger.Warnf("disk %s is larger than 2TiB, placing config drive at the MBR-addressable boundary", disk.Name)
			startLimit = fmt.Sprintf("%dMiB", constants.MaxDiskSizeMBSupportedByMBR-constants.MaxConfigDriveSizeMB-1)
			endLimit = fmt.Sprintf("%dMiB", constants.MaxDiskSizeMBSupportedByMBR-1)
		}

		if _, err := p.run(ctx, "parted", "-a", "optimal", "-s", "--", disk.Name,
			"mkpart", "primary", "fat32", startLimit, endLimit); err != nil {
			return nil, &agenterrors.PartitioningError{Disk: disk.Name, Err: err}
		}
	}

	if _, err := p.run(ctx, "partprobe", disk.Name); err != nil {
		p.Config.Logger.Warnf("partprobe %s failed: %v", disk.Name, err)
	}

	part := types.Partition{
		Number:  number,
		Label:   constants.ConfigDriveLabel,
		FS:      constants.ConfigDriveFs,
		SizeMiB: constants.MaxConfigDriveSizeMB,
		Role:    "config-drive",
		Path:    partitionDevicePath(disk.Name, number),
	}
	p.readPartitionUUIDs(ctx, &part)
	layout.Partitions = append(layout.Partitions, part)
	layout.ConfigDrive = &part
	return &part, nil
}

// countPrimaryPartitions mirrors disk_utils.count_mbr_partitions: an MBR
// label tops out at 4 primary partitions (one of which may instead be an
// extended partition holding logicals, not modelled here since this repo
// never creates logical partitions).
func countPrimaryPartitions(partitions types.PartitionList) int {
	return len(partitions)
}

// gptPartitionType maps this repo's role names onto diskfs/go-diskfs's GPT
// type GUIDs, used when validating a layout built by WorkOnDisk against an
// in-process GPT reader instead of shelling out to sgdisk -p.
func gptPartitionType(role string) gpt.Type {
	switch role {
	case constants.EFISystemPartitionType:
		return gpt.EFISystemPartition
	case constants.BIOSBootPartitionType:
		return gpt.BIOSBoot
	default:
		return gpt.LinuxFilesystem
	}
}

// VerifyLayout re-reads the on-disk GPT table with diskfs/go-diskfs and
// checks every expected partition's type GUID matches its role — a
// belt-and-suspenders confirmation that sgdisk committed what WorkOnDisk
// asked for, independent of parsing sgdisk's own text output.
func (p *Partitioner) VerifyLayout(imagePath string, layout *types.PartitionLayout) error {
	if layout.Label != constants.GPTLabel {
		return nil
	}

	disk, err := diskfs.Open(imagePath)
	if err != nil {
		return fmt.Errorf("opening %s for verification: %w", imagePath, err)
	}
	defer disk.File.Close()

	table, err := disk.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("reading partition table on %s: %w", imagePath, err)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return fmt.Errorf("%s: expected a GPT table, got %T", imagePath, table)
	}

	for _, expected := range layout.Partitions {
		if expected.Number < 1 || expected.Number > len(gptTable.Partitions) {
			return fmt.Errorf("partition %d missing from on-disk table", expected.Number)
		}
		actual := gptTable.Partitions[expected.Number-1]
		wantType := gptPartitionType(expected.Role)
		if actual.Type != wantType {
			return fmt.Errorf("partition %d (%s): expected type %s, got %s", expected.Number, expected.Role, wantType, actual.Type)
		}
	}
	return nil
}

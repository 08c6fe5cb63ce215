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

import "fmt"

// Partition is a single entry in a PartitionLayout, modelled the way the
// teacher's pkg/types.Partition models an elemental partition: identity
// fields plus the install-order number the partitioner assigns.
type Partition struct {
	Number     int    `yaml:"number"`
	Label      string `yaml:"label"`
	FS         string `yaml:"fs"`
	SizeMiB    uint64 `yaml:"size_mib"`
	Role       string `yaml:"role"` // bios, efi, prep, ephemeral, swap, config-drive, root
	Path       string `yaml:"path"`
	UUID       string `yaml:"uuid"`
	PARTUUID   string `yaml:"partuuid"`
}

// PartitionList is an ordered set of Partitions with the same by-name/by-
// label lookup helpers the teacher's ElementalPartitions type provides.
type PartitionList []Partition

// GetByLabel returns the first partition with the given label, or nil.
func (p PartitionList) GetByLabel(label string) *Partition {
	for i := range p {
		if p[i].Label == label {
			return &p[i]
		}
	}
	return nil
}

// GetByRole returns the first partition with the given role, or nil.
func (p PartitionList) GetByRole(role string) *Partition {
	for i := range p {
		if p[i].Role == role {
			return &p[i]
		}
	}
	return nil
}

// GetByNumber returns the partition with the given partition-table number,
// or nil if absent.
func (p PartitionList) GetByNumber(n int) *Partition {
	for i := range p {
		if p[i].Number == n {
			return &p[i]
		}
	}
	return nil
}

// PartitionLayout is the full plan-and-result object the partitioner
// produces: which disk, which label scheme, and the partitions on it, in
// on-disk creation order.
type PartitionLayout struct {
	Disk          string        `yaml:"disk"`
	Label         string        `yaml:"label"` // gpt or msdos
	Partitions    PartitionList `yaml:"partitions"`
	ConfigDrive   *Partition    `yaml:"config_drive,omitempty"`
}

// Sanitize checks internal consistency: a disk identity, a recognized
// label, and a partition table that would not overflow an MBR's 2TiB limit
// when Label is msdos.
func (l PartitionLayout) Sanitize(diskSizeMB uint64, maxMBRSizeMB uint64) error {
	if l.Disk == "" {
		return fmt.Errorf("partition layout missing disk")
	}
	switch l.Label {
	case "gpt", "msdos":
	default:
		return fmt.Errorf("partition layout %s: unknown label %q", l.Disk, l.Label)
	}
	if l.Label == "msdos" && diskSizeMB > maxMBRSizeMB {
		return fmt.Errorf("partition layout %s: disk is %dMB, exceeds MBR-addressable %dMB", l.Disk, diskSizeMB, maxMBRSizeMB)
	}
	return nil
}

// PartitionUUIDs is the externally-reported result of a deploy: the
// command-server boundary hands this back to the conductor so it can record
// root/boot UUIDs without re-probing the disk.
type PartitionUUIDs struct {
	RootUUID   string `yaml:"root_uuid"`
	BootUUID   string `yaml:"boot_uuid,omitempty"`
	EFISystemPartitionUUID string `yaml:"efi_system_partition_uuid,omitempty"`
}

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

package partitioner

import (
	"context"
	"strings"
	"testing"

	"github.com/metaldeploy/agent-core/pkg/testutil"
	"github.com/metaldeploy/agent-core/pkg/types"
)

func newTestPartitioner(runner *testutil.FakeRunner) *Partitioner {
	return New(types.Config{
		Logger: testutil.FakeLogger{},
		Runner: runner,
	})
}

// Scenario D: an MBR disk over 2TiB with two existing primaries gets its
// config-drive partition placed fully below the 2TiB boundary.
func TestAddConfigDriveMBROver2TiB(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["blockdev"] = testutil.FakeResponse{Stdout: "3298534883328"} // 3TiB in bytes
	p := newTestPartitioner(runner)

	layout := &types.PartitionLayout{
		Disk:  "/dev/sda",
		Label: "msdos",
		Partitions: types.PartitionList{
			{Number: 1, Role: "root"},
			{Number: 2, Role: "data"},
		},
	}

	part, err := p.AddConfigDrive(context.Background(), types.BlockDevice{Name: "/dev/sda"}, layout)
	if err != nil {
		t.Fatalf("AddConfigDrive returned error: %v", err)
	}
	if part.SizeMiB != 64 {
		t.Fatalf("config drive size = %d, want 64 MiB", part.SizeMiB)
	}

	calls := runner.CallsTo("parted")
	if len(calls) != 1 {
		t.Fatalf("expected exactly one parted call, got %d", len(calls))
	}
	args := strings.Join(calls[0].Args, " ")
	if !strings.Contains(args, "2097087MiB") || !strings.Contains(args, "2097151MiB") {
		t.Fatalf("parted args = %q, want start ~2097087MiB and end ~2097151MiB", args)
	}
}

// Scenario E: GPT config-drive creation lands at partition number 4 when the
// existing (non-contiguous) numbers are {1,3,5}.
func TestAddConfigDriveGPT(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["blockdev"] = testutil.FakeResponse{Stdout: "107374182400"} // 100GiB in bytes
	p := newTestPartitioner(runner)

	layout := &types.PartitionLayout{
		Disk:  "/dev/sdb",
		Label: "gpt",
		Partitions: types.PartitionList{
			{Number: 1, Role: "esp"},
			{Number: 3, Role: "root"},
			{Number: 5, Role: "extra"},
		},
	}

	part, err := p.AddConfigDrive(context.Background(), types.BlockDevice{Name: "/dev/sdb"}, layout)
	if err != nil {
		t.Fatalf("AddConfigDrive returned error: %v", err)
	}
	if part.Number != 4 {
		t.Fatalf("new partition number = %d, want 4", part.Number)
	}
	if part.Path != "/dev/sdb4" {
		t.Fatalf("new partition path = %q, want /dev/sdb4", part.Path)
	}

	sgdiskCalls := runner.CallsTo("sgdisk")
	if len(sgdiskCalls) != 1 {
		t.Fatalf("expected exactly one sgdisk call, got %d", len(sgdiskCalls))
	}
	args := strings.Join(sgdiskCalls[0].Args, " ")
	if !strings.Contains(args, "0:-64MB:0") {
		t.Fatalf("sgdisk args = %q, want to contain 0:-64MB:0", args)
	}
}

func TestAddConfigDriveReusesExisting(t *testing.T) {
	runner := testutil.NewFakeRunner()
	p := newTestPartitioner(runner)

	existing := types.Partition{Number: 4, Label: "metadata", Path: "/dev/sdb4"}
	layout := &types.PartitionLayout{
		Disk:       "/dev/sdb",
		Label:      "gpt",
		Partitions: types.PartitionList{existing},
	}

	part, err := p.AddConfigDrive(context.Background(), types.BlockDevice{Name: "/dev/sdb"}, layout)
	if err != nil {
		t.Fatalf("AddConfigDrive returned error: %v", err)
	}
	if part.Path != existing.Path {
		t.Fatalf("AddConfigDrive re-created a config drive that already existed")
	}
	if len(runner.Calls) != 0 {
		t.Fatal("AddConfigDrive shelled out despite an existing config drive")
	}
}

func TestWorkOnDiskUEFI(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["blockdev"] = testutil.FakeResponse{Stdout: "102400"}
	p := newTestPartitioner(runner)

	layout, err := p.WorkOnDisk(context.Background(), types.BlockDevice{Name: "/dev/sda"}, Options{
		RootMiB:  4096,
		BootMode: "uefi",
	})
	if err != nil {
		t.Fatalf("WorkOnDisk returned error: %v", err)
	}
	if layout.Label != "gpt" {
		t.Fatalf("label = %q, want gpt", layout.Label)
	}
	esp := layout.Partitions.GetByRole("efi")
	if esp == nil {
		t.Fatal("expected an ESP partition for a UEFI layout")
	}
	root := layout.Partitions.GetByRole("root")
	if root == nil || root.Number != 2 {
		t.Fatalf("root partition = %+v, want number 2 (after the ESP)", root)
	}
}

func TestWorkOnDiskRequiresRootSize(t *testing.T) {
	runner := testutil.NewFakeRunner()
	p := newTestPartitioner(runner)

	if _, err := p.WorkOnDisk(context.Background(), types.BlockDevice{Name: "/dev/sda"}, Options{BootMode: "bios"}); err == nil {
		t.Fatal("expected an error when RootMiB is zero")
	}
}

// Partition order must be [esp, ephemeral, swap, configdrive, root] per
// work_on_disk, and each optional partition gets the filesystem its role
// requires.
func TestWorkOnDiskCreatesOptionalPartitionsInOrderAndFormatsThem(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["blockdev"] = testutil.FakeResponse{Stdout: "102400"}
	runner.Responses["blkid"] = testutil.FakeResponse{Stdout: "11111111-1111-1111-1111-111111111111"}
	p := newTestPartitioner(runner)

	layout, err := p.WorkOnDisk(context.Background(), types.BlockDevice{Name: "/dev/sda"}, Options{
		RootMiB:               4096,
		BootMode:              "uefi",
		EphemeralMiB:          1024,
		SwapMiB:               512,
		ConfigDriveSourcePath: "/tmp/configdrive.img",
	})
	if err != nil {
		t.Fatalf("WorkOnDisk returned error: %v", err)
	}

	wantOrder := []string{"efi", "ephemeral", "swap", "config-drive", "root"}
	if len(layout.Partitions) != len(wantOrder) {
		t.Fatalf("partitions = %+v, want %d entries in order %v", layout.Partitions, len(wantOrder), wantOrder)
	}
	for i, role := range wantOrder {
		if layout.Partitions[i].Role != role {
			t.Fatalf("partition %d role = %q, want %q (order %v)", i, layout.Partitions[i].Role, role, wantOrder)
		}
	}

	mkswapCalls := runner.CallsTo("mkswap")
	if len(mkswapCalls) != 1 || mkswapCalls[0].Args[len(mkswapCalls[0].Args)-1] != "/dev/sda3" {
		t.Fatalf("mkswap calls = %v, want exactly one targeting /dev/sda3", mkswapCalls)
	}

	mkfsExt4Calls := runner.CallsTo("mkfs.ext4")
	if len(mkfsExt4Calls) != 1 || mkfsExt4Calls[0].Args[len(mkfsExt4Calls[0].Args)-1] != "/dev/sda2" {
		t.Fatalf("mkfs.ext4 calls = %v, want exactly one targeting /dev/sda2 (default ephemeral format)", mkfsExt4Calls)
	}

	ddCalls := runner.CallsTo("dd")
	if len(ddCalls) != 1 {
		t.Fatalf("dd calls = %v, want exactly one writing the config drive", ddCalls)
	}
	ddArgs := strings.Join(ddCalls[0].Args, " ")
	if !strings.Contains(ddArgs, "if=/tmp/configdrive.img") || !strings.Contains(ddArgs, "of=/dev/sda4") {
		t.Fatalf("dd args = %q, want if=/tmp/configdrive.img of=/dev/sda4", ddArgs)
	}

	for _, part := range layout.Partitions {
		if part.PARTUUID != "11111111-1111-1111-1111-111111111111" {
			t.Fatalf("partition %+v PARTUUID not read back from blkid", part)
		}
	}
}

// PreserveEphemeral must skip mkfs on the ephemeral partition, leaving
// whatever data it already carries untouched.
func TestWorkOnDiskPreservesEphemeralWhenRequested(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["blockdev"] = testutil.FakeResponse{Stdout: "102400"}
	p := newTestPartitioner(runner)

	_, err := p.WorkOnDisk(context.Background(), types.BlockDevice{Name: "/dev/sda"}, Options{
		RootMiB:           4096,
		BootMode:          "bios",
		EphemeralMiB:      1024,
		PreserveEphemeral: true,
	})
	if err != nil {
		t.Fatalf("WorkOnDisk returned error: %v", err)
	}

	if calls := runner.Calls; hasBinary(calls, "mkfs.ext4") {
		t.Fatal("WorkOnDisk formatted the ephemeral partition despite PreserveEphemeral")
	}
}

// An explicit EphemeralFormat overrides the ext4 default.
func TestWorkOnDiskUsesExplicitEphemeralFormat(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["blockdev"] = testutil.FakeResponse{Stdout: "102400"}
	p := newTestPartitioner(runner)

	_, err := p.WorkOnDisk(context.Background(), types.BlockDevice{Name: "/dev/sda"}, Options{
		RootMiB:         4096,
		BootMode:        "bios",
		EphemeralMiB:    1024,
		EphemeralFormat: "xfs",
	})
	if err != nil {
		t.Fatalf("WorkOnDisk returned error: %v", err)
	}

	if len(runner.CallsTo("mkfs.xfs")) != 1 {
		t.Fatalf("mkfs.xfs calls = %v, want exactly one", runner.CallsTo("mkfs.xfs"))
	}
}

// The ESP gets a vfat filesystem labeled efi-part, matching what the
// installed bootloader's firmware expects to find.
func TestWorkOnDiskFormatsESP(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["blockdev"] = testutil.FakeResponse{Stdout: "102400"}
	p := newTestPartitioner(runner)

	_, err := p.WorkOnDisk(context.Background(), types.BlockDevice{Name: "/dev/sda"}, Options{
		RootMiB:  4096,
		BootMode: "uefi",
	})
	if err != nil {
		t.Fatalf("WorkOnDisk returned error: %v", err)
	}

	vfatCalls := runner.CallsTo("mkfs.vfat")
	if len(vfatCalls) != 1 {
		t.Fatalf("mkfs.vfat calls = %v, want exactly one", vfatCalls)
	}
	args := strings.Join(vfatCalls[0].Args, " ")
	if !strings.Contains(args, "efi-part") {
		t.Fatalf("mkfs.vfat args = %q, want the efi-part label", args)
	}
}

func hasBinary(calls []testutil.RecordedCommand, binary string) bool {
	for _, c := range calls {
		if c.Binary == binary {
			return true
		}
	}
	return false
}

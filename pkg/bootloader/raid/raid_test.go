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

package raid

import (
	"context"
	"testing"

	"github.com/metaldeploy/agent-core/pkg/testutil"
	"github.com/metaldeploy/agent-core/pkg/types"
)

func newTestManager(runner *testutil.FakeRunner) *Manager {
	return New(types.Config{Logger: testutil.FakeLogger{}, Runner: runner})
}

func TestFindESPRAIDMatchesRAID1Vfat(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["lsblk"] = testutil.FakeResponse{
		Stdout: `NAME="sda1" TYPE="part" FSTYPE="vfat"
NAME="md0" TYPE="raid1" FSTYPE="vfat"
`,
	}
	m := newTestManager(runner)

	md, err := m.FindESPRAID(context.Background())
	if err != nil {
		t.Fatalf("FindESPRAID returned error: %v", err)
	}
	if md != "/dev/md0" {
		t.Fatalf("FindESPRAID = %q, want /dev/md0", md)
	}
}

func TestFindESPRAIDNoneFound(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["lsblk"] = testutil.FakeResponse{Stdout: `NAME="sda1" TYPE="part" FSTYPE="vfat"` + "\n"}
	m := newTestManager(runner)

	md, err := m.FindESPRAID(context.Background())
	if err != nil {
		t.Fatalf("FindESPRAID returned error: %v", err)
	}
	if md != "" {
		t.Fatalf("FindESPRAID = %q, want empty", md)
	}
}

func TestNextFreeRAIDDeviceSkipsInUse(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["lsblk"] = testutil.FakeResponse{
		Stdout: `NAME="md0"
NAME="md1"
NAME="sda"
`,
	}
	m := newTestManager(runner)

	dev, err := m.nextFreeRAIDDevice(context.Background())
	if err != nil {
		t.Fatalf("nextFreeRAIDDevice returned error: %v", err)
	}
	if dev != "/dev/md2" {
		t.Fatalf("nextFreeRAIDDevice = %q, want /dev/md2", dev)
	}
}

func TestPrepareBIOSBootPartitionsEveryHolder(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["sgdisk"] = testutil.FakeResponse{Stdout: "2048\n"}
	m := newTestManager(runner)

	if err := m.PrepareBIOSBoot(context.Background(), []string{"/dev/sda", "/dev/sdb"}); err != nil {
		t.Fatalf("PrepareBIOSBoot returned error: %v", err)
	}

	calls := runner.CallsTo("sgdisk")
	if len(calls) != 2 {
		t.Fatalf("sgdisk called %d times, want 2", len(calls))
	}
	for i, call := range calls {
		found := false
		for _, a := range call.Args {
			if a == "0:ef02" {
				found = true
			}
		}
		if !found {
			t.Fatalf("call %d missing bios-boot type 0:ef02: %v", i, call.Args)
		}
	}
}

func TestComponentDevicesParsesMdadmDetail(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Responses["mdadm"] = testutil.FakeResponse{
		Stdout: `/dev/md0:
        Version : 1.0
  Number   Major   Minor   RaidDevice State
     0       8        1        0      active sync   /dev/sda1
     1       8       17        1      active sync   /dev/sdb1
`,
	}
	m := newTestManager(runner)

	components := m.ComponentDevices(context.Background(), "/dev/md0")
	if len(components) != 2 || components[0] != "/dev/sda1" || components[1] != "/dev/sdb1" {
		t.Fatalf("ComponentDevices = %v", components)
	}
}

func TestComponentDevicesEmptyDeviceReturnsNil(t *testing.T) {
	m := newTestManager(testutil.NewFakeRunner())
	if got := m.ComponentDevices(context.Background(), ""); got != nil {
		t.Fatalf("ComponentDevices(\"\") = %v, want nil", got)
	}
}

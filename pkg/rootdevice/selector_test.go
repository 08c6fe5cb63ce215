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

package rootdevice

import (
	"testing"

	"github.com/metaldeploy/agent-core/pkg/types"
)

func testDevices() []types.BlockDevice {
	return []types.BlockDevice{
		{Name: "/dev/sda", Model: "big model", SizeBytes: 500 * 1024 * 1024 * 1024, Rotational: true},
		{Name: "/dev/sdb", Model: "medium model", SizeBytes: 250 * 1024 * 1024 * 1024, Rotational: true},
		{Name: "/dev/sdc", Model: "small model", SizeBytes: 100 * 1024 * 1024 * 1024, Rotational: false},
	}
}

func TestSelectRootDeviceByInHint(t *testing.T) {
	hints := types.RootDeviceHints{
		"rotational": {Key: "rotational", Operator: types.OpEqual, Values: []string{"false"}},
		"model":      {Key: "model", Operator: types.OpIn, Values: []string{"small"}},
	}

	got, err := SelectRootDevice(testDevices(), hints)
	if err != nil {
		t.Fatalf("SelectRootDevice returned error: %v", err)
	}
	if got.Name != "/dev/sdc" {
		t.Fatalf("SelectRootDevice matched %s, want /dev/sdc", got.Name)
	}
}

func TestSelectRootDeviceInDoesNotMatchExactOnly(t *testing.T) {
	// "<in>" is a substring match, not an exact match: a hint of "small"
	// must not require the whole model string to equal "small".
	hints := types.RootDeviceHints{
		"model": {Key: "model", Operator: types.OpIn, Values: []string{"small"}},
	}
	matches := FindDevicesByHints(testDevices(), hints)
	if len(matches) != 1 || matches[0].Name != "/dev/sdc" {
		t.Fatalf("FindDevicesByHints = %v, want exactly [/dev/sdc]", matches)
	}
}

func TestSelectRootDeviceOrIsExactMatch(t *testing.T) {
	// "<or>" matches any value in the list, each by exact equality — unlike
	// "<in>" it must not match "medium model" against the bare word "medium".
	hints := types.RootDeviceHints{
		"model": {Key: "model", Operator: types.OpOr, Values: []string{"medium", "medium model"}},
	}
	matches := FindDevicesByHints(testDevices(), hints)
	if len(matches) != 1 || matches[0].Name != "/dev/sdb" {
		t.Fatalf("FindDevicesByHints = %v, want exactly [/dev/sdb]", matches)
	}
}

func TestFindDevicesByHintsPreservesOrder(t *testing.T) {
	hints := types.RootDeviceHints{
		"rotational": {Key: "rotational", Operator: types.OpEqual, Values: []string{"true"}},
	}
	matches := FindDevicesByHints(testDevices(), hints)
	if len(matches) != 2 || matches[0].Name != "/dev/sda" || matches[1].Name != "/dev/sdb" {
		t.Fatalf("FindDevicesByHints = %v, want [/dev/sda /dev/sdb] in that order", matches)
	}
}

func TestSelectRootDeviceNoMatch(t *testing.T) {
	hints := types.RootDeviceHints{
		"model": {Key: "model", Operator: types.OpStringEqual, Values: []string{"nonexistent"}},
	}
	if _, err := SelectRootDevice(testDevices(), hints); err == nil {
		t.Fatal("expected a DeviceNotFoundError, got nil")
	}
}

func TestGuessRootDiskFallsBackToSizeFloor(t *testing.T) {
	got, err := GuessRootDisk(testDevices(), 200*1024*1024*1024)
	if err != nil {
		t.Fatalf("GuessRootDisk returned error: %v", err)
	}
	if got.Name != "/dev/sdb" {
		t.Fatalf("GuessRootDisk = %s, want /dev/sdb (smallest device clearing the floor)", got.Name)
	}
}

func TestGuessRootDiskNoneLargeEnough(t *testing.T) {
	if _, err := GuessRootDisk(testDevices(), 1024*1024*1024*1024); err == nil {
		t.Fatal("expected an error when no device clears the minimum size")
	}
}

func TestFindDevicesByHintsMatchesAnyListElement(t *testing.T) {
	// spec.md's own Scenario B fixture types serial as a list
	// (serial:["vs","avs"]); a hint matches a list-valued attribute when
	// any element matches, not just when the whole list equals one value.
	devices := []types.BlockDevice{
		{Name: "/dev/sda", SizeBytes: 100 * 1024 * 1024 * 1024, SerialList: []string{"vs", "avs"}},
		{Name: "/dev/sdb", SizeBytes: 100 * 1024 * 1024 * 1024, SerialList: []string{"other"}},
	}
	hints := types.RootDeviceHints{
		"serial": {Key: "serial", Operator: types.OpStringEqual, Values: []string{"avs"}},
	}
	matches := FindDevicesByHints(devices, hints)
	if len(matches) != 1 || matches[0].Name != "/dev/sda" {
		t.Fatalf("FindDevicesByHints = %v, want exactly [/dev/sda]", matches)
	}
}

func TestFindDevicesByHintsTranMatches(t *testing.T) {
	devices := []types.BlockDevice{
		{Name: "/dev/sda", SizeBytes: 100 * 1024 * 1024 * 1024, Transport: "usb"},
		{Name: "/dev/sdb", SizeBytes: 100 * 1024 * 1024 * 1024, Transport: "sata"},
	}
	hints := types.RootDeviceHints{
		"tran": {Key: "tran", Operator: types.OpStringEqual, Values: []string{"sata"}},
	}
	matches := FindDevicesByHints(devices, hints)
	if len(matches) != 1 || matches[0].Name != "/dev/sdb" {
		t.Fatalf("FindDevicesByHints = %v, want exactly [/dev/sdb]", matches)
	}
}

func TestSelectRootDeviceWithoutHintsUsesGuess(t *testing.T) {
	got, err := SelectRootDevice(testDevices(), nil)
	if err != nil {
		t.Fatalf("SelectRootDevice returned error: %v", err)
	}
	if got.Name != "/dev/sdc" {
		t.Fatalf("SelectRootDevice (no hints) = %s, want /dev/sdc (smallest clearing the default floor)", got.Name)
	}
}

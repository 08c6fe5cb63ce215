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

// Package rootdevice selects the block device to provision onto: either by
// matching root_device hints, or — when none were given — falling back to
// the smallest device at or above a minimum size, exactly the two paths the
// upstream agent offers.
package rootdevice

import (
	"sort"
	"strconv"
	"strings"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// deviceAttributeValues returns every normalized (lower-cased, trimmed)
// value of dev's attribute named by hint. Most attributes carry exactly one
// value; serial/wwn can carry several (spec.md's "string or list" typing),
// in which case a hint matches if any element does. An empty/None element
// is skipped, never compared against.
func deviceAttributeValues(dev types.BlockDevice, hint string) ([]string, bool) {
	normalize := func(values []string) ([]string, bool) {
		var out []string
		for _, v := range values {
			if v == "" {
				continue
			}
			out = append(out, strings.ToLower(strings.TrimSpace(v)))
		}
		return out, len(out) > 0
	}

	switch hint {
	case "model":
		return normalize([]string{dev.Model})
	case "vendor":
		return normalize([]string{dev.Vendor})
	case "serial":
		return normalize(dev.SerialValues())
	case "wwn":
		return normalize(dev.WWNValues())
	case "wwn_with_extension":
		return normalize([]string{dev.WWNWithExtension})
	case "wwn_vendor_extension":
		return normalize([]string{dev.WWNVendorExtension})
	case "hctl":
		return normalize([]string{dev.HCTL})
	case "by_path":
		return normalize([]string{dev.ByPath})
	case "name":
		return normalize([]string{dev.Name})
	case "tran":
		return normalize([]string{dev.Transport})
	default:
		return nil, false
	}
}

func matchOneString(deviceValue string, hint types.HintExpression) bool {
	switch hint.Operator {
	case types.OpStringEqual, types.OpEqual:
		return len(hint.Values) == 1 && deviceValue == hint.Values[0]
	case types.OpStringNotEqual, types.OpNotEqual:
		return len(hint.Values) == 1 && deviceValue != hint.Values[0]
	case types.OpIn:
		// <in> matches when the hint value occurs anywhere within the
		// device attribute, e.g. model="<in> small" matches a device
		// whose model is "small model".
		for _, v := range hint.Values {
			if strings.Contains(deviceValue, v) {
				return true
			}
		}
		return false
	case types.OpOr:
		for _, v := range hint.Values {
			if deviceValue == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// matchString reports whether any of deviceValues satisfies hint — a list-
// valued device attribute (e.g. multiple WWNs) matches on any element.
func matchString(deviceValues []string, hint types.HintExpression) bool {
	for _, dv := range deviceValues {
		if matchOneString(dv, hint) {
			return true
		}
	}
	return false
}

func matchNumeric(deviceValue int64, hint types.HintExpression) bool {
	if len(hint.Values) == 0 {
		return false
	}
	want, err := strconv.ParseInt(hint.Values[0], 10, 64)
	if err != nil {
		return false
	}
	switch hint.Operator {
	case types.OpEqual:
		return deviceValue == want
	case types.OpNotEqual:
		return deviceValue != want
	case types.OpLessThan:
		return deviceValue < want
	case types.OpLessOrEqual:
		return deviceValue <= want
	case types.OpGreaterThan:
		return deviceValue > want
	case types.OpGreaterOrEqual:
		return deviceValue >= want
	default:
		return false
	}
}

func matchBool(deviceValue bool, hint types.HintExpression) bool {
	if len(hint.Values) == 0 {
		return false
	}
	want, err := strconv.ParseBool(hint.Values[0])
	if err != nil {
		return false
	}
	return deviceValue == want
}

// deviceMatches reports whether dev satisfies every hint in hints. A device
// must satisfy all hints to match — there is no partial credit.
func deviceMatches(dev types.BlockDevice, hints types.RootDeviceHints) bool {
	for key, hint := range hints {
		switch key {
		case "size":
			sizeGiB := int64(dev.SizeBytes / (1024 * 1024 * 1024))
			if !matchNumeric(sizeGiB, hint) {
				return false
			}
		case "rotational":
			if !matchBool(dev.Rotational, hint) {
				return false
			}
		default:
			vals, ok := deviceAttributeValues(dev, key)
			if !ok {
				return false
			}
			if !matchString(vals, hint) {
				return false
			}
		}
	}
	return true
}

// FindDevicesByHints returns every device satisfying every hint, in the
// order devices were given, mirroring find_devices_by_hints' streaming
// semantics (as a materialized slice — block device inventories are small
// enough this repo doesn't need a generator).
func FindDevicesByHints(devices []types.BlockDevice, hints types.RootDeviceHints) []types.BlockDevice {
	var matches []types.BlockDevice
	for _, dev := range devices {
		if deviceMatches(dev, hints) {
			matches = append(matches, dev)
		}
	}
	return matches
}

// MatchRootDeviceHints returns the first device satisfying every hint, or a
// DeviceNotFoundError.
func MatchRootDeviceHints(devices []types.BlockDevice, hints types.RootDeviceHints) (*types.BlockDevice, error) {
	matches := FindDevicesByHints(devices, hints)
	if len(matches) == 0 {
		return nil, &agenterrors.DeviceNotFoundError{Reason: "no device matches the given root device hints"}
	}
	return &matches[0], nil
}

// GuessRootDisk picks the smallest device at or above minSize when no hints
// were supplied, mirroring utils.guess_root_disk: sort ascending, return the
// first device clearing the floor.
func GuessRootDisk(devices []types.BlockDevice, minSize uint64) (*types.BlockDevice, error) {
	if minSize == 0 {
		minSize = constants.MinRootDiskSize
	}

	sorted := make([]types.BlockDevice, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SizeBytes < sorted[j].SizeBytes })

	if len(sorted) == 0 || sorted[len(sorted)-1].SizeBytes < minSize {
		return nil, &agenterrors.DeviceNotFoundError{
			Reason: "root device hints were not provided and all found block devices are smaller than the minimum required size",
		}
	}

	for _, dev := range sorted {
		if dev.SizeBytes >= minSize {
			return &dev, nil
		}
	}
	return nil, &agenterrors.DeviceNotFoundError{Reason: "no suitable device found"}
}

// SelectRootDevice is the top-level selector entry point: match by hints
// when any were supplied, otherwise fall back to the size-floor guess.
func SelectRootDevice(devices []types.BlockDevice, hints types.RootDeviceHints) (*types.BlockDevice, error) {
	if len(hints) > 0 {
		return MatchRootDeviceHints(devices, hints)
	}
	return GuessRootDisk(devices, constants.MinRootDiskSize)
}

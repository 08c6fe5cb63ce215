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

// Package raid mirrors the boot partitions (ESP or bios-boot) across a
// software-RAID holder set, so a RAID1 root disk still boots when either
// physical leg is the one the firmware happens to read first. Grounded on
// ironic_python_agent/raid_utils.py:prepare_boot_partitions_for_softraid and
// find_esp_raid.
package raid

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// Manager assembles software-RAID mirrored boot partitions through the
// injected command runner.
type Manager struct {
	Config types.Config
}

// New returns a Manager.
func New(cfg types.Config) *Manager {
	return &Manager{Config: cfg}
}

func (m *Manager) run(ctx context.Context, binary string, args ...string) (string, error) {
	stdout, stderr, err := m.Config.Runner.Run(ctx, types.RunOptions{
		Binary:            binary,
		Args:              args,
		UseStandardLocale: true,
	})
	if err != nil {
		return "", fmt.Errorf("%s %s: %w (%s)", binary, strings.Join(args, " "), err, stderr)
	}
	return stdout, nil
}

// startSector reads the first free sector sgdisk reports, the same probe
// calculate_raid_start and prepare_boot_partitions_for_softraid both use
// before carving a new partition.
func (m *Manager) startSector(ctx context.Context, holder string) (string, error) {
	out, err := m.run(ctx, "sgdisk", "-F", holder)
	if err != nil {
		return "", fmt.Errorf("reading first free sector on %s: %w", holder, err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return "", fmt.Errorf("sgdisk -F on %s returned no output", holder)
	}
	return strings.TrimSpace(lines[len(lines)-1]) + "s", nil
}

// FindESPRAID looks for an already-RAIDed ESP (TYPE=raid1, FSTYPE=vfat), the
// rebuild-detection path find_esp_raid implements via lsblk.
func (m *Manager) FindESPRAID(ctx context.Context) (string, error) {
	out, err := m.run(ctx, "lsblk", "-PbioNAME,TYPE,FSTYPE")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := parseLsblkPairs(line)
		if fields["TYPE"] == "raid1" && fields["FSTYPE"] == "vfat" {
			return "/dev/" + fields["NAME"], nil
		}
	}
	return "", nil
}

func parseLsblkPairs(line string) map[string]string {
	out := map[string]string{}
	for _, tok := range splitShellWords(line) {
		k, v, found := strings.Cut(tok, "=")
		if found {
			out[k] = strings.Trim(v, `"`)
		}
	}
	return out
}

// splitShellWords is a minimal shlex.split equivalent for lsblk -P's
// quoted KEY="value" pairs — no nested quoting or escapes to worry about
// in this output format.
func splitShellWords(line string) []string {
	var words []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

// PrepareESP creates (or reuses) a RAID1 mirrored ESP across holders,
// relocating the existing EFI partition's content onto it when one is
// given, and formatting fresh otherwise. Returns the resulting md device.
func (m *Manager) PrepareESP(ctx context.Context, holders []string, existingEFIPart string) (string, error) {
	if md, err := m.FindESPRAID(ctx); err == nil && md != "" {
		m.Config.Logger.Infof("found existing RAIDed ESP %s, skipping creation", md)
		return md, nil
	}

	holderSet := types.RAIDHolderSet{HolderDisks: holders, VolumeName: "esp", Role: constants.EFISystemPartitionType}
	if err := holderSet.Sanitize(); err != nil {
		return "", &agenterrors.RAIDSetupError{Volume: "esp", Err: err}
	}

	var componentParts []string
	for i, holder := range holders {
		label := holderSet.HolderLabel(i)
		start, err := m.startSector(ctx, holder)
		if err != nil {
			return "", &agenterrors.RAIDSetupError{Volume: "esp", Err: err}
		}

		if _, err := m.run(ctx, "sgdisk",
			"-n", fmt.Sprintf("0:%s:+%dMiB", start, constants.ESPSizeMiB),
			"-t", "0:ef00",
			"-c", "0:"+label,
			holder); err != nil {
			return "", &agenterrors.RAIDSetupError{Volume: "esp", Err: err}
		}

		if _, err := m.run(ctx, "partprobe"); err != nil {
			m.Config.Logger.Warnf("partprobe failed: %v", err)
		}
		if _, err := m.run(ctx, "blkid"); err != nil {
			m.Config.Logger.Warnf("blkid refresh failed: %v", err)
		}

		partOut, err := m.run(ctx, "blkid", "-l", "-t", "PARTLABEL="+label, holder)
		if err != nil {
			return "", &agenterrors.RAIDSetupError{Volume: "esp", Err: err}
		}
		lines := strings.Split(strings.TrimSpace(partOut), "\n")
		partPath, _, _ := strings.Cut(lines[len(lines)-1], ":")
		componentParts = append(componentParts, partPath)
	}

	md, err := m.nextFreeRAIDDevice(ctx)
	if err != nil {
		return "", &agenterrors.RAIDSetupError{Volume: "esp", Err: err}
	}

	args := append([]string{"--create", md, "--force", "--run",
		"--metadata=1.0", "--level", "1", "--name", "esp",
		"--raid-devices", strconv.Itoa(len(componentParts))}, componentParts...)
	if _, err := m.run(ctx, "mdadm", args...); err != nil {
		return "", &agenterrors.RAIDSetupError{Volume: "esp", Err: err}
	}

	if existingEFIPart != "" {
		m.Config.Logger.Infof("relocating EFI %s to %s", existingEFIPart, md)
		if _, err := m.run(ctx, "cp", existingEFIPart, md); err != nil {
			return "", &agenterrors.RAIDSetupError{Volume: "esp", Err: err}
		}
		if _, err := m.run(ctx, "wipefs", "-a", existingEFIPart); err != nil {
			m.Config.Logger.Warnf("wipefs on %s failed: %v", existingEFIPart, err)
		}
	} else {
		if _, err := m.run(ctx, "mkfs.vfat", "-n", "efi-part", md); err != nil {
			return "", &agenterrors.RAIDSetupError{Volume: "esp", Err: err}
		}
	}

	return md, nil
}

// PrepareBIOSBoot creates a 2MiB bios-boot (ef02) partition on every GPT
// holder disk. BIOS/GPT firmware reads whichever leg it lands on first, so
// both legs need the partition, not a RAID device — grub's stage1.5 lives
// there independently on each disk.
func (m *Manager) PrepareBIOSBoot(ctx context.Context, holders []string) error {
	for i, holder := range holders {
		label := fmt.Sprintf("bios-boot-part-%d", i)
		if _, err := m.run(ctx, "sgdisk",
			"-n", "0:0:+2MiB",
			"-t", "0:ef02",
			"-c", "0:"+label,
			holder); err != nil {
			return &agenterrors.RAIDSetupError{Volume: "bios-boot", Err: err}
		}
	}
	return nil
}

// nextFreeRAIDDevice scans for the first unused /dev/mdN, the same linear
// probe get_next_free_raid_device does (bounded at 128, matching upstream).
func (m *Manager) nextFreeRAIDDevice(ctx context.Context) (string, error) {
	out, err := m.run(ctx, "lsblk", "-Pno", "NAME")
	if err != nil {
		return "", err
	}
	inUse := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		fields := parseLsblkPairs(line)
		if name := fields["NAME"]; name != "" {
			inUse["/dev/"+name] = true
		}
	}
	for i := 0; i < 128; i++ {
		candidate := fmt.Sprintf("/dev/md%d", i)
		if !inUse[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free md (raid) devices are left")
}

// ComponentDevices examines an md device and returns its constituent
// devices, mirroring _get_actual_component_devices.
func (m *Manager) ComponentDevices(ctx context.Context, raidDevice string) []string {
	if raidDevice == "" {
		return nil
	}
	out, err := m.run(ctx, "mdadm", "--detail", raidDevice)
	if err != nil {
		m.Config.Logger.Warnf("could not get component devices of %s: %v", raidDevice, err)
		return nil
	}

	var components []string
	lines := strings.Split(out, "\n")
	if len(lines) > 1 {
		for _, line := range lines[1:] {
			for _, field := range strings.Fields(line) {
				if strings.HasPrefix(field, "/dev/") {
					components = append(components, field)
				}
			}
		}
	}
	return components
}

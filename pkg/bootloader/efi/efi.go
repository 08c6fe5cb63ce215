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

// Package efi manages EFI NVRAM boot entries: finding valid loaders on a
// mounted ESP, and registering them with efibootmgr while deduplicating by
// label so repeated deploys don't pile up stale entries. Grounded
// line-by-line on ironic_python_agent/efi_utils.py.
package efi

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf16"

	canonicalefi "github.com/canonical/go-efilib"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// entryLabelPattern recognizes one boot entry line in `efibootmgr -v`
// output: boot number, label, and the device-path description.
var entryLabelPattern = regexp.MustCompile(
	`Boot([0-9a-fA-F]+)\*?\s+(.*?)\s+((BBS|HD|FvFile|FvVol|PciRoot|VenMsg|VenHw|UsbClass)\(.*)$`)

// Manager manipulates EFI NVRAM through the injected command runner.
type Manager struct {
	Config types.Config
}

// New returns a Manager.
func New(cfg types.Config) *Manager {
	return &Manager{Config: cfg}
}

// DiscoverBootloaders walks a mounted ESP looking for files matching
// constants.BootloadersEFI, returning their path relative to mountPoint. A
// CSV descriptor short-circuits the walk and is returned alone: it is
// authoritative about which loader and label to use.
func (m *Manager) DiscoverBootloaders(mountPoint string) ([]types.BootloaderCandidate, error) {
	var found []types.BootloaderCandidate

	err := filepath.WalkDir(mountPoint, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if !containsName(constants.BootloadersEFI, name) {
			return nil
		}

		rel, relErr := filepath.Rel(mountPoint, path)
		if relErr != nil {
			return relErr
		}

		info, statErr := os.Stat(path)
		isExecutable := statErr == nil && info.Mode()&0111 != 0

		if strings.Contains(name, "csv") {
			cand, parseErr := m.parseCSVDescriptor(path, rel)
			if parseErr != nil {
				m.Config.Logger.Warnf("failed parsing CSV bootloader descriptor %s: %v", path, parseErr)
				return nil
			}
			found = []types.BootloaderCandidate{*cand}
			return filepath.SkipAll
		}

		if isExecutable {
			found = append(found, types.BootloaderCandidate{RelativePath: rel, AbsolutePath: path})
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return nil, fmt.Errorf("walking %s for efi bootloaders: %w", mountPoint, err)
	}

	return found, nil
}

func containsName(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// parseCSVDescriptor reads a bootloader CSV pointer file. These are always
// UTF-16 encoded, sometimes with a BOM; the 4 comma-separated fields are
// loader filename, label, optional description, optional reserved field.
func (m *Manager) parseCSVDescriptor(path, relPath string) (*types.BootloaderCandidate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text, err := decodeUTF16(raw)
	if err != nil {
		return nil, err
	}

	fields := strings.SplitN(strings.TrimSpace(text), ",", 4)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%s: expected at least loader,label fields, got %q", path, text)
	}

	loaderFilename := strings.TrimSpace(fields[0])
	label := strings.TrimSpace(fields[1])
	loaderRel := strings.Replace(relPath, filepath.Base(relPath), loaderFilename, 1)

	return &types.BootloaderCandidate{
		RelativePath:  relPath,
		IsCSV:         true,
		CSVLoaderFile: loaderRel,
		CSVLabel:      label,
	}, nil
}

// decodeUTF16 strips an optional BOM and decodes UTF-16 (LE, the common
// case for these descriptors written on Windows-adjacent tooling).
func decodeUTF16(raw []byte) (string, error) {
	if len(raw) < 2 {
		return "", fmt.Errorf("truncated UTF-16 content")
	}
	if raw[0] == 0xFF && raw[1] == 0xFE {
		raw = raw[2:]
	} else if raw[0] == 0xFE && raw[1] == 0xFF {
		raw = raw[2:]
	}
	if len(raw)%2 != 0 {
		raw = raw[:len(raw)-1]
	}
	u16 := make([]uint16, len(raw)/2)
	for i := range u16 {
		u16[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return string(utf16.Decode(u16)), nil
}

// GetBootRecords runs efibootmgr -v and parses every boot entry line,
// matching the upstream get_boot_records generator.
func (m *Manager) GetBootRecords(ctx context.Context) ([]types.EFIBootEntry, error) {
	stdout, _, err := m.Config.Runner.Run(ctx, types.RunOptions{
		Binary: "efibootmgr",
		Args:   []string{"-v"},
	})
	if err != nil {
		return nil, &agenterrors.BootloaderInstallError{Stage: "efibootmgr -v", Err: err}
	}

	var entries []types.EFIBootEntry
	for _, line := range strings.Split(stdout, "\n") {
		m := entryLabelPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entries = append(entries, types.EFIBootEntry{
			BootNum: m[1],
			Label:   m[2],
			Active:  strings.Contains(line, "Boot"+m[1]+"*"),
			Raw:     line,
		})
	}
	return entries, nil
}

// RemoveBootRecord deletes a boot entry by its boot number.
func (m *Manager) RemoveBootRecord(ctx context.Context, bootNum string) error {
	_, _, err := m.Config.Runner.Run(ctx, types.RunOptions{
		Binary: "efibootmgr",
		Args:   []string{"-b", bootNum, "-B"},
	})
	return err
}

// AddBootRecord creates a new NVRAM entry pointing at loader on the given
// device/partition, returning the boot number efibootmgr assigned it (read
// back from its own -v output) so the caller can verify what actually landed
// in NVRAM.
func (m *Manager) AddBootRecord(ctx context.Context, device string, partitionNumber int, loader, label string) (string, error) {
	stdout, _, err := m.Config.Runner.Run(ctx, types.RunOptions{
		Binary: "efibootmgr",
		Args: []string{
			"-v", "-c", "-d", device,
			"-p", fmt.Sprintf("%d", partitionNumber),
			"-w", "-L", label, "-l", loader,
		},
	})
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(stdout, "\n") {
		if sub := entryLabelPattern.FindStringSubmatch(line); sub != nil && sub[2] == label {
			return sub[1], nil
		}
	}
	return "", nil
}

// verifyBootRecord reads the raw NVRAM variable efibootmgr just wrote and
// decodes it with DecodeLoadOption, catching a boot entry that efibootmgr
// reported success for but actually wrote malformed. Best-effort: a read or
// decode failure is returned to the caller to log, never to fail the deploy
// over, since efibootmgr itself already exited 0.
func (m *Manager) verifyBootRecord(bootNum string) error {
	if bootNum == "" {
		return fmt.Errorf("no boot number reported for the entry just created")
	}
	raw, _, err := canonicalefi.ReadVariable(fmt.Sprintf("Boot%04s", bootNum), canonicalefi.GlobalVariable)
	if err != nil {
		return fmt.Errorf("reading back Boot%04s: %w", bootNum, err)
	}
	if _, err := DecodeLoadOption(raw); err != nil {
		return fmt.Errorf("Boot%04s did not round-trip: %w", bootNum, err)
	}
	return nil
}

// RunEFIBootMgr registers every discovered bootloader candidate on device,
// removing any pre-existing entry with the same label first so repeated
// deploys never pile up duplicates. labelSuffix, when non-empty, is
// appended (the RAID-leg disambiguation case).
func (m *Manager) RunEFIBootMgr(ctx context.Context, candidates []types.BootloaderCandidate, device string, partitionNumber int, labelSuffix string) error {
	existing, err := m.GetBootRecords(ctx)
	if err != nil {
		return err
	}

	for i, cand := range candidates {
		var loaderPath, label string
		if cand.IsCSV {
			loaderPath = `\` + strings.ReplaceAll(cand.CSVLoaderFile, "/", `\`)
			label = cand.CSVLabel
		} else {
			loaderPath = `\` + strings.ReplaceAll(cand.RelativePath, "/", `\`)
			label = fmt.Sprintf("ironic%d", i+1)
		}
		if labelSuffix != "" {
			label = label + " " + labelSuffix
		}

		for _, entry := range existing {
			if entry.Label == label {
				if err := m.RemoveBootRecord(ctx, entry.BootNum); err != nil {
					m.Config.Logger.Warnf("failed to remove stale boot entry %s (%s): %v", entry.BootNum, label, err)
				}
			}
		}

		bootNum, err := m.AddBootRecord(ctx, device, partitionNumber, loaderPath, label)
		if err != nil {
			return &agenterrors.BootloaderInstallError{Stage: fmt.Sprintf("add boot record %s", label), Err: err}
		}
		if err := m.verifyBootRecord(bootNum); err != nil {
			m.Config.Logger.Warnf("boot record %s (%s) did not verify after creation: %v", bootNum, label, err)
		}
	}
	return nil
}

// DecodeLoadOption is a thin wrapper over go-efilib's typed NVRAM variable
// decoding, used to double check an entry efibootmgr just wrote actually
// round-trips to a well-formed EFI_LOAD_OPTION before trusting it.
func DecodeLoadOption(raw []byte) (*canonicalefi.LoadOption, error) {
	opt, err := canonicalefi.ReadLoadOption(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding EFI load option: %w", err)
	}
	return opt, nil
}

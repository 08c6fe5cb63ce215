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

// Package agentparams parses the bootstrap parameter set the agent is
// handed: kernel cmdline tokens, and — when boot_method is vmedia — the
// parameters.txt file on a labelled virtual-media device. Parsed once per
// process and cached, the way utils.get_agent_params caches AGENT_PARAMS_CACHED.
package agentparams

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/metaldeploy/agent-core/pkg/agenterrors"
	"github.com/metaldeploy/agent-core/pkg/constants"
	"github.com/metaldeploy/agent-core/pkg/types"
)

// Params is the merged parameter set, read-only once Load has populated it.
type Params map[string]string

var (
	once   sync.Once
	cached Params
)

// tokenize splits whitespace-separated "key=value" tokens out of raw
// content, the way _read_params_from_file does for both /proc/cmdline and
// parameters.txt.
func tokenize(content string) Params {
	fields := strings.Fields(content)
	out := make(Params, len(fields))
	for _, field := range fields {
		k, v, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		out[k] = v
	}
	return out
}

// readParamsFromFile reads a key=value file through godotenv after
// reflowing whitespace-separated tokens onto their own lines — parameters.txt
// is traditionally space-or-newline separated, godotenv.Parse expects
// newline-delimited assignments.
func readParamsFromFile(fs types.Fs, path string) (Params, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	reflowed := strings.Join(strings.Fields(string(data)), "\n")
	env, err := godotenv.Parse(strings.NewReader(reflowed))
	if err != nil {
		// Fall back to the plain whitespace tokenizer: godotenv is strict
		// about quoting that kernel cmdlines don't follow.
		return tokenize(string(data)), nil
	}
	return Params(env), nil
}

// findVmediaDeviceByLabel mirrors _get_vmedia_params' label lookup: prefer
// the by-label symlink, falling back to a sysfs model-string scan for older
// conductors that never set the label.
func findVmediaDeviceByLabel(fs types.Fs) (string, error) {
	for _, label := range []string{constants.VmediaLabelLower, constants.VmediaLabelUpper} {
		path := filepath.Join("/dev/disk/by-label", label)
		if _, err := fs.Stat(path); err == nil {
			return path, nil
		}
	}

	matches, _ := filepath.Glob("/sys/class/block/*/device/model")
	for _, modelFile := range matches {
		data, err := os.ReadFile(modelFile)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(data)), constants.VmediaDeviceModel) {
			parts := strings.Split(modelFile, string(os.PathSeparator))
			if len(parts) > 4 {
				return filepath.Join("/dev", parts[4]), nil
			}
		}
	}

	return "", &agenterrors.VirtualMediaBootError{Reason: "unable to find virtual media device"}
}

// loadVmediaParams mounts the virtual-media device, reads parameters.txt,
// and unmounts — best-effort on the unmount the way the original agent is,
// since a dangling mount at this bootstrap stage isn't worth failing over.
func loadVmediaParams(ctx context.Context, cfg types.Config) (Params, error) {
	devicePath, err := findVmediaDeviceByLabel(cfg.Fs)
	if err != nil {
		return nil, err
	}

	mountPoint, err := cfg.Fs.TempDir("", "vmedia")
	if err != nil {
		return nil, fmt.Errorf("creating vmedia mount point: %w", err)
	}
	defer cfg.Fs.RemoveAll(mountPoint)

	if err := cfg.Mounter.Mount(devicePath, mountPoint, "auto", nil); err != nil {
		return nil, &agenterrors.VirtualMediaBootError{Reason: fmt.Sprintf("unable to mount %s: %v", devicePath, err)}
	}
	defer cfg.Mounter.Unmount(mountPoint)

	return readParamsFromFile(cfg.Fs, filepath.Join(mountPoint, constants.VmediaParamsFile))
}

// Load returns the merged kernel-cmdline + (if applicable) vmedia parameter
// set, computing it once per process and caching the result — callers after
// the first never touch disk again.
func Load(ctx context.Context, cfg types.Config) (Params, error) {
	var loadErr error
	once.Do(func() {
		params, err := readParamsFromFile(cfg.Fs, constants.ProcCmdline)
		if err != nil {
			loadErr = fmt.Errorf("reading %s: %w", constants.ProcCmdline, err)
			return
		}

		if params["boot_method"] == "vmedia" {
			vmediaParams, err := loadVmediaParams(ctx, cfg)
			if err != nil {
				loadErr = err
				return
			}
			for k, v := range vmediaParams {
				params[k] = v
			}
		}

		cached = params
	})

	if loadErr != nil {
		return nil, loadErr
	}
	out := make(Params, len(cached))
	for k, v := range cached {
		out[k] = v
	}
	return out, nil
}

// Reset clears the cache; only used by tests that need to re-exercise Load
// under different fakes.
func Reset() {
	once = sync.Once{}
	cached = nil
}

// RootDeviceRaw splits the "root_device" parameter's comma-separated
// "key=expr" pairs into a raw map, ready for hints.ParseRootDeviceHints.
func (p Params) RootDeviceRaw() map[string]string {
	raw, ok := p["root_device"]
	if !ok || raw == "" {
		return nil
	}

	out := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		k, v, found := strings.Cut(item, "=")
		if !found {
			continue
		}
		out[k] = v
	}
	return out
}

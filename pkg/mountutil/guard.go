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

// Package mountutil provides a scoped mount guard: every mount acquired
// through it is unmounted, in reverse order, by a single deferred Close().
// Generalizes the ad hoc mount/defer-unmount pairs scattered through the
// teacher's installer/snapshotter code into one reusable stack, the same
// role frelon-suse-elemental's cleanstack.CleanStack plays for its Grub
// installer.
package mountutil

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/metaldeploy/agent-core/pkg/types"
)

// Guard is a LIFO stack of mount points acquired during one operation.
// Close unwinds them, most-recently-mounted first, so a bind mount nested
// under a parent mount is torn down before its parent.
type Guard struct {
	mounter types.Mounter
	logger  types.Logger
	stack   []string
}

// NewGuard returns an empty mount guard bound to the given mounter.
func NewGuard(mounter types.Mounter, logger types.Logger) *Guard {
	return &Guard{mounter: mounter, logger: logger}
}

// Mount mounts source onto target and records it for unwind on Close.
func (g *Guard) Mount(source, target, fstype string, options []string) error {
	if err := g.mounter.Mount(source, target, fstype, options); err != nil {
		return fmt.Errorf("mounting %s at %s: %w", source, target, err)
	}
	g.stack = append(g.stack, target)
	return nil
}

// unmountWithRetry retries an unmount up to 3 times with a short linear
// backoff before giving up — busy mounts from a just-killed process are
// common enough on a ramdisk to warrant a couple of retries.
func (g *Guard) unmountWithRetry(target string) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = g.mounter.Unmount(target)
		if lastErr == nil {
			return nil
		}
		if g.logger != nil {
			g.logger.Warnf("unmount %s failed (attempt %d/3): %v", target, attempt, lastErr)
		}
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	return lastErr
}

// Close unwinds every mount acquired through this guard in reverse order,
// accumulating (not short-circuiting on) failures so one stuck mount never
// hides the rest.
func (g *Guard) Close() error {
	var result *multierror.Error
	for i := len(g.stack) - 1; i >= 0; i-- {
		target := g.stack[i]
		if err := g.unmountWithRetry(target); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmounting %s: %w", target, err))
		}
	}
	g.stack = nil
	return result.ErrorOrNil()
}

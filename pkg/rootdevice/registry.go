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

import "sort"

// SupportLevel ranks how specific an implementation's answer to a capability
// query is, the way the original agent's hardware managers each declare a
// support priority and the most specific non-default one wins.
type SupportLevel int

const (
	// Unsupported means this implementation has no opinion; the registry
	// skips straight to the next-ranked one.
	Unsupported SupportLevel = 0
	// Generic is the fallback implementation every agent ships (this
	// repo's FakeInventoryCollector-equivalent default path).
	Generic SupportLevel = 1
	// Specific is a vendor/hardware-specific implementation that should be
	// preferred over Generic whenever it has an answer.
	Specific SupportLevel = 2
)

// CapabilityProvider is one registered implementation of a capability: its
// declared rank, and the operation itself. Op returns ok=false when this
// provider declines to answer (equivalent to Unsupported for this call),
// letting the registry fall through to the next-ranked provider even when a
// provider's overall SupportLevel is non-zero.
type CapabilityProvider struct {
	Name  string
	Level SupportLevel
	Op    func() (value string, ok bool)
}

// CapabilityRegistry dispatches a capability query across every registered
// provider in rank order, first non-Unsupported/non-declining answer wins —
// re-expressing the source's dynamic "ask every manager" dispatch as an
// explicit, ordered registry instead of runtime introspection.
type CapabilityRegistry struct {
	providers []CapabilityProvider
}

// NewCapabilityRegistry returns an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{}
}

// Register adds p to the registry. Providers are re-sorted by descending
// Level on every call, so registration order doesn't matter.
func (r *CapabilityRegistry) Register(p CapabilityProvider) {
	r.providers = append(r.providers, p)
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Level > r.providers[j].Level
	})
}

// Resolve runs providers in rank order and returns the first answer from a
// provider whose Level is above Unsupported and whose Op reports ok=true.
func (r *CapabilityRegistry) Resolve() (value string, providerName string, found bool) {
	for _, p := range r.providers {
		if p.Level == Unsupported {
			continue
		}
		if v, ok := p.Op(); ok {
			return v, p.Name, true
		}
	}
	return "", "", false
}

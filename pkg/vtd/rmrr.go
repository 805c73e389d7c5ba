// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vtd

import (
	"fmt"
	"slices"
)

// Region is the address range [Start, End).
type Region struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// Len returns the region length.
func (r Region) Len() uint64 {
	return r.End - r.Start
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// PathEntry is one hop of a device path below a bus: the slot and function
// of a bridge or of the endpoint itself.
type PathEntry struct {
	Slot uint8 `toml:"slot" yaml:"slot"`
	Func uint8 `toml:"func" yaml:"func"`
}

// DeviceScope names a device the way DMAR tables do: the bus where the path
// starts and the hops from there.
type DeviceScope struct {
	StartBus uint8       `toml:"start_bus" yaml:"start_bus"`
	Path     []PathEntry `toml:"path" yaml:"path"`
}

// Matches reports whether the scope names the device at path below bus.
func (s DeviceScope) Matches(bus uint8, path []PathEntry) bool {
	return s.StartBus == bus && slices.Equal(s.Path, path)
}

// RMRR is one reserved memory region and the devices that use it.
type RMRR struct {
	Region `yaml:",inline"`
	Scopes []DeviceScope `toml:"scope" yaml:"scope"`
}

// RMRRTable is a set of reserved memory regions.
type RMRRTable []RMRR

// Regions returns the regions reserved for the device at path below bus.
func (t RMRRTable) Regions(bus uint8, path []PathEntry) []Region {
	var regions []Region
	for _, r := range t {
		for _, s := range r.Scopes {
			if s.Matches(bus, path) {
				regions = append(regions, r.Region)
				break
			}
		}
	}
	return regions
}

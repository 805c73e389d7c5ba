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

// Package vtd holds the hardware-facing definitions of Intel VT-d remapping
// units: requester ids, capability registers, root and context entries,
// invalidation descriptors and RMRR tables.
//
// Nothing here touches hardware. The dmar package consumes these definitions,
// and package vtdsim implements a software model of a unit on top of them.
package vtd

import (
	"fmt"
)

// Bus, slot and function limits of a PCI requester id.
const (
	MaxBus   = 255
	MaxSlot  = 31
	MaxFunc  = 7
	DevFnMax = 256
)

// RID is a PCI requester id: bus in bits 15:8, slot in bits 7:3 and function
// in bits 2:0.
type RID uint16

// MakeRID encodes bus, slot and function into a RID.
func MakeRID(bus, slot, fn uint8) RID {
	return RID(uint16(bus)<<8 | uint16(slot&MaxSlot)<<3 | uint16(fn&MaxFunc))
}

// Bus returns the bus number.
func (r RID) Bus() uint8 { return uint8(r >> 8) }

// Slot returns the device number.
func (r RID) Slot() uint8 { return uint8(r>>3) & MaxSlot }

// Func returns the function number.
func (r RID) Func() uint8 { return uint8(r) & MaxFunc }

// DevFn returns the slot and function combined, which indexes the context
// table of the bus.
func (r RID) DevFn() uint8 { return uint8(r) }

// String implements fmt.Stringer in the lspci "bb:ss.f" form.
func (r RID) String() string {
	return fmt.Sprintf("%02x:%02x.%x", r.Bus(), r.Slot(), r.Func())
}

// ParseRID parses a RID in "bb:ss.f" form (hexadecimal fields) or as a plain
// number such as "0x0010".
func ParseRID(s string) (RID, error) {
	var bus, slot, fn uint
	if n, err := fmt.Sscanf(s, "%x:%x.%x", &bus, &slot, &fn); err == nil && n == 3 {
		if bus > MaxBus || slot > MaxSlot || fn > MaxFunc {
			return 0, fmt.Errorf("rid %q out of range", s)
		}
		return MakeRID(uint8(bus), uint8(slot), uint8(fn)), nil
	}
	var v uint
	if _, err := fmt.Sscan(s, &v); err != nil {
		return 0, fmt.Errorf("invalid rid %q: %v", s, err)
	}
	if v > 0xffff {
		return 0, fmt.Errorf("rid %q out of range", s)
	}
	return RID(v), nil
}

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
	"strings"
)

// Capability register (CAP) fields.
const (
	capNDMask      = 0x7
	capCM          = 1 << 7
	capSAGAWShift  = 8
	capSAGAWMask   = 0x1f
	capMGAWShift   = 16
	capMGAWMask    = 0x3f
	capSLLPSShift  = 34
	capSLLPSMask   = 0xf
	capPSI         = 1 << 39
	capMAMVShift   = 48
	capMAMVMask    = 0x3f
	ecapC          = 1 << 0
	ecapQI         = 1 << 1
	ecapDI         = 1 << 2
	ecapPT         = 1 << 6
	maxNDEncodings = 7
)

// Superpage sizes reported in CAP.SLLPS.
const (
	SLLPS2M = 1 << 0
	SLLPS1G = 1 << 1
)

// AddressWidth describes one adjusted guest address width a unit may support.
type AddressWidth struct {
	// AGAW is the adjusted guest address width in bits.
	AGAW int

	// Levels is the number of page-table levels needed to cover AGAW.
	Levels int

	// AW is the encoding stored in the context entry.
	AW uint64

	// SAGAW is the bit in CAP.SAGAW advertising this width.
	SAGAW uint8
}

// AddressWidths lists the widths defined by the architecture, narrowest
// first.
var AddressWidths = []AddressWidth{
	{AGAW: 30, Levels: 2, AW: 0, SAGAW: 1 << 0},
	{AGAW: 39, Levels: 3, AW: 1, SAGAW: 1 << 1},
	{AGAW: 48, Levels: 4, AW: 2, SAGAW: 1 << 2},
	{AGAW: 57, Levels: 5, AW: 3, SAGAW: 1 << 3},
	{AGAW: 64, Levels: 6, AW: 4, SAGAW: 1 << 4},
}

// Capabilities is the decoded subset of the CAP and ECAP registers that the
// context and domain code depends on.
type Capabilities struct {
	// NumDomains is the number of domain ids the unit supports.
	NumDomains uint32 `toml:"num_domains" yaml:"num_domains"`

	// SAGAW is the bitmask of supported adjusted guest address widths.
	SAGAW uint8 `toml:"sagaw" yaml:"sagaw"`

	// MGAW is the maximum guest address width in bits.
	MGAW int `toml:"mgaw" yaml:"mgaw"`

	// CachingMode is set when the unit may cache not-present and invalid
	// entries, so every entry update needs an invalidation.
	CachingMode bool `toml:"caching_mode" yaml:"caching_mode"`

	// SLLPS is the bitmask of supported second-level superpage sizes.
	SLLPS uint8 `toml:"sllps" yaml:"sllps"`

	// PageSelective reports page-selective IOTLB invalidation support.
	PageSelective bool `toml:"page_selective" yaml:"page_selective"`

	// MaxAddressMask is MAMV, the largest address mask a page-selective
	// invalidation accepts.
	MaxAddressMask int `toml:"max_address_mask" yaml:"max_address_mask"`

	// Coherent reports that hardware walks snoop CPU caches, so entries do
	// not need an explicit write-back.
	Coherent bool `toml:"coherent" yaml:"coherent"`

	// QueuedInvalidation reports queued invalidation support.
	QueuedInvalidation bool `toml:"queued_invalidation" yaml:"queued_invalidation"`

	// DeviceIOTLB reports that devices may cache translations, in which case
	// context changes also require an IOTLB invalidation.
	DeviceIOTLB bool `toml:"device_iotlb" yaml:"device_iotlb"`

	// PassThrough reports support for pass-through context entries.
	PassThrough bool `toml:"pass_through" yaml:"pass_through"`
}

// ParseCapabilities decodes raw CAP and ECAP register values.
func ParseCapabilities(capReg, ecapReg uint64) Capabilities {
	return Capabilities{
		NumDomains:         1 << (4 + 2*(capReg&capNDMask)),
		SAGAW:              uint8((capReg >> capSAGAWShift) & capSAGAWMask),
		MGAW:               int((capReg>>capMGAWShift)&capMGAWMask) + 1,
		CachingMode:        capReg&capCM != 0,
		SLLPS:              uint8((capReg >> capSLLPSShift) & capSLLPSMask),
		PageSelective:      capReg&capPSI != 0,
		MaxAddressMask:     int((capReg >> capMAMVShift) & capMAMVMask),
		Coherent:           ecapReg&ecapC != 0,
		QueuedInvalidation: ecapReg&ecapQI != 0,
		DeviceIOTLB:        ecapReg&ecapDI != 0,
		PassThrough:        ecapReg&ecapPT != 0,
	}
}

// Encode returns the CAP and ECAP register values describing c. NumDomains is
// rounded up to the next encodable count.
func (c Capabilities) Encode() (capReg, ecapReg uint64) {
	nd := uint64(0)
	for nd < maxNDEncodings-1 && uint32(1)<<(4+2*nd) < c.NumDomains {
		nd++
	}
	capReg = nd
	capReg |= uint64(c.SAGAW&capSAGAWMask) << capSAGAWShift
	if c.MGAW > 0 {
		capReg |= uint64(c.MGAW-1) & capMGAWMask << capMGAWShift
	}
	if c.CachingMode {
		capReg |= capCM
	}
	capReg |= uint64(c.SLLPS&capSLLPSMask) << capSLLPSShift
	if c.PageSelective {
		capReg |= capPSI
	}
	capReg |= uint64(c.MaxAddressMask) & capMAMVMask << capMAMVShift
	if c.Coherent {
		ecapReg |= ecapC
	}
	if c.QueuedInvalidation {
		ecapReg |= ecapQI
	}
	if c.DeviceIOTLB {
		ecapReg |= ecapDI
	}
	if c.PassThrough {
		ecapReg |= ecapPT
	}
	return capReg, ecapReg
}

// SupportsWidth reports whether w is advertised in SAGAW.
func (c Capabilities) SupportsWidth(w AddressWidth) bool {
	return c.SAGAW&w.SAGAW != 0
}

// String implements fmt.Stringer.
func (c Capabilities) String() string {
	var flags []string
	if c.CachingMode {
		flags = append(flags, "cm")
	}
	if c.PageSelective {
		flags = append(flags, "psi")
	}
	if c.Coherent {
		flags = append(flags, "coherent")
	}
	if c.QueuedInvalidation {
		flags = append(flags, "qi")
	}
	if c.DeviceIOTLB {
		flags = append(flags, "dev-iotlb")
	}
	if c.PassThrough {
		flags = append(flags, "pt")
	}
	return fmt.Sprintf("nd=%d sagaw=%#x mgaw=%d sllps=%#x mamv=%d [%s]", c.NumDomains, c.SAGAW, c.MGAW, c.SLLPS, c.MaxAddressMask, strings.Join(flags, ","))
}

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
)

// Page geometry of remapping structures and second-level tables.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	// EntrySize is the size of a root or context entry in bytes.
	EntrySize = 16
)

// PageRoundUp rounds addr up to a page boundary.
func PageRoundUp(addr uint64) uint64 {
	return (addr + PageMask) &^ PageMask
}

// PageRoundDown rounds addr down to a page boundary.
func PageRoundDown(addr uint64) uint64 {
	return addr &^ PageMask
}

// Root entry, low word.
const (
	RootPresent = 1 << 0
	RootCTPMask = ^uint64(PageMask)
)

// Context entry, low word.
const (
	CtxPresent   = 1 << 0
	CtxFPD       = 1 << 1
	CtxTypeShift = 2
	CtxTypeMask  = 3 << CtxTypeShift
	CtxASRMask   = ^uint64(PageMask)
)

// Context entry translation types.
const (
	// CtxTypeUntranslated translates untranslated requests through the
	// second-level tables.
	CtxTypeUntranslated = 0 << CtxTypeShift

	// CtxTypeTranslated additionally accepts device-translated requests.
	CtxTypeTranslated = 1 << CtxTypeShift

	// CtxTypePassThrough passes untranslated requests through unmodified.
	CtxTypePassThrough = 2 << CtxTypeShift
)

// Context entry, high word.
const (
	CtxAWMask   = 0x7
	CtxDIDShift = 8
	CtxDIDMask  = 0xffff << CtxDIDShift
)

// ContextHi returns the high word of a context entry for domain id did with
// address-width encoding aw.
func ContextHi(did uint16, aw uint64) uint64 {
	return uint64(did)<<CtxDIDShift | aw&CtxAWMask
}

// ContextLoTranslated returns the low word of a present context entry walking
// the second-level table rooted at root.
func ContextLoTranslated(root uint64) uint64 {
	return CtxTypeUntranslated | root&CtxASRMask | CtxPresent
}

// ContextLoPassThrough returns the low word of a present pass-through context
// entry. The root pointer field is zero.
func ContextLoPassThrough() uint64 {
	return CtxTypePassThrough | CtxPresent
}

// ContextEntry is the decoded form of a context entry.
type ContextEntry struct {
	Present  bool
	Type     uint64
	Root     uint64
	DomainID uint16
	AW       uint64
}

// DecodeContext decodes the two words of a context entry.
func DecodeContext(hi, lo uint64) ContextEntry {
	return ContextEntry{
		Present:  lo&CtxPresent != 0,
		Type:     lo & CtxTypeMask,
		Root:     lo & CtxASRMask,
		DomainID: uint16((hi & CtxDIDMask) >> CtxDIDShift),
		AW:       hi & CtxAWMask,
	}
}

// PassThrough reports whether the entry is a pass-through entry.
func (e ContextEntry) PassThrough() bool {
	return e.Type == CtxTypePassThrough
}

// String implements fmt.Stringer.
func (e ContextEntry) String() string {
	if !e.Present {
		return "not present"
	}
	switch e.Type {
	case CtxTypePassThrough:
		return fmt.Sprintf("did %d aw %d pass-through", e.DomainID, e.AW)
	case CtxTypeTranslated:
		return fmt.Sprintf("did %d aw %d translated root %#x", e.DomainID, e.AW, e.Root)
	default:
		return fmt.Sprintf("did %d aw %d untranslated root %#x", e.DomainID, e.AW, e.Root)
	}
}

// Page is the CPU view of one page of remapping structures or second-level
// page table, as 64-bit words.
type Page [PageSize / 8]uint64

// Entry returns pointers to the low and high words of the i-th 16-byte root
// or context entry on the page.
func (p *Page) Entry(i int) (lo, hi *uint64) {
	return &p[2*i], &p[2*i+1]
}

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

// Package gas tracks the guest (I/O virtual) address space of a remapping
// domain: which ranges are reserved, which hold device mappings and which
// are free.
package gas

import (
	"fmt"
	"math/bits"

	"github.com/google/btree"
	"vtd.dev/vtd/pkg/errors/linuxerr"
	"vtd.dev/vtd/pkg/vtd"
)

// Flags classify a range.
type Flags uint8

const (
	// Reserved ranges are never handed out, e.g. the interrupt window.
	Reserved Flags = 1 << iota

	// RMRR ranges are identity mapped for firmware-owned DMA.
	RMRR

	// Allocated ranges were returned by Alloc.
	Allocated
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	switch f {
	case Reserved:
		return "reserved"
	case RMRR:
		return "rmrr"
	case Allocated:
		return "allocated"
	default:
		return fmt.Sprintf("flags(%#x)", uint8(f))
	}
}

// Range is an occupied range [Start, End) of the address space.
type Range struct {
	Start uint64
	End   uint64
	Flags Flags
}

func lessRange(a, b Range) bool {
	return a.Start < b.Start
}

// degree is the btree node degree.
const degree = 8

// Space is the address space [0, End) of one domain.
//
// Space is not synchronized; callers provide locking.
type Space struct {
	end  uint64
	tree *btree.BTreeG[Range]
}

// New returns an empty space covering [0, end). Page zero is never handed
// out by Alloc so that a zero bus address is always invalid.
func New(end uint64) *Space {
	if end < 2*vtd.PageSize {
		panic(fmt.Sprintf("address space end %#x too small", end))
	}
	return &Space{
		end:  end,
		tree: btree.NewG(degree, lessRange),
	}
}

// End returns the end of the space.
func (s *Space) End() uint64 {
	return s.end
}

// overlaps returns the occupied range overlapping [start, end), if any.
func (s *Space) overlaps(start, end uint64) (Range, bool) {
	var found Range
	ok := false
	s.tree.DescendLessOrEqual(Range{Start: end - 1}, func(r Range) bool {
		if r.End > start {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// Reserve marks [start, end), widened to page boundaries, as occupied with
// the given flags. It fails with EBUSY when the range overlaps an existing
// one and EINVAL when it is empty or leaves the space.
func (s *Space) Reserve(start, end uint64, flags Flags) error {
	start, end = vtd.PageRoundDown(start), vtd.PageRoundUp(end)
	if start >= end || end > s.end {
		return linuxerr.EINVAL
	}
	if _, ok := s.overlaps(start, end); ok {
		return linuxerr.EBUSY
	}
	s.tree.ReplaceOrInsert(Range{Start: start, End: end, Flags: flags})
	return nil
}

// Alloc finds the lowest free range of size bytes aligned to align, marks it
// allocated and returns its start. size is rounded up to whole pages and
// align must be zero or a power of two; anything under a page means page
// alignment. Alloc fails with ENOMEM when no free range fits.
func (s *Space) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, linuxerr.EINVAL
	}
	if align < vtd.PageSize {
		align = vtd.PageSize
	}
	if bits.OnesCount64(align) != 1 {
		return 0, linuxerr.EINVAL
	}
	size = vtd.PageRoundUp(size)
	fits := func(cursor, limit uint64) (uint64, bool) {
		start := (cursor + align - 1) &^ (align - 1)
		if start < cursor {
			return 0, false
		}
		end, carry := bits.Add64(start, size, 0)
		return start, carry == 0 && end <= limit
	}

	cursor := uint64(vtd.PageSize)
	found := false
	var start uint64
	s.tree.Ascend(func(r Range) bool {
		if r.End <= cursor {
			return true
		}
		if st, ok := fits(cursor, r.Start); ok && r.Start > cursor {
			start, found = st, true
			return false
		}
		cursor = r.End
		return true
	})
	if !found {
		st, ok := fits(cursor, s.end)
		if !ok {
			return 0, linuxerr.ENOMEM
		}
		start = st
	}
	s.tree.ReplaceOrInsert(Range{Start: start, End: start + size, Flags: Allocated})
	return start, nil
}

// Free releases the range starting at start and returns it. Freeing a start
// that holds no range panics.
func (s *Space) Free(start uint64) Range {
	r, ok := s.tree.Delete(Range{Start: start})
	if !ok {
		panic(fmt.Sprintf("freeing unoccupied address %#x", start))
	}
	return r
}

// Lookup returns the range containing addr.
func (s *Space) Lookup(addr uint64) (Range, bool) {
	return s.overlaps(addr, addr+1)
}

// Len returns the number of occupied ranges.
func (s *Space) Len() int {
	return s.tree.Len()
}

// Ranges returns the occupied ranges in address order.
func (s *Space) Ranges() []Range {
	rs := make([]Range, 0, s.tree.Len())
	s.tree.Ascend(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Fini drops the reserved and RMRR ranges. Allocated ranges still present
// are a leak and panic.
func (s *Space) Fini() {
	s.tree.Ascend(func(r Range) bool {
		if r.Flags&Allocated != 0 {
			panic(fmt.Sprintf("address space torn down with %v range [%#x, %#x) live", r.Flags, r.Start, r.End))
		}
		return true
	})
	s.tree.Clear(false)
}

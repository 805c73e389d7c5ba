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

// Package pagetable implements second-level remapping page tables.
//
// A table has between 2 and 6 levels of 512 entries each. Level 1 entries
// map 4K pages; level 2 and 3 entries may map 2M and 1G superpages directly
// when the unit supports them and the range is suitably aligned. Table pages
// that become empty on unmap are freed.
package pagetable

import (
	"fmt"

	"vtd.dev/vtd/pkg/errors/linuxerr"
	"vtd.dev/vtd/pkg/vtd"
)

// Allocator provides the pages that back a table.
type Allocator interface {
	// AllocPage returns a zeroed page.
	AllocPage() (uint64, error)

	// FreePage releases a page returned by AllocPage.
	FreePage(addr uint64)

	// MapPage returns the CPU view of an allocated page.
	MapPage(addr uint64) *vtd.Page
}

// Perm is the access a mapping grants.
type Perm uint64

// Permissions.
const (
	Read  Perm = 1 << 0
	Write Perm = 1 << 1

	ReadWrite = Read | Write
)

// String implements fmt.Stringer.
func (p Perm) String() string {
	r, w := "-", "-"
	if p&Read != 0 {
		r = "r"
	}
	if p&Write != 0 {
		w = "w"
	}
	return r + w
}

// Entry bits.
const (
	ptePermMask = uint64(ReadWrite)
	pteSuper    = 1 << 7
	pteAddrMask = 0x000f_ffff_ffff_f000

	entriesPerPage = vtd.PageSize / 8
	indexMask      = entriesPerPage - 1
	levelBits      = 9
)

// MinLevels and MaxLevels bound the table depth.
const (
	MinLevels = 2
	MaxLevels = 6
)

// PageTable is a second-level page table.
//
// PageTable is not synchronized; callers provide locking.
type PageTable struct {
	alloc  Allocator
	levels int
	sllps  uint8
	root   uint64

	// pages counts allocated table pages, root included.
	pages int
}

// New allocates the root of a table with the given number of levels. sllps
// is the CAP.SLLPS mask of superpage sizes the table may use.
func New(alloc Allocator, levels int, sllps uint8) (*PageTable, error) {
	if levels < MinLevels || levels > MaxLevels {
		panic(fmt.Sprintf("page table with %d levels", levels))
	}
	root, err := alloc.AllocPage()
	if err != nil {
		return nil, err
	}
	return &PageTable{
		alloc:  alloc,
		levels: levels,
		sllps:  sllps,
		root:   root,
		pages:  1,
	}, nil
}

// Root returns the physical address of the top-level table page.
func (pt *PageTable) Root() uint64 {
	return pt.root
}

// Levels returns the table depth.
func (pt *PageTable) Levels() int {
	return pt.levels
}

// Pages returns the number of table pages currently allocated.
func (pt *PageTable) Pages() int {
	return pt.pages
}

// covers reports whether [base, base+size) is translatable by the table.
func (pt *PageTable) covers(base, size uint64) bool {
	end := base + size
	if end < base {
		return false
	}
	if pt.levels == MaxLevels {
		return true
	}
	return end <= levelSize(pt.levels+1)
}

func levelShift(level int) uint {
	return vtd.PageShift + levelBits*uint(level-1)
}

func levelSize(level int) uint64 {
	return uint64(1) << levelShift(level)
}

func index(addr uint64, level int) int {
	return int(addr>>levelShift(level)) & indexMask
}

// addrEnd returns the next boundary of size after addr, or end if that comes
// first.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// superOK reports whether entries at level may map superpages.
func (pt *PageTable) superOK(level int) bool {
	switch level {
	case 2:
		return pt.sllps&vtd.SLLPS2M != 0
	case 3:
		return pt.sllps&vtd.SLLPS1G != 0
	default:
		return false
	}
}

// Map maps [base, base+size) to [phys, phys+size) with perm. base, phys and
// size must be page aligned. Mapping over a live entry fails with EEXIST and
// a failed table allocation with ENOMEM; on failure nothing stays mapped.
func (pt *PageTable) Map(base, size, phys uint64, perm Perm) error {
	if base&vtd.PageMask != 0 || size&vtd.PageMask != 0 || phys&vtd.PageMask != 0 {
		panic(fmt.Sprintf("unaligned map of [%#x, +%#x) to %#x", base, size, phys))
	}
	if size == 0 {
		return nil
	}
	if perm&ReadWrite == 0 || !pt.covers(base, size) {
		return linuxerr.EINVAL
	}
	done := base
	if err := pt.mapRange(pt.root, pt.levels, base, base+size, phys, perm, &done); err != nil {
		if done > base {
			if _, uerr := pt.unmapRange(pt.root, pt.levels, base, done); uerr != nil {
				panic(fmt.Sprintf("unwinding map of [%#x, %#x): %v", base, done, uerr))
			}
		}
		return err
	}
	return nil
}

func (pt *PageTable) mapRange(table uint64, level int, addr, end, phys uint64, perm Perm, done *uint64) error {
	page := pt.alloc.MapPage(table)
	size := levelSize(level)
	for addr < end {
		next := addrEnd(addr, end, size)
		pte := &page[index(addr, level)]
		switch {
		case level == 1:
			if *pte != 0 {
				return linuxerr.EEXIST
			}
			*pte = phys&pteAddrMask | uint64(perm)
		case *pte == 0 && pt.superOK(level) && addr&(size-1) == 0 && phys&(size-1) == 0 && end-addr >= size:
			*pte = phys&pteAddrMask | uint64(perm) | pteSuper
		default:
			if *pte&pteSuper != 0 {
				return linuxerr.EEXIST
			}
			if *pte == 0 {
				child, err := pt.alloc.AllocPage()
				if err != nil {
					return err
				}
				pt.pages++
				*pte = child | uint64(ReadWrite)
			}
			if err := pt.mapRange(*pte&pteAddrMask, level-1, addr, next, phys, perm, done); err != nil {
				return err
			}
		}
		phys += next - addr
		addr = next
		*done = addr
	}
	return nil
}

// Unmap removes the mappings in [base, base+size). Pages in the range that
// were not mapped are skipped and reported with ENOENT once the rest of the
// range is cleared. Unmapping part of a superpage fails with EINVAL.
func (pt *PageTable) Unmap(base, size uint64) error {
	if base&vtd.PageMask != 0 || size&vtd.PageMask != 0 {
		panic(fmt.Sprintf("unaligned unmap of [%#x, +%#x)", base, size))
	}
	if size == 0 {
		return nil
	}
	missing, err := pt.unmapRange(pt.root, pt.levels, base, base+size)
	if err != nil {
		return err
	}
	if missing {
		return linuxerr.ENOENT
	}
	return nil
}

func (pt *PageTable) unmapRange(table uint64, level int, addr, end uint64) (missing bool, err error) {
	page := pt.alloc.MapPage(table)
	size := levelSize(level)
	for addr < end {
		next := addrEnd(addr, end, size)
		pte := &page[index(addr, level)]
		switch {
		case *pte == 0:
			missing = true
		case level == 1:
			*pte = 0
		case *pte&pteSuper != 0:
			if addr&(size-1) != 0 || next-addr != size {
				return missing, linuxerr.EINVAL
			}
			*pte = 0
		default:
			child := *pte & pteAddrMask
			m, err := pt.unmapRange(child, level-1, addr, next)
			missing = missing || m
			if err != nil {
				return missing, err
			}
			if empty(pt.alloc.MapPage(child)) {
				*pte = 0
				pt.alloc.FreePage(child)
				pt.pages--
			}
		}
		addr = next
	}
	return missing, nil
}

func empty(page *vtd.Page) bool {
	for _, pte := range page {
		if pte != 0 {
			return false
		}
	}
	return true
}

// Lookup translates addr. ok is false when addr is not mapped.
func (pt *PageTable) Lookup(addr uint64) (phys uint64, perm Perm, ok bool) {
	table := pt.root
	for level := pt.levels; level >= 1; level-- {
		pte := pt.alloc.MapPage(table)[index(addr, level)]
		if pte == 0 {
			return 0, 0, false
		}
		if level == 1 || pte&pteSuper != 0 {
			off := addr & (levelSize(level) - 1)
			return pte&pteAddrMask + off, Perm(pte & ptePermMask), true
		}
		table = pte & pteAddrMask
	}
	panic("unreachable")
}

// Release frees every page of the table, mappings included. The table must
// not be used afterwards.
func (pt *PageTable) Release() {
	pt.release(pt.root, pt.levels)
	pt.root = 0
}

func (pt *PageTable) release(table uint64, level int) {
	if level > 1 {
		for _, pte := range pt.alloc.MapPage(table) {
			if pte != 0 && pte&pteSuper == 0 {
				pt.release(pte&pteAddrMask, level-1)
			}
		}
	}
	pt.alloc.FreePage(table)
	pt.pages--
}

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

// Package vtdsim is a software model of a VT-d remapping unit: a physical
// page allocator, the register file and the invalidation queue. It lets the
// dmar package run, and be tested, without hardware.
package vtdsim

import (
	"fmt"

	"vtd.dev/vtd/pkg/errors/linuxerr"
	"vtd.dev/vtd/pkg/sync"
	"vtd.dev/vtd/pkg/vtd"
)

// DefaultPagesBase is where Pages starts handing out addresses when Base is
// unset. It keeps page addresses clear of zero so that a stray zero root
// pointer is never mistaken for a real page.
const DefaultPagesBase = 0x1_0000_0000

// Pages hands out zeroed physical pages for remapping structures and page
// tables. Addresses are synthetic and backed by Go memory.
type Pages struct {
	// Base is the physical address of the first page handed out.
	Base uint64

	// Limit bounds the number of pages live at once. Zero means no limit.
	Limit int

	mu sync.Mutex

	// next is the next never-used page address.
	next uint64

	// free holds released page addresses for reuse.
	free []uint64

	// live maps allocated page addresses to their contents.
	live map[uint64]*vtd.Page

	// allocs counts successful allocations.
	allocs uint64

	// failAfter, when positive, is decremented on every allocation and the
	// allocation that takes it to zero fails.
	failAfter int
}

// AllocPage implements dmar.PageAllocator.AllocPage.
func (p *Pages) AllocPage() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter > 0 {
		p.failAfter--
		if p.failAfter == 0 {
			return 0, linuxerr.ENOMEM
		}
	}
	if p.Limit > 0 && len(p.live) >= p.Limit {
		return 0, linuxerr.ENOMEM
	}
	if p.live == nil {
		p.live = make(map[uint64]*vtd.Page)
	}
	var addr uint64
	if n := len(p.free); n > 0 {
		addr = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.next == 0 {
			p.next = p.Base
			if p.next == 0 {
				p.next = DefaultPagesBase
			}
		}
		addr = p.next
		p.next += vtd.PageSize
	}
	p.live[addr] = new(vtd.Page)
	p.allocs++
	return addr, nil
}

// FreePage implements dmar.PageAllocator.FreePage.
func (p *Pages) FreePage(addr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[addr]; !ok {
		panic(fmt.Sprintf("freeing page %#x that is not allocated", addr))
	}
	delete(p.live, addr)
	p.free = append(p.free, addr)
}

// MapPage implements dmar.PageAllocator.MapPage.
func (p *Pages) MapPage(addr uint64) *vtd.Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, ok := p.live[vtd.PageRoundDown(addr)]
	if !ok {
		panic(fmt.Sprintf("mapping page %#x that is not allocated", addr))
	}
	return pg
}

// InUse returns the number of live pages.
func (p *Pages) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Allocs returns the number of successful allocations so far.
func (p *Pages) Allocs() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs
}

// FailAfter makes the n-th allocation from now fail with ENOMEM. n <= 0
// disarms it.
func (p *Pages) FailAfter(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		n = 0
	}
	p.failAfter = n
}

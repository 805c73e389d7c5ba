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

package dmar

import (
	"fmt"
	"sync/atomic"

	"vtd.dev/vtd/pkg/vtd"
)

// contextSlots returns the first slot and the number of slots ctx occupies
// on its bus's context table page.
func (ctx *Context) contextSlots() (int, int) {
	if ctx.busWide {
		return 0, vtd.DevFnMax
	}
	return int(ctx.rid.DevFn()), 1
}

// writeContextEntryLocked installs the entry for ctx's current domain in
// every slot ctx occupies on page, the context table page at addr. Unless
// move is set the slots must be clear.
//
// The high word (domain id, address width) is stored before the low word
// (present bit, type, root), and the two stores are not atomic with respect
// to hardware walks. For a fresh entry this is harmless: the entry is not
// present until the low word lands. A move rewrites a present entry, so a
// walk between the stores can combine the new domain id with the old page
// table root. The flush that follows a move is what bounds that window.
//
// Called with u.mu held.
func (u *Unit) writeContextEntryLocked(ctx *Context, page *vtd.Page, addr uint64, move bool) {
	d := ctx.Domain()
	hi := vtd.ContextHi(d.id, d.width.AW)
	var lo uint64
	if d.passThrough() {
		lo = vtd.ContextLoPassThrough()
	} else {
		lo = vtd.ContextLoTranslated(d.pt.Root())
	}
	first, n := ctx.contextSlots()
	for i := first; i < first+n; i++ {
		plo, phi := page.Entry(i)
		if !move && (atomic.LoadUint64(plo) != 0 || atomic.LoadUint64(phi) != 0) {
			panic(fmt.Sprintf("%s: context entry %02x:%02x.%x already initialized: %#x %#x",
				u.name, ctx.rid.Bus(), i>>3, i&7, *phi, *plo))
		}
		atomic.StoreUint64(phi, hi)
		atomic.StoreUint64(plo, lo)
	}
	u.flushToRAM(addr+uint64(first)*vtd.EntrySize, uint64(n)*vtd.EntrySize)
}

// clearContextEntryLocked clears every slot ctx occupies. The low word goes
// first so that hardware never sees a present entry with a cleared domain.
// Called with u.mu held.
func (u *Unit) clearContextEntryLocked(ctx *Context, page *vtd.Page, addr uint64) {
	first, n := ctx.contextSlots()
	for i := first; i < first+n; i++ {
		plo, phi := page.Entry(i)
		atomic.StoreUint64(plo, 0)
		atomic.StoreUint64(phi, 0)
	}
	u.flushToRAM(addr+uint64(first)*vtd.EntrySize, uint64(n)*vtd.EntrySize)
}

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
	"math"
	"strings"

	"vtd.dev/vtd/pkg/cleanup"
	"vtd.dev/vtd/pkg/dmar/gas"
	"vtd.dev/vtd/pkg/dmar/pagetable"
	"vtd.dev/vtd/pkg/errors/linuxerr"
	"vtd.dev/vtd/pkg/ilist"
	"vtd.dev/vtd/pkg/log"
	"vtd.dev/vtd/pkg/sync"
	"vtd.dev/vtd/pkg/taskqueue"
	"vtd.dev/vtd/pkg/vtd"
)

// DomainFlags describe a domain.
type DomainFlags uint32

const (
	// IdentityMapped domains translate every address to itself.
	IdentityMapped DomainFlags = 1 << iota

	// HasRMRR domains carry identity mappings of reserved memory regions.
	HasRMRR
)

// String implements fmt.Stringer.
func (f DomainFlags) String() string {
	var s []string
	if f&IdentityMapped != 0 {
		s = append(s, "idmap")
	}
	if f&HasRMRR != 0 {
		s = append(s, "rmrr")
	}
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, "|")
}

// apicStart and apicEnd bound the interrupt address window, which remapped
// domains must never hand out.
const (
	apicStart = 0xfee00000
	apicEnd   = 0xfef00000
)

// Domain is a translation domain: an address space and the page table that
// implements it, shared by the contexts attached to it.
type Domain struct {
	ilist.Entry[*Domain]

	unit *Unit
	id   uint16

	// end is the first address beyond the domain's address space.
	end uint64

	// width is the adjusted guest address width and mgaw the width asked
	// for when it was chosen.
	width vtd.AddressWidth
	mgaw  int

	// flags is immutable after construction, except HasRMRR which is set
	// during construction only.
	flags DomainFlags

	// refs, ctxCount, contexts and rmrrRefs are protected by unit.mu.
	//
	// refs counts linked contexts, RMRR regions and registry holds.
	refs     int
	ctxCount int
	contexts ilist.List[*Context]
	rmrrRefs int

	// pgMu protects space, pt and the mapping state of this domain's
	// entries.
	pgMu sync.Mutex

	// space is the address space allocator.
	space *gas.Space

	// pt is nil for identity domains on pass-through hardware.
	pt *pagetable.PageTable

	// mapped counts live entries returned by Map.
	mapped int

	// unloadMu protects unloadEntries.
	unloadMu      sync.Mutex
	unloadEntries ilist.List[*MapEntry]

	// unloadTask processes unloadEntries.
	unloadTask *taskqueue.Task

	// inflight counts entries of this domain on unit.tlbFlushEntries. It is
	// protected by unit.qiMu.
	inflight int
}

// ID returns the domain id.
func (d *Domain) ID() uint16 {
	return d.id
}

// Unit returns the unit the domain belongs to.
func (d *Domain) Unit() *Unit {
	return d.unit
}

// End returns the end of the domain's address space.
func (d *Domain) End() uint64 {
	return d.end
}

// AGAW returns the adjusted guest address width in bits.
func (d *Domain) AGAW() int {
	return d.width.AGAW
}

// MGAW returns the guest address width the domain was sized for.
func (d *Domain) MGAW() int {
	return d.mgaw
}

// Levels returns the number of page-table levels.
func (d *Domain) Levels() int {
	return d.width.Levels
}

// Flags returns the domain flags.
func (d *Domain) Flags() DomainFlags {
	return d.flags
}

// passThrough reports whether contexts of d use pass-through entries.
func (d *Domain) passThrough() bool {
	return d.pt == nil
}

// PageTableRoot returns the physical address of the domain's top-level page
// table, or zero for pass-through domains.
func (d *Domain) PageTableRoot() uint64 {
	if d.pt == nil {
		return 0
	}
	return d.pt.Root()
}

// Refs returns the domain's reference count.
func (d *Domain) Refs() int {
	d.unit.mu.RLock()
	defer d.unit.mu.RUnlock()
	return d.refs
}

// ContextCount returns the number of contexts attached to the domain.
func (d *Domain) ContextCount() int {
	d.unit.mu.RLock()
	defer d.unit.mu.RUnlock()
	return d.ctxCount
}

// Contexts returns the requester ids of the contexts attached to d.
func (d *Domain) Contexts() []vtd.RID {
	d.unit.mu.RLock()
	defer d.unit.mu.RUnlock()
	var rids []vtd.RID
	for ctx := d.contexts.Front(); ctx != nil; ctx = ctx.Next() {
		rids = append(rids, ctx.rid)
	}
	return rids
}

// String implements fmt.Stringer.
func (d *Domain) String() string {
	return fmt.Sprintf("domain %d (agaw %d, end %#x, %v)", d.id, d.width.AGAW, d.end, d.flags)
}

// maxAddrToMGAW returns the narrowest width the unit supports that covers
// maxAddr. With allowLess set the widest supported width is used when none
// covers it.
func (u *Unit) maxAddrToMGAW(maxAddr uint64, allowLess bool) (int, bool) {
	for _, w := range vtd.AddressWidths {
		if u.caps.SupportsWidth(w) && (w.AGAW >= 64 || uint64(1)<<w.AGAW >= maxAddr) {
			return w.AGAW, true
		}
	}
	if allowLess {
		for i := len(vtd.AddressWidths) - 1; i >= 0; i-- {
			if w := vtd.AddressWidths[i]; u.caps.SupportsWidth(w) {
				return w.AGAW, true
			}
		}
	}
	return 0, false
}

// widthFor returns the supported width of at least mgaw bits.
func (u *Unit) widthFor(mgaw int) (vtd.AddressWidth, bool) {
	for _, w := range vtd.AddressWidths {
		if w.AGAW >= mgaw && u.caps.SupportsWidth(w) {
			return w, true
		}
	}
	return vtd.AddressWidth{}, false
}

// createDomain builds an unlinked domain with refs == 0. Called without
// u.mu held.
func (u *Unit) createDomain(idMapped bool) (*Domain, error) {
	u.mu.Lock()
	id, err := u.allocDomainIDLocked()
	u.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d := &Domain{unit: u, id: id}
	cu := cleanup.Make(func() {
		u.mu.Lock()
		u.freeDomainIDLocked(id)
		u.mu.Unlock()
	})
	defer cu.Clean()

	if idMapped {
		d.end = u.opts.MaxPhysAddr
		d.flags |= IdentityMapped
	} else {
		d.end = math.MaxUint64
	}
	mgaw, ok := u.maxAddrToMGAW(d.end, !idMapped)
	if !ok {
		return nil, fmt.Errorf("%s: no address width covers %#x: %w", u.name, d.end, linuxerr.EINVAL)
	}
	w, ok := u.widthFor(mgaw)
	if !ok {
		return nil, fmt.Errorf("%s: no address width of %d bits: %w", u.name, mgaw, linuxerr.EINVAL)
	}
	d.mgaw = mgaw
	d.width = w
	if !idMapped {
		// Use all of the supported address space for remapping.
		d.end = uint64(1) << (w.AGAW - 1)
	}

	d.space = gas.New(d.end)
	if !idMapped || !u.caps.PassThrough {
		pt, err := pagetable.New(u.pages, w.Levels, u.caps.SLLPS)
		if err != nil {
			return nil, err
		}
		d.pt = pt
		cu.Add(pt.Release)
	}
	if idMapped {
		if d.pt != nil {
			if err := d.pt.Map(0, vtd.PageRoundDown(d.end), 0, pagetable.ReadWrite); err != nil {
				return nil, fmt.Errorf("%s: identity mapping [0, %#x): %w", u.name, d.end, err)
			}
		}
	} else if d.end > apicStart {
		if err := d.space.Reserve(apicStart, min(apicEnd, d.end), gas.Reserved); err != nil {
			return nil, fmt.Errorf("%s: reserving interrupt window: %w", u.name, err)
		}
	}

	d.unloadTask = taskqueue.New(d.runUnload)
	cu.Release()
	u.stats.domainsCreated.Add(1)
	log.Debugf("%s: created %v", u.name, d)
	return d, nil
}

// initRMRR identity maps the reserved regions of dev into d. Each mapped
// region holds a reference on d. Called without u.mu held on a domain not
// yet visible to other callers.
func (d *Domain) initRMRR(dev *Device, rid vtd.RID) error {
	u := d.unit
	if u.rmrr == nil {
		return nil
	}
	bus, path := dev.scope(rid)
	for _, r := range u.rmrr.Regions(bus, path) {
		start, end := vtd.PageRoundDown(r.Start), vtd.PageRoundUp(r.End)
		if start >= end {
			continue
		}
		if err := d.mapRegion(start, end); err != nil {
			return fmt.Errorf("%s: mapping RMRR %v for %v: %w", u.name, r, dev, err)
		}
		u.mu.Lock()
		d.refs++
		d.rmrrRefs++
		d.flags |= HasRMRR
		u.mu.Unlock()
		log.Debugf("%s: domain %d maps RMRR %v for %v", u.name, d.id, r, dev)
	}
	return nil
}

// mapRegion reserves [start, end) and maps it 1:1.
func (d *Domain) mapRegion(start, end uint64) error {
	d.pgMu.Lock()
	defer d.pgMu.Unlock()
	if err := d.space.Reserve(start, end, gas.RMRR); err != nil {
		return err
	}
	if err := d.pt.Map(start, end-start, start, pagetable.ReadWrite); err != nil {
		d.space.Free(start)
		return err
	}
	return nil
}

// destroyDomain frees d. It must be unreferenced and unlinked. Pending
// unloads are drained and in-flight invalidations waited for first. Called
// without u.mu held.
func (u *Unit) destroyDomain(d *Domain) {
	u.mu.RLock()
	refs, ctxCount, empty := d.refs, d.ctxCount, d.contexts.Empty()
	u.mu.RUnlock()
	if refs != 0 || ctxCount != 0 || !empty {
		panic(fmt.Sprintf("%s: destroying domain %d with refs %d, %d contexts", u.name, d.id, refs, ctxCount))
	}

	d.unloadTask.Drain()
	d.unloadMu.Lock()
	if !d.unloadEntries.Empty() {
		panic(fmt.Sprintf("%s: destroying domain %d with pending unloads", u.name, d.id))
	}
	d.unloadMu.Unlock()

	u.qiMu.Lock()
	for d.inflight > 0 {
		u.qiIdle.Wait()
	}
	u.qiMu.Unlock()

	d.pgMu.Lock()
	if d.mapped != 0 {
		panic(fmt.Sprintf("%s: destroying domain %d with %d live mappings", u.name, d.id, d.mapped))
	}
	d.space.Fini()
	if d.pt != nil {
		d.pt.Release()
		d.pt = nil
	}
	d.pgMu.Unlock()

	u.mu.Lock()
	u.freeDomainIDLocked(d.id)
	u.mu.Unlock()
	u.stats.domainsDestroyed.Add(1)
	log.Debugf("%s: destroyed domain %d", u.name, d.id)
}

// discardDomain destroys a domain that was never linked into the unit,
// dropping the references its RMRR regions hold.
func (u *Unit) discardDomain(d *Domain) {
	u.mu.Lock()
	d.refs -= d.rmrrRefs
	d.rmrrRefs = 0
	u.mu.Unlock()
	u.destroyDomain(d)
}

// unrefDomainLocked drops a reference on d and destroys it when it was the
// last one. Called with u.mu held; returns with it released.
func (u *Unit) unrefDomainLocked(d *Domain) {
	if d.refs <= 0 {
		panic(fmt.Sprintf("%s: domain %d refs %d", u.name, d.id, d.refs))
	}
	if d.refs <= d.ctxCount {
		panic(fmt.Sprintf("%s: domain %d refs %d below context count %d", u.name, d.id, d.refs-1, d.ctxCount))
	}
	d.refs--
	if d.refs > 0 {
		u.mu.Unlock()
		return
	}
	u.domains.Remove(d)
	u.mu.Unlock()
	u.destroyDomain(d)
}

// CreateDomain creates a domain held by the caller, for use as a move
// target. The hold counts as one reference and is dropped with
// ReleaseDomain.
func (u *Unit) CreateDomain(idMapped bool) (*Domain, error) {
	d, err := u.createDomain(idMapped)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	d.refs++
	u.domains.PushBack(d)
	u.mu.Unlock()
	return d, nil
}

// ReleaseDomain drops a hold taken by CreateDomain.
func (u *Unit) ReleaseDomain(d *Domain) {
	if d.unit != u {
		panic(fmt.Sprintf("%s: releasing domain %d of %s", u.name, d.id, d.unit.name))
	}
	u.mu.Lock()
	u.unrefDomainLocked(d)
}

// ReleaseRMRR drops the references d's RMRR regions hold. The mappings stay
// until the domain is destroyed.
func (u *Unit) ReleaseRMRR(d *Domain) {
	u.mu.Lock()
	n := d.rmrrRefs
	if n == 0 {
		u.mu.Unlock()
		return
	}
	if d.refs-n < d.ctxCount {
		panic(fmt.Sprintf("%s: domain %d refs %d, rmrr %d, contexts %d", u.name, d.id, d.refs, n, d.ctxCount))
	}
	d.rmrrRefs = 0
	d.refs -= n - 1
	u.unrefDomainLocked(d)
}

// Map allocates a bus address range of size bytes, maps it to phys with
// perm and returns the entry describing it. Identity and pass-through
// domains cannot map.
func (d *Domain) Map(size, phys uint64, perm pagetable.Perm) (*MapEntry, error) {
	e := &MapEntry{}
	if err := d.Remap(e, size, phys, perm); err != nil {
		return nil, err
	}
	return e, nil
}

// Remap maps a fresh range into an entry previously unloaded without being
// freed.
func (d *Domain) Remap(e *MapEntry, size, phys uint64, perm pagetable.Perm) error {
	if d.flags&IdentityMapped != 0 || d.pt == nil {
		return linuxerr.EINVAL
	}
	if phys&vtd.PageMask != 0 || size == 0 {
		return linuxerr.EINVAL
	}
	if e.domain != nil && e.domain != d {
		panic(fmt.Sprintf("%s: remapping entry of domain %d into domain %d", d.unit.name, e.domain.id, d.id))
	}
	size = vtd.PageRoundUp(size)

	d.pgMu.Lock()
	defer d.pgMu.Unlock()
	if e.state != entryIdle {
		panic(fmt.Sprintf("%s: remapping %v", d.unit.name, e))
	}
	start, err := d.space.Alloc(size, 0)
	if err != nil {
		return err
	}
	if err := d.pt.Map(start, size, phys, perm); err != nil {
		d.space.Free(start)
		return err
	}
	if d.unit.caps.CachingMode {
		// Hardware may have cached the not-present entries.
		if err := d.unit.flusher.IOTLBRange(d.id, start, size, false); err != nil {
			if uerr := d.pt.Unmap(start, size); uerr != nil {
				panic(fmt.Sprintf("%s: unwinding map at %#x: %v", d.unit.name, start, uerr))
			}
			d.space.Free(start)
			return err
		}
	}
	e.domain = d
	e.start = start
	e.end = start + size
	e.phys = phys
	e.perm = perm
	e.state = entryMapped
	d.mapped++
	return nil
}

// Translate returns the physical address addr maps to in d.
func (d *Domain) Translate(addr uint64) (uint64, bool) {
	if d.pt == nil {
		return addr, d.flags&IdentityMapped != 0 && addr < d.end
	}
	d.pgMu.Lock()
	defer d.pgMu.Unlock()
	phys, _, ok := d.pt.Lookup(addr)
	return phys, ok
}

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

	"vtd.dev/vtd/pkg/dmar/pagetable"
	"vtd.dev/vtd/pkg/ilist"
)

// entryState is the life cycle of a MapEntry.
type entryState int

const (
	// entryIdle entries hold no range.
	entryIdle entryState = iota

	// entryMapped entries have a live translation.
	entryMapped

	// entryUnmapped entries are out of the page table; the IOTLB may still
	// cache them.
	entryUnmapped

	// entryAwaiting entries wait on the invalidation queue.
	entryAwaiting

	// entryFreed entries were released and may not be reused.
	entryFreed
)

// String implements fmt.Stringer.
func (s entryState) String() string {
	switch s {
	case entryIdle:
		return "idle"
	case entryMapped:
		return "mapped"
	case entryUnmapped:
		return "unmapped"
	case entryAwaiting:
		return "awaiting"
	case entryFreed:
		return "freed"
	default:
		return fmt.Sprintf("entryState(%d)", int(s))
	}
}

// MapEntry is one mapped bus address range of a domain.
type MapEntry struct {
	ilist.Entry[*MapEntry]

	domain *Domain
	start  uint64
	end    uint64
	phys   uint64
	perm   pagetable.Perm

	// state is protected by domain.pgMu, except that entryAwaiting entries
	// belong to the unit's completion task.
	state entryState

	// seq and free are set under unit.qiMu when the entry is queued for
	// completion.
	seq  uint64
	free bool
}

// Domain returns the domain the entry maps into, or nil once freed.
func (e *MapEntry) Domain() *Domain {
	return e.domain
}

// Start returns the first bus address of the range.
func (e *MapEntry) Start() uint64 {
	return e.start
}

// End returns the end of the range.
func (e *MapEntry) End() uint64 {
	return e.end
}

// Phys returns the physical address the range maps to.
func (e *MapEntry) Phys() uint64 {
	return e.phys
}

// String implements fmt.Stringer.
func (e *MapEntry) String() string {
	did := -1
	if e.domain != nil {
		did = int(e.domain.id)
	}
	return fmt.Sprintf("entry [%#x, %#x) -> %#x %v in domain %d, %v", e.start, e.end, e.phys, e.perm, did, e.state)
}

// unmapLocked removes e's translation. Failure to unmap a range the domain
// mapped is a page table corruption. d.pgMu must be held.
func (d *Domain) unmapLocked(e *MapEntry) {
	if e.domain != d || e.state != entryMapped {
		panic(fmt.Sprintf("%s: unloading %v from domain %d", d.unit.name, e, d.id))
	}
	if err := d.pt.Unmap(e.start, e.end-e.start); err != nil {
		panic(fmt.Sprintf("%s: unmapping %v: %v", d.unit.name, e, err))
	}
	e.state = entryUnmapped
}

// freeEntry returns e's range to the address space. A freed entry is
// detached from d; otherwise it may be reused with Remap.
func (d *Domain) freeEntry(e *MapEntry, free bool) {
	d.pgMu.Lock()
	defer d.pgMu.Unlock()
	d.space.Free(e.start)
	d.mapped--
	e.start, e.end, e.phys, e.perm = 0, 0, 0, 0
	if free {
		e.state = entryFreed
		e.domain = nil
	} else {
		e.state = entryIdle
	}
	d.unit.stats.entriesUnloaded.Add(1)
}

// flushEntrySync invalidates the IOTLB for e and waits. Failures are logged:
// the range is gone from the page table and nothing can be retried.
func (u *Unit) flushEntrySync(d *Domain, e *MapEntry, canSleep bool) {
	u.stats.iotlbFlushes.Add(1)
	if err := u.flusher.IOTLBRange(d.id, e.start, e.end-e.start, !canSleep); err != nil {
		u.stats.teardownFlushErrors.Add(1)
		u.warn.Warningf("%s: IOTLB flush of [%#x, %#x) in domain %d failed: %v", u.name, e.start, e.end, d.id, err)
	}
}

// queueEntryLocked submits the IOTLB invalidation for e and parks it on the
// completion list. u.qiMu must be held.
func (u *Unit) queueEntryLocked(d *Domain, e *MapEntry, wait, free bool) {
	u.stats.iotlbFlushes.Add(1)
	e.seq = u.qiSubmitLocked(iotlbRangeDescriptors(u.caps, d.id, e.start, e.end-e.start), wait, true)
	e.free = free
	e.state = entryAwaiting
	d.inflight++
	u.tlbFlushEntries.PushBack(e)
}

// DomainUnload unmaps entries from d and releases their ranges once the
// IOTLB no longer caches them. Without queued invalidation each range is
// flushed synchronously and released before DomainUnload returns. With it,
// one page-selective invalidation is queued per entry and a wait descriptor
// after every BatchCoalesce entries and after the last; the entries are
// released by the completion task. canSleep false makes register flushes
// spin instead of sleeping.
func (u *Unit) DomainUnload(d *Domain, entries []*MapEntry, canSleep bool) {
	if d.unit != u {
		panic(fmt.Sprintf("%s: unloading domain %d of %s", u.name, d.id, d.unit.name))
	}
	if len(entries) == 0 {
		return
	}
	d.pgMu.Lock()
	for _, e := range entries {
		d.unmapLocked(e)
	}
	d.pgMu.Unlock()

	if !u.caps.QueuedInvalidation {
		for _, e := range entries {
			u.flushEntrySync(d, e, canSleep)
			d.freeEntry(e, true)
		}
		return
	}

	u.qiMu.Lock()
	defer u.qiMu.Unlock()
	for i, e := range entries {
		wait := (i+1)%u.opts.BatchCoalesce == 0 || i == len(entries)-1
		u.queueEntryLocked(d, e, wait, true)
	}
}

// DomainUnloadEntry unmaps a single entry. With free unset the entry stays
// attached to its domain and can be reused with Remap once released.
func (u *Unit) DomainUnloadEntry(e *MapEntry, free bool) {
	d := e.domain
	if d == nil || d.unit != u {
		panic(fmt.Sprintf("%s: unloading foreign %v", u.name, e))
	}
	d.pgMu.Lock()
	d.unmapLocked(e)
	d.pgMu.Unlock()

	if !u.caps.QueuedInvalidation {
		u.flushEntrySync(d, e, true)
		d.freeEntry(e, free)
		return
	}
	u.qiMu.Lock()
	u.queueEntryLocked(d, e, true, free)
	u.qiMu.Unlock()
}

// qiComplete releases entries whose invalidation hardware has reported
// done, in submission order. It runs on the unit's completion task.
func (u *Unit) qiComplete() {
	done := u.qi.CompletedSeq()
	var completed []*MapEntry
	u.qiMu.Lock()
	for e := u.tlbFlushEntries.Front(); e != nil; e = u.tlbFlushEntries.Front() {
		if e.seq > done {
			break
		}
		u.tlbFlushEntries.Remove(e)
		completed = append(completed, e)
	}
	u.qiMu.Unlock()

	for _, e := range completed {
		d := e.domain
		d.freeEntry(e, e.free)
		u.qiMu.Lock()
		d.inflight--
		u.qiIdle.Broadcast()
		u.qiMu.Unlock()
	}
}

// WaitUnloads blocks until every entry queued for invalidation has been
// released.
func (u *Unit) WaitUnloads() {
	u.qiMu.Lock()
	defer u.qiMu.Unlock()
	for !u.tlbFlushEntries.Empty() {
		u.qiIdle.Wait()
	}
}

// ScheduleUnload queues entries for unloading on d's unload task and returns
// without waiting.
func (d *Domain) ScheduleUnload(entries []*MapEntry) {
	if len(entries) == 0 {
		return
	}
	d.unloadMu.Lock()
	for _, e := range entries {
		d.unloadEntries.PushBack(e)
	}
	d.unloadMu.Unlock()
	d.unloadTask.Enqueue()
}

// runUnload is the body of d.unloadTask. It keeps taking the pending queue
// until it observes it empty.
func (d *Domain) runUnload() {
	for {
		d.unloadMu.Lock()
		batch := d.unloadEntries
		d.unloadEntries.Reset()
		d.unloadMu.Unlock()
		if batch.Empty() {
			return
		}
		var entries []*MapEntry
		for e := batch.Front(); e != nil; e = batch.Front() {
			batch.Remove(e)
			entries = append(entries, e)
		}
		d.unit.DomainUnload(d, entries, true)
	}
}

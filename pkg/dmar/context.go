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

	"vtd.dev/vtd/pkg/cleanup"
	"vtd.dev/vtd/pkg/errors/linuxerr"
	"vtd.dev/vtd/pkg/ilist"
	"vtd.dev/vtd/pkg/log"
	"vtd.dev/vtd/pkg/vtd"
)

// Context is the translation context of one requester id on a unit.
type Context struct {
	ilist.Entry[*Context]

	unit    *Unit
	rid     vtd.RID
	busWide bool
	dev     *Device

	// domain is never nil once the context is published. It changes only
	// by MoveContextToDomain, under unit.mu, and may be read without it.
	domain atomic.Pointer[Domain]

	// refs is protected by unit.mu.
	refs int
}

// RID returns the requester id the context serves.
func (ctx *Context) RID() vtd.RID {
	return ctx.rid
}

// Domain returns the domain the context is attached to.
func (ctx *Context) Domain() *Domain {
	return ctx.domain.Load()
}

// BusWide reports whether the context covers every function on its bus.
func (ctx *Context) BusWide() bool {
	return ctx.busWide
}

// Device returns the device the context was created for.
func (ctx *Context) Device() *Device {
	return ctx.dev
}

// Refs returns the context's reference count.
func (ctx *Context) Refs() int {
	ctx.unit.mu.RLock()
	defer ctx.unit.mu.RUnlock()
	return ctx.refs
}

// String implements fmt.Stringer.
func (ctx *Context) String() string {
	return fmt.Sprintf("ctx %v (%v) domain %d", ctx.rid, ctx.dev, ctx.Domain().id)
}

// linkContextLocked attaches ctx to d. Called with u.mu held.
func (u *Unit) linkContextLocked(d *Domain, ctx *Context) {
	d.refs++
	d.ctxCount++
	d.contexts.PushBack(ctx)
	ctx.domain.Store(d)
}

// unlinkContextLocked detaches ctx from d without dropping the reference
// the link held. ctx keeps pointing at d until relinked. Called with u.mu
// held.
func (u *Unit) unlinkContextLocked(d *Domain, ctx *Context) {
	if ctx.Domain() != d || d.ctxCount <= 0 {
		panic(fmt.Sprintf("%s: unlinking %v from domain %d (%d contexts)", u.name, ctx, d.id, d.ctxCount))
	}
	d.ctxCount--
	d.contexts.Remove(ctx)
}

// attachableLocked returns the context already serving rid, if any, or an
// error when a context of the wrong kind is in the way. Called with u.mu
// held.
func (u *Unit) attachableLocked(rid vtd.RID, busWide bool) (*Context, error) {
	ctx := u.findContextLocked(rid)
	if busWide {
		if ctx != nil && !ctx.busWide {
			return nil, linuxerr.EBUSY
		}
		if ctx == nil && u.busCount[rid.Bus()] > 0 {
			return nil, linuxerr.EBUSY
		}
	}
	return ctx, nil
}

// GetContextForDevice returns a referenced context for rid, creating it and
// a fresh domain on first use. New remapped domains get dev's RMRR regions
// identity mapped. The first domain attached to the unit triggers a forced
// flush. Unless rmrrInit is set, an attach on a unit whose translation is
// still off flushes and enables it, so an RMRR bootstrap made with rmrrInit
// ends at the first regular attach or at EnableTranslation.
//
// The unit lock is dropped while the context table page and domain are
// allocated and the page is mapped. If another caller created a context for
// rid meanwhile, the new domain is discarded and the winner is returned.
// Every failure unwinds what was built.
func (u *Unit) GetContextForDevice(dev *Device, rid vtd.RID, idMapped, rmrrInit bool) (*Context, error) {
	busWide := dev != nil && dev.BusWide
	u.mu.Lock()
	ctx, err := u.attachableLocked(rid, busWide)
	if err != nil {
		u.mu.Unlock()
		return nil, fmt.Errorf("%s: attaching %v: %w", u.name, rid, err)
	}
	if ctx != nil {
		ctx.refs++
		return u.finishAttachLocked(ctx, false, false, rmrrInit)
	}
	u.mu.Unlock()

	addr, err := u.ensureContextPage(rid.Bus())
	if err != nil {
		return nil, fmt.Errorf("%s: context table for bus %02x: %w", u.name, rid.Bus(), err)
	}
	d, err := u.createDomain(idMapped)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { u.discardDomain(d) })
	defer cu.Clean()
	if !idMapped {
		if err := d.initRMRR(dev, rid); err != nil {
			return nil, err
		}
	}
	ctx = &Context{unit: u, rid: rid, busWide: busWide, dev: dev}
	ctx.domain.Store(d)
	page := u.mapContextPage(addr)

	u.mu.Lock()
	winner, err := u.attachableLocked(rid, busWide)
	if err != nil {
		u.mu.Unlock()
		return nil, fmt.Errorf("%s: attaching %v: %w", u.name, rid, err)
	}
	if winner != nil {
		// Lost the race. The deferred cleanup discards d once the lock is
		// dropped.
		u.stats.collisions.Add(1)
		winner.refs++
		return u.finishAttachLocked(winner, false, false, rmrrInit)
	}
	cu.Release()

	first := u.domains.Empty()
	u.domains.PushBack(d)
	u.linkContextLocked(d, ctx)
	ctx.refs = 1
	if busWide {
		u.busWide[rid.Bus()] = ctx
	} else {
		u.contexts[rid] = ctx
	}
	u.busCount[rid.Bus()]++
	u.writeContextEntryLocked(ctx, page, addr, false)
	u.stats.contextsCreated.Add(1)
	log.Debugf("%s: created %v", u.name, ctx)
	return u.finishAttachLocked(ctx, true, first, rmrrInit)
}

// finishAttachLocked publishes the entry of a newly referenced context and
// enables translation if it is still off. first forces the flush for the
// unit's first domain. On failure the caller's reference is dropped, and a
// context created by this attach takes its domain down with it, RMRR
// references included. Called with u.mu held; returns with it released.
func (u *Unit) finishAttachLocked(ctx *Context, created, first, rmrrInit bool) (*Context, error) {
	enable := !rmrrInit && u.translation != translationEnabled
	err := u.flushForContextEntry(first || enable)
	if err == nil && enable {
		if err = u.enableTranslationLocked(); err != nil {
			log.Warningf("%s: enabling translation failed: %v", u.name, err)
		}
	}
	if err != nil {
		if created {
			d := ctx.Domain()
			d.refs -= d.rmrrRefs
			d.rmrrRefs = 0
		}
		rid := ctx.rid
		u.freeContextLocked(ctx)
		return nil, fmt.Errorf("%s: attaching %v: %w", u.name, rid, err)
	}
	u.mu.Unlock()
	return ctx, nil
}

// FreeContext drops a reference on ctx. Dropping the last one clears the
// context entry, invalidates the context cache and releases the domain
// reference the context held.
func (u *Unit) FreeContext(ctx *Context) {
	if ctx.unit != u {
		panic(fmt.Sprintf("%s: freeing context of %s", u.name, ctx.unit.name))
	}
	u.mu.Lock()
	u.freeContextLocked(ctx)
}

// freeContextLocked implements FreeContext. Called with u.mu held; returns
// with it released.
func (u *Unit) freeContextLocked(ctx *Context) {
	if ctx.refs <= 0 {
		panic(fmt.Sprintf("%s: freeing %v with refs %d", u.name, ctx, ctx.refs))
	}
	if ctx.refs > 1 {
		ctx.refs--
		u.mu.Unlock()
		return
	}

	addr := u.ctxPages[ctx.rid.Bus()]
	u.mu.Unlock()
	page := u.mapContextPage(addr)
	u.mu.Lock()
	if ctx.refs > 1 {
		// Another reference was taken while the lock was dropped; it now
		// owns the context.
		u.stats.freeRaces.Add(1)
		ctx.refs--
		u.mu.Unlock()
		return
	}

	u.clearContextEntryLocked(ctx, page, addr)
	u.stats.contextFlushes.Add(1)
	err := u.flusher.ContextCache()
	if err == nil && u.caps.DeviceIOTLB {
		u.stats.iotlbFlushes.Add(1)
		err = u.flusher.IOTLBGlobal()
	}
	if err != nil {
		u.stats.teardownFlushErrors.Add(1)
		u.warn.Warningf("%s: flush after clearing %v failed: %v", u.name, ctx, err)
	}

	if ctx.busWide {
		u.busWide[ctx.rid.Bus()] = nil
	} else {
		delete(u.contexts, ctx.rid)
	}
	u.busCount[ctx.rid.Bus()]--
	d := ctx.Domain()
	u.unlinkContextLocked(d, ctx)
	ctx.refs = 0
	u.stats.contextsFreed.Add(1)
	log.Debugf("%s: freed context %v", u.name, ctx.rid)
	u.unrefDomainLocked(d)
}

// MoveContextToDomain attaches ctx to d, which must be live on the same
// unit, and drops the reference ctx held on its old domain. The entry is
// rewritten in place and flushed. A flush failure does not undo the move and
// is reported as a *MoveFlushError. Bus-wide contexts cannot move.
//
// The caller must hold a reference on ctx.
func (u *Unit) MoveContextToDomain(d *Domain, ctx *Context) error {
	if ctx.unit != u || d.unit != u {
		panic(fmt.Sprintf("%s: moving %v to domain %d of %s", u.name, ctx.rid, d.id, d.unit.name))
	}
	if ctx.busWide {
		return fmt.Errorf("%s: moving bus-wide context %v: %w", u.name, ctx.rid, linuxerr.EINVAL)
	}
	if ctx.Domain() == d {
		return nil
	}

	u.mu.RLock()
	addr := u.ctxPages[ctx.rid.Bus()]
	u.mu.RUnlock()
	page := u.mapContextPage(addr)

	u.mu.Lock()
	if ctx.refs <= 0 || d.refs <= 0 {
		panic(fmt.Sprintf("%s: moving %v (refs %d) to domain %d (refs %d)", u.name, ctx.rid, ctx.refs, d.id, d.refs))
	}
	old := ctx.Domain()
	if old == d {
		u.mu.Unlock()
		return nil
	}
	u.unlinkContextLocked(old, ctx)
	u.linkContextLocked(d, ctx)
	u.writeContextEntryLocked(ctx, page, addr, true)
	u.stats.moves.Add(1)

	var ret error
	if err := u.flushForContextEntry(true); err != nil {
		u.stats.moveFlushFailures.Add(1)
		ret = &MoveFlushError{RID: ctx.rid, From: old.id, To: d.id, Err: err}
	}
	log.Debugf("%s: rid %v domain %d->%d %s-mapped", u.name, ctx.rid, old.id, d.id, mapKind(d))
	u.unrefDomainLocked(old)
	return ret
}

func mapKind(d *Domain) string {
	if d.flags&IdentityMapped != 0 {
		return "id"
	}
	return "re"
}

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
	"time"

	"vtd.dev/vtd/pkg/bitmap"
	"vtd.dev/vtd/pkg/errors/linuxerr"
	"vtd.dev/vtd/pkg/ilist"
	"vtd.dev/vtd/pkg/log"
	"vtd.dev/vtd/pkg/sync"
	"vtd.dev/vtd/pkg/taskqueue"
	"vtd.dev/vtd/pkg/vtd"
)

// translationState tracks the translation enable bit.
type translationState int

const (
	translationDisabled translationState = iota

	// translationEnabling is entered when enable is requested and left only
	// once hardware reports it. A timed-out enable stays here.
	translationEnabling

	translationEnabled
)

// String implements fmt.Stringer.
func (s translationState) String() string {
	switch s {
	case translationDisabled:
		return "disabled"
	case translationEnabling:
		return "enabling"
	case translationEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("translationState(%d)", int(s))
	}
}

// Unit is one DMA remapping engine.
type Unit struct {
	name  string
	caps  vtd.Capabilities
	pages PageAllocator
	regs  Registers
	qi    InvalidationQueue
	rmrr  RMRRSource
	opts  Options

	// flusher is chosen at creation and never changes.
	flusher Flusher

	// root is the root table page.
	root uint64

	// warn rate-limits warnings from teardown paths.
	warn log.Logger

	// mu protects the fields below, and the reference counts and lists of
	// every Domain and Context of this unit.
	mu sync.RWMutex

	// ids tracks allocated domain ids.
	ids bitmap.Bitmap

	// domains lists every domain with refs > 0.
	domains ilist.List[*Domain]

	// contexts indexes contexts by requester id.
	contexts map[vtd.RID]*Context

	// busWide holds the bus-wide context of each bus, if any, and busCount
	// the number of contexts of any kind on each bus.
	busWide  [vtd.MaxBus + 1]*Context
	busCount [vtd.MaxBus + 1]int

	// ctxPages holds the context table page of each bus, or zero. An entry
	// only ever changes from zero while the unit is open.
	ctxPages [vtd.MaxBus + 1]uint64

	translation translationState

	// qiMu protects the fields below, the queued-invalidation state of
	// every MapEntry of this unit, and Domain.inflight.
	qiMu sync.Mutex

	// qiSeq is the last wait sequence number handed out.
	qiSeq uint64

	// tlbFlushEntries are unmapped entries waiting for their IOTLB
	// invalidation to complete, in submission order.
	tlbFlushEntries ilist.List[*MapEntry]

	// qiIdle is broadcast whenever entries leave tlbFlushEntries.
	qiIdle *sync.Cond

	// qiTask frees completed entries. It is nil without queued
	// invalidation.
	qiTask *taskqueue.Task

	stats unitStats

	// mapHook, if set, runs every time a context table page is mapped, with
	// mu not held. Tests use it to interleave with the unlocked windows.
	mapHook func()
}

// NewUnit initializes a unit over hw: it allocates the root table and
// programs it. Translation stays disabled until the first domain is
// attached.
func NewUnit(hw Hardware, opts Options) (*Unit, error) {
	opts.setDefaults()
	if hw.Caps.NumDomains == 0 || hw.Caps.SAGAW == 0 {
		return nil, fmt.Errorf("%s: capabilities %v: %w", opts.Name, hw.Caps, linuxerr.EINVAL)
	}
	if hw.Caps.QueuedInvalidation && hw.Queue == nil {
		return nil, fmt.Errorf("%s: queued invalidation reported without a queue: %w", opts.Name, linuxerr.EINVAL)
	}
	u := &Unit{
		name:     opts.Name,
		caps:     hw.Caps,
		pages:    hw.Pages,
		regs:     hw.Regs,
		rmrr:     hw.RMRR,
		opts:     opts,
		warn:     log.BasicRateLimitedLogger(10 * time.Second),
		ids:      bitmap.New(hw.Caps.NumDomains),
		contexts: make(map[vtd.RID]*Context),
	}
	u.qiIdle = sync.NewCond(&u.qiMu)
	if u.caps.CachingMode {
		// Hardware in caching mode tags not-present entries with domain 0.
		u.ids.Add(0)
	}

	root, err := u.pages.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("%s: allocating root table: %w", u.name, err)
	}
	u.root = root
	u.regs.SetRootTable(root)

	if u.caps.QueuedInvalidation {
		u.qi = hw.Queue
		u.qiTask = taskqueue.New(u.qiComplete)
		u.qi.SetCompletionHandler(u.qiTask.Enqueue)
		u.flusher = &QueuedFlusher{u: u}
	} else {
		u.flusher = &BlockingFlusher{regs: u.regs, caps: u.caps, timeout: u.opts.FlushTimeout}
	}
	log.Infof("%s: %v, %s invalidation", u.name, u.caps, u.flusherKind())
	return u, nil
}

func (u *Unit) flusherKind() string {
	if u.caps.QueuedInvalidation {
		return "queued"
	}
	return "register"
}

// Name returns the unit name.
func (u *Unit) Name() string {
	return u.name
}

// Capabilities returns the unit's capabilities.
func (u *Unit) Capabilities() vtd.Capabilities {
	return u.caps
}

// allocDomainIDLocked reserves a domain id. Called with mu held.
func (u *Unit) allocDomainIDLocked() (uint16, error) {
	id, err := u.ids.FirstZero(0)
	if err != nil || id > 0xffff {
		return 0, linuxerr.ENOSPC
	}
	u.ids.Add(id)
	return uint16(id), nil
}

func (u *Unit) freeDomainIDLocked(id uint16) {
	u.ids.Remove(uint32(id))
}

// ensureContextPage returns the context table page for bus, allocating and
// linking it into the root table on first use. Called without mu held; a
// racing caller that links a page first wins and the loser's page is freed.
func (u *Unit) ensureContextPage(bus uint8) (uint64, error) {
	u.mu.RLock()
	addr := u.ctxPages[bus]
	u.mu.RUnlock()
	if addr != 0 {
		return addr, nil
	}

	addr, err := u.pages.AllocPage()
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if cur := u.ctxPages[bus]; cur != 0 {
		u.pages.FreePage(addr)
		return cur, nil
	}
	u.ctxPages[bus] = addr
	lo, _ := u.pages.MapPage(u.root).Entry(int(bus))
	*lo = addr&vtd.RootCTPMask | vtd.RootPresent
	u.flushToRAM(u.root+uint64(bus)*vtd.EntrySize, vtd.EntrySize)
	return addr, nil
}

// mapContextPage returns the CPU view of a context table page. Called
// without mu held.
func (u *Unit) mapContextPage(addr uint64) *vtd.Page {
	if u.mapHook != nil {
		u.mapHook()
	}
	return u.pages.MapPage(addr)
}

// flushToRAM writes remapping structures back to memory when the unit does
// not snoop CPU caches.
func (u *Unit) flushToRAM(addr, size uint64) {
	if !u.caps.Coherent {
		u.regs.FlushToRAM(addr, size)
	}
}

// enableTranslationLocked turns on DMA remapping and waits for hardware to
// acknowledge it. Called with mu held.
func (u *Unit) enableTranslationLocked() error {
	u.translation = translationEnabling
	u.regs.SetTranslation(true)
	if err := pollUntil(u.opts.EnableTimeout, true, u.regs.TranslationStatus); err != nil {
		return linuxerr.ETIMEDOUT
	}
	u.translation = translationEnabled
	log.Infof("%s: translation enabled", u.name)
	return nil
}

// EnableTranslation flushes the context cache and IOTLB and turns on DMA
// remapping. It ends an RMRR bootstrap done with rmrrInit attaches. Enabling
// an enabled unit does nothing.
func (u *Unit) EnableTranslation() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.translation == translationEnabled {
		return nil
	}
	if err := u.flushForContextEntry(true); err != nil {
		return fmt.Errorf("%s: flushing before enable: %w", u.name, err)
	}
	if err := u.enableTranslationLocked(); err != nil {
		return fmt.Errorf("%s: enabling translation: %w", u.name, err)
	}
	return nil
}

// TranslationEnabled reports whether translation has been enabled.
func (u *Unit) TranslationEnabled() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.translation == translationEnabled
}

// LookupContext returns the context serving rid, if any. No reference is
// taken.
func (u *Unit) LookupContext(rid vtd.RID) (*Context, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	ctx := u.findContextLocked(rid)
	return ctx, ctx != nil
}

func (u *Unit) findContextLocked(rid vtd.RID) *Context {
	if ctx := u.busWide[rid.Bus()]; ctx != nil {
		return ctx
	}
	return u.contexts[rid]
}

// Domains returns the ids of the unit's live domains, in creation order.
func (u *Unit) Domains() []uint16 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var ids []uint16
	for d := u.domains.Front(); d != nil; d = d.Next() {
		ids = append(ids, d.id)
	}
	return ids
}

// ReadContextEntry returns the two words of the context entry the unit has
// written for rid, and false if the bus has no context table.
func (u *Unit) ReadContextEntry(rid vtd.RID) (hi, lo uint64, ok bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	addr := u.ctxPages[rid.Bus()]
	if addr == 0 {
		return 0, 0, false
	}
	plo, phi := u.pages.MapPage(addr).Entry(int(rid.DevFn()))
	return *phi, *plo, true
}

// Close disables translation and frees the root and context tables. It fails
// with EBUSY while domains remain.
func (u *Unit) Close() error {
	u.mu.Lock()
	if !u.domains.Empty() {
		n := u.domains.Len()
		u.mu.Unlock()
		return fmt.Errorf("%s: %d domains still live: %w", u.name, n, linuxerr.EBUSY)
	}
	var err error
	if u.translation != translationDisabled {
		u.regs.SetTranslation(false)
		if perr := pollUntil(u.opts.EnableTimeout, true, func() bool { return !u.regs.TranslationStatus() }); perr != nil {
			err = fmt.Errorf("%s: disabling translation: %w", u.name, linuxerr.ETIMEDOUT)
		}
		u.translation = translationDisabled
	}
	root := u.pages.MapPage(u.root)
	for bus, addr := range u.ctxPages {
		if addr == 0 {
			continue
		}
		lo, _ := root.Entry(bus)
		*lo = 0
		u.pages.FreePage(addr)
		u.ctxPages[bus] = 0
	}
	u.regs.SetRootTable(0)
	u.pages.FreePage(u.root)
	u.root = 0
	u.mu.Unlock()

	if u.qiTask != nil {
		u.qiTask.Drain()
	}
	return err
}

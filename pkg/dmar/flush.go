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
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"vtd.dev/vtd/pkg/errors/linuxerr"
	"vtd.dev/vtd/pkg/sync"
	"vtd.dev/vtd/pkg/vtd"
)

// Flusher issues the invalidations that make updated context entries and
// page tables visible to hardware. Each call returns once the invalidation
// has completed.
type Flusher interface {
	// ContextCache invalidates every cached context entry.
	ContextCache() error

	// IOTLBGlobal invalidates every cached translation.
	IOTLBGlobal() error

	// IOTLBRange invalidates cached translations of domain did covering
	// [base, base+size). spin asks the flusher not to sleep while waiting.
	IOTLBRange(did uint16, base, size uint64, spin bool) error
}

// psiMaxSize is the largest range invalidated page by page. Larger ranges
// fall back to a domain-selective invalidation.
const psiMaxSize = 2 << 20

// iotlbRangeDescriptors returns the IOTLB invalidations covering
// [base, base+size) in domain did.
func iotlbRangeDescriptors(caps vtd.Capabilities, did uint16, base, size uint64) []vtd.Descriptor {
	if !caps.PageSelective || size > psiMaxSize {
		return []vtd.Descriptor{{Type: vtd.DescIOTLB, Gran: vtd.GranDomain, DomainID: did}}
	}
	chunks := vtd.InvalidationChunks(base, size, caps.MaxAddressMask)
	descs := make([]vtd.Descriptor, 0, len(chunks))
	for _, c := range chunks {
		descs = append(descs, vtd.Descriptor{
			Type:     vtd.DescIOTLB,
			Gran:     vtd.GranPage,
			DomainID: did,
			Addr:     c.Addr,
			AM:       c.AM,
		})
	}
	return descs
}

var errPending = errors.New("operation still pending")

// pollUntil calls done until it returns true or timeout elapses. A zero
// timeout polls forever. With spin set it does not sleep between polls.
var pollUntil = poll

func poll(timeout time.Duration, spin bool, done func() bool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Microsecond
	if spin {
		b.InitialInterval = 0
	}
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		if done() {
			return nil
		}
		return errPending
	}, b)
}

// BlockingFlusher invalidates through the register interface and polls for
// completion, giving up with ETIMEDOUT.
type BlockingFlusher struct {
	regs    Registers
	caps    vtd.Capabilities
	timeout time.Duration

	// mu serializes register invalidations; hardware runs one at a time.
	mu sync.Mutex
}

func (f *BlockingFlusher) invalidate(spin bool, descs ...vtd.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range descs {
		f.regs.Invalidate(d)
		if err := pollUntil(f.timeout, spin, func() bool { return !f.regs.InvalidationPending() }); err != nil {
			return linuxerr.ETIMEDOUT
		}
	}
	return nil
}

// ContextCache implements Flusher.ContextCache.
func (f *BlockingFlusher) ContextCache() error {
	return f.invalidate(true, vtd.Descriptor{Type: vtd.DescContext, Gran: vtd.GranGlobal})
}

// IOTLBGlobal implements Flusher.IOTLBGlobal.
func (f *BlockingFlusher) IOTLBGlobal() error {
	return f.invalidate(true, vtd.Descriptor{Type: vtd.DescIOTLB, Gran: vtd.GranGlobal})
}

// IOTLBRange implements Flusher.IOTLBRange.
func (f *BlockingFlusher) IOTLBRange(did uint16, base, size uint64, spin bool) error {
	return f.invalidate(spin, iotlbRangeDescriptors(f.caps, did, base, size)...)
}

// QueuedFlusher invalidates through the invalidation queue. It waits for its
// own wait descriptor and never fails.
type QueuedFlusher struct {
	u *Unit
}

func (f *QueuedFlusher) submitAndWait(spin bool, descs ...vtd.Descriptor) error {
	u := f.u
	u.qiMu.Lock()
	seq := u.qiSubmitLocked(descs, true, false)
	u.qiMu.Unlock()
	u.stats.qiWaits.Add(1)
	// No timeout: the queue either completes or the unit reports a fault.
	pollUntil(0, spin, func() bool { return u.qi.CompletedSeq() >= seq })
	return nil
}

// ContextCache implements Flusher.ContextCache.
func (f *QueuedFlusher) ContextCache() error {
	return f.submitAndWait(true, vtd.Descriptor{Type: vtd.DescContext, Gran: vtd.GranGlobal})
}

// IOTLBGlobal implements Flusher.IOTLBGlobal.
func (f *QueuedFlusher) IOTLBGlobal() error {
	return f.submitAndWait(true, vtd.Descriptor{Type: vtd.DescIOTLB, Gran: vtd.GranGlobal})
}

// IOTLBRange implements Flusher.IOTLBRange.
func (f *QueuedFlusher) IOTLBRange(did uint16, base, size uint64, spin bool) error {
	return f.submitAndWait(spin, iotlbRangeDescriptors(f.u.caps, did, base, size)...)
}

// qiSubmitLocked queues descs, followed by a wait descriptor if wait is set,
// and returns the sequence number assigned to them. The batch is complete
// once the queue reports a completed sequence at least as large. u.qiMu
// must be held.
func (u *Unit) qiSubmitLocked(descs []vtd.Descriptor, wait, intr bool) uint64 {
	u.qiSeq++
	seq := u.qiSeq
	if wait {
		descs = append(descs, vtd.Descriptor{Type: vtd.DescWait, Seq: seq, Interrupt: intr})
	}
	u.qi.Submit(descs...)
	return seq
}

// flushForContextEntry makes a context entry update visible. Without caching
// mode hardware does not cache not-present entries, so installing an entry
// needs no flush unless force is set. Called with u.mu held.
func (u *Unit) flushForContextEntry(force bool) error {
	if !u.caps.CachingMode && !force {
		return nil
	}
	u.stats.contextFlushes.Add(1)
	if err := u.flusher.ContextCache(); err != nil {
		return err
	}
	if force || u.caps.DeviceIOTLB {
		u.stats.iotlbFlushes.Add(1)
		return u.flusher.IOTLBGlobal()
	}
	return nil
}

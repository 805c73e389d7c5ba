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

package vtdsim

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"vtd.dev/vtd/pkg/errors/linuxerr"
	"vtd.dev/vtd/pkg/vtd"
)

func TestPagesLimit(t *testing.T) {
	p := &Pages{Limit: 2}
	a, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if a != DefaultPagesBase {
		t.Errorf("first page = %#x, want %#x", a, uint64(DefaultPagesBase))
	}
	b, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if _, err := p.AllocPage(); err != linuxerr.ENOMEM {
		t.Errorf("AllocPage over limit = %v, want ENOMEM", err)
	}
	p.MapPage(b)[3] = 42
	p.FreePage(b)
	c, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage after free: %v", err)
	}
	if c != b {
		t.Errorf("reused page = %#x, want %#x", c, b)
	}
	if got := p.MapPage(c)[3]; got != 0 {
		t.Errorf("reused page not zeroed: word 3 = %d", got)
	}
	if got := p.InUse(); got != 2 {
		t.Errorf("InUse = %d, want 2", got)
	}
}

func TestPagesFailAfter(t *testing.T) {
	p := &Pages{}
	p.FailAfter(2)
	if _, err := p.AllocPage(); err != nil {
		t.Fatalf("first AllocPage: %v", err)
	}
	if _, err := p.AllocPage(); err != linuxerr.ENOMEM {
		t.Fatalf("second AllocPage = %v, want ENOMEM", err)
	}
	if _, err := p.AllocPage(); err != nil {
		t.Fatalf("third AllocPage: %v", err)
	}
}

func TestFreeUnallocatedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("FreePage of unknown page did not panic")
		}
	}()
	(&Pages{}).FreePage(0x1000)
}

func TestRegistersLatency(t *testing.T) {
	r := &Registers{EnableLatency: 2, InvalidationLatency: 1}
	r.SetTranslation(true)
	for i := 0; i < 2; i++ {
		if r.TranslationStatus() {
			t.Fatalf("poll %d: translation enabled early", i)
		}
	}
	if !r.TranslationStatus() {
		t.Fatalf("translation not enabled after latency")
	}

	d := vtd.Descriptor{Type: vtd.DescContext, Gran: vtd.GranGlobal}
	r.Invalidate(d)
	if !r.InvalidationPending() {
		t.Fatalf("invalidation completed early")
	}
	if r.InvalidationPending() {
		t.Fatalf("invalidation still pending after latency")
	}
	if diff := cmp.Diff([]vtd.Descriptor{d}, r.Invalidations()); diff != "" {
		t.Errorf("Invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistersStuck(t *testing.T) {
	r := &Registers{}
	r.SetInvalidationStuck(true)
	r.Invalidate(vtd.Descriptor{Type: vtd.DescIOTLB, Gran: vtd.GranGlobal})
	for i := 0; i < 10; i++ {
		if !r.InvalidationPending() {
			t.Fatalf("stuck invalidation completed")
		}
	}
	r.SetInvalidationStuck(false)
	if r.InvalidationPending() {
		t.Fatalf("invalidation pending after unsticking")
	}

	r.SetEnableStuck(true)
	r.SetTranslation(true)
	if r.TranslationStatus() {
		t.Fatalf("stuck enable took effect")
	}
}

func TestQueueHold(t *testing.T) {
	q := NewQueue(false)
	intrs := 0
	q.SetCompletionHandler(func() { intrs++ })

	q.Submit(vtd.Descriptor{Type: vtd.DescContext}, vtd.Descriptor{Type: vtd.DescWait, Seq: 1})
	if got := q.CompletedSeq(); got != 1 {
		t.Fatalf("CompletedSeq = %d, want 1", got)
	}
	if intrs != 0 {
		t.Fatalf("interrupt raised for wait without interrupt flag")
	}

	q.Hold()
	q.Submit(
		vtd.Descriptor{Type: vtd.DescIOTLB, Gran: vtd.GranPage, Addr: 0x1000},
		vtd.Descriptor{Type: vtd.DescWait, Seq: 2, Interrupt: true},
		vtd.Descriptor{Type: vtd.DescIOTLB, Gran: vtd.GranPage, Addr: 0x2000},
		vtd.Descriptor{Type: vtd.DescWait, Seq: 3, Interrupt: true},
	)
	if got := q.CompletedSeq(); got != 1 {
		t.Fatalf("held queue completed seq %d", got)
	}
	q.CompleteThrough(2)
	if got, pending := q.CompletedSeq(), q.Pending(); got != 2 || pending != 2 {
		t.Fatalf("after CompleteThrough(2): seq %d pending %d, want 2 and 2", got, pending)
	}
	if intrs != 1 {
		t.Fatalf("interrupts = %d, want 1", intrs)
	}
	q.Release()
	if got := q.CompletedSeq(); got != 3 {
		t.Fatalf("CompletedSeq after Release = %d, want 3", got)
	}
	if intrs != 2 || q.Interrupts() != 2 {
		t.Fatalf("interrupts = %d/%d, want 2", intrs, q.Interrupts())
	}
	if got := len(q.Log()); got != 6 {
		t.Errorf("log has %d descriptors, want 6", got)
	}
}

func TestQueueAsync(t *testing.T) {
	q := NewQueue(true)
	done := make(chan struct{}, 1)
	q.SetCompletionHandler(func() { done <- struct{}{} })
	q.Submit(vtd.Descriptor{Type: vtd.DescWait, Seq: 7, Interrupt: true})
	<-done
	q.Sync()
	if got := q.CompletedSeq(); got != 7 {
		t.Errorf("CompletedSeq = %d, want 7", got)
	}
}

func TestReadContext(t *testing.T) {
	hw := New(vtd.Capabilities{NumDomains: 16}, false)
	if _, _, ok := hw.ReadContext(vtd.MakeRID(0, 2, 0)); ok {
		t.Fatalf("ReadContext without root table succeeded")
	}
	root, _ := hw.Pages.AllocPage()
	ctxPage, _ := hw.Pages.AllocPage()
	hw.Regs.SetRootTable(root)
	rlo, _ := hw.Pages.MapPage(root).Entry(3)
	*rlo = ctxPage | vtd.RootPresent
	rid := vtd.MakeRID(3, 1, 2)
	clo, chi := hw.Pages.MapPage(ctxPage).Entry(int(rid.DevFn()))
	*chi = vtd.ContextHi(5, 2)
	*clo = vtd.ContextLoPassThrough()

	hi, lo, ok := hw.ReadContext(rid)
	if !ok {
		t.Fatalf("ReadContext(%v) found no context table", rid)
	}
	got := vtd.DecodeContext(hi, lo)
	if !got.Present || !got.PassThrough() || got.DomainID != 5 || got.AW != 2 {
		t.Errorf("ReadContext(%v) = %v", rid, got)
	}
	if _, _, ok := hw.ReadContext(vtd.MakeRID(4, 0, 0)); ok {
		t.Errorf("ReadContext on bus without table succeeded")
	}
}

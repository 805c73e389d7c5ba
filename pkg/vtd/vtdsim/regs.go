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
	"fmt"

	"vtd.dev/vtd/pkg/sync"
	"vtd.dev/vtd/pkg/vtd"
)

// Registers models the register file of a remapping unit.
//
// Latencies are counted in status polls rather than wall time so that tests
// behave the same on loaded machines.
type Registers struct {
	// EnableLatency is the number of status polls after a translation
	// enable or disable request before the status bit follows.
	EnableLatency int

	// InvalidationLatency is the number of pending polls a register-based
	// invalidation stays in progress.
	InvalidationLatency int

	mu sync.Mutex

	root        uint64
	teRequested bool
	teStatus    bool
	tePolls     int
	enableStuck bool

	// inflight is the register invalidation in progress, if any.
	inflight    *vtd.Descriptor
	invPolls    int
	invStuck    bool
	invalidated []vtd.Descriptor

	writebacks uint64
}

// SetRootTable implements dmar.Registers.SetRootTable.
func (r *Registers) SetRootTable(addr uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = addr
}

// RootTable returns the root table address last programmed.
func (r *Registers) RootTable() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// SetTranslation implements dmar.Registers.SetTranslation.
func (r *Registers) SetTranslation(enable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teRequested = enable
	r.tePolls = 0
}

// TranslationStatus implements dmar.Registers.TranslationStatus.
func (r *Registers) TranslationStatus() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.teStatus != r.teRequested && !r.enableStuck {
		if r.tePolls >= r.EnableLatency {
			r.teStatus = r.teRequested
		} else {
			r.tePolls++
		}
	}
	return r.teStatus
}

// SetEnableStuck makes translation enable requests never take effect.
func (r *Registers) SetEnableStuck(stuck bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enableStuck = stuck
}

// Invalidate implements dmar.Registers.Invalidate.
func (r *Registers) Invalidate(d vtd.Descriptor) {
	if d.Type == vtd.DescWait {
		panic(fmt.Sprintf("wait descriptor %v issued through registers", d))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// A new request supersedes one that never completed.
	r.inflight = &d
	r.invPolls = 0
}

// InvalidationPending implements dmar.Registers.InvalidationPending.
func (r *Registers) InvalidationPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight == nil {
		return false
	}
	if r.invStuck {
		return true
	}
	if r.invPolls < r.InvalidationLatency {
		r.invPolls++
		return true
	}
	r.invalidated = append(r.invalidated, *r.inflight)
	r.inflight = nil
	return false
}

// SetInvalidationStuck makes register invalidations never complete. Clearing
// it lets a stuck invalidation finish on the next poll.
func (r *Registers) SetInvalidationStuck(stuck bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invStuck = stuck
}

// Invalidations returns the register invalidations completed so far.
func (r *Registers) Invalidations() []vtd.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]vtd.Descriptor(nil), r.invalidated...)
}

// FlushToRAM implements dmar.Registers.FlushToRAM.
func (r *Registers) FlushToRAM(addr, size uint64) {
	if size == 0 {
		panic(fmt.Sprintf("empty write-back at %#x", addr))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writebacks++
}

// Writebacks returns the number of FlushToRAM calls.
func (r *Registers) Writebacks() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writebacks
}

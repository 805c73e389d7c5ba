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
	"vtd.dev/vtd/pkg/vtd"
)

// Hardware bundles the simulated pieces of one remapping unit.
type Hardware struct {
	Caps  vtd.Capabilities
	Pages *Pages
	Regs  *Registers

	// Queue is nil when Caps does not report queued invalidation.
	Queue *Queue
}

// New returns simulated hardware reporting caps.
func New(caps vtd.Capabilities, asyncQueue bool) *Hardware {
	hw := &Hardware{
		Caps:  caps,
		Pages: &Pages{},
		Regs:  &Registers{},
	}
	if caps.QueuedInvalidation {
		hw.Queue = NewQueue(asyncQueue)
	}
	return hw
}

// ReadContext returns the two words of the context entry for rid as the
// hardware would find them by walking from the programmed root table. ok is
// false when the bus has no context table.
func (hw *Hardware) ReadContext(rid vtd.RID) (hi, lo uint64, ok bool) {
	root := hw.Regs.RootTable()
	if root == 0 {
		return 0, 0, false
	}
	rlo, _ := hw.Pages.MapPage(root).Entry(int(rid.Bus()))
	if *rlo&vtd.RootPresent == 0 {
		return 0, 0, false
	}
	clo, chi := hw.Pages.MapPage(*rlo & vtd.RootCTPMask).Entry(int(rid.DevFn()))
	return *chi, *clo, true
}

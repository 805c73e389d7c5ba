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

// Package dmar manages device contexts and translation domains of VT-d
// remapping units.
//
// A Unit is one remapping engine. Devices, named by their PCI requester id,
// are attached with GetContextForDevice, which returns a reference-counted
// Context bound to a Domain. A Domain owns a guest address space and the
// second-level page table translating it; several contexts may share one.
// Context entries are written into the unit's context tables and made
// visible to hardware by cache invalidation, either through registers or
// through the queued-invalidation interface. Unmapped ranges are released
// once the IOTLB invalidation covering them has completed, which with
// queued invalidation happens asynchronously.
//
// Lock ordering:
//
//	Unit.mu
//	  Domain.pgMu
//	    Unit.qiMu
//
// Unit.mu is never held across page allocation or mapping of a context
// table page. Paths that need either drop it and re-validate after
// reacquiring. Hardware waits made under Unit.mu (context cache and global
// IOTLB flushes, translation enable and disable) spin instead of sleeping.
package dmar

import (
	"time"

	"vtd.dev/vtd/pkg/dmar/pagetable"
	"vtd.dev/vtd/pkg/vtd"
)

// PageAllocator provides zeroed physical pages for root and context tables
// and page tables, and the CPU view of them.
type PageAllocator = pagetable.Allocator

// Registers is the register interface of a remapping unit.
type Registers interface {
	// SetRootTable programs the root table address.
	SetRootTable(addr uint64)

	// SetTranslation requests that DMA remapping be enabled or disabled.
	SetTranslation(enable bool)

	// TranslationStatus reports whether DMA remapping is in effect.
	TranslationStatus() bool

	// Invalidate starts a register-based context-cache or IOTLB
	// invalidation.
	Invalidate(d vtd.Descriptor)

	// InvalidationPending reports whether the last invalidation is still in
	// progress.
	InvalidationPending() bool

	// FlushToRAM writes CPU caches covering [addr, addr+size) back to
	// memory, for units that do not snoop.
	FlushToRAM(addr, size uint64)
}

// InvalidationQueue is the queued-invalidation interface of a unit.
type InvalidationQueue interface {
	// Submit appends descriptors to the queue. Descriptors complete in
	// order.
	Submit(descs ...vtd.Descriptor)

	// CompletedSeq returns the sequence number of the last completed wait
	// descriptor.
	CompletedSeq() uint64

	// SetCompletionHandler installs fn to be called when a wait descriptor
	// requesting an interrupt completes. fn must not block.
	SetCompletionHandler(fn func())
}

// RMRRSource enumerates the reserved memory regions a device needs identity
// mapped in any domain it is attached to.
type RMRRSource interface {
	Regions(bus uint8, path []vtd.PathEntry) []vtd.Region
}

// Hardware is what a Unit drives.
type Hardware struct {
	Caps  vtd.Capabilities
	Pages PageAllocator
	Regs  Registers

	// Queue is used only when Caps reports queued invalidation.
	Queue InvalidationQueue

	// RMRR may be nil when the platform reports no reserved regions.
	RMRR RMRRSource
}

// Defaults for Options.
const (
	DefaultBatchCoalesce = 100
	DefaultFlushTimeout  = time.Second
	DefaultEnableTimeout = time.Second
	DefaultMaxPhysAddr   = 1 << 32
)

// Options tune a Unit.
type Options struct {
	// Name prefixes log messages. It defaults to "dmar".
	Name string

	// BatchCoalesce is the number of unloaded entries that share one wait
	// descriptor when unloading through the invalidation queue.
	BatchCoalesce int

	// FlushTimeout bounds register-based invalidations.
	FlushTimeout time.Duration

	// EnableTimeout bounds waiting for translation to be enabled.
	EnableTimeout time.Duration

	// MaxPhysAddr is the end of physical memory, which identity-mapped
	// domains cover.
	MaxPhysAddr uint64
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "dmar"
	}
	if o.BatchCoalesce <= 0 {
		o.BatchCoalesce = DefaultBatchCoalesce
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.EnableTimeout <= 0 {
		o.EnableTimeout = DefaultEnableTimeout
	}
	if o.MaxPhysAddr == 0 {
		o.MaxPhysAddr = DefaultMaxPhysAddr
	}
}

// Device describes the requester a context is created for.
type Device struct {
	// Name is used in log messages.
	Name string

	// Bus and Path locate the device the way DMAR device scopes do. An
	// empty Path means the device sits directly on the bus of its
	// requester id.
	Bus  uint8
	Path []vtd.PathEntry

	// BusWide requests that the context entry be installed for every
	// function on the requester's bus, as needed for requesters behind
	// bridges that do not forward function numbers.
	BusWide bool
}

func (dev *Device) String() string {
	if dev == nil || dev.Name == "" {
		return "<anonymous>"
	}
	return dev.Name
}

// scope returns the device scope used for RMRR lookup.
func (dev *Device) scope(rid vtd.RID) (uint8, []vtd.PathEntry) {
	if dev == nil || len(dev.Path) == 0 {
		return rid.Bus(), []vtd.PathEntry{{Slot: rid.Slot(), Func: rid.Func()}}
	}
	return dev.Bus, dev.Path
}

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
	"sync/atomic"
)

// unitStats are event counters. They are updated from paths holding
// different locks, so they are atomics rather than mu-protected.
type unitStats struct {
	contextsCreated     atomic.Uint64
	contextsFreed       atomic.Uint64
	domainsCreated      atomic.Uint64
	domainsDestroyed    atomic.Uint64
	collisions          atomic.Uint64
	freeRaces           atomic.Uint64
	contextFlushes      atomic.Uint64
	iotlbFlushes        atomic.Uint64
	qiWaits             atomic.Uint64
	entriesUnloaded     atomic.Uint64
	moves               atomic.Uint64
	moveFlushFailures   atomic.Uint64
	teardownFlushErrors atomic.Uint64
}

// Stats is a snapshot of a unit's state and event counters.
type Stats struct {
	// Gauges.
	Domains            int
	Contexts           int
	DomainIDsInUse     int
	AwaitingCompletion int
	TranslationEnabled bool

	// Counters.
	ContextsCreated     uint64
	ContextsFreed       uint64
	DomainsCreated      uint64
	DomainsDestroyed    uint64
	Collisions          uint64
	FreeRaces           uint64
	ContextFlushes      uint64
	IOTLBFlushes        uint64
	QIWaits             uint64
	EntriesUnloaded     uint64
	Moves               uint64
	MoveFlushFailures   uint64
	TeardownFlushErrors uint64
}

// Stats returns a snapshot of the unit's statistics.
func (u *Unit) Stats() Stats {
	var s Stats
	u.mu.RLock()
	s.Domains = u.domains.Len()
	s.Contexts = len(u.contexts)
	for _, ctx := range u.busWide {
		if ctx != nil {
			s.Contexts++
		}
	}
	s.DomainIDsInUse = int(u.ids.GetNumOnes())
	if u.caps.CachingMode {
		s.DomainIDsInUse--
	}
	s.TranslationEnabled = u.translation == translationEnabled
	u.mu.RUnlock()

	u.qiMu.Lock()
	s.AwaitingCompletion = u.tlbFlushEntries.Len()
	u.qiMu.Unlock()

	s.ContextsCreated = u.stats.contextsCreated.Load()
	s.ContextsFreed = u.stats.contextsFreed.Load()
	s.DomainsCreated = u.stats.domainsCreated.Load()
	s.DomainsDestroyed = u.stats.domainsDestroyed.Load()
	s.Collisions = u.stats.collisions.Load()
	s.FreeRaces = u.stats.freeRaces.Load()
	s.ContextFlushes = u.stats.contextFlushes.Load()
	s.IOTLBFlushes = u.stats.iotlbFlushes.Load()
	s.QIWaits = u.stats.qiWaits.Load()
	s.EntriesUnloaded = u.stats.entriesUnloaded.Load()
	s.Moves = u.stats.moves.Load()
	s.MoveFlushFailures = u.stats.moveFlushFailures.Load()
	s.TeardownFlushErrors = u.stats.teardownFlushErrors.Load()
	return s
}

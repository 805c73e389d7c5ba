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

package taskqueue

import (
	"sync/atomic"
	"testing"
)

func TestDrainWaitsForRun(t *testing.T) {
	release := make(chan struct{})
	var done atomic.Bool
	task := New(func() {
		<-release
		done.Store(true)
	})
	task.Enqueue()
	close(release)
	task.Drain()
	if !done.Load() {
		t.Fatalf("Drain returned before the task ran")
	}
	if got := task.Runs(); got != 1 {
		t.Errorf("Runs = %d, want 1", got)
	}
}

func TestEnqueueWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	task := New(func() {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
	})
	task.Enqueue()
	<-started

	// Both of these arrive while the first run is blocked, so they coalesce
	// into a single additional run.
	task.Enqueue()
	task.Enqueue()
	close(release)
	task.Drain()

	if got := calls.Load(); got != 2 {
		t.Errorf("task ran %d times, want 2", got)
	}
}

func TestDrainIdle(t *testing.T) {
	task := New(func() {})
	// Must not block.
	task.Drain()
	if got := task.Runs(); got != 0 {
		t.Errorf("Runs = %d, want 0", got)
	}
}

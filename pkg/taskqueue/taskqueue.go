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

// Package taskqueue provides coalescing deferred tasks.
//
// A Task runs its function on a background goroutine after Enqueue. Enqueues
// that arrive while the task is pending are merged into a single run, and an
// Enqueue that arrives while the function is running causes exactly one more
// run after it returns. Drain blocks until the task is neither pending nor
// running, which makes it usable as a barrier before freeing whatever the
// function touches.
package taskqueue

import (
	"vtd.dev/vtd/pkg/sync"
)

// Task is a deferred, coalescing unit of work.
//
// The zero value is not usable; create tasks with New.
type Task struct {
	fn func()

	// mu protects the fields below.
	mu sync.Mutex

	// pending is set by Enqueue and cleared when a run starts.
	pending bool

	// running is true while a goroutine owns the task.
	running bool

	// runs counts completed invocations of fn.
	runs uint64

	// idle is signalled whenever running drops to false.
	idle *sync.Cond
}

// New returns a task that runs fn.
func New(fn func()) *Task {
	t := &Task{fn: fn}
	t.idle = sync.NewCond(&t.mu)
	return t
}

// Enqueue schedules a run of the task.
func (t *Task) Enqueue() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = true
	if !t.running {
		t.running = true
		go t.run()
	}
}

func (t *Task) run() {
	t.mu.Lock()
	for t.pending {
		t.pending = false
		t.mu.Unlock()
		t.fn()
		t.mu.Lock()
		t.runs++
	}
	t.running = false
	t.idle.Broadcast()
	t.mu.Unlock()
}

// Drain waits until the task is neither pending nor running.
//
// Enqueues racing with Drain may or may not be waited for.
func (t *Task) Drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.running || t.pending {
		t.idle.Wait()
	}
}

// Runs returns the number of completed runs.
func (t *Task) Runs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

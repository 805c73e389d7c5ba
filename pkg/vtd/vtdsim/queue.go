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
	"vtd.dev/vtd/pkg/taskqueue"
	"vtd.dev/vtd/pkg/vtd"
)

// Queue models a queued-invalidation interface.
//
// Descriptors complete strictly in submission order. By default a Submit is
// processed before it returns. An async queue processes on a background task
// instead, and a held queue keeps descriptors until Release or
// CompleteThrough, which lets tests observe the window between submission and
// completion.
type Queue struct {
	mu sync.Mutex

	// pending are submitted, not yet processed descriptors.
	pending []vtd.Descriptor

	// log is every processed descriptor, in order.
	log []vtd.Descriptor

	// completed is the sequence number of the last processed wait
	// descriptor.
	completed uint64

	held    bool
	handler func()
	task    *taskqueue.Task

	interrupts uint64
}

// NewQueue returns a queue. If async is set, descriptors are processed on a
// background task.
func NewQueue(async bool) *Queue {
	q := &Queue{}
	if async {
		q.task = taskqueue.New(func() { q.process(-1) })
	}
	return q
}

// Submit implements dmar.InvalidationQueue.Submit.
func (q *Queue) Submit(descs ...vtd.Descriptor) {
	q.mu.Lock()
	q.pending = append(q.pending, descs...)
	held := q.held
	q.mu.Unlock()
	if held {
		return
	}
	if q.task != nil {
		q.task.Enqueue()
		return
	}
	q.process(-1)
}

// CompletedSeq implements dmar.InvalidationQueue.CompletedSeq.
func (q *Queue) CompletedSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// SetCompletionHandler implements dmar.InvalidationQueue.SetCompletionHandler.
func (q *Queue) SetCompletionHandler(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = fn
}

// process runs pending descriptors in order. If through is non-negative it
// stops after the wait descriptor carrying that sequence number.
//
// The completion handler is called without q.mu held.
func (q *Queue) process(through int64) {
	q.mu.Lock()
	if through < 0 && q.held {
		q.mu.Unlock()
		return
	}
	intr := false
	n := 0
	for _, d := range q.pending {
		n++
		q.log = append(q.log, d)
		if d.Type != vtd.DescWait {
			continue
		}
		if d.Seq <= q.completed {
			panic(fmt.Sprintf("wait seq %d after completed seq %d", d.Seq, q.completed))
		}
		q.completed = d.Seq
		if d.Interrupt {
			intr = true
		}
		if through >= 0 && d.Seq >= uint64(through) {
			break
		}
	}
	q.pending = q.pending[n:]
	handler := q.handler
	if intr {
		q.interrupts++
	}
	q.mu.Unlock()
	if intr && handler != nil {
		handler()
	}
}

// Hold stops processing. Descriptors submitted while held stay pending.
func (q *Queue) Hold() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.held = true
}

// Release processes everything pending and resumes normal processing.
func (q *Queue) Release() {
	q.mu.Lock()
	q.held = false
	q.mu.Unlock()
	q.process(-1)
}

// CompleteThrough processes pending descriptors up to and including the wait
// descriptor with sequence number seq, leaving the queue held.
func (q *Queue) CompleteThrough(seq uint64) {
	q.process(int64(seq))
}

// Sync waits for the background task of an async queue to go idle.
func (q *Queue) Sync() {
	if q.task != nil {
		q.task.Drain()
	}
}

// Pending returns the number of submitted descriptors not yet processed.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Log returns the processed descriptors, in order.
func (q *Queue) Log() []vtd.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]vtd.Descriptor(nil), q.log...)
}

// Interrupts returns the number of completion interrupts raised.
func (q *Queue) Interrupts() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupts
}

// Copyright 2024 Fathom MQ Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue is the session's bounded inbound delivery queue: a FIFO
// with high/low watermarks that calls a threshold listener on crossings.
// It is the one cross-goroutine data structure on the hot path -- many
// network-thread enqueues, exactly one Dispatcher dequeue -- so its
// internal lock is held only as briefly as the slice/list bookkeeping
// requires.
//
// Unlike the source design this was ported from (which spawns a fresh
// goroutine per watermark crossing), crossings are posted, in the order
// they happen, to a single buffered channel (see Crossings). Neither the
// Dispatcher nor the Session reads that channel, so a crossing does not
// suspend or resume the AMQP channel.
package queue

import (
	"container/list"
	"sync"

	"github.com/fathom-mq/amqp-session/core/msg"
)

// Crossing identifies which watermark direction was just crossed.
type Crossing int

const (
	// AboveHigh is posted when an enqueue brings the queue's size above
	// the high watermark.
	AboveHigh Crossing = iota
	// BelowLow is posted when a dequeue brings the queue's size below
	// the low watermark after an AboveHigh crossing.
	BelowLow
)

// Queue is a FIFO of msg.Envelope with two capacity thresholds.
type Queue struct {
	mu   sync.Mutex
	l    *list.List
	high uint32
	low  uint32

	// abovehigh becomes true once size has exceeded high, and is reset
	// to false once size drops back below low -- this hysteresis is
	// what keeps a queue hovering around the high mark from chattering
	// suspend/resume on every single message.
	abovehigh bool

	crossings chan Crossing
	work      chan struct{}
}

// New returns a Queue with the given watermarks. crossingsBuf sizes the
// internal crossings channel; callers that don't care about watermark
// notifications (every acknowledgement mode except no-ack, per the
// component design) can pass a buffer of 1 and simply never drain it.
func New(high, low uint32, crossingsBuf int) *Queue {
	if crossingsBuf < 1 {
		crossingsBuf = 1
	}
	return &Queue{
		l:         list.New(),
		high:      high,
		low:       low,
		crossings: make(chan Crossing, crossingsBuf),
		work:      make(chan struct{}, 1),
	}
}

// Work returns a channel that is non-blockingly signaled on every
// Enqueue, so a dispatcher loop idling on an empty queue can wake
// without polling.
func (q *Queue) Work() <-chan struct{} {
	return q.work
}

func (q *Queue) postWork() {
	select {
	case q.work <- struct{}{}:
	default:
	}
}

// Crossings returns the channel watermark crossings are posted to.
// Nothing in this module reads it outside the queue's own tests; sends
// are non-blocking, so once its buffer is full further crossings are
// dropped and Enqueue never stalls.
func (q *Queue) Crossings() <-chan Crossing {
	return q.crossings
}

// Len returns the current number of envelopes queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// Enqueue appends env to the back of the queue. If this enqueue brings
// the size above the high watermark (and it wasn't already above it),
// an AboveHigh crossing is posted.
func (q *Queue) Enqueue(env msg.Envelope) {
	q.mu.Lock()
	q.l.PushBack(env)
	size := q.l.Len()
	crossed := !q.abovehigh && uint32(size) > q.high
	if crossed {
		q.abovehigh = true
	}
	q.mu.Unlock()

	q.postWork()
	if crossed {
		q.postCrossing(AboveHigh)
	}
}

// TryDequeue removes and returns the envelope at the front of the queue
// without blocking; on an empty queue it returns the zero Envelope and
// ok=false. If the dequeue brings size below the low watermark (having
// been above the high watermark since the last crossing), a BelowLow
// crossing is posted.
//
// There is no blocking dequeue: a Dispatcher select loop calls
// TryDequeue and waits on Work() when the queue is empty.
func (q *Queue) TryDequeue() (msg.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.l.Front()
	if front == nil {
		return msg.Envelope{}, false
	}

	q.l.Remove(front)
	size := q.l.Len()

	crossedBelow := q.abovehigh && uint32(size) < q.low
	if crossedBelow {
		q.abovehigh = false
	}

	env := front.Value.(msg.Envelope)

	if crossedBelow {
		// Must not hold q.mu while posting, since postCrossing's
		// non-blocking send could in principle be observed by a
		// reader that turns around and calls back into the queue.
		defer q.postCrossing(BelowLow)
	}

	return env, true
}

// RemoveMatching removes every envelope for which match returns true,
// preserving FIFO order of the remaining elements, and returns the
// removed envelopes in their original order. Used during consumer
// cancellation (flush buffered deliveries for a tag) and recovery
// (elide deliveries below the rollback mark).
func (q *Queue) RemoveMatching(match func(msg.Envelope) bool) []msg.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []msg.Envelope
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		env := e.Value.(msg.Envelope)
		if match(env) {
			removed = append(removed, env)
			q.l.Remove(e)
		}
		e = next
	}

	size := uint32(q.l.Len())
	if q.abovehigh && size < q.low {
		q.abovehigh = false
		defer q.postCrossing(BelowLow)
	}

	return removed
}

func (q *Queue) postCrossing(c Crossing) {
	select {
	case q.crossings <- c:
	default:
		// A full crossings channel means a consumer isn't draining it
		// (acceptable for every ack mode except no-ack, per the
		// component design -- those modes get backpressure from
		// broker-side prefetch instead).
	}
}

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

// Package dispatch implements the Session's single-threaded cooperative
// delivery loop (C6): one goroutine drains the Bounded Inbound Queue
// (core/queue) and routes each delivery to the consumer registered for
// its tag (core/registry). It is the Go reimplementation of the
// dedicated dispatcher thread the source design describes -- a
// goroutine parked on a select over a small set of signal channels
// stands in for the condition-variable wait on "stopped", per the
// design note on cooperative scheduling.
package dispatch

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/core/queue"
	"github.com/fathom-mq/amqp-session/core/registry"
	"github.com/fathom-mq/amqp-session/internal/log"
)

// Consumer is the subset of *core/consumer.Consumer the Dispatcher
// needs; kept interface-typed to avoid an import cycle (consumer.New
// is wired into the Session, which owns both the registry and the
// Dispatcher).
type Consumer interface {
	Tag() string
	Closed() bool
	Deliver(msg.Envelope)
	Close()
	AutoClose() bool
}

// DeliveryLocker is satisfied by the Session: Deliver is called with
// the session's message delivery lock held, serializing application-
// visible delivery with close/commit/rollback/recover. Per the locking
// order, the Dispatcher's own internal lock (mu below) is always the
// innermost lock acquired -- it must never be held while calling back
// out into code that takes the delivery lock, fail-over mutex, or
// suspension lock.
type DeliveryLocker interface {
	Lock()
	Unlock()
}

// ConsumerRollbacker is the subset of *core/consumer.Consumer rollback
// needs.
type ConsumerRollbacker interface {
	Rollback()
}

// Rejecter is satisfied by the Session: it writes a basic.reject frame
// for a delivery the Dispatcher has decided not to hand to any
// consumer, so the broker actually learns the delivery needs
// redelivery instead of the client silently going quiet about it.
// basic.reject carries no reply, so this never blocks the dispatch
// loop on a round-trip.
type Rejecter interface {
	Reject(deliveryTag uint64, requeue bool)
}

// Dispatcher drains q and routes deliveries to consumers resolved
// through reg.
type Dispatcher struct {
	q   *queue.Queue
	reg *registry.ConsumerRegistry
	dl  DeliveryLocker
	rej Rejecter

	mu           sync.Mutex
	stopped      bool
	closed       bool
	rollbackMark uint64

	// wake is signaled (non-blocking) any time stopped/closed/
	// rollbackMark changes, so Run's idle select notices promptly
	// instead of only on the next queue.Work() signal.
	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New returns a Dispatcher that drains q, resolving consumers via reg,
// and serializing deliveries through dl. rej is used to write
// basic.reject frames for deliveries the loop elides instead of
// routing. startStopped mirrors "start in the stopped state if the
// owning connection is not yet started".
func New(q *queue.Queue, reg *registry.ConsumerRegistry, dl DeliveryLocker, rej Rejecter, startStopped bool) *Dispatcher {
	return &Dispatcher{
		q:       q,
		reg:     reg,
		dl:      dl,
		rej:     rej,
		stopped: startStopped,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) postWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run is the dispatcher loop; call it in its own goroutine. It returns
// once Close has been called and any in-flight work has drained.
func (d *Dispatcher) Run() {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"panic": r}).Error("dispatcher: recovered panic")
		}
	}()

	for {
		d.mu.Lock()
		stopped, closed := d.stopped, d.closed
		d.mu.Unlock()

		if closed {
			return
		}

		if stopped {
			select {
			case <-d.wake:
			case <-d.quit:
			}
			continue
		}

		env, ok := d.q.TryDequeue()
		if !ok {
			select {
			case <-d.q.Work():
			case <-d.wake:
			case <-d.quit:
			}
			continue
		}

		d.deliver(env)
	}
}

func (d *Dispatcher) deliver(env msg.Envelope) {
	if env.IsBounce() {
		// Bounces never pass through the consumer path; the Session
		// wires the Bounce Router directly to the network read
		// callback instead of enqueuing them here. Guard against a
		// caller mistake rather than trust the invariant silently.
		log.Warnf("dispatch: bounce envelope reached the delivery loop; dropping")
		return
	}

	d.mu.Lock()
	mark := d.rollbackMark
	d.mu.Unlock()

	deliveryTag := env.Delivery.DeliveryTag
	if deliveryTag != 0 && deliveryTag <= mark {
		// Elided by the rollback mark: reject with requeue=true so the
		// broker actually redelivers it after recovery completes,
		// rather than the client going quiet about a tag it never acks.
		d.rej.Reject(deliveryTag, true)
		return
	}

	tag := env.Delivery.ConsumerTag
	c, ok := d.reg.Lookup(tag)
	if !ok || c.Closed() {
		// Consumer gone or already closed. Reject with requeue=true so
		// the broker redelivers it to whoever is left -- unless the
		// session itself is closing, in which case there is no one
		// left to redeliver to and the reject would race channel.close.
		d.mu.Lock()
		closing := d.closed
		d.mu.Unlock()
		if !closing {
			d.rej.Reject(deliveryTag, true)
		}
		return
	}

	d.dl.Lock()
	c.Deliver(env)
	d.dl.Unlock()
}

// SetConnectionStopped flips the stopped flag and wakes the loop.
func (d *Dispatcher) SetConnectionStopped(stopped bool) {
	d.mu.Lock()
	d.stopped = stopped
	d.mu.Unlock()
	d.postWake()
}

// Close stops the loop permanently and waits for Run to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.quit)
	<-d.done
}

// Rollback stops the loop, sets the rollback mark to highest, asks
// every consumer in cs to discard its unacked log, then restores the
// prior stopped state. highest is the session's highest-seen delivery
// tag at the moment rollback was requested.
func (d *Dispatcher) Rollback(highest uint64, cs []ConsumerRollbacker) {
	d.mu.Lock()
	prevStopped := d.stopped
	d.stopped = true
	d.rollbackMark = highest
	d.mu.Unlock()
	d.postWake()

	for _, c := range cs {
		c.Rollback()
	}

	d.mu.Lock()
	d.stopped = prevStopped
	d.mu.Unlock()
	d.postWake()
}

// ConfirmConsumerCancelled flushes any deliveries already buffered in q
// for tag -- passing them back through the normal delivery path one
// last time -- before marking the consumer auto-closed. This fixes the
// source design's bug where auto-close could race a buffered delivery
// still sitting in the inbound queue for that tag; flushing first means
// no delivery for a cancelled tag is ever silently dropped.
func (d *Dispatcher) ConfirmConsumerCancelled(tag string, c Consumer) {
	buffered := d.q.RemoveMatching(func(e msg.Envelope) bool {
		return !e.IsBounce() && e.Delivery.ConsumerTag == tag
	})

	for _, env := range buffered {
		if c.Closed() {
			break
		}
		d.dl.Lock()
		c.Deliver(env)
		d.dl.Unlock()
	}

	if c.AutoClose() {
		c.Close()
	}
}

// RejectPending stops the loop, removes any already-buffered deliveries
// for tag from the queue and rejects each with requeue=true (unless the
// dispatcher is already closed, as in deliver), closes c, then restores
// the prior stopped state. Used when a single consumer is being torn
// down without affecting the rest of the session.
func (d *Dispatcher) RejectPending(tag string, c Consumer) {
	d.mu.Lock()
	prevStopped := d.stopped
	closing := d.closed
	d.stopped = true
	d.mu.Unlock()
	d.postWake()

	pending := d.q.RemoveMatching(func(e msg.Envelope) bool {
		return !e.IsBounce() && e.Delivery.ConsumerTag == tag
	})
	if !closing {
		for _, env := range pending {
			d.rej.Reject(env.Delivery.DeliveryTag, true)
		}
	}
	c.Close()

	d.mu.Lock()
	d.stopped = prevStopped
	d.mu.Unlock()
	d.postWake()
}

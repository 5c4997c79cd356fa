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

// Package consumer implements the Session's per-subscription Consumer
// (C8): prefetch bookkeeping, the unacknowledged-delivery log, and
// delivery to either a registered listener callback or a synchronous
// receive queue. Its shape follows the teacher's ManagedConsumer (see
// internal/managed) for the listener/queue duality, generalized from a
// single reconnect-managed subscription to a plain per-channel
// consumer whose lifecycle is owned by the Dispatcher.
package consumer

import (
	"context"
	"sync"

	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/internal/log"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
)

// Listener receives deliveries pushed asynchronously. Implementations
// must not block for long, since the Dispatcher calls it while holding
// the session's message delivery lock.
type Listener func(msg.Delivery)

// Config configures a Consumer. Zero values mean "use the default",
// following the teacher's SetDefaults convention.
type Config struct {
	Tag          string
	Destination  string
	Selector     string
	Exclusive    bool
	NoLocal      bool
	NoAck        bool
	PrefetchHigh uint32
	PrefetchLow  uint32
	AutoClose    bool
	NoConsume    bool
	// QueueSize bounds the synchronous-receive buffer when no Listener
	// is set.
	QueueSize int

	// Exchange, ExchangeType, ExchangeDurable and RoutingKey record the
	// binding this consumer's queue was declared and bound against, if
	// any, so a fail-over reconnect can replay exchange.declare +
	// queue.bind from the consumer's own config instead of needing a
	// side channel back to the options it was created with.
	Exchange        string
	ExchangeType    string
	ExchangeDurable bool
	RoutingKey      string

	// QueueDurable, QueueAutoDelete and QueueExclusive record the
	// queue.declare arguments this consumer's destination was declared
	// with, replayed the same way on resubscription.
	QueueDurable    bool
	QueueAutoDelete bool
	QueueExclusive  bool
}

// SetDefaults fills zero-valued fields with sensible defaults.
func (c Config) SetDefaults() Config {
	if c.PrefetchHigh == 0 {
		c.PrefetchHigh = 64
	}
	if c.PrefetchLow == 0 {
		c.PrefetchLow = c.PrefetchHigh / 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	return c
}

// Consumer holds everything the Dispatcher needs to deliver to one
// subscription: the unacked log for commit/rollback bookkeeping, and
// either a Listener or a synchronous receive channel.
type Consumer struct {
	cfg Config

	mu       sync.Mutex
	listener Listener
	recvc    chan msg.Delivery
	closed   bool

	// unacked holds delivery tags received but not yet acknowledged,
	// in delivery order, so rollback can walk them oldest-first.
	unacked []uint64

	onClose func()
}

// New returns a Consumer configured by cfg. onClose, if non-nil, is
// invoked exactly once when the consumer transitions to closed (used
// by the Session to deregister it from the Consumer Registry and
// Subscription Catalog).
func New(cfg Config, onClose func()) *Consumer {
	cfg = cfg.SetDefaults()
	c := &Consumer{cfg: cfg, onClose: onClose}
	if cfg.NoConsume {
		return c
	}
	c.recvc = make(chan msg.Delivery, cfg.QueueSize)
	return c
}

// Tag returns the consumer tag, satisfying registry.Consumer.
func (c *Consumer) Tag() string { return c.cfg.Tag }

// Destination returns the bound destination, satisfying
// registry.Consumer.
func (c *Consumer) Destination() string { return c.cfg.Destination }

// Config returns a copy of the Config this consumer was constructed
// with. cfg is set once in New and never mutated afterward, so this
// needs no locking. Used by the Session to replay declare/bind/
// subscribe on fail-over resubscription without a separate side
// channel back to the original creation options.
func (c *Consumer) Config() Config { return c.cfg }

// SetListener installs (or clears, with nil) an asynchronous delivery
// listener. Per the resolved open question, this is honored rather
// than left a no-op: once set, subsequent deliveries bypass the
// synchronous receive queue and any previously buffered deliveries
// already sitting in that queue are drained to the new listener first,
// preserving order.
func (c *Consumer) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listener = l
	if l == nil || c.recvc == nil {
		return
	}

	for {
		select {
		case d := <-c.recvc:
			l(d)
		default:
			return
		}
	}
}

// Closed reports whether the consumer has been closed.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deliver hands env to the consumer: appended to the unacked log (real
// deliveries only) and routed to the listener if one is set, otherwise
// buffered on the synchronous receive channel. Called by the Dispatcher
// under the session's message delivery lock, so Deliver itself must
// not block.
func (c *Consumer) Deliver(env msg.Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	d := *env.Delivery
	if !c.cfg.NoAck {
		c.unacked = append(c.unacked, d.DeliveryTag)
	}
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l(d)
		return
	}

	select {
	case c.recvc <- d:
	default:
		log.Warnf("consumer %s: synchronous receive queue full, dropping oldest", c.cfg.Tag)
		select {
		case <-c.recvc:
		default:
		}
		c.recvc <- d
	}
}

// Receive blocks for a single delivery from the synchronous receive
// queue, honoring ctx cancellation. It returns sesserr.Closed if the
// consumer was configured with a Listener (there is no queue to read)
// or has been closed.
func (c *Consumer) Receive(ctx context.Context) (msg.Delivery, error) {
	c.mu.Lock()
	if c.listener != nil || c.recvc == nil {
		c.mu.Unlock()
		return msg.Delivery{}, sesserr.New(sesserr.Closed, "consumer has a listener installed; synchronous receive unavailable")
	}
	if c.closed {
		c.mu.Unlock()
		return msg.Delivery{}, sesserr.New(sesserr.Closed, "consumer closed")
	}
	recvc := c.recvc
	c.mu.Unlock()

	select {
	case d := <-recvc:
		return d, nil
	case <-ctx.Done():
		return msg.Delivery{}, ctx.Err()
	}
}

// Ack removes tag and every lower tag from the unacked log, the local
// counterpart of a multiple=true basic.ack. Tags above tag are kept;
// if no logged tag is <= tag, the log is unchanged.
func (c *Consumer) Ack(tag uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeUnackedLocked(tag, true)
}

// removeUnackedLocked removes every unacked tag <= tag (multiple=true)
// or exactly tag (multiple=false). Caller holds c.mu.
func (c *Consumer) removeUnackedLocked(tag uint64, multiple bool) {
	kept := c.unacked[:0]
	for _, t := range c.unacked {
		if multiple && t <= tag {
			continue
		}
		if !multiple && t == tag {
			continue
		}
		kept = append(kept, t)
	}
	c.unacked = kept
}

// UnackedTags returns a snapshot of currently-unacknowledged delivery
// tags, oldest first.
func (c *Consumer) UnackedTags() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.unacked))
	copy(out, c.unacked)
	return out
}

// Rollback discards the unacked log, since a session-level rollback
// asks the broker to redeliver everything from the last acknowledged
// point; this consumer will see those deliveries again as fresh
// Deliver calls.
func (c *Consumer) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unacked = nil
}

// Close marks the consumer closed and invokes onClose exactly once. A
// closed consumer silently drops any further Deliver calls (the
// Dispatcher is expected to stop routing to it once Closed() is true,
// this is a backstop against a race between the two).
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// AutoClose reports whether this consumer is closed automatically when
// its basic.cancel is confirmed: the Dispatcher's
// ConfirmConsumerCancelled first flushes any deliveries still buffered
// for its tag and then closes it, per Config.AutoClose.
func (c *Consumer) AutoClose() bool { return c.cfg.AutoClose }

// PrefetchHigh returns the configured prefetch high-mark.
func (c *Consumer) PrefetchHigh() uint32 { return c.cfg.PrefetchHigh }

// PrefetchLow returns the configured prefetch low-mark.
func (c *Consumer) PrefetchLow() uint32 { return c.cfg.PrefetchLow }

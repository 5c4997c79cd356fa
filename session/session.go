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

package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fathom-mq/amqp-session/core/bounce"
	"github.com/fathom-mq/amqp-session/core/consumer"
	"github.com/fathom-mq/amqp-session/core/dispatch"
	"github.com/fathom-mq/amqp-session/core/failover"
	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/core/producer"
	"github.com/fathom-mq/amqp-session/core/queue"
	"github.com/fathom-mq/amqp-session/core/registry"
	"github.com/fathom-mq/amqp-session/core/subscription"
	"github.com/fathom-mq/amqp-session/core/wire"
	"github.com/fathom-mq/amqp-session/internal/config"
	"github.com/fathom-mq/amqp-session/internal/log"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
	"github.com/fathom-mq/amqp-session/internal/utils"
)

// AckMode enumerates the session-wide acknowledgement mode, fixed for
// the lifetime of a Session.
type AckMode int

const (
	AckAuto AckMode = iota
	AckClient
	AckDuplicatesOK
	AckNoAck
	AckTransacted
)

// Config configures a Session at construction. Transactional sessions
// are always forced to AckTransacted, per the data model invariant.
type Config struct {
	Channel       uint16
	Transactional bool
	AckMode       AckMode
	Process       config.ProcessConfig
}

// SetDefaults applies the transactional-implies-AckTransacted invariant
// and fills in the process config's own defaults.
func (c Config) SetDefaults() Config {
	c.Process = c.Process.SetDefaults()
	if c.Transactional {
		c.AckMode = AckTransacted
	}
	return c
}

// Session is the Session Core (C7): the application-facing surface for
// one AMQP channel -- declare/bind/consume/send/ack/commit/rollback/
// recover/close -- plus the bookkeeping (suspension, fail-over
// resubscription) that keeps those operations meaningful across
// reconnects.
type Session struct {
	cfg Config

	// phMu guards ph itself, not the calls made through it: a reconnect
	// swaps ph via SetProtocolHandler while in-flight round-trips may
	// still be reading the old one, so readers take a short RLock just
	// to copy the interface value out, then call through their own copy.
	phMu sync.RWMutex
	ph   ProtocolHandler

	consumers *registry.ConsumerRegistry
	producers *registry.ProducerRegistry
	subs      *subscription.Catalog
	queueRing *queue.Queue
	dispatch  *dispatch.Dispatcher
	guard     *failover.Guard
	bouncer   *bounce.Router

	// deliveryMu is the "message delivery lock" in the locking order:
	// outermost of all four. Close, ClosedByServer and Commit's ack
	// flush hold it, and so does the Dispatcher while calling into a
	// Consumer. Rollback and Recover do not take it.
	deliveryMu sync.Mutex

	// suspendMu is the "suspension lock". SuspendChannel, Rollback and
	// Recover hold it across their guarded round-trip, so it is taken
	// before guard.mu (acquired inside failover.Guard.Run) and before
	// the Dispatcher's own lock.
	suspendMu sync.Mutex
	suspended bool

	mu              sync.Mutex
	closed          bool
	donec           chan struct{}
	transactional   bool
	inRecovery      bool
	highestSeenTag  uint64
	rollbackMark    uint64
	nextProducerID  *utils.MonotonicID
	nextConsumerTag *utils.MonotonicID

	sessionListener consumer.Listener

	// creationOrder preserves the order consumers/producers were
	// created in, for resubscription after fail-over.
	creationOrder []string
}

// New constructs a Session bound to ph. The Bounded Inbound Queue (C1)
// is sized from cfg.Process.DefaultPrefetchHigh/Low.
func New(cfg Config, ph ProtocolHandler, asyncErrs utils.AsyncErrors) *Session {
	cfg = cfg.SetDefaults()

	high, low := cfg.Process.DefaultPrefetchHigh, cfg.Process.DefaultPrefetchLow
	q := queue.New(high, low, 8)
	consumers := registry.NewConsumerRegistry()

	s := &Session{
		cfg:             cfg,
		ph:              ph,
		consumers:       consumers,
		producers:       registry.NewProducerRegistry(),
		subs:            subscription.New(),
		queueRing:       q,
		guard:           failover.NewGuard(),
		bouncer:         bounce.New(asyncErrs),
		transactional:   cfg.Transactional,
		nextProducerID:  utils.NewMonotonicID(0),
		nextConsumerTag: utils.NewMonotonicID(0),
		donec:           make(chan struct{}),
	}

	startStopped := !cfg.Process.ImmediatePrefetch
	s.dispatch = dispatch.New(q, consumers, &s.deliveryMu, s, startStopped)
	go s.dispatch.Run()

	return s
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done returns a channel that unblocks once the session has closed,
// whether by Close or ClosedByServer -- used by a managing reconnect
// loop to notice without polling.
func (s *Session) Done() <-chan struct{} {
	return s.donec
}

// handler returns the Session's current ProtocolHandler. Every call
// site that talks to the transport goes through this instead of the ph
// field directly, so SetProtocolHandler can swap transports under a
// long-lived Session without a caller ever observing a half-updated
// field.
func (s *Session) handler() ProtocolHandler {
	s.phMu.RLock()
	defer s.phMu.RUnlock()
	return s.ph
}

// SetProtocolHandler rebinds the Session to a freshly dialed transport,
// preserving every consumer, producer, and subscription. A managing
// reconnect loop calls this instead of constructing a new Session, then
// calls Resubscribe to reinstate basic.consume for each surviving
// consumer -- the same "keep the handle, replace what's behind it" idiom
// the teacher's ManagedConsumer uses to survive a broker fail-over.
func (s *Session) SetProtocolHandler(ph ProtocolHandler) {
	s.phMu.Lock()
	s.ph = ph
	s.phMu.Unlock()
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sesserr.New(sesserr.Closed, "operation attempted on a closed session")
	}
	return nil
}

// isInterrupted classifies an error returned by a ProtocolHandler
// round-trip as fail-over interruption: the current handler's
// Failover() channel is already closed, the error is core/wire's
// "wire: fail-over interrupted" reply error, or it carries
// sesserr.FailoverInterrupted.
func (s *Session) isInterrupted(err error) bool {
	if err == nil {
		return false
	}
	select {
	case <-s.handler().Failover():
		return true
	default:
	}
	if strings.Contains(err.Error(), "wire: fail-over interrupted") {
		return true
	}
	return sesserr.Is(err, sesserr.FailoverInterrupted)
}

// runGuarded wraps fn (typically one protocol round-trip) with the
// fail-over Guard under the given policy.
func (s *Session) runGuarded(ctx context.Context, policy failover.Policy, fn func(context.Context) error) error {
	return s.guard.Run(ctx, policy, s.isInterrupted, fn)
}

// SetMessageListener installs a session-wide fallback listener used by
// consumers created without their own listener. Honored rather than
// left a no-op (resolved open question).
func (s *Session) SetMessageListener(l consumer.Listener) {
	s.mu.Lock()
	s.sessionListener = l
	s.mu.Unlock()
}

// MessageReceived is the single enqueue entrypoint the network I/O
// goroutine calls for every frame decoded on this channel that carries
// a delivery or a bounce. It must not block.
func (s *Session) MessageReceived(env msg.Envelope) {
	if env.IsBounce() {
		s.bouncer.Route(*env.Bounce)
		return
	}

	s.mu.Lock()
	if env.Delivery.DeliveryTag > s.highestSeenTag {
		s.highestSeenTag = env.Delivery.DeliveryTag
	}
	s.mu.Unlock()

	s.queueRing.Enqueue(env)
}

// Reject writes a basic.reject frame for deliveryTag. It satisfies
// dispatch.Rejecter: the Dispatcher calls this for any delivery it
// elides (rollback-mark, or an absent/closed consumer) instead of
// routing, so the broker learns to redeliver rather than the client
// silently going quiet about an unacked tag. basic.reject carries no
// reply, so this is fire-and-forget like AcknowledgeMessage.
func (s *Session) Reject(deliveryTag uint64, requeue bool) {
	args, err := wire.EncodeArgs(wire.BasicRejectArgs{DeliveryTag: deliveryTag, Requeue: requeue})
	if err != nil {
		log.Errorf("session: encoding basic.reject args for tag %d: %v", deliveryTag, err)
		return
	}
	f := &wire.Frame{Class: wire.ClassBasic, Method: wire.BasicReject, Args: args}
	if err := s.handler().WriteFrame(f); err != nil {
		log.Errorf("session: writing basic.reject for tag %d: %v", deliveryTag, err)
	}
}

// SuspendChannel issues channel.flow(active=!suspend), guarded by the
// suspension lock.
func (s *Session) SuspendChannel(ctx context.Context, suspend bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.suspendMu.Lock()
	defer s.suspendMu.Unlock()

	if s.suspended == suspend {
		return nil
	}

	err := s.runGuarded(ctx, failover.Retry, func(ctx context.Context) error {
		args, encErr := wire.EncodeArgs(wire.ChannelFlowArgs{Active: !suspend})
		if encErr != nil {
			return encErr
		}
		f := &wire.Frame{Class: wire.ClassChannel, Method: wire.ChannelFlow, Args: args}
		_, rtErr := s.handler().SyncWrite(ctx, f, wire.ClassChannel, wire.ChannelFlowOk)
		return rtErr
	})
	if err != nil {
		return err
	}

	s.suspended = suspend
	s.dispatch.SetConnectionStopped(suspend)
	return nil
}

// Close flips the session to closed, tears down producers and
// consumers (producers first), sends channel.close, and waits up to
// the ctx deadline for channel.close-ok. A fail-over exception during
// close is ignored, matching the spec's explicit carve-out.
func (s *Session) Close(ctx context.Context) error {
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.donec)
	s.mu.Unlock()

	for _, p := range s.producers.All() {
		if pr, ok := p.(*producer.Producer); ok {
			_ = pr.Close()
		}
	}
	for _, c := range s.consumers.All() {
		if cs, ok := c.(*consumer.Consumer); ok {
			cs.Close()
		}
	}

	s.dispatch.Close()
	s.handler().CloseSession(s.cfg.Channel)

	err := s.runGuarded(ctx, failover.Uncertain, func(ctx context.Context) error {
		args, encErr := wire.EncodeArgs(wire.ChannelCloseArgs{})
		if encErr != nil {
			return encErr
		}
		f := &wire.Frame{Class: wire.ClassChannel, Method: wire.ChannelClose, Args: args}
		_, rtErr := s.handler().SyncWrite(ctx, f, wire.ClassChannel, wire.ChannelCloseOk)
		return rtErr
	})
	if s.isInterrupted(err) {
		// Explicitly ignored: close is best-effort once the channel's
		// connection has already gone away underneath it.
		return nil
	}
	return err
}

// ClosedByServer is the symmetric server-initiated close path: it marks
// the session closed, logs err and closes every consumer, without
// attempting a channel.close round-trip (the server already tore the
// channel down). err itself is not passed on to the consumers.
func (s *Session) ClosedByServer(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.donec)
	s.mu.Unlock()

	log.Errorf("session: closed by server: %v", err)

	s.deliveryMu.Lock()
	for _, c := range s.consumers.All() {
		if cs, ok := c.(*consumer.Consumer); ok {
			cs.Close()
		}
	}
	s.deliveryMu.Unlock()

	s.dispatch.Close()
}

// defaultRoundTripTimeout bounds round-trips issued without an explicit
// deadline already set on ctx (mirrors the teacher's NewConsumerTimeout-
// style defaulting for protocol round-trips).
const defaultRoundTripTimeout = 30 * time.Second

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultRoundTripTimeout)
}

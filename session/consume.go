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
	"fmt"

	"github.com/fathom-mq/amqp-session/core/consumer"
	"github.com/fathom-mq/amqp-session/core/failover"
	"github.com/fathom-mq/amqp-session/core/producer"
	"github.com/fathom-mq/amqp-session/core/wire"
	"github.com/fathom-mq/amqp-session/internal/log"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
)

// handlerSender adapts a Session's current ProtocolHandler to the
// minimal producer.Sender contract, so Producer never needs to know
// about the wider Session surface. It reads s.handler() on every call
// rather than capturing one ProtocolHandler at construction, so a
// Producer created before a reconnect keeps working after
// SetProtocolHandler swaps the transport underneath it.
type handlerSender struct {
	s *Session
}

func (h handlerSender) SendFrame(f *wire.Frame) error { return h.s.handler().WriteFrame(f) }
func (h handlerSender) Closed() <-chan struct{}       { return h.s.handler().Closed() }

// ConsumerOptions configures CreateConsumer.
type ConsumerOptions struct {
	Tag          string
	Destination  string
	Selector     string
	Exclusive    bool
	NoLocal      bool
	NoAck        bool
	PrefetchHigh uint32
	PrefetchLow  uint32
	Listener     consumer.Listener
	QueueSize    int

	// AutoClose marks the consumer to be closed automatically once its
	// basic.cancel is confirmed and any deliveries still buffered for it
	// have been flushed, per §6's createConsumer(..., autoClose) parameter.
	AutoClose bool

	// Exchange, ExchangeType and ExchangeDurable, if Exchange is
	// non-empty, declare the exchange Destination is bound to via
	// RoutingKey. Left at zero values, the consumer is created against
	// an already-declared (and, if needed, already-bound) queue named
	// by Destination.
	Exchange        string
	ExchangeType    string
	ExchangeDurable bool
	RoutingKey      string

	// QueueDurable, QueueAutoDelete and QueueExclusive configure the
	// queue.declare this consumer (re)issues for Destination, both on
	// initial creation and on fail-over resubscription.
	QueueDurable    bool
	QueueAutoDelete bool
	QueueExclusive  bool
}

// CreateConsumer registers the Consumer in the Consumer Registry under
// either a client-generated ("ctag-N") or caller-supplied tag, then declares
// opts.Exchange (if non-empty), declares opts.Destination as a queue,
// binds the two together with opts.RoutingKey (again only if Exchange
// is non-empty -- the default exchange routes by queue name and needs
// no explicit binding), and finally issues basic.consume. Leaving
// Exchange empty is still valid: it means Destination already names a
// queue the caller declared (and, if needed, bound) itself, e.g. via a
// prior DeclareQueue/BindQueue call.
func (s *Session) CreateConsumer(ctx context.Context, opts ConsumerOptions) (*consumer.Consumer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if opts.Destination == "" {
		return nil, sesserr.New(sesserr.InvalidDestination, "consumer destination must not be empty")
	}
	if s.cfg.Process.Strict && opts.Selector != "" {
		if s.cfg.Process.StrictFatal {
			return nil, sesserr.New(sesserr.StrictUnsupported, "message selectors are a JMS-over-AMQP extension unavailable in strict mode")
		}
		// Strict but non-fatal: degrade gracefully by dropping the
		// selector instead of rejecting the whole subscription, per
		// §8's "under strict+non-fatal silently drops the selector".
		log.Warnf("session: dropping message selector %q for strict+non-fatal consumer on %q", opts.Selector, opts.Destination)
		opts.Selector = ""
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	c, err := s.createConsumerImpl(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Session) createConsumerImpl(ctx context.Context, opts ConsumerOptions) (*consumer.Consumer, error) {
	tag := opts.Tag
	if tag == "" {
		tag = fmt.Sprintf("ctag-%d", s.nextConsumerTag.Next())
	}

	cfg := consumer.Config{
		Tag:             tag,
		Destination:     opts.Destination,
		Selector:        opts.Selector,
		Exclusive:       opts.Exclusive,
		NoLocal:         opts.NoLocal,
		NoAck:           opts.NoAck,
		PrefetchHigh:    opts.PrefetchHigh,
		PrefetchLow:     opts.PrefetchLow,
		QueueSize:       opts.QueueSize,
		NoConsume:       opts.Listener != nil,
		AutoClose:       opts.AutoClose,
		Exchange:        opts.Exchange,
		ExchangeType:    opts.ExchangeType,
		ExchangeDurable: opts.ExchangeDurable,
		RoutingKey:      opts.RoutingKey,
		QueueDurable:    opts.QueueDurable,
		QueueAutoDelete: opts.QueueAutoDelete,
		QueueExclusive:  opts.QueueExclusive,
	}

	c := consumer.New(cfg, func() {
		s.consumers.Remove(tag)
		s.subs.UnbindByTag(tag)
	})
	if opts.Listener != nil {
		c.SetListener(opts.Listener)
	} else {
		s.mu.Lock()
		l := s.sessionListener
		s.mu.Unlock()
		if l != nil {
			c.SetListener(l)
		}
	}

	if err := s.consumers.Add(c); err != nil {
		return nil, sesserr.Wrap(sesserr.AlreadySubscribed, err, "registering consumer")
	}

	// A Session created with !ImmediatePrefetch starts its Dispatcher
	// stopped until the first consumer is ready to receive, so a slow
	// application doesn't get flooded with deliveries for a consumer it
	// hasn't finished wiring up yet.
	if err := s.declareBindSubscribe(ctx, c, failover.Retry); err != nil {
		s.consumers.Remove(tag)
		return nil, err
	}

	// ImmediatePrefetch governs only the window between connection open
	// and the first consumer: once any consumer is actually subscribed,
	// the Dispatcher always runs, whether or not ImmediatePrefetch was
	// set.
	s.dispatch.SetConnectionStopped(false)

	s.mu.Lock()
	s.creationOrder = append(s.creationOrder, tag)
	s.mu.Unlock()

	return c, nil
}

// declareBindSubscribe issues exchange.declare (if c's config names an
// exchange), queue.declare for c's destination, queue.bind (again only
// if an exchange is named), and finally basic.consume -- in that
// order, per §4.5's "declares exchange+queue; binds; then issues the
// subscribe." Every round-trip is wrapped individually with policy
// rather than once as a whole, so a Noop-policy caller (Resubscribe)
// abandons cleanly at whichever step a fail-over interrupts instead of
// retrying steps that may have already landed on the broker.
func (s *Session) declareBindSubscribe(ctx context.Context, c *consumer.Consumer, policy failover.Policy) error {
	cfg := c.Config()

	if cfg.Exchange != "" {
		err := s.runGuarded(ctx, policy, func(ctx context.Context) error {
			args, encErr := wire.EncodeArgs(wire.ExchangeDeclareArgs{
				Exchange: cfg.Exchange,
				Type:     cfg.ExchangeType,
				Durable:  cfg.ExchangeDurable,
			})
			if encErr != nil {
				return sesserr.Wrap(sesserr.ProtocolError, encErr, "encoding exchange.declare args")
			}
			f := &wire.Frame{Class: wire.ClassExchange, Method: wire.ExchangeDeclare, Args: args}
			_, rtErr := s.handler().SyncWrite(ctx, f, wire.ClassExchange, wire.ExchangeDeclareOk)
			return rtErr
		})
		if err != nil {
			return err
		}
	}

	err := s.runGuarded(ctx, policy, func(ctx context.Context) error {
		args, encErr := wire.EncodeArgs(wire.QueueDeclareArgs{
			Queue:      cfg.Destination,
			Durable:    cfg.QueueDurable,
			Exclusive:  cfg.QueueExclusive,
			AutoDelete: cfg.QueueAutoDelete,
		})
		if encErr != nil {
			return sesserr.Wrap(sesserr.ProtocolError, encErr, "encoding queue.declare args")
		}
		f := &wire.Frame{Class: wire.ClassQueue, Method: wire.QueueDeclare, Args: args}
		_, rtErr := s.handler().SyncWrite(ctx, f, wire.ClassQueue, wire.QueueDeclareOk)
		return rtErr
	})
	if err != nil {
		return err
	}

	if cfg.Exchange != "" {
		err := s.runGuarded(ctx, policy, func(ctx context.Context) error {
			args, encErr := wire.EncodeArgs(wire.QueueBindArgs{
				Queue:      cfg.Destination,
				Exchange:   cfg.Exchange,
				RoutingKey: cfg.RoutingKey,
			})
			if encErr != nil {
				return sesserr.Wrap(sesserr.ProtocolError, encErr, "encoding queue.bind args")
			}
			f := &wire.Frame{Class: wire.ClassQueue, Method: wire.QueueBind, Args: args}
			_, rtErr := s.handler().SyncWrite(ctx, f, wire.ClassQueue, wire.QueueBindOk)
			return rtErr
		})
		if err != nil {
			return err
		}
	}

	return s.runGuarded(ctx, policy, func(ctx context.Context) error {
		var consumeArgs map[string]interface{}
		if cfg.Selector != "" {
			consumeArgs = map[string]interface{}{"selector": cfg.Selector}
		}
		args, encErr := wire.EncodeArgs(wire.BasicConsumeArgs{
			Queue:       cfg.Destination,
			ConsumerTag: cfg.Tag,
			NoLocal:     cfg.NoLocal,
			NoAck:       cfg.NoAck,
			Exclusive:   cfg.Exclusive,
			Arguments:   consumeArgs,
		})
		if encErr != nil {
			return sesserr.Wrap(sesserr.ProtocolError, encErr, "encoding basic.consume args")
		}
		f := &wire.Frame{Class: wire.ClassBasic, Method: wire.BasicConsume, Args: args}
		_, rtErr := s.handler().SyncWrite(ctx, f, wire.ClassBasic, wire.BasicConsumeOk)
		return rtErr
	})
}

// CreateDurableSubscriber binds a durable subscription name to a
// consumer. If name is already served by a live consumer on the same
// topic, this rejects with sesserr.AlreadySubscribed -- per §4.5/§8,
// "same topic: reject with already subscribed". If name is bound to a
// consumer on a different topic, the old consumer and its underlying
// queue are torn down first so the subscription can move. If name has
// never been bound in this session, a fresh consumer is created and
// bound to it.
func (s *Session) CreateDurableSubscriber(ctx context.Context, name string, opts ConsumerOptions) (*consumer.Consumer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, sesserr.New(sesserr.InvalidDestination, "durable subscription name must not be empty")
	}

	if existingTag, ok := s.subs.TagForName(name); ok {
		if existing, ok := s.consumers.Lookup(existingTag); ok && !existing.(*consumer.Consumer).Closed() {
			if existing.Destination() == opts.Destination {
				return nil, sesserr.Newf(sesserr.AlreadySubscribed, "durable subscription %q is already subscribed to %q", name, opts.Destination)
			}
			if err := s.Unsubscribe(ctx, name); err != nil {
				return nil, err
			}
		}
	}

	c, err := s.createConsumerImpl(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := s.subs.Bind(name, c.Tag()); err != nil {
		s.RejectConsumer(c.Tag())
		return nil, sesserr.Wrap(sesserr.AlreadySubscribed, err, "binding durable subscription")
	}
	return c, nil
}

// Unsubscribe tears down the durable subscription named name: its
// consumer is cancelled and the underlying durable queue deleted from
// the broker, per §4.5's "delete the underlying durable queue", so a
// repeated create/unsubscribe cycle never orphans a queue. If the name
// is unknown to this session, it's ambiguous whether the broker still
// holds the subscription (created by an earlier session) or it never
// existed at all; this surfaces as sesserr.UnknownSubscription either
// way, leaving broker-side queue deletion to the caller.
func (s *Session) Unsubscribe(ctx context.Context, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tag, ok := s.subs.UnbindByName(name)
	if !ok {
		return sesserr.Newf(sesserr.UnknownSubscription, "subscription %q is not known to this session", name)
	}

	var destination string
	if c, ok := s.consumers.Lookup(tag); ok {
		destination = c.Destination()
	}

	if err := s.cancelConsumerTag(ctx, tag); err != nil {
		return err
	}

	if destination == "" {
		return nil
	}
	_, err := s.DeleteQueue(ctx, destination, DeleteQueueOptions{})
	return err
}

// RejectConsumer tears down a single consumer by tag without a broker
// round-trip, used to unwind a partially-created consumer after a
// later step (e.g. durable-subscription binding) fails.
func (s *Session) RejectConsumer(tag string) {
	if c, ok := s.consumers.Lookup(tag); ok {
		s.dispatch.RejectPending(tag, c.(*consumer.Consumer))
	}
	s.consumers.Remove(tag)
	s.subs.UnbindByTag(tag)
}

func (s *Session) cancelConsumerTag(ctx context.Context, tag string) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	c, ok := s.consumers.Lookup(tag)
	if !ok {
		return sesserr.Newf(sesserr.UnknownSubscription, "consumer tag %q is not registered", tag)
	}

	err := s.runGuarded(ctx, failover.Retry, func(ctx context.Context) error {
		args, encErr := wire.EncodeArgs(wire.BasicCancelArgs{ConsumerTag: tag})
		if encErr != nil {
			return sesserr.Wrap(sesserr.ProtocolError, encErr, "encoding basic.cancel args")
		}
		f := &wire.Frame{Class: wire.ClassBasic, Method: wire.BasicCancel, Args: args}
		_, rtErr := s.handler().SyncWrite(ctx, f, wire.ClassBasic, wire.BasicCancelOk)
		return rtErr
	})
	if err != nil {
		return err
	}

	s.dispatch.ConfirmConsumerCancelled(tag, c.(*consumer.Consumer))
	s.consumers.Remove(tag)
	return nil
}

// ProducerOptions configures CreateProducer.
type ProducerOptions struct {
	Destination   string
	Exchange      string
	RoutingKey    string
	Mandatory     bool
	Immediate     bool
	WaitUntilSent bool
}

// CreateProducer returns a new Producer registered under a
// session-local id. Unlike consumer tags, producer ids never need a
// broker round-trip to mint -- there is no AMQP method that declares a
// producer -- so this never blocks on the network.
func (s *Session) CreateProducer(opts ProducerOptions) (*producer.Producer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	id := s.nextProducerID.Next()
	p := producer.New(producer.Config{
		ID:            id,
		Destination:   opts.Destination,
		Exchange:      opts.Exchange,
		RoutingKey:    opts.RoutingKey,
		Mandatory:     opts.Mandatory,
		Immediate:     opts.Immediate,
		WaitUntilSent: opts.WaitUntilSent,
	}, handlerSender{s: s})

	s.producers.Add(p)

	s.mu.Lock()
	s.creationOrder = append(s.creationOrder, fmt.Sprintf("producer:%d", id))
	s.mu.Unlock()

	return p, nil
}

// AcknowledgeMessage sends basic.ack for tag. It is fire-and-forget:
// basic.ack carries no broker reply in AMQP. multiple, if true, also
// acknowledges every lower, still-unacked tag.
func (s *Session) AcknowledgeMessage(tag uint64, multiple bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.cfg.AckMode == AckNoAck {
		return nil
	}

	if err := s.writeAck(tag, multiple); err != nil {
		return err
	}

	for _, c := range s.consumers.All() {
		cs := c.(*consumer.Consumer)
		if multiple {
			cs.Ack(tag)
		} else if containsTag(cs.UnackedTags(), tag) {
			cs.Ack(tag)
		}
	}
	return nil
}

// writeAck writes a basic.ack frame to the wire without touching any
// consumer's local unacked-log bookkeeping or checking session state;
// callers that already hold the relevant locks (Commit) or have
// already validated session state (AcknowledgeMessage) do that
// themselves.
func (s *Session) writeAck(tag uint64, multiple bool) error {
	args, err := wire.EncodeArgs(wire.BasicAckArgs{DeliveryTag: tag, Multiple: multiple})
	if err != nil {
		return sesserr.Wrap(sesserr.ProtocolError, err, "encoding basic.ack args")
	}
	f := &wire.Frame{Class: wire.ClassBasic, Method: wire.BasicAck, Args: args}
	return s.handler().WriteFrame(f)
}

func containsTag(tags []uint64, tag uint64) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

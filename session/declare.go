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

	"github.com/fathom-mq/amqp-session/core/failover"
	"github.com/fathom-mq/amqp-session/core/wire"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
)

// ExchangeDeclareOptions configures DeclareExchange.
type ExchangeDeclareOptions struct {
	Type    string
	Passive bool
	Durable bool
}

// DeclareExchange issues exchange.declare. Idempotent round-trips like
// this one use the Retry fail-over policy: if a reconnect interrupts
// the wait, the declare is simply retried once resubscription
// finishes, since declaring an already-declared exchange is a no-op on
// the broker.
func (s *Session) DeclareExchange(ctx context.Context, name string, opts ExchangeDeclareOptions) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if name == "" {
		return sesserr.New(sesserr.InvalidDestination, "exchange name must not be empty")
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	return s.runGuarded(ctx, failover.Retry, func(ctx context.Context) error {
		args, err := wire.EncodeArgs(wire.ExchangeDeclareArgs{
			Exchange: name,
			Type:     opts.Type,
			Passive:  opts.Passive,
			Durable:  opts.Durable,
		})
		if err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "encoding exchange.declare args")
		}
		f := &wire.Frame{Class: wire.ClassExchange, Method: wire.ExchangeDeclare, Args: args}
		_, err = s.handler().SyncWrite(ctx, f, wire.ClassExchange, wire.ExchangeDeclareOk)
		return err
	})
}

// QueueDeclareOptions configures DeclareQueue. An empty Name requests a
// broker-assigned (client-generated, per GenerateQueueName) name.
type QueueDeclareOptions struct {
	Name       string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// DeclareQueue issues queue.declare, returning the broker-confirmed
// queue name (which may differ from opts.Name if it was empty).
func (s *Session) DeclareQueue(ctx context.Context, opts QueueDeclareOptions) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	name := opts.Name
	if name == "" {
		name = s.handler().GenerateQueueName()
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var queueName string
	err := s.runGuarded(ctx, failover.Retry, func(ctx context.Context) error {
		args, err := wire.EncodeArgs(wire.QueueDeclareArgs{
			Queue:      name,
			Passive:    opts.Passive,
			Durable:    opts.Durable,
			Exclusive:  opts.Exclusive,
			AutoDelete: opts.AutoDelete,
		})
		if err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "encoding queue.declare args")
		}
		f := &wire.Frame{Class: wire.ClassQueue, Method: wire.QueueDeclare, Args: args}
		reply, err := s.handler().SyncWrite(ctx, f, wire.ClassQueue, wire.QueueDeclareOk)
		if err != nil {
			return err
		}
		var ok wire.QueueDeclareOkArgs
		if err := wire.DecodeArgs(reply.Args, &ok); err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "decoding queue.declare-ok args")
		}
		queueName = ok.Queue
		return nil
	})
	if err != nil {
		return "", err
	}
	return queueName, nil
}

// BindQueue issues queue.bind.
func (s *Session) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if routingKey == "" && exchange != "" {
		return sesserr.New(sesserr.InvalidRoutingKey, "routing key must not be empty when binding to a non-default exchange")
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	return s.runGuarded(ctx, failover.Retry, func(ctx context.Context) error {
		args, err := wire.EncodeArgs(wire.QueueBindArgs{Queue: queue, Exchange: exchange, RoutingKey: routingKey})
		if err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "encoding queue.bind args")
		}
		f := &wire.Frame{Class: wire.ClassQueue, Method: wire.QueueBind, Args: args}
		_, err = s.handler().SyncWrite(ctx, f, wire.ClassQueue, wire.QueueBindOk)
		return err
	})
}

// UnbindQueue issues queue.unbind.
func (s *Session) UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	return s.runGuarded(ctx, failover.Retry, func(ctx context.Context) error {
		args, err := wire.EncodeArgs(wire.QueueUnbindArgs{Queue: queue, Exchange: exchange, RoutingKey: routingKey})
		if err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "encoding queue.unbind args")
		}
		f := &wire.Frame{Class: wire.ClassQueue, Method: wire.QueueUnbind, Args: args}
		_, err = s.handler().SyncWrite(ctx, f, wire.ClassQueue, wire.QueueUnbindOk)
		return err
	})
}

// DeleteQueueOptions configures DeleteQueue.
type DeleteQueueOptions struct {
	IfUnused bool
	IfEmpty  bool
}

// DeleteQueue issues queue.delete, returning the number of messages
// the broker reports were purged.
func (s *Session) DeleteQueue(ctx context.Context, queue string, opts DeleteQueueOptions) (uint32, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var purged uint32
	err := s.runGuarded(ctx, failover.Retry, func(ctx context.Context) error {
		args, err := wire.EncodeArgs(wire.QueueDeleteArgs{Queue: queue, IfUnused: opts.IfUnused, IfEmpty: opts.IfEmpty})
		if err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "encoding queue.delete args")
		}
		f := &wire.Frame{Class: wire.ClassQueue, Method: wire.QueueDelete, Args: args}
		reply, err := s.handler().SyncWrite(ctx, f, wire.ClassQueue, wire.QueueDeleteOk)
		if err != nil {
			return err
		}
		var ok wire.QueueDeleteOkArgs
		if err := wire.DecodeArgs(reply.Args, &ok); err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "decoding queue.delete-ok args")
		}
		purged = ok.MessageCount
		return nil
	})
	return purged, err
}

// IsQueueBound reports whether queue is bound to exchange with
// routingKey, using the exchange.bound extension method. In strict
// mode this extension is unsupported by a standards-conformant broker,
// so strict sessions return sesserr.StrictUnsupported instead of
// issuing the round-trip.
func (s *Session) IsQueueBound(ctx context.Context, exchange, queue, routingKey string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if s.cfg.Process.Strict {
		return false, sesserr.New(sesserr.StrictUnsupported, "exchange.bound is a non-standard extension method unavailable in strict mode")
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var bound bool
	err := s.runGuarded(ctx, failover.Retry, func(ctx context.Context) error {
		args, err := wire.EncodeArgs(wire.ExchangeBoundArgs{Exchange: exchange, Queue: queue, RoutingKey: routingKey})
		if err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "encoding exchange.bound args")
		}
		f := &wire.Frame{Class: wire.ClassExchange, Method: wire.ExchangeBound, Args: args}
		reply, err := s.handler().SyncWrite(ctx, f, wire.ClassExchange, wire.ExchangeBoundOk)
		if err != nil {
			return err
		}
		var ok wire.ExchangeBoundOkArgs
		if err := wire.DecodeArgs(reply.Args, &ok); err != nil {
			return sesserr.Wrap(sesserr.ProtocolError, err, "decoding exchange.bound-ok args")
		}
		bound = ok.ReplyCode == 0
		return nil
	})
	return bound, err
}

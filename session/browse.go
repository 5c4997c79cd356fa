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

	"github.com/fathom-mq/amqp-session/core/consumer"
	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
)

// Browser is a read-only view over a queue's current contents. It is
// built on the same Consumer machinery as CreateConsumer -- a
// no-ack, non-exclusive subscription so the broker never expects an
// acknowledgement and another consumer on the same queue is
// unaffected -- but it is never handed a Listener: callers pull
// deliveries one at a time with Next, exactly like the synchronous
// receive path a plain Consumer offers, until the queue's current
// backlog is exhausted.
//
// AMQP has no standing "browse without consuming" verb; a client-side
// browser is conventionally built over a no-ack consumer precisely
// because no-ack means the broker never waits on this client's
// acknowledgement, so browsing can't stall delivery to any other
// consumer of the same queue.
type Browser struct {
	s       *consumer.Consumer
	session *Session
}

// Next blocks until a delivery is available or ctx is done. It returns
// sesserr.Closed once the browser's underlying subscription has been
// torn down by Close.
func (b *Browser) Next(ctx context.Context) (msg.Delivery, error) {
	return b.s.Receive(ctx)
}

// Close cancels the browser's underlying subscription.
func (b *Browser) Close(ctx context.Context) error {
	if err := b.session.cancelConsumerTag(ctx, b.s.Tag()); err != nil {
		return err
	}
	b.s.Close()
	return nil
}

// BrowserOptions configures CreateBrowser.
type BrowserOptions struct {
	Queue    string
	Selector string
}

// CreateBrowser opens a read-only view over queue's current backlog.
// Per §6, strict mode disallows browsers outright -- there is no
// AMQP 0-8/0-9 verb for non-destructive read, so a strict-compliant
// client has nothing honest to send the broker -- regardless of the
// STRICT_AMQP_FATAL degrade-vs-reject flag that governs selectors and
// durable subscribers; for browsers the options are only "don't
// support it" or "break strict compliance", so this is always an
// error under strict mode.
func (s *Session) CreateBrowser(ctx context.Context, opts BrowserOptions) (*Browser, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if opts.Queue == "" {
		return nil, sesserr.New(sesserr.InvalidDestination, "browser queue must not be empty")
	}
	if s.cfg.Process.Strict {
		return nil, sesserr.New(sesserr.StrictUnsupported, "queue browsing has no strict AMQP 0-8/0-9 equivalent")
	}

	c, err := s.createConsumerImpl(ctx, ConsumerOptions{
		Destination: opts.Queue,
		Selector:    opts.Selector,
		NoAck:       true,
	})
	if err != nil {
		return nil, err
	}
	return &Browser{s: c, session: s}, nil
}

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

// Package producer implements the Session's Producer (C9): it sends
// basic.publish frames carrying mandatory/immediate flags and a content
// body. Its shape is grounded on the teacher's core/pub.Producer --
// a locally unique id, a Sender, and a Dispatcher used to correlate a
// synchronous round-trip -- but the round-trip itself is generalized
// from Pulsar's per-message send-receipt wait to AMQP's publish model,
// where a lone basic.publish gets no broker reply at all. What the
// wait-until-sent flag waits on is therefore the local write
// completing, not a broker acknowledgement; broker-side confirmation of
// an unroutable message arrives later, asynchronously, as a basic.return
// routed through the Bounce Router (C10), not through this type.
package producer

import (
	"context"
	"sync"

	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/core/wire"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
)

// Config configures a Producer.
type Config struct {
	ID            uint64
	Destination   string
	Exchange      string
	RoutingKey    string
	Mandatory     bool
	Immediate     bool
	WaitUntilSent bool
}

// Sender is the minimal wire dependency a Producer needs to publish a
// frame and observe connection loss; wire.Conn and wire.MockSender both
// satisfy it.
type Sender interface {
	SendFrame(f *wire.Frame) error
	Closed() <-chan struct{}
}

// Producer publishes content under a single locally-assigned id.
type Producer struct {
	cfg Config
	s   Sender

	mu      sync.RWMutex
	closed  bool
	closedc chan struct{}
}

// New returns a ready-to-use Producer bound to s.
func New(cfg Config, s Sender) *Producer {
	return &Producer{cfg: cfg, s: s, closedc: make(chan struct{})}
}

// ID returns the producer's locally unique id, satisfying
// registry.Producer.
func (p *Producer) ID() uint64 { return p.cfg.ID }

// Destination returns the producer's bound destination.
func (p *Producer) Destination() string { return p.cfg.Destination }

// Publish sends body with props as a basic.publish frame. If the
// producer was configured with WaitUntilSent, Publish blocks until the
// frame has been handed to the Sender (a local write, not a broker
// round-trip: basic.publish carries no synchronous reply in AMQP). A
// routingKey override replaces the producer's default routing key for
// this one publish, matching the teacher's per-call topic flexibility;
// pass "" to use the producer's configured key.
func (p *Producer) Publish(ctx context.Context, body []byte, props msg.Properties, routingKeyOverride string) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return sesserr.New(sesserr.Closed, "producer is closed")
	}
	p.mu.RUnlock()

	routingKey := p.cfg.RoutingKey
	if routingKeyOverride != "" {
		routingKey = routingKeyOverride
	}

	args := wire.BasicPublishArgs{
		Exchange:   p.cfg.Exchange,
		RoutingKey: routingKey,
		Mandatory:  p.cfg.Mandatory,
		Immediate:  p.cfg.Immediate,
	}
	encodedArgs, err := wire.EncodeArgs(args)
	if err != nil {
		return sesserr.Wrap(sesserr.ProtocolError, err, "encoding basic.publish args")
	}

	body, err = encodeBody(props, body)
	if err != nil {
		return sesserr.Wrap(sesserr.ProtocolError, err, "encoding publish body/properties")
	}

	f := &wire.Frame{
		Class:  wire.ClassBasic,
		Method: wire.BasicPublish,
		Args:   encodedArgs,
		Body:   body,
	}

	if !p.cfg.WaitUntilSent {
		go func() {
			if err := p.s.SendFrame(f); err != nil {
				return
			}
		}()
		return nil
	}

	sent := make(chan error, 1)
	go func() { sent <- p.s.SendFrame(f) }()

	select {
	case err := <-sent:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.Closed():
		return sesserr.New(sesserr.Closed, "producer closed while waiting for send to complete")
	case <-p.s.Closed():
		return sesserr.New(sesserr.Closed, "connection closed while waiting for send to complete")
	}
}

// Closed returns a channel that unblocks once the producer has been
// closed.
func (p *Producer) Closed() <-chan struct{} {
	return p.closedc
}

// Close marks the producer closed. It is idempotent.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.closedc)
	return nil
}

// encodeBody prepends a gob-encoded Properties header to body so a
// single Frame.Body carries both, mirroring how AMQP separates a
// content header from the content body but without introducing a
// second frame type for it.
func encodeBody(props msg.Properties, body []byte) ([]byte, error) {
	encodedProps, err := wire.EncodeArgs(props)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4+len(encodedProps)+len(body))
	putUint32(out[:4], uint32(len(encodedProps)))
	copy(out[4:], encodedProps)
	copy(out[4+len(encodedProps):], body)
	return out, nil
}

// DecodeBody splits a Frame.Body produced by encodeBody back into its
// Properties header and content bytes.
func DecodeBody(raw []byte) (msg.Properties, []byte, error) {
	var props msg.Properties
	if len(raw) < 4 {
		return props, nil, sesserr.New(sesserr.ProtocolError, "publish body too short to contain a properties header")
	}
	n := getUint32(raw[:4])
	if uint32(len(raw)) < 4+n {
		return props, nil, sesserr.New(sesserr.ProtocolError, "publish body properties header length exceeds frame body")
	}
	if err := wire.DecodeArgs(raw[4:4+n], &props); err != nil {
		return props, nil, err
	}
	return props, raw[4+n:], nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

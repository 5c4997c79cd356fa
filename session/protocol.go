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

// Package session implements the Session Core (C7): the public,
// application-facing operations (declare, bind, consume, send, ack,
// commit, rollback, recover, close), flow suspension, transactional
// bookkeeping, and resubscription on fail-over. It is deliberately
// decoupled from any one wire format or transport: it depends only on
// the ProtocolHandler contract below, which core/wire's Handler (a
// Conn plus a Dispatcher) satisfies, the same separation the teacher draws
// between its connection-management layer (core/manage) and its wire
// codec (core/frame, core/conn).
package session

import (
	"context"

	"github.com/fathom-mq/amqp-session/core/wire"
)

// ProtocolHandler is the downward interface the Session Core requires
// from the transport: write a frame, synchronously write a frame and
// await a specific reply, and report fail-over events. generateQueueName
// must return a fresh, collision-free name each call, for client-named
// temporary queues.
type ProtocolHandler interface {
	// WriteFrame sends f without waiting for any reply.
	WriteFrame(f *wire.Frame) error

	// SyncWrite sends f and blocks until a reply of the given class and
	// method arrives correlated to f's request id, ctx is done, or a
	// fail-over interrupts the wait.
	SyncWrite(ctx context.Context, f *wire.Frame, replyClass wire.Class, replyMethod wire.Method) (*wire.Frame, error)

	// CloseSession performs transport-side bookkeeping before a
	// session/channel is torn down (deregistering it from whatever
	// per-channel demux the transport maintains).
	CloseSession(channel uint16)

	// GenerateQueueName returns a fresh, collision-free name for a
	// client-named (non-durable, non-exclusive-by-name) queue.
	GenerateQueueName() string

	// NextRequestID returns a fresh request id to correlate a
	// SyncWrite call's request and reply.
	NextRequestID() uint64

	// Failover returns a channel that is closed once per fail-over
	// event -- used by the Session's own wait points (not just
	// round-trips already covered by SyncWrite) to notice interruption
	// promptly.
	Failover() <-chan struct{}

	// Closed returns a channel that unblocks once the underlying
	// transport connection itself has gone away (distinct from
	// Failover, which core/wire's Dispatcher fires when the managing
	// read loop for a connection ends). Producer uses this to unblock a pending WaitUntilSent
	// publish.
	Closed() <-chan struct{}
}

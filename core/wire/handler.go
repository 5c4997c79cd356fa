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

package wire

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fathom-mq/amqp-session/internal/utils"
)

// Handler bundles a Sender (typically *Conn) with a Dispatcher into the
// concrete, swappable ProtocolHandler implementation session.Session
// drives -- the reference transport the rest of the module's
// integration tests exercise. Its method set matches session's
// ProtocolHandler interface exactly so session never needs to import
// this package directly.
type Handler struct {
	Sender     Sender
	Dispatcher *Dispatcher
	Channel    uint16

	reqID   uint64
	queueID uint64
}

// NewHandler returns a Handler bound to s/d for channel.
func NewHandler(s Sender, d *Dispatcher, channel uint16) *Handler {
	return &Handler{Sender: s, Dispatcher: d, Channel: channel}
}

// WriteFrame stamps f.Channel and sends it without waiting for a reply.
func (h *Handler) WriteFrame(f *Frame) error {
	f.Channel = h.Channel
	return h.Sender.SendFrame(f)
}

// NextRequestID returns a fresh request id scoped to this handler.
func (h *Handler) NextRequestID() uint64 {
	return atomic.AddUint64(&h.reqID, 1)
}

// SyncWrite sends f (after stamping its channel and request id if unset)
// and waits for a correlated reply of replyClass/replyMethod.
func (h *Handler) SyncWrite(ctx context.Context, f *Frame, replyClass Class, replyMethod Method) (*Frame, error) {
	f.Channel = h.Channel
	if f.RequestID == utils.UndefRequestID || f.RequestID == 0 {
		f.RequestID = h.NextRequestID()
	}

	resp, cancel, err := h.Dispatcher.RegisterReqID(f.RequestID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := h.Sender.SendFrame(f); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.Sender.Closed():
		return nil, fmt.Errorf("wire: connection closed awaiting reply to class=%d method=%d", f.Class, f.Method)
	case <-h.Dispatcher.Failover():
		return nil, fmt.Errorf("wire: fail-over interrupted reply to class=%d method=%d", f.Class, f.Method)
	case reply := <-resp:
		if reply.Class != replyClass || reply.Method != replyMethod {
			return &reply, fmt.Errorf("wire: unexpected reply class=%d method=%d (wanted class=%d method=%d)",
				reply.Class, reply.Method, replyClass, replyMethod)
		}
		return &reply, nil
	}
}

// CloseSession is a no-op for the reference transport: there is no
// separate per-channel demux table to clean up beyond what the
// Dispatcher already garbage-collects when registrations are cancelled.
func (h *Handler) CloseSession(channel uint16) {}

// GenerateQueueName returns a fresh name for a client-named queue,
// using the same monotonic-id-suffix idiom the teacher uses for
// generated identifiers elsewhere in the corpus.
func (h *Handler) GenerateQueueName() string {
	id := atomic.AddUint64(&h.queueID, 1)
	return fmt.Sprintf("amqp.gen-%d-%d", h.Channel, id)
}

// Failover proxies the Dispatcher's fail-over event channel.
func (h *Handler) Failover() <-chan struct{} {
	return h.Dispatcher.Failover()
}

// Closed proxies the underlying Sender's closed channel.
func (h *Handler) Closed() <-chan struct{} {
	return h.Sender.Closed()
}

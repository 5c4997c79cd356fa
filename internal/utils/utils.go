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

// Package utils collects the small cross-cutting helpers shared by the
// core packages: a monotonic id generator, an asynchronous-error sink,
// and the sentinel request id used for frames that aren't responses to
// a specific request.
package utils

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ClientVersion identifies this implementation to the broker during
// connection establishment.
const ClientVersion = "fathom-amqp-session-go/1.0"

// UndefRequestID is used for frames that are not associated with any
// particular request (e.g. an error raised before a request id could be
// assigned).
const UndefRequestID = ^uint64(0)

// MonotonicID is a simple thread-safe monotonically increasing counter,
// used for producer ids, generated consumer tags, and request ids.
type MonotonicID struct {
	id uint64
}

// NewMonotonicID returns a MonotonicID starting at start.
func NewMonotonicID(start uint64) *MonotonicID {
	return &MonotonicID{id: start}
}

// Next atomically increments and returns the new value.
func (m *MonotonicID) Next() uint64 {
	return atomic.AddUint64(&m.id, 1)
}

// Current returns the current value without incrementing it.
func (m *MonotonicID) Current() uint64 {
	return atomic.LoadUint64(&m.id)
}

// AsyncErrors is a best-effort fan-out sink for errors raised off the
// application's calling goroutine (bounces, failed reconnect
// attempts). Sends never block: a full or nil channel silently
// drops the error, matching the "errors happen on a connection work
// goroutine" design in §5.
type AsyncErrors struct {
	mu   sync.RWMutex
	errs chan error
}

// NewAsyncErrors wraps ch (which may be nil) as an AsyncErrors sink.
func NewAsyncErrors(ch chan error) AsyncErrors {
	return AsyncErrors{errs: ch}
}

// Send attempts a non-blocking send of err to the underlying channel.
func (a AsyncErrors) Send(err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.errs == nil {
		return
	}
	select {
	case a.errs <- err:
	default:
	}
}

// NewUnexpectedErrMsg formats an error for an unexpected reply type
// received for a given producer/sequence (or request) pair.
func NewUnexpectedErrMsg(msgType fmt.Stringer, id, seq uint64) error {
	return fmt.Errorf("unexpected response type %s for id=%d seq=%d", msgType, id, seq)
}

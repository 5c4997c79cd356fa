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

// Package failover wraps a protocol round-trip so it either completes,
// retries after a reconnect, or is reported as interrupted. Its
// Guard.mu is the "connection fail-over mutex" named in the locking
// order: delivery lock, then fail-over mutex, then suspension lock,
// then dispatcher internal lock. The Session's SuspendChannel, Rollback
// and Recover hold the suspension lock across their guarded round-trip,
// so there Guard.mu is taken inside the suspension lock; no guarded
// body takes the suspension lock. Guard itself only ever takes its own mutex, so
// callers higher in that order (the Session, holding the delivery
// lock) can safely call into it; callers must never call back into
// code that re-acquires the delivery lock from within a Guard-wrapped
// body, or the order would invert.
package failover

import (
	"context"
	"sync"

	"github.com/fathom-mq/amqp-session/internal/sesserr"
)

// Policy selects how a guarded operation behaves when a fail-over event
// interrupts it mid-flight.
type Policy int

const (
	// Retry waits for the reconnect (including resubscription) to
	// finish and retries the operation body from the beginning. Used
	// for idempotent operations: declare, bind, create-consumer,
	// create-producer, delete-queue, is-bound queries.
	Retry Policy = iota
	// Noop abandons the operation silently on fail-over, trusting the
	// fail-over process itself to redo the equivalent work (used for
	// the internal calls issued during resubscription, to avoid those
	// calls recursively retrying against the very reconnect that
	// interrupted them).
	Noop
	// Uncertain never retries, even if the operation looks idempotent:
	// it surfaces a failover-interrupted error because the broker's
	// outcome is unknown to the client. Required for commit, rollback,
	// recover, and close, per the hard rule that these are never
	// retried.
	Uncertain
)

// Guard serializes protocol round-trips against a single in-flight
// fail-over process.
type Guard struct {
	mu sync.Mutex

	// rebuilt is closed and replaced with a fresh channel each time a
	// fail-over finishes (resubscription complete); a round-trip
	// waiting for the Retry policy blocks on the channel captured at
	// the moment it was interrupted.
	rebuilt chan struct{}

	// inFailover is set while a fail-over is being processed and is
	// reported by IsInFailover; Run does not consult it and attempts
	// the body either way.
	inFailover bool
}

// NewGuard returns a ready Guard, initially not in fail-over.
func NewGuard() *Guard {
	return &Guard{rebuilt: make(chan struct{})}
}

// BeginFailover marks the guard as undergoing fail-over. It must be
// paired with a later EndFailover once resubscription completes. While
// in fail-over, Guard.Run's body is still allowed to execute (the
// fail-over process's own internal calls use the Noop policy and take
// this same mutex to serialize with any straggling application call),
// but Retry-policy callers that observe an in-flight interruption will
// wait on the channel EndFailover closes.
func (g *Guard) BeginFailover() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFailover = true
}

// EndFailover marks fail-over complete and releases any Retry-policy
// callers waiting on the prior round.
func (g *Guard) EndFailover() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFailover = false
	close(g.rebuilt)
	g.rebuilt = make(chan struct{})
}

// Run executes fn under the fail-over mutex. If a fail-over is raised
// while fn is running (signaled by fn returning a failover-raised
// sentinel via interrupted), Run's behavior depends on policy:
//
//   - Retry: wait for the in-flight fail-over to finish, then call fn
//     again from the start.
//   - Noop: return nil immediately, abandoning the operation.
//   - Uncertain: return a failover-interrupted error wrapping
//     whatever fn returned, regardless of whether fn might have
//     succeeded on the broker side.
func (g *Guard) Run(ctx context.Context, policy Policy, interrupted func(error) bool, fn func(context.Context) error) error {
	for {
		g.mu.Lock()
		waitc := g.rebuilt
		err := fn(ctx)
		g.mu.Unlock()

		if err == nil || !interrupted(err) {
			return err
		}

		switch policy {
		case Noop:
			return nil
		case Uncertain:
			return sesserr.Wrap(sesserr.FailoverInterrupted, err, "operation interrupted by reconnection; outcome uncertain")
		case Retry:
			select {
			case <-waitc:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return err
		}
	}
}

// IsInFailover reports whether a fail-over is currently being
// processed.
func (g *Guard) IsInFailover() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFailover
}

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
	"github.com/fathom-mq/amqp-session/core/failover"
	"github.com/fathom-mq/amqp-session/internal/log"
)

// Resubscribe re-establishes every live consumer after a fail-over
// reconnect, in the order they were originally created: exchange.declare
// (if the consumer names one), queue.declare, queue.bind (again, only
// if an exchange is named) and basic.consume, per §4.5's "all consumers
// and producers must be re-declared, re-bound and re-subscribed."
// Producers are skipped: none has broker-side state to replay. It is
// the one caller in this package allowed to use the Noop fail-over
// policy: it is itself invoked from the reconnect path, so a nested
// fail-over here must abandon rather than recurse back into another
// resubscription pass (the outer reconnect loop already owns that).
func (s *Session) Resubscribe(ctx context.Context) error {
	s.guard.BeginFailover()
	defer s.guard.EndFailover()

	s.mu.Lock()
	order := append([]string(nil), s.creationOrder...)
	s.mu.Unlock()

	for _, id := range order {
		c, ok := s.consumers.Lookup(id)
		if !ok {
			continue // a producer id, or a consumer already torn down
		}
		cs := c.(*consumer.Consumer)
		if cs.Closed() {
			continue
		}

		if err := s.declareBindSubscribe(ctx, cs, failover.Noop); err != nil {
			log.Errorf("session: resubscribing consumer %s failed: %v", cs.Tag(), err)
		}
	}

	return nil
}

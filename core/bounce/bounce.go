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

// Package bounce implements the Bounce Router (C10): it translates a
// broker "return" of an unroutable mandatory/immediate publish into one
// of a small set of typed asynchronous errors and hands each to the
// connection's error callback, the same utils.AsyncErrors-shaped
// fire-and-forget delivery the teacher uses for its own background
// error reporting (see internal/utils.AsyncErrors, exercised from
// core/manage/managed_consumer.go).
package bounce

import (
	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/internal/log"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
	"github.com/fathom-mq/amqp-session/internal/utils"
)

// Standard AMQP reply codes the Router recognizes. Anything else is
// classified as "undelivered".
const (
	ReplyNoRoute     uint16 = 312
	ReplyNoConsumers uint16 = 313
)

// Router translates bounces into sesserr-classified errors and forwards
// them to an AsyncErrors sink.
type Router struct {
	errs utils.AsyncErrors
}

// New returns a Router that forwards classified bounce errors to errs.
func New(errs utils.AsyncErrors) *Router {
	return &Router{errs: errs}
}

// Route classifies b's reply code and forwards a sesserr-wrapped error
// describing the bounced message to the Router's AsyncErrors sink. This
// runs on a connection work goroutine, never on the network I/O thread,
// so a slow or blocked error-callback consumer can't stall frame
// reading.
func (r *Router) Route(b msg.Bounce) {
	kind := classify(b.ReplyCode)
	err := sesserr.Newf(kind, "message to exchange %q with routing key %q bounced: %s (reply code %d)",
		b.Exchange, b.RoutingKey, b.ReplyText, b.ReplyCode)

	log.Warnf("bounce: %v", err)
	r.errs.Send(err)
}

func classify(replyCode uint16) sesserr.Kind {
	switch replyCode {
	case ReplyNoRoute:
		return sesserr.NoRoute
	case ReplyNoConsumers:
		return sesserr.NoConsumers
	default:
		return sesserr.Undelivered
	}
}

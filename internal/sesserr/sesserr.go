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

// Package sesserr is the session runtime's error taxonomy. Errors are
// constructed with a stable Kind so that callers can classify a failure
// with errors.Is/As without string matching, while the underlying cause
// (often a round-trip failure from the wire) is preserved with
// github.com/pkg/errors so a log line can still print a full cause chain.
package sesserr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the taxonomy from the session runtime's error design.
type Kind string

const (
	InvalidDestination  Kind = "invalid-destination"
	InvalidSelector     Kind = "invalid-selector"
	InvalidRoutingKey   Kind = "invalid-routing-key"
	Closed              Kind = "closed"
	NotTransacted       Kind = "not-transacted"
	IsTransacted        Kind = "is-transacted"
	UnknownSubscription Kind = "unknown-subscription"
	Timeout             Kind = "timeout"
	FailoverInterrupted Kind = "failover-interrupted"
	NoRoute             Kind = "no-route"
	NoConsumers         Kind = "no-consumers"
	Undelivered         Kind = "undelivered"
	ProtocolError       Kind = "protocol-error"
	StrictUnsupported   Kind = "strict-mode-unsupported"
	AlreadySubscribed   Kind = "already-subscribed"
)

// Error is a sesserr-classified error.
type Error struct {
	Kind Kind
	msg  string
	// cause is the wrapped underlying error, if any.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Cause exposes the wrapped cause to github.com/pkg/errors' Cause.
func (e *Error) Cause() error { return e.cause }

// Is allows errors.Is(err, sesserr.New(kind, "")) to match purely on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a Kind-classified error with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

// Newf is New with Printf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind, preserving it as the error's cause via
// github.com/pkg/errors so that errors.Cause(err) still recovers the
// original round-trip failure for logging.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, msg: msg, cause: errors.Wrap(cause, msg)}
}

// Is reports whether err is a sesserr.Error of the given kind, unwrapping
// any nesting in between.
func Is(err error, kind Kind) bool {
	var se *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return se != nil && se.Kind == kind
}

// KindOf returns the Kind of err if it is a sesserr.Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	e, ok := err.(*Error)
	if !ok {
		return "", false
	}
	return e.Kind, true
}

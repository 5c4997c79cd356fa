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

// Package managed wraps a session.Session with reconnect logic: a
// background goroutine dials a fresh connection, opens a channel, and
// resubscribes every live consumer whenever the underlying connection
// is lost, the same "gate a nil pointer behind a closed-on-ready
// channel" idiom the teacher's ManagedConsumer uses to keep a Consumer
// reference reconnect-safe, generalized here from a single Pulsar
// consumer to a whole AMQP session.
package managed

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/core/producer"
	"github.com/fathom-mq/amqp-session/core/wire"
	"github.com/fathom-mq/amqp-session/internal/log"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
	"github.com/fathom-mq/amqp-session/internal/utils"
	"github.com/fathom-mq/amqp-session/session"
)

// Dialer opens a fresh transport connection to the broker. The default
// (Config.Dial left nil) dials plain TCP via wire.NewTCPConn; tests and
// TLS deployments supply their own.
type Dialer func(ctx context.Context, addr string) (wire.Sender, error)

// Config configures a ManagedSession.
type Config struct {
	Addr      string
	TLSConfig *tls.Config
	Dial      Dialer

	Channel uint16
	Session session.Config

	NewSessionTimeout     time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration

	Errs chan error
}

// SetDefaults fills zero-valued fields with sensible defaults, matching
// the teacher's ConsumerConfig.SetDefaults().
func (c Config) SetDefaults() Config {
	if c.NewSessionTimeout <= 0 {
		c.NewSessionTimeout = 5 * time.Second
	}
	if c.InitialReconnectDelay <= 0 {
		c.InitialReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 5 * time.Minute
	}
	c.Session.Process = c.Session.Process.SetDefaults()
	return c
}

func defaultDialer(tlsCfg *tls.Config) Dialer {
	return func(ctx context.Context, addr string) (wire.Sender, error) {
		timeout := 10 * time.Second
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}
		if tlsCfg != nil {
			return wire.NewTLSConn(addr, tlsCfg, timeout)
		}
		return wire.NewTCPConn(addr, timeout)
	}
}

// ManagedSession wraps a session.Session, reconnecting and
// resubscribing it automatically whenever the transport connection is
// lost.
type ManagedSession struct {
	cfg       Config
	asyncErrs utils.AsyncErrors

	mu             sync.RWMutex // protects following
	session        *session.Session // the one long-lived Session; never replaced once created
	sess           *session.Session // non-nil only while session is usable; either sess is nil and waitc isn't, or vice versa
	waitc          chan struct{}
	stopManageChan chan struct{}
}

// NewManagedSession returns a ManagedSession that dials and maintains a
// session.Session in the background.
func NewManagedSession(cfg Config) *ManagedSession {
	cfg = cfg.SetDefaults()
	if cfg.Dial == nil {
		cfg.Dial = defaultDialer(cfg.TLSConfig)
	}

	m := &ManagedSession{
		cfg:            cfg,
		asyncErrs:      utils.NewAsyncErrors(cfg.Errs),
		stopManageChan: make(chan struct{}),
	}

	go m.manage()

	return m
}

// Session blocks until a session is available (or ctx is done) and
// returns it. The same *session.Session is returned for the lifetime of
// this ManagedSession -- a reconnect grafts a new transport onto it
// rather than replacing it -- but operations issued while a reconnect
// is in flight still block or fail until SetProtocolHandler completes,
// so callers should still treat a held pointer as something that can
// briefly stop answering rather than something that can go stale.
func (m *ManagedSession) Session(ctx context.Context) (*session.Session, error) {
	for {
		m.mu.RLock()
		s := m.sess
		wait := m.waitc
		m.mu.RUnlock()

		if s != nil {
			return s, nil
		}

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// set installs s as the current session and unblocks any goroutine
// waiting in Session().
func (m *ManagedSession) set(s *session.Session) {
	m.mu.Lock()
	m.sess = s
	if m.waitc != nil {
		close(m.waitc)
		m.waitc = nil
	}
	m.mu.Unlock()
}

// unset clears the current session and installs a fresh wait gate.
func (m *ManagedSession) unset() {
	m.mu.Lock()
	if m.waitc == nil {
		m.waitc = make(chan struct{})
	}
	m.sess = nil
	m.mu.Unlock()
}

// connHandle bundles everything dialTransport builds for one physical
// connection attempt, before any Session gets involved: the handler a
// Session or ChannelOpener drives, the Dispatcher correlating replies,
// and the raw Sender (for its Closed() signal).
type connHandle struct {
	handler    *wire.Handler
	dispatcher *wire.Dispatcher
	conn       wire.Sender
}

// dialTransport dials a fresh transport and opens the configured
// channel on it, independent of any Session -- reconnect decides
// afterward whether this becomes a brand new Session (first connect) or
// gets grafted onto the existing one (SetProtocolHandler, on a
// reconnect).
func (m *ManagedSession) dialTransport(ctx context.Context) (connHandle, error) {
	conn, err := m.cfg.Dial(ctx, m.cfg.Addr)
	if err != nil {
		return connHandle{}, err
	}

	dispatcher := wire.NewDispatcher()
	handler := wire.NewHandler(conn, dispatcher, m.cfg.Channel)

	opener := wire.NewChannelOpener(conn, dispatcher)
	if err := opener.Open(ctx, m.cfg.Channel); err != nil {
		_ = closeSender(conn)
		return connHandle{}, err
	}

	return connHandle{handler: handler, dispatcher: dispatcher, conn: conn}, nil
}

// startPump launches the background frame pump for ch, demuxing inbound
// frames between ch's Dispatcher (synchronous replies) and sess
// (deliveries and bounces), until the connection's Read loop ends.
func (m *ManagedSession) startPump(ch connHandle, sess *session.Session) {
	type framed interface {
		Read(frameHandler func(f wire.Frame)) error
	}
	reader, ok := ch.conn.(framed)
	if !ok {
		return
	}

	go func() {
		err := reader.Read(func(f wire.Frame) {
			demux(ch.dispatcher, sess, f)
		})
		if err != nil {
			log.Debugf("managed: connection read loop ended: %v", err)
		}
		ch.dispatcher.RaiseFailover()
	}()
}

// demux routes one decoded frame either to the Dispatcher (a reply to
// an outstanding synchronous request) or to the Session (an unsolicited
// delivery or bounce), the same split the teacher's Conn.Read callback
// makes between "this is my receipt" and "this is new work".
func demux(d *wire.Dispatcher, s *session.Session, f wire.Frame) {
	switch {
	case f.Class == wire.ClassBasic && f.Method == wire.BasicDeliver:
		var args wire.BasicDeliverArgs
		if err := wire.DecodeArgs(f.Args, &args); err != nil {
			log.Errorf("managed: decoding basic.deliver args: %v", err)
			return
		}
		props, body, err := producer.DecodeBody(f.Body)
		if err != nil {
			log.Errorf("managed: decoding basic.deliver body: %v", err)
			return
		}
		s.MessageReceived(msg.Envelope{Delivery: &msg.Delivery{
			ConsumerTag: args.ConsumerTag,
			DeliveryTag: args.DeliveryTag,
			Redelivered: args.Redelivered,
			Exchange:    args.Exchange,
			RoutingKey:  args.RoutingKey,
			Properties:  props,
			Body:        body,
		}})

	case f.Class == wire.ClassBasic && f.Method == wire.BasicReturn:
		var args wire.BasicReturnArgs
		if err := wire.DecodeArgs(f.Args, &args); err != nil {
			log.Errorf("managed: decoding basic.return args: %v", err)
			return
		}
		props, body, err := producer.DecodeBody(f.Body)
		if err != nil {
			log.Errorf("managed: decoding basic.return body: %v", err)
			return
		}
		s.MessageReceived(msg.Envelope{Bounce: &msg.Bounce{
			ReplyCode:  args.ReplyCode,
			ReplyText:  args.ReplyText,
			Exchange:   args.Exchange,
			RoutingKey: args.RoutingKey,
			Properties: props,
			Body:       body,
		}})

	default:
		if err := d.NotifyReqID(f.RequestID, f); err != nil {
			log.Debugf("managed: %v", err)
		}
	}
}

// reconnect blocks, retrying with exponential backoff, until a new
// transport is established. On the very first call it constructs the
// one Session this ManagedSession will ever hand out; every later call
// grafts the new transport onto that same Session via
// SetProtocolHandler and replays its consumers with Resubscribe, so a
// reconnect is invisible to anything already holding the Session
// pointer. It returns both the Session and the transport it rides on,
// since manage needs the latter's Closed() channel to notice a dropped
// connection -- Session.Done() only fires on an explicit Close or
// ClosedByServer, neither of which happens when the TCP connection
// simply dies underneath a still-open session.
func (m *ManagedSession) reconnect(initial bool) (*session.Session, wire.Sender) {
	retryDelay := m.cfg.InitialReconnectDelay

	for attempt := 1; ; attempt++ {
		if !initial {
			<-time.After(retryDelay)
			if retryDelay < m.cfg.MaxReconnectDelay {
				if retryDelay *= 2; retryDelay > m.cfg.MaxReconnectDelay {
					retryDelay = m.cfg.MaxReconnectDelay
				}
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NewSessionTimeout)
		ch, err := m.dialTransport(ctx)
		cancel()
		if err != nil {
			m.asyncErrs.Send(sesserr.Wrap(sesserr.FailoverInterrupted, err, "reconnect attempt failed"))
			initial = false
			continue
		}

		m.mu.RLock()
		sess := m.session
		m.mu.RUnlock()
		if sess == nil {
			sess = session.New(m.cfg.Session, ch.handler, m.asyncErrs)
			m.mu.Lock()
			m.session = sess
			m.mu.Unlock()
		} else {
			sess.SetProtocolHandler(ch.handler)
		}

		m.startPump(ch, sess)

		if !initial {
			rctx, rcancel := context.WithTimeout(context.Background(), m.cfg.NewSessionTimeout)
			if err := sess.Resubscribe(rctx); err != nil {
				m.asyncErrs.Send(err)
			}
			rcancel()
		}

		return sess, ch.conn
	}
}

// manage owns the reconnect loop. It waits on whichever comes first:
// the transport connection closing (triggers a reconnect) or
// stopManageChan closing (an explicit Close, so the loop just exits --
// Close already tears down the session itself). sess.Done() is
// deliberately not selected on here: it fires for the same Close path
// stopManageChan already covers, and would never fire for the dropped-
// connection path this loop exists to handle.
func (m *ManagedSession) manage() {
	defer m.unset()

	sess, conn := m.reconnect(true)
	m.set(sess)

	for {
		select {
		case <-conn.Closed():
		case <-m.stopManageChan:
			return
		}

		m.unset()
		sess, conn = m.reconnect(false)
		m.set(sess)
	}
}

// Close stops the reconnect loop and closes the current session.
func (m *ManagedSession) Close(ctx context.Context) error {
	select {
	case <-m.stopManageChan:
	default:
		close(m.stopManageChan)
	}

	sess, err := m.Session(ctx)
	if err != nil {
		return err
	}
	return sess.Close(ctx)
}

func closeSender(s wire.Sender) error {
	type closer interface{ Close() error }
	if c, ok := s.(closer); ok {
		return c.Close()
	}
	return nil
}

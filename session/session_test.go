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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/core/wire"
	"github.com/fathom-mq/amqp-session/internal/config"
	"github.com/fathom-mq/amqp-session/internal/sesserr"
	"github.com/fathom-mq/amqp-session/internal/utils"
)

// fakeHandler is a minimal in-memory ProtocolHandler: every SyncWrite
// call is answered synchronously according to a per-test reply table
// keyed by (class, method), so tests don't need a real socket.
type fakeHandler struct {
	mu      sync.Mutex
	written []*wire.Frame
	reqID   uint64
	queueID uint64

	reply func(f *wire.Frame) (*wire.Frame, error)

	failoverc chan struct{}
	closedc   chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		failoverc: make(chan struct{}),
		closedc:   make(chan struct{}),
	}
}

func (h *fakeHandler) WriteFrame(f *wire.Frame) error {
	h.mu.Lock()
	h.written = append(h.written, f)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) NextRequestID() uint64 { return atomic.AddUint64(&h.reqID, 1) }

func (h *fakeHandler) SyncWrite(ctx context.Context, f *wire.Frame, replyClass wire.Class, replyMethod wire.Method) (*wire.Frame, error) {
	h.mu.Lock()
	h.written = append(h.written, f)
	fn := h.reply
	h.mu.Unlock()

	if fn == nil {
		return &wire.Frame{Class: replyClass, Method: replyMethod}, nil
	}
	return fn(f)
}

func (h *fakeHandler) CloseSession(channel uint16) {}

func (h *fakeHandler) GenerateQueueName() string {
	h.queueID++
	return "amqp.gen-test"
}

func (h *fakeHandler) Failover() <-chan struct{} { return h.failoverc }
func (h *fakeHandler) Closed() <-chan struct{}   { return h.closedc }

func testSession(t *testing.T, h *fakeHandler, transactional bool) *Session {
	t.Helper()
	cfg := Config{Channel: 1, Transactional: transactional, Process: config.Default()}
	s := New(cfg, h, utils.NewAsyncErrors(nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestSession_DeclareQueue_ReturnsBrokerAssignedName(t *testing.T) {
	h := newFakeHandler()
	h.reply = func(f *wire.Frame) (*wire.Frame, error) {
		args, err := wire.EncodeArgs(wire.QueueDeclareOkArgs{Queue: "generated-queue-1"})
		if err != nil {
			t.Fatal(err)
		}
		return &wire.Frame{Class: wire.ClassQueue, Method: wire.QueueDeclareOk, Args: args}, nil
	}
	s := testSession(t, h, false)

	name, err := s.DeclareQueue(context.Background(), QueueDeclareOptions{})
	if err != nil {
		t.Fatalf("DeclareQueue() error = %v", err)
	}
	if name != "generated-queue-1" {
		t.Fatalf("DeclareQueue() name = %q; want %q", name, "generated-queue-1")
	}
}

func TestSession_CreateConsumer_ReceivesDelivery(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	c, err := s.CreateConsumer(context.Background(), ConsumerOptions{Destination: "orders", Tag: "ctag-1"})
	if err != nil {
		t.Fatalf("CreateConsumer() error = %v", err)
	}

	s.MessageReceived(msg.Envelope{Delivery: &msg.Delivery{
		ConsumerTag: "ctag-1",
		DeliveryTag: 1,
		Body:        []byte("hello"),
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(d.Body) != "hello" {
		t.Fatalf("Receive() body = %q; want %q", d.Body, "hello")
	}
}

func TestSession_CreateConsumer_DuplicateTag(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	if _, err := s.CreateConsumer(context.Background(), ConsumerOptions{Destination: "orders", Tag: "dup"}); err != nil {
		t.Fatalf("first CreateConsumer() error = %v", err)
	}
	_, err := s.CreateConsumer(context.Background(), ConsumerOptions{Destination: "orders", Tag: "dup"})
	if !sesserr.Is(err, sesserr.AlreadySubscribed) {
		t.Fatalf("second CreateConsumer() err = %v; want AlreadySubscribed", err)
	}
}

func TestSession_AcknowledgeMessage_WritesBasicAck(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	if err := s.AcknowledgeMessage(42, false); err != nil {
		t.Fatalf("AcknowledgeMessage() error = %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.written) != 1 {
		t.Fatalf("written frames = %d; want 1", len(h.written))
	}
	var args wire.BasicAckArgs
	if err := wire.DecodeArgs(h.written[0].Args, &args); err != nil {
		t.Fatal(err)
	}
	if args.DeliveryTag != 42 {
		t.Fatalf("DeliveryTag = %d; want 42", args.DeliveryTag)
	}
}

func TestSession_Commit_RequiresTransactional(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	err := s.Commit(context.Background())
	if !sesserr.Is(err, sesserr.NotTransacted) {
		t.Fatalf("Commit() err = %v; want NotTransacted", err)
	}
}

func TestSession_Commit_Transactional(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, true)

	if err := s.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestSession_Rollback_ClearsUnacked(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, true)

	c, err := s.CreateConsumer(context.Background(), ConsumerOptions{Destination: "orders", Tag: "ctag-rb"})
	if err != nil {
		t.Fatalf("CreateConsumer() error = %v", err)
	}
	s.MessageReceived(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-rb", DeliveryTag: 5}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Receive(ctx); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(c.UnackedTags()) != 1 {
		t.Fatalf("UnackedTags() len = %d; want 1", len(c.UnackedTags()))
	}

	if err := s.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if len(c.UnackedTags()) != 0 {
		t.Fatalf("UnackedTags() after rollback len = %d; want 0", len(c.UnackedTags()))
	}
}

func TestSession_Recover_FailoverInterrupted(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	close(h.failoverc)
	h.reply = func(f *wire.Frame) (*wire.Frame, error) {
		return nil, errors.New("connection reset")
	}

	err := s.Recover(context.Background())
	if !sesserr.Is(err, sesserr.FailoverInterrupted) {
		t.Fatalf("Recover() err = %v; want FailoverInterrupted, not a silent retry", err)
	}
}

func TestSession_Close_Idempotent(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !s.Closed() {
		t.Fatal("Closed() = false after Close()")
	}
}

func TestSession_OperationsFailAfterClose(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := s.DeclareQueue(context.Background(), QueueDeclareOptions{})
	if !sesserr.Is(err, sesserr.Closed) {
		t.Fatalf("DeclareQueue() after close err = %v; want Closed", err)
	}
}

func TestSession_Unsubscribe_UnknownName(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	err := s.Unsubscribe(context.Background(), "never-bound")
	if !sesserr.Is(err, sesserr.UnknownSubscription) {
		t.Fatalf("Unsubscribe() err = %v; want UnknownSubscription", err)
	}
}

func TestSession_CreateDurableSubscriber_SameTopicRejected(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	opts := ConsumerOptions{Destination: "topic.orders", Tag: "durable-1"}
	if _, err := s.CreateDurableSubscriber(context.Background(), "sub-a", opts); err != nil {
		t.Fatalf("first CreateDurableSubscriber() error = %v", err)
	}

	_, err := s.CreateDurableSubscriber(context.Background(), "sub-a", opts)
	if !sesserr.Is(err, sesserr.AlreadySubscribed) {
		t.Fatalf("second CreateDurableSubscriber() err = %v; want AlreadySubscribed", err)
	}
}

func TestSession_CreateDurableSubscriber_DifferentTopicReplaces(t *testing.T) {
	h := newFakeHandler()
	h.reply = replyQueueDeleteOk
	s := testSession(t, h, false)

	first, err := s.CreateDurableSubscriber(context.Background(), "sub-a", ConsumerOptions{Destination: "topic.orders", Tag: "durable-1"})
	if err != nil {
		t.Fatalf("first CreateDurableSubscriber() error = %v", err)
	}

	second, err := s.CreateDurableSubscriber(context.Background(), "sub-a", ConsumerOptions{Destination: "topic.shipments", Tag: "durable-2"})
	if err != nil {
		t.Fatalf("second CreateDurableSubscriber() error = %v", err)
	}
	if second == first {
		t.Fatal("CreateDurableSubscriber() did not replace the consumer for a different topic")
	}

	if !sawQueueDelete(h, "topic.orders") {
		t.Fatal("Unsubscribe did not issue queue.delete for the replaced durable subscription's queue")
	}
}

func TestSession_Unsubscribe_DeletesUnderlyingQueue(t *testing.T) {
	h := newFakeHandler()
	h.reply = replyQueueDeleteOk
	s := testSession(t, h, false)

	if _, err := s.CreateDurableSubscriber(context.Background(), "sub-a", ConsumerOptions{Destination: "topic.orders", Tag: "durable-1"}); err != nil {
		t.Fatalf("CreateDurableSubscriber() error = %v", err)
	}

	if err := s.Unsubscribe(context.Background(), "sub-a"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	if !sawQueueDelete(h, "topic.orders") {
		t.Fatal("Unsubscribe did not issue queue.delete for the durable queue")
	}
}

// replyQueueDeleteOk answers queue.delete with a decodable
// queue.delete-ok and falls back to the zero-value default reply
// (SyncWrite's own "empty args, right class/method" stand-in) for
// every other round-trip, since DeleteQueue is the only call in these
// tests that decodes its reply's Args.
func replyQueueDeleteOk(f *wire.Frame) (*wire.Frame, error) {
	if f.Class == wire.ClassQueue && f.Method == wire.QueueDelete {
		args, err := wire.EncodeArgs(wire.QueueDeleteOkArgs{})
		if err != nil {
			return nil, err
		}
		return &wire.Frame{Class: wire.ClassQueue, Method: wire.QueueDeleteOk, Args: args}, nil
	}
	return &wire.Frame{Class: f.Class, Method: f.Method + 1}, nil
}

func sawQueueDelete(h *fakeHandler, queue string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.written {
		if f.Class != wire.ClassQueue || f.Method != wire.QueueDelete {
			continue
		}
		var args wire.QueueDeleteArgs
		if err := wire.DecodeArgs(f.Args, &args); err == nil && args.Queue == queue {
			return true
		}
	}
	return false
}

// writtenBasicAcks returns the DeliveryTag of every basic.ack frame
// written so far, in write order.
func writtenBasicAcks(h *fakeHandler) []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var tags []uint64
	for _, f := range h.written {
		if f.Class != wire.ClassBasic || f.Method != wire.BasicAck {
			continue
		}
		var args wire.BasicAckArgs
		if err := wire.DecodeArgs(f.Args, &args); err == nil {
			tags = append(tags, args.DeliveryTag)
		}
	}
	return tags
}

func indexOfFrame(h *fakeHandler, class wire.Class, method wire.Method) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, f := range h.written {
		if f.Class == class && f.Method == method {
			return i
		}
	}
	return -1
}

func TestSession_Commit_FlushesConsumerAcksBeforeTxCommit(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, true)

	c, err := s.CreateConsumer(context.Background(), ConsumerOptions{Destination: "orders", Tag: "ctag-commit"})
	if err != nil {
		t.Fatalf("CreateConsumer() error = %v", err)
	}
	s.MessageReceived(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-commit", DeliveryTag: 1}})
	s.MessageReceived(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-commit", DeliveryTag: 2}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		if _, err := c.Receive(ctx); err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
	}
	if len(c.UnackedTags()) != 2 {
		t.Fatalf("UnackedTags() len = %d; want 2", len(c.UnackedTags()))
	}

	if err := s.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	acks := writtenBasicAcks(h)
	if len(acks) != 1 || acks[0] != 2 {
		t.Fatalf("basic.ack tags written = %v; want a single ack for the last-delivered tag (2)", acks)
	}
	ackIdx := indexOfFrame(h, wire.ClassBasic, wire.BasicAck)
	commitIdx := indexOfFrame(h, wire.ClassTx, wire.TxCommit)
	if ackIdx == -1 || commitIdx == -1 || ackIdx > commitIdx {
		t.Fatalf("basic.ack (idx %d) was not written before tx.commit (idx %d)", ackIdx, commitIdx)
	}
	if len(c.UnackedTags()) != 0 {
		t.Fatalf("UnackedTags() after commit len = %d; want 0", len(c.UnackedTags()))
	}
}

func TestSession_CreateConsumer_StrictSelector_Fatal(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)
	s.cfg.Process.Strict = true
	s.cfg.Process.StrictFatal = true

	_, err := s.CreateConsumer(context.Background(), ConsumerOptions{Destination: "orders", Tag: "ctag-strict", Selector: "type = 'a'"})
	if !sesserr.Is(err, sesserr.StrictUnsupported) {
		t.Fatalf("CreateConsumer() err = %v; want StrictUnsupported", err)
	}
}

func TestSession_CreateConsumer_StrictSelector_NonFatalDropsSelector(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)
	s.cfg.Process.Strict = true
	s.cfg.Process.StrictFatal = false

	c, err := s.CreateConsumer(context.Background(), ConsumerOptions{Destination: "orders", Tag: "ctag-strict-soft", Selector: "type = 'a'"})
	if err != nil {
		t.Fatalf("CreateConsumer() error = %v; want the selector silently dropped, not a rejection", err)
	}
	if c == nil {
		t.Fatal("CreateConsumer() returned nil consumer")
	}

	idx := indexOfFrame(h, wire.ClassBasic, wire.BasicConsume)
	if idx == -1 {
		t.Fatal("no basic.consume frame written")
	}
	h.mu.Lock()
	var args wire.BasicConsumeArgs
	err = wire.DecodeArgs(h.written[idx].Args, &args)
	h.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := args.Arguments["selector"]; ok {
		t.Fatal("basic.consume still carried the selector under strict+non-fatal mode")
	}
}

func TestSession_Resubscribe_RedeclaresAndRebinds(t *testing.T) {
	h := newFakeHandler()
	s := testSession(t, h, false)

	_, err := s.CreateConsumer(context.Background(), ConsumerOptions{
		Destination: "orders",
		Tag:         "ctag-rebind",
		Exchange:    "orders-exchange",
		RoutingKey:  "orders.#",
	})
	if err != nil {
		t.Fatalf("CreateConsumer() error = %v", err)
	}

	h.mu.Lock()
	h.written = nil
	h.mu.Unlock()

	if err := s.Resubscribe(context.Background()); err != nil {
		t.Fatalf("Resubscribe() error = %v", err)
	}

	declIdx := indexOfFrame(h, wire.ClassExchange, wire.ExchangeDeclare)
	queueIdx := indexOfFrame(h, wire.ClassQueue, wire.QueueDeclare)
	bindIdx := indexOfFrame(h, wire.ClassQueue, wire.QueueBind)
	consumeIdx := indexOfFrame(h, wire.ClassBasic, wire.BasicConsume)
	if declIdx == -1 || queueIdx == -1 || bindIdx == -1 || consumeIdx == -1 {
		t.Fatalf("Resubscribe() did not replay the full declare/bind/subscribe sequence: exchange.declare=%d queue.declare=%d queue.bind=%d basic.consume=%d", declIdx, queueIdx, bindIdx, consumeIdx)
	}
	if !(declIdx < queueIdx && queueIdx < bindIdx && bindIdx < consumeIdx) {
		t.Fatalf("Resubscribe() replayed out of order: exchange.declare=%d queue.declare=%d queue.bind=%d basic.consume=%d", declIdx, queueIdx, bindIdx, consumeIdx)
	}

	h.mu.Lock()
	var bindArgs wire.QueueBindArgs
	err = wire.DecodeArgs(h.written[bindIdx].Args, &bindArgs)
	h.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if bindArgs.Exchange != "orders-exchange" || bindArgs.RoutingKey != "orders.#" {
		t.Fatalf("queue.bind args = %+v; want exchange %q routing key %q", bindArgs, "orders-exchange", "orders.#")
	}
}

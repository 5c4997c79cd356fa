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

package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/fathom-mq/amqp-session/core/msg"
)

func TestConsumer_SynchronousReceive(t *testing.T) {
	c := New(Config{Tag: "ctag-1", Destination: "orders"}, nil)

	c.Deliver(msg.Envelope{Delivery: &msg.Delivery{DeliveryTag: 1, Body: []byte("hello")}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() err = %v", err)
	}
	if string(d.Body) != "hello" {
		t.Fatalf("Receive().Body = %q; want hello", d.Body)
	}

	if tags := c.UnackedTags(); len(tags) != 1 || tags[0] != 1 {
		t.Fatalf("UnackedTags() = %v; want [1]", tags)
	}

	c.Ack(1)
	if tags := c.UnackedTags(); len(tags) != 0 {
		t.Fatalf("UnackedTags() after Ack = %v; want []", tags)
	}
}

func TestConsumer_Listener(t *testing.T) {
	c := New(Config{Tag: "ctag-2", Destination: "orders"}, nil)

	received := make(chan msg.Delivery, 1)
	c.SetListener(func(d msg.Delivery) { received <- d })

	c.Deliver(msg.Envelope{Delivery: &msg.Delivery{DeliveryTag: 5}})

	select {
	case d := <-received:
		if d.DeliveryTag != 5 {
			t.Fatalf("delivered tag = %d; want 5", d.DeliveryTag)
		}
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}
}

func TestConsumer_SetListener_DrainsBuffered(t *testing.T) {
	c := New(Config{Tag: "ctag-3", Destination: "orders"}, nil)

	c.Deliver(msg.Envelope{Delivery: &msg.Delivery{DeliveryTag: 1}})
	c.Deliver(msg.Envelope{Delivery: &msg.Delivery{DeliveryTag: 2}})

	var gotTags []uint64
	c.SetListener(func(d msg.Delivery) { gotTags = append(gotTags, d.DeliveryTag) })

	if len(gotTags) != 2 || gotTags[0] != 1 || gotTags[1] != 2 {
		t.Fatalf("gotTags = %v; want [1 2] in order", gotTags)
	}
}

func TestConsumer_AckMultipleAndRollback(t *testing.T) {
	c := New(Config{Tag: "ctag-4", Destination: "orders"}, nil)

	for i := uint64(1); i <= 3; i++ {
		c.Deliver(msg.Envelope{Delivery: &msg.Delivery{DeliveryTag: i}})
	}
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if _, err := c.Receive(ctx); err != nil {
			t.Fatalf("Receive() err = %v", err)
		}
		cancel()
	}

	c.Ack(2)
	if tags := c.UnackedTags(); len(tags) != 1 || tags[0] != 3 {
		t.Fatalf("UnackedTags() after Ack(2) = %v; want [3]", tags)
	}

	c.Rollback()
	if tags := c.UnackedTags(); len(tags) != 0 {
		t.Fatalf("UnackedTags() after Rollback = %v; want []", tags)
	}
}

func TestConsumer_CloseInvokesOnClose(t *testing.T) {
	called := make(chan struct{})
	c := New(Config{Tag: "ctag-5", Destination: "orders"}, func() { close(called) })

	c.Close()
	c.Close() // idempotent

	select {
	case <-called:
	default:
		t.Fatal("onClose was not invoked")
	}

	if !c.Closed() {
		t.Fatal("Closed() = false after Close()")
	}
}

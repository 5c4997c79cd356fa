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

package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/fathom-mq/amqp-session/core/msg"
	"github.com/fathom-mq/amqp-session/core/queue"
	"github.com/fathom-mq/amqp-session/core/registry"
)

type fakeConsumer struct {
	tag       string
	dest      string
	mu        sync.Mutex
	closed    bool
	delivered []msg.Delivery
	auto      bool
}

func (f *fakeConsumer) Tag() string         { return f.tag }
func (f *fakeConsumer) Destination() string { return f.dest }
func (f *fakeConsumer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
func (f *fakeConsumer) Deliver(e msg.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, *e.Delivery)
}
func (f *fakeConsumer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
func (f *fakeConsumer) AutoClose() bool { return f.auto }
func (f *fakeConsumer) Rollback()       {}

func (f *fakeConsumer) snapshot() []msg.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]msg.Delivery, len(f.delivered))
	copy(out, f.delivered)
	return out
}

type rejectedTag struct {
	tag     uint64
	requeue bool
}

type fakeRejecter struct {
	mu       sync.Mutex
	rejected []rejectedTag
}

func (r *fakeRejecter) Reject(deliveryTag uint64, requeue bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, rejectedTag{tag: deliveryTag, requeue: requeue})
}

func (r *fakeRejecter) snapshot() []rejectedTag {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rejectedTag, len(r.rejected))
	copy(out, r.rejected)
	return out
}

func newHarness(t *testing.T, startStopped bool) (*Dispatcher, *queue.Queue, *registry.ConsumerRegistry) {
	t.Helper()
	d, q, reg, _ := newHarnessWithRejecter(t, startStopped)
	return d, q, reg
}

func newHarnessWithRejecter(t *testing.T, startStopped bool) (*Dispatcher, *queue.Queue, *registry.ConsumerRegistry, *fakeRejecter) {
	t.Helper()
	q := queue.New(100, 10, 4)
	reg := registry.NewConsumerRegistry()
	rej := &fakeRejecter{}
	d := New(q, reg, &sync.Mutex{}, rej, startStopped)
	go d.Run()
	t.Cleanup(d.Close)
	return d, q, reg, rej
}

func TestDispatcher_RoutesToRegisteredConsumer(t *testing.T) {
	_, q, reg := newHarness(t, false)

	c := &fakeConsumer{tag: "ctag-1", dest: "orders"}
	reg.Add(c)

	q.Enqueue(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-1", DeliveryTag: 1}})

	deadline := time.Now().Add(2 * time.Second)
	for len(c.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := c.snapshot()
	if len(got) != 1 || got[0].DeliveryTag != 1 {
		t.Fatalf("delivered = %v; want one delivery with tag 1", got)
	}
}

func TestDispatcher_StartsStoppedHoldsDeliveries(t *testing.T) {
	d, q, reg := newHarness(t, true)

	c := &fakeConsumer{tag: "ctag-1", dest: "orders"}
	reg.Add(c)

	q.Enqueue(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-1", DeliveryTag: 1}})

	time.Sleep(50 * time.Millisecond)
	if len(c.snapshot()) != 0 {
		t.Fatal("delivery reached consumer while dispatcher was stopped")
	}

	d.SetConnectionStopped(false)

	deadline := time.Now().Add(2 * time.Second)
	for len(c.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(c.snapshot()) != 1 {
		t.Fatal("delivery was not dispatched after SetConnectionStopped(false)")
	}
}

func TestDispatcher_RollbackMarkElidesOldDeliveries(t *testing.T) {
	d, q, reg, rej := newHarnessWithRejecter(t, false)

	c := &fakeConsumer{tag: "ctag-1", dest: "orders"}
	reg.Add(c)

	d.Rollback(2, nil)

	q.Enqueue(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-1", DeliveryTag: 1}})
	q.Enqueue(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-1", DeliveryTag: 2}})
	q.Enqueue(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-1", DeliveryTag: 3}})

	deadline := time.Now().Add(2 * time.Second)
	for len(c.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := c.snapshot()
	if len(got) != 1 || got[0].DeliveryTag != 3 {
		t.Fatalf("delivered = %v; want only delivery tag 3 (1 and 2 elided by rollback mark)", got)
	}

	deadline = time.Now().Add(2 * time.Second)
	for len(rej.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rejected := rej.snapshot()
	if len(rejected) != 2 {
		t.Fatalf("rejected = %v; want reject frames for tags 1 and 2", rejected)
	}
	for _, r := range rejected {
		if r.tag != 1 && r.tag != 2 {
			t.Fatalf("rejected tag %d; want 1 or 2", r.tag)
		}
		if !r.requeue {
			t.Fatalf("rejected tag %d with requeue=false; want requeue=true", r.tag)
		}
	}
}

func TestDispatcher_AbsentConsumerIsRejectedWithRequeue(t *testing.T) {
	_, q, _, rej := newHarnessWithRejecter(t, false)

	q.Enqueue(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "no-such-tag", DeliveryTag: 1}})

	deadline := time.Now().Add(2 * time.Second)
	for len(rej.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := rej.snapshot()
	if len(got) != 1 || got[0].tag != 1 || !got[0].requeue {
		t.Fatalf("rejected = %v; want one reject of tag 1 with requeue=true", got)
	}
}

func TestDispatcher_ClosedDispatcherDoesNotRejectOrphanedDelivery(t *testing.T) {
	// Exercises deliver() directly rather than through Run(): the race
	// it guards against is Close() flipping d.closed while a delivery
	// already dequeued is mid-flight through deliver(), which isn't
	// reliably reproducible by racing two goroutines in a unit test.
	q := queue.New(100, 10, 4)
	reg := registry.NewConsumerRegistry()
	rej := &fakeRejecter{}
	d := New(q, reg, &sync.Mutex{}, rej, true)

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.deliver(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "no-such-tag", DeliveryTag: 1}})

	if got := rej.snapshot(); len(got) != 0 {
		t.Fatalf("rejected = %v; want no reject once the dispatcher is closed and the session is tearing down", got)
	}
}

func TestDispatcher_ConfirmConsumerCancelled_FlushesBeforeAutoClose(t *testing.T) {
	d, q, reg := newHarness(t, true)

	c := &fakeConsumer{tag: "ctag-1", dest: "orders", auto: true}
	reg.Add(c)

	q.Enqueue(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-1", DeliveryTag: 1}})
	q.Enqueue(msg.Envelope{Delivery: &msg.Delivery{ConsumerTag: "ctag-1", DeliveryTag: 2}})

	d.ConfirmConsumerCancelled("ctag-1", c)

	got := c.snapshot()
	if len(got) != 2 {
		t.Fatalf("delivered = %v; want both buffered deliveries flushed before auto-close", got)
	}
	if !c.Closed() {
		t.Fatal("consumer was not auto-closed after buffered deliveries were flushed")
	}
}

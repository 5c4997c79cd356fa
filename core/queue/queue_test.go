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

package queue

import (
	"testing"

	"github.com/fathom-mq/amqp-session/core/msg"
)

func env(tag uint64) msg.Envelope {
	return msg.Envelope{Delivery: &msg.Delivery{DeliveryTag: tag}}
}

func TestQueue_FIFO(t *testing.T) {
	q := New(10, 2, 4)

	for i := uint64(1); i <= 3; i++ {
		q.Enqueue(env(i))
	}

	if got := q.Len(); got != 3 {
		t.Fatalf("Len() = %d; want 3", got)
	}

	for i := uint64(1); i <= 3; i++ {
		e, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("TryDequeue() ok = false at i=%d", i)
		}
		if e.Delivery.DeliveryTag != i {
			t.Fatalf("TryDequeue() tag = %d; want %d", e.Delivery.DeliveryTag, i)
		}
	}

	if _, ok := q.TryDequeue(); ok {
		t.Fatal("TryDequeue() on empty queue returned ok = true")
	}
}

func TestQueue_WatermarkCrossings(t *testing.T) {
	q := New(3, 1, 4)

	for i := uint64(1); i <= 4; i++ {
		q.Enqueue(env(i))
	}

	select {
	case c := <-q.Crossings():
		if c != AboveHigh {
			t.Fatalf("crossing = %v; want AboveHigh", c)
		}
	default:
		t.Fatal("expected an AboveHigh crossing after 4 enqueues past high=3")
	}

	// Draining all four falls below low=1 only on the last dequeue and
	// should post exactly one BelowLow crossing, not one per dequeue.
	for i := 0; i < 4; i++ {
		if _, ok := q.TryDequeue(); !ok {
			t.Fatalf("TryDequeue() ok = false at drain %d", i)
		}
	}

	select {
	case c := <-q.Crossings():
		if c != BelowLow {
			t.Fatalf("crossing = %v; want BelowLow", c)
		}
	default:
		t.Fatal("expected a BelowLow crossing after draining below low=1")
	}

	select {
	case c := <-q.Crossings():
		t.Fatalf("unexpected extra crossing: %v", c)
	default:
	}
}

func TestQueue_RemoveMatching(t *testing.T) {
	q := New(10, 2, 4)
	for i := uint64(1); i <= 5; i++ {
		d := env(i)
		d.Delivery.ConsumerTag = "tagA"
		if i%2 == 0 {
			d.Delivery.ConsumerTag = "tagB"
		}
		q.Enqueue(d)
	}

	removed := q.RemoveMatching(func(e msg.Envelope) bool {
		return e.Delivery.ConsumerTag == "tagB"
	})
	if len(removed) != 2 {
		t.Fatalf("len(removed) = %d; want 2", len(removed))
	}
	if q.Len() != 3 {
		t.Fatalf("Len() after RemoveMatching = %d; want 3", q.Len())
	}

	for {
		e, ok := q.TryDequeue()
		if !ok {
			break
		}
		if e.Delivery.ConsumerTag != "tagA" {
			t.Fatalf("remaining envelope has tag %q; want tagA", e.Delivery.ConsumerTag)
		}
	}
}

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

// Package registry holds the Session's two concurrency-safe lookup
// tables: consumer tag -> consumer (C4) and producer id -> producer
// (C5). Both follow the same small pattern the teacher uses for its
// ClientPool/ConsumerCache maps -- a mutex-guarded Go map, no attempt at
// lock-free cleverness, since lookups are off the hot delivery path
// (the Dispatcher resolves a consumer once per delivery, not per byte).
package registry

import (
	"fmt"
	"sync"
)

// Consumer is the subset of *core/consumer.Consumer the registry needs
// to know about; kept minimal and interface-typed here so this package
// never imports core/consumer (which would create an import cycle,
// since consumers are constructed with a reference back to the
// registry they're being registered into).
type Consumer interface {
	Tag() string
	Destination() string
}

// Producer is the subset of *core/producer.Producer the registry needs.
type Producer interface {
	ID() uint64
}

// ConsumerRegistry maps consumer tags to consumers and tracks how many
// consumers are attached to each destination (queue or exchange+routing
// key), reported by HasConsumers. The Session's IsQueueBound does not
// use this count; it asks the broker.
type ConsumerRegistry struct {
	mu        sync.RWMutex
	byTag     map[string]Consumer
	destCount map[string]int
}

// NewConsumerRegistry returns an empty ConsumerRegistry.
func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{
		byTag:     make(map[string]Consumer),
		destCount: make(map[string]int),
	}
}

// Add registers c under its tag. It returns an error if the tag is
// already registered, since consumer tags are supposed to be unique
// within a session (server-assigned tags are generated to guarantee
// this; client-supplied tags are the caller's responsibility).
func (r *ConsumerRegistry) Add(c Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTag[c.Tag()]; exists {
		return fmt.Errorf("registry: consumer tag %q already registered", c.Tag())
	}
	r.byTag[c.Tag()] = c
	r.destCount[c.Destination()]++
	return nil
}

// Remove unregisters the consumer under tag, if present.
func (r *ConsumerRegistry) Remove(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byTag[tag]
	if !ok {
		return
	}
	delete(r.byTag, tag)

	if n := r.destCount[c.Destination()]; n <= 1 {
		delete(r.destCount, c.Destination())
	} else {
		r.destCount[c.Destination()] = n - 1
	}
}

// Lookup returns the consumer registered under tag, if any.
func (r *ConsumerRegistry) Lookup(tag string) (Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTag[tag]
	return c, ok
}

// HasConsumers reports whether at least one live consumer is attached
// to destination.
func (r *ConsumerRegistry) HasConsumers(destination string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destCount[destination] > 0
}

// Tags returns a snapshot of every currently-registered consumer tag,
// in no particular order. (Session.Resubscribe walks its own
// creation-order list instead.)
func (r *ConsumerRegistry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	return tags
}

// All returns a snapshot of every currently-registered consumer.
func (r *ConsumerRegistry) All() []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Consumer, 0, len(r.byTag))
	for _, c := range r.byTag {
		all = append(all, c)
	}
	return all
}

// ProducerRegistry maps locally-assigned producer ids to producers.
type ProducerRegistry struct {
	mu   sync.RWMutex
	byID map[uint64]Producer
}

// NewProducerRegistry returns an empty ProducerRegistry.
func NewProducerRegistry() *ProducerRegistry {
	return &ProducerRegistry{byID: make(map[uint64]Producer)}
}

// Add registers p under its id, overwriting any existing entry -- ids
// are assigned by a MonotonicID sequence upstream and are never reused
// while a producer is alive, so a collision here would indicate a bug
// in the caller rather than a condition this package should guard.
func (r *ProducerRegistry) Add(p Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ID()] = p
}

// Remove unregisters the producer with the given id.
func (r *ProducerRegistry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Lookup returns the producer registered under id, if any.
func (r *ProducerRegistry) Lookup(id uint64) (Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// All returns a snapshot of every currently-registered producer.
func (r *ProducerRegistry) All() []Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Producer, 0, len(r.byID))
	for _, p := range r.byID {
		all = append(all, p)
	}
	return all
}

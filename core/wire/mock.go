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

package wire

import "sync"

// MockSender is a test double satisfying Sender: it records every frame
// handed to SendFrame instead of writing to a socket, in the same spirit
// as the teacher's frame.MockSender used throughout core/pub's tests.
type MockSender struct {
	mu      sync.Mutex
	Frames  []Frame
	closedc chan struct{}
	once    sync.Once
}

// SendFrame records f and returns nil.
func (m *MockSender) SendFrame(f *Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Frames = append(m.Frames, *f)
	return nil
}

// Closed returns a channel that unblocks once Close has been called.
func (m *MockSender) Closed() <-chan struct{} {
	m.mu.Lock()
	if m.closedc == nil {
		m.closedc = make(chan struct{})
	}
	ch := m.closedc
	m.mu.Unlock()
	return ch
}

// Close marks the mock sender closed, unblocking Closed().
func (m *MockSender) Close() {
	m.mu.Lock()
	if m.closedc == nil {
		m.closedc = make(chan struct{})
	}
	ch := m.closedc
	m.mu.Unlock()
	m.once.Do(func() { close(ch) })
}

// Len returns the number of frames sent so far.
func (m *MockSender) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Frames)
}

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

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fathom-mq/amqp-session/internal/log"
)

// NewTCPConn dials a TCPv4 connection to the given (broker) address.
func NewTCPConn(addr string, timeout time.Duration) (*Conn, error) {
	addr = strings.TrimPrefix(addr, "amqp://")

	d := net.Dialer{
		DualStack: false,
		Timeout:   timeout,
	}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Conn{
		Rc:      c,
		W:       c,
		Closedc: make(chan struct{}),
	}, nil
}

// NewTLSConn dials a TCPv4+TLS connection to the given (broker) address.
func NewTLSConn(addr string, tlsCfg *tls.Config, timeout time.Duration) (*Conn, error) {
	addr = strings.TrimPrefix(addr, "amqp://")

	d := net.Dialer{
		DualStack: false,
		Timeout:   timeout,
	}
	c, err := tls.DialWithDialer(&d, "tcp", addr, tlsCfg)
	if err != nil {
		return nil, err
	}

	return &Conn{
		Rc:      c,
		W:       c,
		Closedc: make(chan struct{}),
	}, nil
}

// Conn is responsible for writing and reading Frames to and from the
// underlying connection (Rc and W). It is the transport half of the
// reference ProtocolHandler: it has no notion of request/response
// correlation (see Dispatcher) or AMQP semantics, only frame I/O.
type Conn struct {
	Rc io.ReadCloser

	Wmu sync.Mutex // protects W to ensure frames aren't interleaved
	W   io.Writer

	Cmu      sync.Mutex // protects following
	IsClosed bool
	Closedc  chan struct{}
}

// Close closes the underlying connection. This causes Read to unblock
// and return an error, and unblocks the Closed() channel.
func (c *Conn) Close() error {
	c.Cmu.Lock()
	defer c.Cmu.Unlock()

	if c.IsClosed {
		return nil
	}

	err := c.Rc.Close()
	close(c.Closedc)
	c.IsClosed = true

	return err
}

// Closed returns a channel that unblocks once the connection has been
// closed and is no longer usable -- this is the signal a fail-over
// guard waits on to know a round-trip was interrupted.
func (c *Conn) Closed() <-chan struct{} {
	return c.Closedc
}

// Read blocks reading frames from Rc until an error occurs, passing each
// decoded Frame to frameHandler sequentially from the calling goroutine.
// Any error closes the connection. Once Read returns, the Conn must be
// considered unusable -- a new one should be dialed.
func (c *Conn) Read(frameHandler func(f Frame)) error {
	for {
		var f Frame
		if err := f.Decode(c.Rc); err != nil {
			// The connection may already be closed, in which case this
			// is a no-op; if it's a genuine decode error, this ensures
			// the fail-over guard still observes a closed connection.
			_ = c.Close()
			return err
		}
		log.Debugf("receive frame %v", f.String())
		frameHandler(f)
	}
}

// SendFrame encodes and writes f to the wire. Safe for concurrent use.
func (c *Conn) SendFrame(f *Frame) error {
	return c.writeFrame(f)
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, bufSize))
	},
}

const bufSize = 5 * 1024
const bufLimit = 50
const smallBufSize = 500
const smallBufLimit = 1000

var bufPoolChan = make(chan bool, bufLimit)

func getBuf() *bytes.Buffer {
	bufPoolChan <- true
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putBuf(b *bytes.Buffer) {
	bufPool.Put(b)
	<-bufPoolChan
}

var smallBufPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, smallBufSize))
	},
}

var smallBufPoolChan = make(chan bool, smallBufLimit)

func getSmallBuf() *bytes.Buffer {
	smallBufPoolChan <- true
	b := smallBufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putSmallBuf(b *bytes.Buffer) {
	smallBufPool.Put(b)
	<-smallBufPoolChan
}

// smallClass reports whether a frame's class is small enough (no content
// body expected) to use the smaller of the two pooled buffer sizes.
// basic.publish/deliver carry a message body and use the larger pool.
func smallClass(c Class) bool {
	switch c {
	case ClassChannel, ClassExchange, ClassQueue, ClassTx:
		return true
	default:
		return false
	}
}

// writeFrame encodes f and writes it to the wire in a thread-safe
// manner, using a pooled buffer sized to the frame's class.
func (c *Conn) writeFrame(f *Frame) error {
	log.Debugf("send frame %v", f.String())
	var b *bytes.Buffer
	if smallClass(f.Class) {
		b = getSmallBuf()
		defer putSmallBuf(b)
	} else {
		b = getBuf()
		defer putBuf(b)
	}

	if err := f.Encode(b); err != nil {
		return err
	}

	c.Wmu.Lock()
	_, err := b.WriteTo(c.W)
	c.Wmu.Unlock()

	return err
}

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

// Package wire is the reference implementation of the Session's
// ProtocolHandler contract: a length-prefixed method-frame codec plus a
// pooled-buffer TCP/TLS transport. It exists so session.Session can be
// exercised against a real socket in integration tests, the same way the
// teacher codebase ships both the session-adjacent logic and its own
// wire codec/transport package side by side. None of session's public
// API depends on this package directly -- only on the ProtocolHandler
// interface it satisfies.
//
// The frame layout is modeled on the teacher's length-prefixed,
// optionally-checksummed framing, adapted from a protobuf-encoded
// command to AMQP class/method/argument triples:
//
//	 +-------------------------------------------------------------------------------------------------+
//	 | totalSize (uint32) | channel (uint16) | class (uint16) | method (uint16) | requestID (uint64)    |
//	 |       4 bytes      |      2 bytes     |    2 bytes     |     2 bytes     |        8 bytes         |
//	 |=====================================================================================================
//	 | size of everything  |                                                                             |
//	 | following these 4    |                                                                            |
//	 | bytes                |                                                                            |
//	 +-------------------------------------------------------------------------------------------------+
//	 | magic (0x0e01) | checksum (CRC32-C) | argsSize (uint32) | args (gob-encoded) | body (bytes) |
//	 |    2 bytes     |       4 bytes       |      4 bytes      |     var length     |  var length  |
//	 +-------------------------------------------------------------------------------------------------+
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame, matching the 5MB ceiling that AMQP
// brokers commonly advertise in their connection.tune negotiation.
const MaxFrameSize = 5 * 1024 * 1024

var magicNumber = [...]byte{0x0e, 0x01}

// Frame represents one method frame on the wire: a class/method pair
// identifying the AMQP method, a channel id, a correlation request id
// (zero or utils.UndefRequestID when not a request/response pair), gob-encoded
// method arguments, and an optional content body (used by basic.publish
// and basic.deliver).
type Frame struct {
	Channel   uint16
	Class     Class
	Method    Method
	RequestID uint64

	Args []byte
	Body []byte
}

// EncodeArgs gob-encodes v for use as a Frame's Args field.
func EncodeArgs(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeArgs gob-decodes a Frame's Args field into v, which must be a
// pointer to the expected argument struct for the frame's Class/Method.
func DecodeArgs(args []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(args)).Decode(v)
}

// Decode reads one frame from r.
func (f *Frame) Decode(r io.Reader) error {
	buf32 := make([]byte, 4)

	if _, err := io.ReadFull(r, buf32); err != nil {
		return err
	}
	totalSize := binary.BigEndian.Uint32(buf32)
	if frameSize := int(totalSize) + 4; frameSize > MaxFrameSize {
		return fmt.Errorf("frame size (%d) cannot be greater than max frame size (%d)", frameSize, MaxFrameSize)
	}

	lr := &io.LimitedReader{N: int64(totalSize), R: r}

	hdr := make([]byte, 2+2+2+8)
	if _, err := io.ReadFull(lr, hdr); err != nil {
		return err
	}
	f.Channel = binary.BigEndian.Uint16(hdr[0:2])
	f.Class = Class(binary.BigEndian.Uint16(hdr[2:4]))
	f.Method = Method(binary.BigEndian.Uint16(hdr[4:6]))
	f.RequestID = binary.BigEndian.Uint64(hdr[6:14])

	if lr.N <= 0 {
		f.Args, f.Body = nil, nil
		return nil
	}

	magic := make([]byte, 2)
	if _, err := io.ReadFull(lr, magic); err != nil {
		return err
	}
	if magic[0] != magicNumber[0] || magic[1] != magicNumber[1] {
		return fmt.Errorf("frame is missing expected magic number prefix")
	}

	expectedChecksum := make([]byte, 4)
	if _, err := io.ReadFull(lr, expectedChecksum); err != nil {
		return err
	}

	var chksum frameChecksum
	lr.R = io.TeeReader(lr.R, &chksum)

	if _, err := io.ReadFull(lr, buf32); err != nil {
		return err
	}
	argsSize := binary.BigEndian.Uint32(buf32)
	if argsSize > MaxFrameSize {
		return fmt.Errorf("frame args size (%d) cannot be greater than max frame size (%d)", argsSize, MaxFrameSize)
	}

	args := make([]byte, argsSize)
	if _, err := io.ReadFull(lr, args); err != nil {
		return err
	}
	f.Args = args

	if lr.N > 0 {
		if lr.N > MaxFrameSize {
			return fmt.Errorf("frame body size (%d) cannot be greater than max frame size (%d)", lr.N, MaxFrameSize)
		}
		body := make([]byte, lr.N)
		if _, err := io.ReadFull(lr, body); err != nil {
			return err
		}
		f.Body = body
	}

	if computed := chksum.compute(); !bytes.Equal(computed, expectedChecksum) {
		return fmt.Errorf("checksum mismatch: computed (0x%X) does not match given checksum (0x%X)", computed, expectedChecksum)
	}

	return nil
}

// Encode writes the frame to w.
func (f *Frame) Encode(w io.Writer) error {
	hdrSize := uint32(2 + 2 + 2 + 8)
	totalSize := hdrSize
	if f.Args != nil || f.Body != nil {
		totalSize += 2 + 4 + 4 + uint32(len(f.Args)) + uint32(len(f.Body))
	}

	if frameSize := totalSize + 4; frameSize > MaxFrameSize {
		return fmt.Errorf("encoded frame size (%d bytes) is larger than max allowed frame size (%d bytes)", frameSize, MaxFrameSize)
	}

	if err := binary.Write(w, binary.BigEndian, totalSize); err != nil {
		return err
	}

	hdr := make([]byte, hdrSize)
	binary.BigEndian.PutUint16(hdr[0:2], f.Channel)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(f.Class))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(f.Method))
	binary.BigEndian.PutUint64(hdr[6:14], f.RequestID)
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	if f.Args == nil && f.Body == nil {
		return nil
	}

	if _, err := w.Write(magicNumber[:]); err != nil {
		return err
	}

	var chksum frameChecksum
	argsSize := uint32(len(f.Args))
	if err := binary.Write(&chksum, binary.BigEndian, argsSize); err != nil {
		return err
	}
	if _, err := chksum.Write(f.Args); err != nil {
		return err
	}
	if _, err := chksum.Write(f.Body); err != nil {
		return err
	}
	if _, err := w.Write(chksum.compute()); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, argsSize); err != nil {
		return err
	}
	if _, err := w.Write(f.Args); err != nil {
		return err
	}
	if _, err := w.Write(f.Body); err != nil {
		return err
	}

	return nil
}

// String renders a short diagnostic description of the frame, used by
// Conn's debug logging.
func (f *Frame) String() string {
	return fmt.Sprintf("channel=%d class=%d method=%d reqID=%d args=%dB body=%dB",
		f.Channel, f.Class, f.Method, f.RequestID, len(f.Args), len(f.Body))
}

func init() {
	for _, v := range []interface{}{
		QueueDeclareArgs{}, QueueDeclareOkArgs{}, QueueBindArgs{}, QueueUnbindArgs{},
		QueueDeleteArgs{}, QueueDeleteOkArgs{},
		ExchangeDeclareArgs{}, ExchangeBoundArgs{}, ExchangeBoundOkArgs{},
		BasicConsumeArgs{}, BasicConsumeOkArgs{}, BasicCancelArgs{},
		BasicPublishArgs{}, BasicReturnArgs{}, BasicDeliverArgs{},
		BasicAckArgs{}, BasicRejectArgs{}, BasicRecoverArgs{},
		ChannelFlowArgs{}, ChannelCloseArgs{},
		TxSelectArgs{}, TxCommitArgs{}, TxRollbackArgs{},
	} {
		gob.Register(v)
	}
}

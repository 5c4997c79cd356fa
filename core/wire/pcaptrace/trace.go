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

// Package pcaptrace is an optional diagnostic tracer for the wire
// package's integration tests: it sniffs raw Ethernet frames on a given
// interface (typically loopback) over the session's TCP port so a
// failing integration test can dump the exact bytes exchanged with the
// broker, independent of whether wire.Frame's own codec is suspected of
// misbehaving. It is never required for the session runtime to function
// and is skipped whenever raw-socket permissions aren't available (most
// CI sandboxes).
package pcaptrace

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/raw"
)

// Tracer captures raw Ethernet frames on an interface and decodes their
// TCP payload with gopacket, handing each captured payload to a sink.
type Tracer struct {
	conn *raw.Conn
	port int
}

// Open binds a raw AF_PACKET socket on iface. Callers should treat a
// non-nil error as "tracing unavailable in this environment" rather
// than a fatal condition -- raw sockets typically require
// CAP_NET_RAW/root.
func Open(iface string, port int) (*Tracer, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("pcaptrace: lookup interface %q: %w", iface, err)
	}

	c, err := raw.ListenPacket(ifi, 0x0003, nil) // ETH_P_ALL
	if err != nil {
		return nil, fmt.Errorf("pcaptrace: open raw socket on %q: %w", iface, err)
	}

	return &Tracer{conn: c, port: port}, nil
}

// Close releases the underlying raw socket.
func (t *Tracer) Close() error {
	return t.conn.Close()
}

// Capture reads captured frames for up to timeout, decoding each with
// gopacket and calling sink with the TCP payload of any packet matching
// the traced port. It returns the number of matching payloads observed.
func (t *Tracer) Capture(timeout time.Duration, sink func(payload []byte)) (int, error) {
	deadline := time.Now().Add(timeout)
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}

	buf := make([]byte, 65536)
	matched := 0

	for time.Now().Before(deadline) {
		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				break
			}
			return matched, err
		}

		pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok {
			continue
		}
		if int(tcp.DstPort) != t.port && int(tcp.SrcPort) != t.port {
			continue
		}
		if len(tcp.Payload) == 0 {
			continue
		}

		matched++
		sink(tcp.Payload)
	}

	return matched, nil
}

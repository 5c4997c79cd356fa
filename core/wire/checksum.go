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

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// frameChecksum accumulates a CRC32-C checksum over everything written to
// it. It implements io.Writer so it can be used as the target of a
// io.TeeReader/binary.Write the same way the frame codec's checksum is
// computed incrementally while the frame is read or written.
type frameChecksum struct {
	crc uint32
	set bool
}

func (c *frameChecksum) Write(p []byte) (int, error) {
	if !c.set {
		c.crc = crc32.Checksum(p, castagnoli)
		c.set = true
	} else {
		c.crc = crc32.Update(c.crc, castagnoli, p)
	}
	return len(p), nil
}

func (c *frameChecksum) compute() []byte {
	return []byte{
		byte(c.crc >> 24),
		byte(c.crc >> 16),
		byte(c.crc >> 8),
		byte(c.crc),
	}
}

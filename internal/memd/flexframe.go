// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memd

import (
	"encoding/binary"
	"fmt"
)

// DurabilityLevel mirrors the server-side synchronous durability requirement
// carried in flexible framing extras. The wire values below follow
// original_source/couchbase/protocol/durability_level_fmt.hxx.
type DurabilityLevel uint8

const (
	DurabilityNone                        DurabilityLevel = 0x00
	DurabilityMajority                    DurabilityLevel = 0x01
	DurabilityMajorityAndPersistToActive  DurabilityLevel = 0x02
	DurabilityPersistToMajority           DurabilityLevel = 0x03
)

// frameID values for the flexible-framing-extras TLV sections this client
// emits. Only the two sections spec.md §4.A names are implemented. The
// preserve-expiry id follows the real request-framing-extra id (0x02 is
// DCP stream-id, not preserve-TTL).
const (
	frameIDDurability     = 0x01
	frameIDPreserveExpiry = 0x05
)

// EncodeDurabilityFrame builds the flexible-framing-extras bytes for a
// synchronous durability requirement: 1 byte level, plus an optional 2-byte
// big-endian timeout in milliseconds when timeoutMS is non-zero. Both
// payload shapes are well under the inline TLV length limit, so the frame is
// always produced; per §4.A ("codecs... never raise"), a theoretical
// encoding failure is absorbed as an empty frame rather than a panic.
func EncodeDurabilityFrame(level DurabilityLevel, timeoutMS uint16) []byte {
	if level == DurabilityNone {
		return nil
	}
	var payload []byte
	if timeoutMS != 0 {
		payload = make([]byte, 3)
		payload[0] = byte(level)
		binary.BigEndian.PutUint16(payload[1:3], timeoutMS)
	} else {
		payload = []byte{byte(level)}
	}
	frame, err := encodeFrameTLV(frameIDDurability, payload)
	if err != nil {
		return nil
	}
	return frame
}

// EncodePreserveExpiryFrame builds the zero-length preserve-expiry frame.
func EncodePreserveExpiryFrame() []byte {
	frame, err := encodeFrameTLV(frameIDPreserveExpiry, nil)
	if err != nil {
		return nil
	}
	return frame
}

// AppendFrame concatenates an additional TLV frame onto an existing
// framing-extras byte slice, as produced by EncodeDurabilityFrame or
// EncodePreserveExpiryFrame.
func AppendFrame(existing, next []byte) []byte {
	if len(next) == 0 {
		return existing
	}
	return append(existing, next...)
}

// encodeFrameTLV lays out one framing-extras element: one byte combining a
// 4-bit id and 4-bit length (lengths 0-14 inline; 15 means an escape byte
// follows, which this client never needs since both frames it emits are
// under 15 bytes), followed by the payload. It returns an error rather than
// panicking on an oversized payload, per §4.A's "codecs are pure; failures
// produce an error code, never raise."
func encodeFrameTLV(id uint8, payload []byte) ([]byte, error) {
	if len(payload) > 14 {
		// Escape encoding is not needed by any frame this client emits.
		return nil, fmt.Errorf("memd: frame payload too long for inline TLV: %d", len(payload))
	}
	out := make([]byte, 1+len(payload))
	out[0] = (id << 4) | uint8(len(payload))
	copy(out[1:], payload)
	return out, nil
}

// DecodeDurabilityFrame scans raw framing-extras bytes (as found on a
// response, echoed back by some servers) for a durability frame and reports
// whether one was present.
func DecodeDurabilityFrame(framingExtras []byte) (level DurabilityLevel, timeoutMS uint16, ok bool) {
	off := 0
	for off < len(framingExtras) {
		b := framingExtras[off]
		id := b >> 4
		length := int(b & 0x0f)
		off++
		if off+length > len(framingExtras) {
			return 0, 0, false
		}
		payload := framingExtras[off : off+length]
		off += length
		if id == frameIDDurability {
			if length == 0 {
				return 0, 0, false
			}
			level = DurabilityLevel(payload[0])
			if length >= 3 {
				timeoutMS = binary.BigEndian.Uint16(payload[1:3])
			}
			return level, timeoutMS, true
		}
	}
	return 0, 0, false
}

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
	"errors"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of every KV frame header.
const HeaderSize = 24

var (
	// ErrShortPacket is returned when a caller supplies fewer than HeaderSize
	// bytes to Decode, or the declared body length exceeds the bytes given.
	ErrShortPacket = errors.New("memd: packet shorter than header or body")
	// ErrBadMagic is returned when the first header byte is not a known magic.
	ErrBadMagic = errors.New("memd: unrecognized magic byte")
)

// Packet is the fully decoded in-memory form of one KV frame, request or
// response. FramingExtras, Extras, Key, and Value are independent sections;
// callers (per-command encoders/decoders) interpret Extras/Key/Value
// according to Opcode.
type Packet struct {
	Magic         Magic
	Opcode        Opcode
	Datatype      Datatype
	VbucketOrStat uint16 // vbucket id on requests, status code on responses
	Opaque        uint32
	Cas           uint64
	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte
}

// Status interprets VbucketOrStat as a response status code. Only meaningful
// when Magic.IsResponse().
func (p *Packet) Status() Status { return Status(p.VbucketOrStat) }

// Vbucket interprets VbucketOrStat as a request vbucket id. Only meaningful
// on requests.
func (p *Packet) Vbucket() uint16 { return p.VbucketOrStat }

// bodyLen is the total length, in bytes, of FramingExtras+Extras+Key+Value —
// the wire's total_body_len field.
func (p *Packet) bodyLen() int {
	return len(p.FramingExtras) + len(p.Extras) + len(p.Key) + len(p.Value)
}

// Encode assembles the full wire frame for p. Flexible framing (alt-request)
// is used whenever FramingExtras is non-empty or Magic already names a
// flexible variant; in that case the two-byte key-length slot is split per
// the alt-request layout: byte 2 carries the framing-extras length and byte 3
// the key length, while byte 4 stays the extras length.
//
// Per spec.md §4.A: given a typed request body, assemble the full frame;
// never raise — all failures are returned as errors.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Key) > 0xFFFF {
		return nil, fmt.Errorf("memd: key too long (%d bytes)", len(p.Key))
	}
	if len(p.Extras) > 0xFF {
		return nil, fmt.Errorf("memd: extras too long (%d bytes)", len(p.Extras))
	}
	if len(p.FramingExtras) > 0xFF {
		return nil, fmt.Errorf("memd: framing extras too long (%d bytes)", len(p.FramingExtras))
	}

	flexible := p.Magic.IsFlexible() || len(p.FramingExtras) > 0
	magic := p.Magic
	if magic == 0 {
		magic = MagicReq
	}
	if flexible {
		if magic == MagicReq {
			magic = MagicFlexReq
		} else if magic == MagicRes {
			magic = MagicFlexRes
		}
	}

	total := p.bodyLen()
	buf := make([]byte, HeaderSize+total)
	buf[0] = byte(magic)
	buf[1] = byte(p.Opcode)
	if flexible {
		// Byte 2 is the whole framing-extras length; byte 3 is the key
		// length.
		buf[2] = byte(len(p.FramingExtras))
		buf[3] = byte(len(p.Key))
	} else {
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Key)))
	}
	buf[4] = byte(len(p.Extras))
	buf[5] = byte(p.Datatype)
	binary.BigEndian.PutUint16(buf[6:8], p.VbucketOrStat)
	binary.BigEndian.PutUint32(buf[8:12], uint32(total))
	binary.BigEndian.PutUint32(buf[12:16], p.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], p.Cas)

	off := HeaderSize
	off += copy(buf[off:], p.FramingExtras)
	off += copy(buf[off:], p.Extras)
	off += copy(buf[off:], p.Key)
	copy(buf[off:], p.Value)

	return buf, nil
}

// Decode parses a complete frame (header plus declared body) from buf.
// Decode does not read past len(buf); callers (the Connection read loop) are
// responsible for first reading the 24-byte header to learn total_body_len
// and then reading exactly that many further bytes before calling Decode.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrShortPacket
	}
	magic := Magic(buf[0])
	switch magic {
	case MagicReq, MagicRes, MagicFlexReq, MagicFlexRes:
	default:
		return nil, ErrBadMagic
	}

	p := &Packet{
		Magic:  magic,
		Opcode: Opcode(buf[1]),
	}

	var keyLen, flexLen int
	if magic.IsFlexible() {
		flexLen = int(buf[2])
		keyLen = int(buf[3])
	} else {
		keyLen = int(binary.BigEndian.Uint16(buf[2:4]))
	}
	extrasLen := int(buf[4])
	p.Datatype = Datatype(buf[5])
	p.VbucketOrStat = binary.BigEndian.Uint16(buf[6:8])
	total := int(binary.BigEndian.Uint32(buf[8:12]))
	p.Opaque = binary.BigEndian.Uint32(buf[12:16])
	p.Cas = binary.BigEndian.Uint64(buf[16:24])

	if len(buf) < HeaderSize+total {
		return nil, ErrShortPacket
	}
	if flexLen+extrasLen+keyLen > total {
		return nil, fmt.Errorf("memd: section lengths (%d+%d+%d) exceed total body length %d", flexLen, extrasLen, keyLen, total)
	}

	body := buf[HeaderSize : HeaderSize+total]
	off := 0
	if flexLen > 0 {
		p.FramingExtras = body[off : off+flexLen]
		off += flexLen
	}
	if extrasLen > 0 {
		p.Extras = body[off : off+extrasLen]
		off += extrasLen
	}
	if keyLen > 0 {
		p.Key = body[off : off+keyLen]
		off += keyLen
	}
	p.Value = body[off:]

	return p, nil
}

// PeekBodyLen reads only the total_body_len field out of a 24-byte header,
// letting the connection's read loop size its next read without fully
// decoding the frame.
func PeekBodyLen(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, ErrShortPacket
	}
	return int(binary.BigEndian.Uint32(header[8:12])), nil
}

// PeekOpaque reads only the opaque field out of a 24-byte header.
func PeekOpaque(header []byte) (uint32, error) {
	if len(header) < HeaderSize {
		return 0, ErrShortPacket
	}
	return binary.BigEndian.Uint32(header[12:16]), nil
}

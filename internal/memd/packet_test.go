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
	"bytes"
	"testing"
)

func Test_EncodeDecode_RoundTrip_NonFlexible(t *testing.T) {
	p := &Packet{
		Magic:         MagicReq,
		Opcode:        OpSet,
		Datatype:      DatatypeJSON,
		VbucketOrStat: 42,
		Opaque:        7,
		Cas:           0,
		Key:           []byte("k1"),
		Value:         []byte(`{"a":1}`),
	}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != HeaderSize+len(p.Key)+len(p.Value) {
		t.Fatalf("unexpected frame length: %d", len(buf))
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Opcode != p.Opcode || got.VbucketOrStat != p.VbucketOrStat || got.Opaque != p.Opaque {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Key, p.Key) || !bytes.Equal(got.Value, p.Value) {
		t.Fatalf("body mismatch: key=%q value=%q", got.Key, got.Value)
	}
}

func Test_EncodeDecode_RoundTrip_Flexible(t *testing.T) {
	dur := EncodeDurabilityFrame(DurabilityMajority, 0)
	p := &Packet{
		Magic:         MagicFlexReq,
		Opcode:        OpSet,
		FramingExtras: dur,
		Key:           []byte("k2"),
		Value:         []byte("v2"),
		VbucketOrStat: 1,
		Opaque:        99,
	}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Magic.IsFlexible() {
		t.Fatalf("expected flexible magic, got %#x", got.Magic)
	}
	level, _, ok := DecodeDurabilityFrame(got.FramingExtras)
	if !ok || level != DurabilityMajority {
		t.Fatalf("durability frame round trip failed: level=%v ok=%v", level, ok)
	}
}

func Test_Decode_ShortHeader(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func Test_Decode_BadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0x00
	if _, err := Decode(buf); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func Test_Decode_TruncatedBody(t *testing.T) {
	p := &Packet{Magic: MagicReq, Opcode: OpGet, Key: []byte("abc")}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(buf[:len(buf)-1]); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket on truncated body, got %v", err)
	}
}

func Test_PeekBodyLen_And_PeekOpaque(t *testing.T) {
	p := &Packet{Magic: MagicReq, Opcode: OpGet, Key: []byte("longer-key"), Opaque: 123}
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	n, err := PeekBodyLen(buf[:HeaderSize])
	if err != nil {
		t.Fatalf("PeekBodyLen: %v", err)
	}
	if n != len(p.Key) {
		t.Fatalf("PeekBodyLen = %d, want %d", n, len(p.Key))
	}
	op, err := PeekOpaque(buf[:HeaderSize])
	if err != nil {
		t.Fatalf("PeekOpaque: %v", err)
	}
	if op != 123 {
		t.Fatalf("PeekOpaque = %d, want 123", op)
	}
}

func Test_CollectionUID_RoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 127, 128, 300, 1 << 20, 1<<32 - 1}
	for _, uid := range cases {
		enc := EncodeCollectionUID(uid)
		key := WireKey([]byte("doc1"), uid, true)
		gotUID, rest, consumed := DecodeCollectionUID(key)
		if gotUID != uid {
			t.Fatalf("uid=%d: decoded %d", uid, gotUID)
		}
		if consumed != len(enc) {
			t.Fatalf("uid=%d: consumed %d, want %d", uid, consumed, len(enc))
		}
		if string(rest) != "doc1" {
			t.Fatalf("uid=%d: rest=%q", uid, rest)
		}
	}
}

func Test_WireKey_NoCollections(t *testing.T) {
	key := WireKey([]byte("doc1"), 5, false)
	if string(key) != "doc1" {
		t.Fatalf("expected unprefixed key, got %q", key)
	}
}

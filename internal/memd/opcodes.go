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

// Package memd implements the binary, memcached-derived wire protocol used for
// key-value traffic: frame layout, opcodes, status codes, datatype flags, and
// the flexible-framing extras used for synchronous durability and
// preserve-expiry. The package performs no I/O; it only encodes and decodes
// byte slices.
package memd

// Magic identifies whether a frame is a request or a response, and whether it
// uses the flexible (alt-request) framing layout.
type Magic uint8

const (
	MagicReq     Magic = 0x80
	MagicRes     Magic = 0x81
	MagicFlexReq Magic = 0x08
	MagicFlexRes Magic = 0x18
)

func (m Magic) IsFlexible() bool {
	return m == MagicFlexReq || m == MagicFlexRes
}

func (m Magic) IsResponse() bool {
	return m == MagicRes || m == MagicFlexRes
}

// Opcode is the KV command code. Only the subset needed to exercise the
// generic request/response pattern and the handshake/topology/durability
// paths is enumerated; per-operation command families beyond these
// illustrative examples are out of scope (spec §1 Non-goals).
type Opcode uint8

const (
	OpGet           Opcode = 0x00
	OpSet           Opcode = 0x01 // upsert
	OpAdd           Opcode = 0x02
	OpReplace       Opcode = 0x03
	OpDelete        Opcode = 0x04
	OpAppend        Opcode = 0x0e
	OpPrepend       Opcode = 0x0f
	OpTouch         Opcode = 0x1c
	OpHello         Opcode = 0x1f
	OpSASLListMechs Opcode = 0x20
	OpSASLAuth      Opcode = 0x21
	OpSASLStep      Opcode = 0x22
	OpGetLocked     Opcode = 0x94
	OpUnlockKey     Opcode = 0x95
	OpObserveSeqNo  Opcode = 0x91
	OpObserve       Opcode = 0x92
	OpSelectBucket  Opcode = 0x89
	OpGetClusterCfg Opcode = 0xb5
	// OpClustermapChangeNotify is a server-push frame (opaque 0) delivering a
	// new cluster map over the KV connection (CCCP).
	OpClustermapChangeNotify Opcode = 0xb6
)

// Status is the 16-bit status field carried in the vbucket/status slot of a
// response header.
type Status uint16

const (
	StatusSuccess                 Status = 0x00
	StatusKeyNotFound             Status = 0x01
	StatusKeyExists               Status = 0x02
	StatusValueTooLarge           Status = 0x03
	StatusNotMyVbucket            Status = 0x07
	StatusLocked                  Status = 0x09
	StatusUnknownCommand          Status = 0x81
	StatusOutOfMemory             Status = 0x82
	StatusNotSupported            Status = 0x83
	StatusInternalError           Status = 0x84
	StatusBusy                    Status = 0x85
	StatusTemporaryFailure        Status = 0x86
	StatusDurabilityInvalidLevel  Status = 0xa0
	StatusDurabilityImpossible    Status = 0xa1
	StatusSyncWriteInProgress     Status = 0xa2
	StatusSyncWriteAmbiguous      Status = 0xa3
	StatusSyncWriteReCommitInProg Status = 0xa4
)

// Datatype flags occupy the single datatype byte of the frame header.
type Datatype uint8

const (
	DatatypeRaw        Datatype = 0x00
	DatatypeJSON       Datatype = 0x01
	DatatypeCompressed Datatype = 0x02
	DatatypeXattr      Datatype = 0x04
)

func (d Datatype) Has(flag Datatype) bool { return d&flag != 0 }

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

package cbcore

import (
	"encoding/binary"
	"fmt"

	"cbcore/internal/memd"
)

// Command is the per-request capability set spec.md §9's design notes call
// for: "each request/response type has its own encoder and decoder... a
// capability set {encode(request, context)→frame, decode(frame)→response,
// classify()→retry-policy-hints} implemented per command; dispatch picks
// the right implementation by the request's tag." Concrete command types
// (Upsert, Get, ...) below are illustrative examples of the pattern per
// spec.md §1's scope note, not an exhaustive command family.
type Command interface {
	// EncodeKV builds the KV request packet's opcode/extras/value given the
	// already-resolved wire key. The façade fills in Magic/Vbucket; the
	// session assigns Opaque at dispatch.
	EncodeKV(wireKey []byte) (*memd.Packet, error)
	// DecodeKV populates the command's own response fields from a
	// successful reply. Returning an error here maps to ErrorKindParsingFailure.
	DecodeKV(resp *memd.Packet) error
	// Idempotent reports whether this command may be freely retried across
	// node boundaries (spec.md §4.E).
	Idempotent() bool
}

// Resulter is implemented by every Command so the façade can build a
// generic Response (CAS plus mutation token where applicable) without a
// type switch per command (spec.md §3, Response).
type Resulter interface {
	Result() (Cas, MutationToken)
}

// UpsertCommand performs a SET (spec.md §6 lists it among per-mutation
// config inputs: preserve_expiry, expiry, flags, cas).
type UpsertCommand struct {
	Value          []byte
	Flags          uint32
	ExpirySeconds  uint32
	Cas            Cas
	PreserveExpiry bool

	ResultCas   Cas
	ResultToken MutationToken
}

func (u *UpsertCommand) EncodeKV(wireKey []byte) (*memd.Packet, error) {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], u.Flags)
	binary.BigEndian.PutUint32(extras[4:8], u.ExpirySeconds)
	var framing []byte
	if u.PreserveExpiry {
		framing = memd.AppendFrame(framing, memd.EncodePreserveExpiryFrame())
	}
	return &memd.Packet{
		Opcode:        memd.OpSet,
		Key:           wireKey,
		Extras:        extras,
		Value:         u.Value,
		Cas:           uint64(u.Cas),
		Datatype:      memd.DatatypeJSON,
		FramingExtras: framing,
	}, nil
}

func (u *UpsertCommand) DecodeKV(resp *memd.Packet) error {
	u.ResultCas = Cas(resp.Cas)
	token, ok := decodeMutationSeqno(resp.Extras)
	if ok {
		u.ResultToken.PartitionUUID = token.uuid
		u.ResultToken.SequenceNo = token.seqno
	}
	return nil
}

func (u *UpsertCommand) Idempotent() bool { return false }

func (u *UpsertCommand) Result() (Cas, MutationToken) { return u.ResultCas, u.ResultToken }

// CasProvided reports whether the caller pinned a CAS, which tells the
// façade to read a KEY_EEXISTS reply as cas_mismatch rather than
// document_exists (spec.md §7's two errors share one wire status).
func (u *UpsertCommand) CasProvided() bool { return u.Cas != 0 }

// GetCommand performs a plain GET.
type GetCommand struct {
	ResultValue    []byte
	ResultCas      Cas
	ResultFlags    uint32
	ResultDatatype memd.Datatype
}

func (g *GetCommand) EncodeKV(wireKey []byte) (*memd.Packet, error) {
	return &memd.Packet{Opcode: memd.OpGet, Key: wireKey}, nil
}

func (g *GetCommand) DecodeKV(resp *memd.Packet) error {
	if len(resp.Extras) < 4 {
		return fmt.Errorf("cbcore: GET response missing flags extras")
	}
	g.ResultFlags = binary.BigEndian.Uint32(resp.Extras[0:4])
	g.ResultValue = resp.Value
	g.ResultCas = Cas(resp.Cas)
	g.ResultDatatype = resp.Datatype
	return nil
}

func (g *GetCommand) Idempotent() bool { return true }

func (g *GetCommand) Result() (Cas, MutationToken) { return g.ResultCas, MutationToken{} }

// GetAndLockCommand performs a GET_LOCKED, acquiring a pessimistic lock on
// the document for LockSeconds (spec.md §8 testable property 10).
type GetAndLockCommand struct {
	LockSeconds uint32

	ResultValue []byte
	ResultCas   Cas
}

func (g *GetAndLockCommand) EncodeKV(wireKey []byte) (*memd.Packet, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, g.LockSeconds)
	return &memd.Packet{Opcode: memd.OpGetLocked, Key: wireKey, Extras: extras}, nil
}

func (g *GetAndLockCommand) DecodeKV(resp *memd.Packet) error {
	g.ResultValue = resp.Value
	g.ResultCas = Cas(resp.Cas)
	return nil
}

func (g *GetAndLockCommand) Idempotent() bool { return false }

func (g *GetAndLockCommand) Result() (Cas, MutationToken) { return g.ResultCas, MutationToken{} }

// UnlockCommand releases a lock taken by GetAndLockCommand.
type UnlockCommand struct {
	Cas Cas
}

func (u *UnlockCommand) EncodeKV(wireKey []byte) (*memd.Packet, error) {
	return &memd.Packet{Opcode: memd.OpUnlockKey, Key: wireKey, Cas: uint64(u.Cas)}, nil
}

func (u *UnlockCommand) DecodeKV(resp *memd.Packet) error { return nil }

func (u *UnlockCommand) Idempotent() bool { return false }

func (u *UnlockCommand) Result() (Cas, MutationToken) { return 0, MutationToken{} }

// ReplaceCommand performs a CAS-guarded REPLACE, used in spec.md §8
// testable property 10's get_and_lock -> replace round trip.
type ReplaceCommand struct {
	Value          []byte
	Flags          uint32
	ExpirySeconds  uint32
	Cas            Cas
	PreserveExpiry bool

	ResultCas   Cas
	ResultToken MutationToken
}

func (r *ReplaceCommand) EncodeKV(wireKey []byte) (*memd.Packet, error) {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], r.Flags)
	binary.BigEndian.PutUint32(extras[4:8], r.ExpirySeconds)
	var framing []byte
	if r.PreserveExpiry {
		framing = memd.AppendFrame(framing, memd.EncodePreserveExpiryFrame())
	}
	return &memd.Packet{
		Opcode:        memd.OpReplace,
		Key:           wireKey,
		Extras:        extras,
		Value:         r.Value,
		Cas:           uint64(r.Cas),
		Datatype:      memd.DatatypeJSON,
		FramingExtras: framing,
	}, nil
}

func (r *ReplaceCommand) DecodeKV(resp *memd.Packet) error {
	r.ResultCas = Cas(resp.Cas)
	token, ok := decodeMutationSeqno(resp.Extras)
	if ok {
		r.ResultToken.PartitionUUID = token.uuid
		r.ResultToken.SequenceNo = token.seqno
	}
	return nil
}

func (r *ReplaceCommand) Idempotent() bool { return false }

func (r *ReplaceCommand) Result() (Cas, MutationToken) { return r.ResultCas, r.ResultToken }

func (r *ReplaceCommand) CasProvided() bool { return r.Cas != 0 }

// PrependCommand prepends bytes onto an existing value (spec.md §8 S6).
type PrependCommand struct {
	Value []byte
	Cas   Cas

	ResultCas   Cas
	ResultToken MutationToken
}

func (p *PrependCommand) EncodeKV(wireKey []byte) (*memd.Packet, error) {
	return &memd.Packet{Opcode: memd.OpPrepend, Key: wireKey, Value: p.Value, Cas: uint64(p.Cas)}, nil
}

func (p *PrependCommand) DecodeKV(resp *memd.Packet) error {
	p.ResultCas = Cas(resp.Cas)
	token, ok := decodeMutationSeqno(resp.Extras)
	if ok {
		p.ResultToken.PartitionUUID = token.uuid
		p.ResultToken.SequenceNo = token.seqno
	}
	return nil
}

func (p *PrependCommand) Idempotent() bool { return false }

func (p *PrependCommand) Result() (Cas, MutationToken) { return p.ResultCas, p.ResultToken }

func (p *PrependCommand) CasProvided() bool { return p.Cas != 0 }

// TouchCommand updates a document's expiry without fetching its value
// (spec.md §8 testable property 11).
type TouchCommand struct {
	ExpirySeconds uint32

	ResultCas Cas
}

func (t *TouchCommand) EncodeKV(wireKey []byte) (*memd.Packet, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, t.ExpirySeconds)
	return &memd.Packet{Opcode: memd.OpTouch, Key: wireKey, Extras: extras}, nil
}

func (t *TouchCommand) DecodeKV(resp *memd.Packet) error {
	t.ResultCas = Cas(resp.Cas)
	return nil
}

func (t *TouchCommand) Idempotent() bool { return true }

func (t *TouchCommand) Result() (Cas, MutationToken) { return t.ResultCas, MutationToken{} }

type mutationSeqno struct {
	uuid  uint64
	seqno uint64
}

// decodeMutationSeqno reads the 16-byte vbucket-uuid+seqno extras a server
// with FeatureMutationSeqNo granted attaches to every successful mutation
// response (spec.md §3, Mutation token). ok is false when the server didn't
// grant the feature, in which case MutationToken stays zero.
func decodeMutationSeqno(extras []byte) (mutationSeqno, bool) {
	if len(extras) < 16 {
		return mutationSeqno{}, false
	}
	return mutationSeqno{
		uuid:  binary.BigEndian.Uint64(extras[0:8]),
		seqno: binary.BigEndian.Uint64(extras[8:16]),
	}, true
}

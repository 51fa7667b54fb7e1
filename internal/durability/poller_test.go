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

package durability

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"cbcore/internal/memd"
)

func observeResponse(vbuuid, persisted, current uint64) []byte {
	buf := make([]byte, 1+2+8+8+8)
	buf[0] = 0
	binary.BigEndian.PutUint64(buf[3:11], vbuuid)
	binary.BigEndian.PutUint64(buf[11:19], persisted)
	binary.BigEndian.PutUint64(buf[19:27], current)
	return buf
}

func Test_DecodeObserveSeqNo_Format0(t *testing.T) {
	obs, err := DecodeObserveSeqNo(observeResponse(42, 10, 12))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if obs.VbucketUUID != 42 || obs.PersistedSeqNo != 10 || obs.CurrentSeqNo != 12 {
		t.Fatalf("unexpected observation: %+v", obs)
	}
}

func Test_DecodeObserveSeqNo_ShortBody(t *testing.T) {
	if _, err := DecodeObserveSeqNo([]byte{0, 1, 2}); err == nil {
		t.Fatal("expected error for short body")
	}
}

func Test_Wait_SatisfiedImmediately(t *testing.T) {
	dispatch := func(partition uint16, replicaIndex int, req *memd.Packet, deadline time.Time, cb func(*memd.Packet, error)) error {
		resp := &memd.Packet{VbucketOrStat: uint16(memd.StatusSuccess), Value: observeResponse(99, 5, 5)}
		cb(resp, nil)
		return nil
	}
	p := New(dispatch, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.Wait(ctx, 0, 99, 5, 1, Requirement{PersistTo: 1, ReplicateTo: 2})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func Test_Wait_EventuallySatisfied(t *testing.T) {
	var round int32
	dispatch := func(partition uint16, replicaIndex int, req *memd.Packet, deadline time.Time, cb func(*memd.Packet, error)) error {
		r := atomic.AddInt32(&round, 1)
		persisted := uint64(0)
		if r > int32(2) { // only satisfied from the third observe round onward (one node, no replicas)
			persisted = 5
		}
		resp := &memd.Packet{VbucketOrStat: uint16(memd.StatusSuccess), Value: observeResponse(7, persisted, 5)}
		cb(resp, nil)
		return nil
	}
	p := New(dispatch, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Wait(ctx, 0, 7, 5, 0, Requirement{PersistTo: 1})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func Test_Wait_UUIDMismatchIsAmbiguous(t *testing.T) {
	dispatch := func(partition uint16, replicaIndex int, req *memd.Packet, deadline time.Time, cb func(*memd.Packet, error)) error {
		resp := &memd.Packet{VbucketOrStat: uint16(memd.StatusSuccess), Value: observeResponse(123, 1, 1)}
		cb(resp, nil)
		return nil
	}
	p := New(dispatch, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.Wait(ctx, 0, 456, 1, 0, Requirement{PersistTo: 1})
	if err != ErrDurabilityAmbiguous {
		t.Fatalf("err = %v, want ErrDurabilityAmbiguous", err)
	}
}

func Test_Wait_DeadlineExceeded(t *testing.T) {
	dispatch := func(partition uint16, replicaIndex int, req *memd.Packet, deadline time.Time, cb func(*memd.Packet, error)) error {
		resp := &memd.Packet{VbucketOrStat: uint16(memd.StatusSuccess), Value: observeResponse(1, 0, 0)}
		cb(resp, nil)
		return nil
	}
	p := New(dispatch, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Wait(ctx, 0, 1, 5, 0, Requirement{PersistTo: 1})
	if err != ErrDeadlineExceeded {
		t.Fatalf("err = %v, want ErrDeadlineExceeded", err)
	}
}

func Test_Wait_NoRequirementIsNoop(t *testing.T) {
	calls := 0
	dispatch := func(partition uint16, replicaIndex int, req *memd.Packet, deadline time.Time, cb func(*memd.Packet, error)) error {
		calls++
		return nil
	}
	p := New(dispatch, nil)
	if err := p.Wait(context.Background(), 0, 1, 1, 2, Requirement{}); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no dispatch calls, got %d", calls)
	}
}

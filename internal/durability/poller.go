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

// Package durability implements the legacy observe-based persist_to /
// replicate_to waiter (spec.md §4.F). When a mutation requests legacy
// durability and the server doesn't support synchronous durability levels,
// the poller issues OBSERVE_SEQNO against the active and replica nodes for
// the mutation's vbucket until enough of them report having persisted or
// replicated the mutation's sequence number, or the deadline expires.
package durability

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"cbcore/internal/memd"
	"cbcore/internal/retry"
	"cbcore/internal/telemetry"
)

// ErrDurabilityAmbiguous is returned when a replica's vbucket_uuid no longer
// matches the mutation token's partition_uuid — a failover occurred and the
// poller cannot determine whether the mutation survived it.
var ErrDurabilityAmbiguous = fmt.Errorf("durability: vbucket_uuid mismatch, a failover may have occurred")

// ErrDeadlineExceeded is returned when the requirement was not satisfied
// before the caller's deadline.
var ErrDeadlineExceeded = fmt.Errorf("durability: deadline exceeded before requirement was satisfied")

// Observation is one node's OBSERVE_SEQNO reply (spec.md §4.F), decoded from
// the wire layout an observe response uses: 1-byte format, 2-byte vbucket
// id, 8-byte vbucket uuid, 8-byte persisted seqno, 8-byte current seqno
// (format 0; format 1 — hard failover — additionally carries the prior
// uuid and its last seqno, which this poller treats the same as a uuid
// mismatch since the vbucket history diverged).
type Observation struct {
	VbucketUUID      uint64
	PersistedSeqNo   uint64
	CurrentSeqNo     uint64
	DidHardFailover  bool
}

// DecodeObserveSeqNo parses an OBSERVE_SEQNO response body.
func DecodeObserveSeqNo(value []byte) (*Observation, error) {
	if len(value) < 1 {
		return nil, fmt.Errorf("durability: empty OBSERVE_SEQNO response")
	}
	switch value[0] {
	case 0:
		if len(value) < 1+2+8+8+8 {
			return nil, fmt.Errorf("durability: short OBSERVE_SEQNO response (format 0)")
		}
		return &Observation{
			VbucketUUID:    binary.BigEndian.Uint64(value[3:11]),
			PersistedSeqNo: binary.BigEndian.Uint64(value[11:19]),
			CurrentSeqNo:   binary.BigEndian.Uint64(value[19:27]),
		}, nil
	case 1:
		if len(value) < 1+2+8+8+8+8+8 {
			return nil, fmt.Errorf("durability: short OBSERVE_SEQNO response (format 1)")
		}
		return &Observation{
			VbucketUUID:     binary.BigEndian.Uint64(value[3:11]),
			PersistedSeqNo:  binary.BigEndian.Uint64(value[11:19]),
			CurrentSeqNo:    binary.BigEndian.Uint64(value[19:27]),
			DidHardFailover: true,
		}, nil
	default:
		return nil, fmt.Errorf("durability: unknown OBSERVE_SEQNO format byte %d", value[0])
	}
}

// EncodeObserveSeqNoRequest builds the value section of an OBSERVE_SEQNO
// request: the vbucket uuid the client last observed for this partition.
func EncodeObserveSeqNoRequest(vbucketUUID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, vbucketUUID)
	return buf
}

// Requirement is the legacy durability target (spec.md §3/§6): wait until
// at least PersistTo nodes have persisted the mutation and at least
// ReplicateTo nodes have replicated it.
type Requirement struct {
	PersistTo   int
	ReplicateTo int
}

// DispatchFunc sends an OBSERVE_SEQNO request to the connection serving
// partition at replicaIndex and delivers the decoded response (or error) to
// cb. It mirrors internal/session.Session.Dispatch's signature so a Poller
// can be driven by a real session or a fake in tests.
type DispatchFunc func(partition uint16, replicaIndex int, req *memd.Packet, deadline time.Time, cb func(*memd.Packet, error)) error

// Poller drives the observe-poll loop for one mutation.
type Poller struct {
	dispatch DispatchFunc
	strategy retry.Strategy
}

// New returns a Poller that dispatches observes via dispatch, backing off
// between samples with strategy (nil uses retry.NewBestEffortRetryStrategy).
func New(dispatch DispatchFunc, strategy retry.Strategy) *Poller {
	if strategy == nil {
		strategy = retry.NewBestEffortRetryStrategy()
	}
	return &Poller{dispatch: dispatch, strategy: strategy}
}

// Wait blocks (honoring ctx) until req is satisfied for the mutation
// described by partition/partitionUUID/mutationSeqNo across numReplicas+1
// nodes (replica index 0 = active), or returns an error: ErrDurabilityAmbiguous
// on a uuid mismatch, ErrDeadlineExceeded if ctx's deadline passes first.
func (p *Poller) Wait(ctx context.Context, partition uint16, partitionUUID, mutationSeqNo uint64, numReplicas int, req Requirement) error {
	if req.PersistTo == 0 && req.ReplicateTo == 0 {
		return nil
	}
	started := time.Now()
	attempt := 0
	for {
		persisted, replicated, err := p.sampleOnce(ctx, partition, partitionUUID, mutationSeqNo, numReplicas)
		if err != nil {
			outcome := "timeout"
			if err == ErrDurabilityAmbiguous {
				outcome = "ambiguous"
			}
			telemetry.ObserveDurabilityPoll(time.Since(started), outcome)
			return err
		}
		if persisted >= req.PersistTo && replicated >= req.ReplicateTo {
			telemetry.ObserveDurabilityPoll(time.Since(started), "satisfied")
			return nil
		}

		attempt++
		action := p.strategy.ShouldRetry(retry.ReasonKVTemporaryFail, attempt)
		deadline, hasDeadline := ctx.Deadline()
		if hasDeadline && time.Now().Add(action.Delay).After(deadline) {
			telemetry.ObserveDurabilityPoll(time.Since(started), "timeout")
			return ErrDeadlineExceeded
		}
		select {
		case <-time.After(action.Delay):
		case <-ctx.Done():
			telemetry.ObserveDurabilityPoll(time.Since(started), "timeout")
			return ErrDeadlineExceeded
		}
	}
}

// sampleOnce issues one round of OBSERVE_SEQNO against every replica index
// 0..numReplicas and counts how many have persisted/replicated the target
// seqno.
func (p *Poller) sampleOnce(ctx context.Context, partition uint16, partitionUUID, mutationSeqNo uint64, numReplicas int) (persisted, replicated int, err error) {
	type sampleResult struct {
		obs *Observation
		err error
	}
	results := make(chan sampleResult, numReplicas+1)

	deadline, _ := ctx.Deadline()
	for replicaIdx := 0; replicaIdx <= numReplicas; replicaIdx++ {
		req := &memd.Packet{
			Magic:         memd.MagicReq,
			Opcode:        memd.OpObserveSeqNo,
			VbucketOrStat: partition,
			Value:         EncodeObserveSeqNoRequest(partitionUUID),
		}
		derr := p.dispatch(partition, replicaIdx, req, deadline, func(resp *memd.Packet, dispatchErr error) {
			if dispatchErr != nil {
				results <- sampleResult{err: dispatchErr}
				return
			}
			if resp.Status() != memd.StatusSuccess {
				results <- sampleResult{err: fmt.Errorf("durability: OBSERVE_SEQNO status %#x", resp.Status())}
				return
			}
			obs, err := DecodeObserveSeqNo(resp.Value)
			results <- sampleResult{obs: obs, err: err}
		})
		if derr != nil {
			results <- sampleResult{err: derr}
		}
	}

	for i := 0; i <= numReplicas; i++ {
		var r sampleResult
		select {
		case r = <-results:
		case <-ctx.Done():
			return 0, 0, ErrDeadlineExceeded
		}
		if r.err != nil {
			// A node that cannot be observed is simply not counted; it is
			// not by itself durability_ambiguous unless its uuid mismatches,
			// so the loop continues to let the caller retry the whole round.
			continue
		}
		if r.obs.DidHardFailover || r.obs.VbucketUUID != partitionUUID {
			return 0, 0, ErrDurabilityAmbiguous
		}
		if r.obs.PersistedSeqNo >= mutationSeqNo {
			persisted++
		}
		if r.obs.CurrentSeqNo >= mutationSeqNo {
			replicated++
		}
	}
	return persisted, replicated, nil
}

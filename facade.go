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
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cbcore/internal/conn"
	"cbcore/internal/durability"
	"cbcore/internal/httpcodec"
	"cbcore/internal/memd"
	"cbcore/internal/queryengine"
	"cbcore/internal/retry"
	"cbcore/internal/session"
	"cbcore/internal/topology"
)

// DefaultKVTimeout is the per-operation default for key-value requests
// (spec.md §6, Configuration inputs: "timeout per operation... kv=2500").
const DefaultKVTimeout = 2500 * time.Millisecond

// ClusterConfig configures a Cluster façade (spec.md §4.G).
type ClusterConfig struct {
	Credentials session.Credentials
	// HandshakeTimeout bounds each node's HELLO/SASL/SELECT_BUCKET/
	// GET_CLUSTER_CONFIG handshake.
	HandshakeTimeout time.Duration
	// Dialer lets tests substitute an in-memory connection; nil uses
	// conn.Dial.
	Dialer session.Dialer
	// RetryStrategy is the default strategy for every operation that
	// doesn't override it per-request; nil uses retry.NewBestEffortRetryStrategy.
	RetryStrategy retry.Strategy
	// CollectionsEnabled controls whether wire keys carry the LEB128
	// collection-UID prefix (spec.md §3). cbcore always requests the
	// collections HELLO feature, so this defaults to true; a deployment
	// talking to a pre-collections cluster sets it false.
	CollectionsEnabled bool
	// HTTPClient issues requests against the query/search/analytics/views
	// services (spec.md §4.D). nil builds one via httpcodec.NewHTTPClient
	// with pack-typical pooling defaults.
	HTTPClient *http.Client
	// QueryCache holds prepared-statement names so a repeated statement
	// submits "prepared" instead of re-PREPAREing (spec.md §8 S5). nil runs
	// a local-only cache; a deployment sharing one across processes
	// supplies a Cache wrapping a queryengine.SharedCache.
	QueryCache *queryengine.Cache
	// DefaultQueryTimeout bounds a query-service request that doesn't set
	// its own Deadline.
	DefaultQueryTimeout time.Duration
}

func (cfg ClusterConfig) withDefaults() ClusterConfig {
	if cfg.Dialer == nil {
		cfg.Dialer = conn.Dial
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpcodec.NewHTTPClient(100, 10, 90*time.Second, 75*time.Second)
	}
	if cfg.QueryCache == nil {
		cfg.QueryCache = queryengine.NewCache(512, nil)
	}
	if cfg.DefaultQueryTimeout == 0 {
		cfg.DefaultQueryTimeout = 75 * time.Second
	}
	return cfg
}

// bucketHandle is one opened bucket's session plus its durability poller,
// wired together the way spec.md §4.G's data flow describes: the façade
// hands an encoded command to the session, and on a legacy-durability
// mutation drives the poller against that same session's Dispatch.
type bucketHandle struct {
	sess   *session.Session
	poller *durability.Poller
}

// Cluster is the public entry point spec.md §4.G specifies: a single
// non-blocking execute(request, callback), bucket open/close, and a
// guarantee of at-most-one callback invocation per request. The ergonomic
// builder surface around it is explicitly out of scope (spec.md §1).
type Cluster struct {
	cfg       ClusterConfig
	orch      *retry.Orchestrator
	closed    atomic.Bool
	closeOnce sync.Once

	mu      sync.RWMutex
	buckets map[string]*bucketHandle

	wg sync.WaitGroup // in-flight Execute callbacks; Close waits for this to drain
}

// NewCluster constructs a Cluster. It does not dial anything; call
// OpenBucket to bootstrap against a seed list.
func NewCluster(cfg ClusterConfig) *Cluster {
	cfg = cfg.withDefaults()
	return &Cluster{
		cfg:     cfg,
		orch:    retry.NewOrchestrator(cfg.RetryStrategy),
		buckets: make(map[string]*bucketHandle),
	}
}

// OpenBucket bootstraps a Session against seeds and registers it under name.
// Calling OpenBucket again for an already-open bucket is a no-op.
func (c *Cluster) OpenBucket(ctx context.Context, name string, seeds []string) error {
	if c.closed.Load() {
		return fmt.Errorf("cbcore: cluster is closed")
	}
	c.mu.RLock()
	_, exists := c.buckets[name]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	sess := session.New(session.Config{
		Bucket:           name,
		Credentials:      c.cfg.Credentials,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}, c.cfg.Dialer)
	if err := sess.Bootstrap(ctx, seeds); err != nil {
		return fmt.Errorf("cbcore: opening bucket %q: %w", name, err)
	}

	bh := &bucketHandle{
		sess:   sess,
		poller: durability.New(sess.Dispatch, c.cfg.RetryStrategy),
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		sess.Close()
		return fmt.Errorf("cbcore: cluster closed during bucket open")
	}
	c.buckets[name] = bh
	c.mu.Unlock()
	return nil
}

// CloseBucket tears down the named bucket's session. Idempotent.
func (c *Cluster) CloseBucket(name string) {
	c.mu.Lock()
	bh, ok := c.buckets[name]
	delete(c.buckets, name)
	c.mu.Unlock()
	if ok {
		bh.sess.Close()
	}
}

// WithBucketConfiguration invokes cb once bucket's first topology snapshot
// is installed (spec.md §4.G). It does not block waiting for a bootstrap
// still in progress; callers invoke it after OpenBucket returns.
func (c *Cluster) WithBucketConfiguration(bucket string, cb func(ec *ErrorContext, snapshot *topology.Map)) {
	bh, ec := c.bucketHandle(bucket)
	if ec != nil {
		cb(ec, nil)
		return
	}
	m := bh.sess.Current()
	if m == nil {
		cb(&ErrorContext{Kind: ErrorKindInternalServerFailure}, nil)
		return
	}
	cb(nil, m)
}

func (c *Cluster) bucketHandle(name string) (*bucketHandle, *ErrorContext) {
	if c.closed.Load() {
		return nil, &ErrorContext{Kind: ErrorKindRequestCanceled}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	bh, ok := c.buckets[name]
	if !ok {
		return nil, &ErrorContext{Kind: ErrorKindBucketNotFound, KV: &KVErrorContext{BucketName: name}}
	}
	return bh, nil
}

// Close tears down every open bucket and fails any future Execute call with
// request_canceled (spec.md §8 property 8). Idempotent and blocks until
// every in-flight Execute callback has fired.
func (c *Cluster) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		buckets := c.buckets
		c.buckets = make(map[string]*bucketHandle)
		c.mu.Unlock()
		for _, bh := range buckets {
			bh.sess.Close()
		}
	})
	c.wg.Wait()
}

// Request is one KV operation submitted to Execute (spec.md §3, Request).
type Request struct {
	ID           DocumentID
	ReplicaIndex int // 0 = active; 1..N = replica read
	Command      Command
	Durability   DurabilityRequirement
	Deadline     time.Time
	// RetryStrategy overrides the Cluster's default strategy for this
	// request only (spec.md §4.E: "the strategy... optionally replaced
	// per-request").
	RetryStrategy       retry.Strategy
	OperationID         string
	DurabilityTimeoutMS uint16
}

// Response is what a successful Execute delivers (spec.md §3, Response).
type Response struct {
	Cas           Cas
	MutationToken MutationToken
}

// Execute is the façade's single entry point (spec.md §4.G). It never
// blocks the calling goroutine: submission enqueues onto the target
// session's connection and returns; cb fires exactly once, later, with
// either a populated Response or a non-nil ErrorContext.
func (c *Cluster) Execute(req Request, cb func(*Response, *ErrorContext)) {
	bh, ec := c.bucketHandle(req.ID.Bucket)
	if ec != nil {
		cb(nil, ec)
		return
	}

	id := req.ID.Normalize()
	if err := id.Validate(); err != nil {
		cb(nil, &ErrorContext{Kind: ErrorKindInvalidArgument, OperationID: req.OperationID, UnderlyingError: err})
		return
	}
	req.ID = id
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(DefaultKVTimeout)
	}

	orch := c.orch
	if req.RetryStrategy != nil {
		orch = retry.NewOrchestrator(req.RetryStrategy)
	}

	c.wg.Add(1)
	rc := &retry.Context{}
	c.dispatchOnce(bh, req, orch, rc, func(resp *Response, ec *ErrorContext) {
		defer c.wg.Done()
		cb(resp, ec)
	})
}

// resolveRoute computes the wire key, vbucket, and current topology snapshot
// for id, sharing the exact lookup Execute and the replica-read helpers use.
func (c *Cluster) resolveRoute(bh *bucketHandle, id DocumentID) (m *topology.Map, wireKey []byte, partition uint16, ec *ErrorContext) {
	m = bh.sess.Current()
	if m == nil {
		return nil, nil, 0, &ErrorContext{Kind: ErrorKindInternalServerFailure}
	}
	uid, err := m.ResolveCollection(id.Scope, id.Collection)
	if err != nil {
		return nil, nil, 0, &ErrorContext{
			Kind: ErrorKindCollectionNotFound,
			KV:   &KVErrorContext{BucketName: id.Bucket, ScopeName: id.Scope, Collection: id.Collection},
			UnderlyingError: err,
		}
	}
	wireKey = memd.WireKey(id.Key, uid, c.cfg.CollectionsEnabled)
	partition = topology.PartitionFor(wireKey, len(m.VbucketMap))
	return m, wireKey, partition, nil
}

func (c *Cluster) dispatchOnce(bh *bucketHandle, req Request, orch *retry.Orchestrator, rc *retry.Context, cb func(*Response, *ErrorContext)) {
	m, wireKey, partition, ec := c.resolveRoute(bh, req.ID)
	if ec != nil {
		ec.OperationID = req.OperationID
		ec.RetryAttempts = rc.Attempts
		ec.RetryReasons = rc.ReasonStrings()
		cb(nil, ec)
		return
	}

	pkt, err := req.Command.EncodeKV(wireKey)
	if err != nil {
		cb(nil, &ErrorContext{Kind: ErrorKindInvalidArgument, OperationID: req.OperationID, UnderlyingError: err})
		return
	}
	pkt.Magic = memd.MagicReq
	pkt.VbucketOrStat = partition
	if !req.Durability.IsEmpty() && !req.Durability.IsLegacy() {
		frame := memd.EncodeDurabilityFrame(memd.DurabilityLevel(req.Durability.Level), req.DurabilityTimeoutMS)
		pkt.FramingExtras = memd.AppendFrame(pkt.FramingExtras, frame)
	}

	derr := bh.sess.Dispatch(partition, req.ReplicaIndex, pkt, req.Deadline, func(resp *memd.Packet, err error) {
		rc.NetworkIOOccurred = true
		c.handleResult(bh, req, m, partition, orch, rc, resp, err, cb)
	})
	if derr != nil {
		c.handleTransportFailure(bh, req, orch, rc, derr, cb)
	}
}

// handleResult is invoked from the connection's read loop (or its deadline
// sweep) once per dispatched attempt. It classifies the outcome, ingests an
// embedded topology update on not_my_vbucket before any retry is scheduled
// (spec.md §4.D, §8 property 4), runs the legacy durability poller on a
// successful mutation, and otherwise delivers or retries per the
// orchestrator's decision.
func (c *Cluster) handleResult(bh *bucketHandle, req Request, m *topology.Map, partition uint16, orch *retry.Orchestrator, rc *retry.Context, resp *memd.Packet, err error, cb func(*Response, *ErrorContext)) {
	if c.closed.Load() {
		cb(nil, &ErrorContext{Kind: ErrorKindRequestCanceled, OperationID: req.OperationID})
		return
	}
	if err != nil {
		c.handleTransportFailure(bh, req, orch, rc, err, cb)
		return
	}

	status := resp.Status()
	if status == memd.StatusNotMyVbucket && len(resp.Value) > 0 {
		if updated, perr := topology.ParseCCCP(resp.Value); perr == nil {
			bh.sess.InstallTopology(updated)
		}
	}

	if status != memd.StatusSuccess {
		casProvided := false
		if cc, ok := req.Command.(casChecker); ok {
			casProvided = cc.CasProvided()
		}
		c.retryOrFail(bh, req, orch, rc, retry.ClassifyKVStatus(uint16(status)), kvStatusToErrorKind(status, casProvided), resp, cb)
		return
	}

	if err := req.Command.DecodeKV(resp); err != nil {
		cb(nil, &ErrorContext{Kind: ErrorKindParsingFailure, OperationID: req.OperationID, UnderlyingError: err})
		return
	}

	respOut := &Response{}
	if r, ok := req.Command.(Resulter); ok {
		cas, token := r.Result()
		respOut.Cas = cas
		if !token.IsZero() {
			token.BucketName = req.ID.Bucket
			token.PartitionID = partition
			respOut.MutationToken = token
		}
	}

	if req.Durability.IsLegacy() && !respOut.MutationToken.IsZero() {
		go c.waitLegacyDurability(bh, req, m, partition, respOut, cb)
		return
	}
	cb(respOut, nil)
}

// waitLegacyDurability drives the observe poller for a mutation that
// requested persist_to/replicate_to (spec.md §4.F). It runs on its own
// goroutine since Wait blocks; Execute itself has already returned.
func (c *Cluster) waitLegacyDurability(bh *bucketHandle, req Request, m *topology.Map, partition uint16, resp *Response, cb func(*Response, *ErrorContext)) {
	ctx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	defer cancel()
	err := bh.poller.Wait(ctx, partition, resp.MutationToken.PartitionUUID, resp.MutationToken.SequenceNo, m.NumReplicas, durability.Requirement{
		PersistTo:   req.Durability.PersistTo,
		ReplicateTo: req.Durability.ReplicateTo,
	})
	if err == nil {
		cb(resp, nil)
		return
	}
	kind := ErrorKindAmbiguousTimeout
	if err == durability.ErrDurabilityAmbiguous {
		kind = ErrorKindDurabilityAmbiguous
	}
	cb(nil, &ErrorContext{Kind: kind, OperationID: req.OperationID, UnderlyingError: err})
}

// handleTransportFailure handles a connection-layer error (write failure,
// connection closed, deadline swept) the same way a retryable KV status
// would be handled: node-not-available is always retryable.
func (c *Cluster) handleTransportFailure(bh *bucketHandle, req Request, orch *retry.Orchestrator, rc *retry.Context, err error, cb func(*Response, *ErrorContext)) {
	classification := retry.Classification{Retryable: true, Reason: retry.ReasonNodeNotAvailable}
	c.retryOrFail(bh, req, orch, rc, classification, ErrorKindServiceNotAvailable, nil, cb, err)
}

// retryOrFail consults the orchestrator and either schedules a re-dispatch
// after its chosen backoff or delivers a terminal error.
func (c *Cluster) retryOrFail(bh *bucketHandle, req Request, orch *retry.Orchestrator, rc *retry.Context, classification retry.Classification, terminalKind ErrorKind, resp *memd.Packet, cb func(*Response, *ErrorContext), underlying ...error) {
	// A classification flagged IdempotentOnly (sync_write_in_progress) is
	// retried only for idempotent commands; replaying a non-idempotent
	// mutation risks applying it twice, so such requests are reported
	// terminally instead (spec.md §4.E). not_my_vbucket, locked and
	// temporary_failure carry no such flag and are retried for every command.
	if classification.IdempotentOnly && req.Command != nil && !req.Command.Idempotent() {
		classification.Retryable = false
	}
	outcome := orch.Decide(rc, classification, req.Deadline, time.Now())
	switch outcome {
	case retry.OutcomeRetry:
		delay := rc.NextDelay()
		time.AfterFunc(delay, func() {
			if c.closed.Load() {
				cb(nil, &ErrorContext{Kind: ErrorKindRequestCanceled, OperationID: req.OperationID})
				return
			}
			c.dispatchOnce(bh, req, orch, rc, cb)
		})
		return
	case retry.OutcomeUnambiguousTimeout:
		cb(nil, &ErrorContext{Kind: ErrorKindUnambiguousTimeout, OperationID: req.OperationID, RetryAttempts: rc.Attempts, RetryReasons: rc.ReasonStrings()})
		return
	case retry.OutcomeAmbiguousTimeout:
		cb(nil, &ErrorContext{Kind: ErrorKindAmbiguousTimeout, OperationID: req.OperationID, RetryAttempts: rc.Attempts, RetryReasons: rc.ReasonStrings()})
		return
	}

	ec := &ErrorContext{Kind: terminalKind, OperationID: req.OperationID, RetryAttempts: rc.Attempts, RetryReasons: rc.ReasonStrings()}
	if len(underlying) > 0 {
		ec.UnderlyingError = underlying[0]
	}
	if resp != nil {
		ec.KV = &KVErrorContext{BucketName: req.ID.Bucket, ScopeName: req.ID.Scope, Collection: req.ID.Collection, Key: string(req.ID.Key), Status: uint16(resp.Status())}
	}
	cb(nil, ec)
}

// casChecker is implemented by commands that carry an optional CAS
// precondition, letting the façade tell a cas_mismatch apart from a plain
// document_exists on the shared KEY_EEXISTS wire status.
type casChecker interface {
	CasProvided() bool
}

// kvStatusToErrorKind maps a non-success KV status to the ErrorKind spec.md
// §7 names for it. Statuses with no listed kind (generic server failure
// codes) fall back to ErrorKindInternalServerFailure.
func kvStatusToErrorKind(status memd.Status, casProvided bool) ErrorKind {
	switch status {
	case memd.StatusKeyNotFound:
		return ErrorKindDocumentNotFound
	case memd.StatusKeyExists:
		if casProvided {
			return ErrorKindCasMismatch
		}
		return ErrorKindDocumentExists
	case memd.StatusValueTooLarge:
		return ErrorKindValueTooLarge
	case memd.StatusLocked:
		return ErrorKindDocumentLocked
	case memd.StatusTemporaryFailure:
		return ErrorKindTemporaryFailure
	case memd.StatusNotMyVbucket:
		// Every not_my_vbucket reply is retried by retry.ClassifyKVStatus;
		// reaching here terminally means retries were exhausted against a
		// moving target, so the service is effectively unreachable for
		// this key.
		return ErrorKindServiceNotAvailable
	case memd.StatusDurabilityInvalidLevel:
		return ErrorKindDurabilityLevelNotAvailable
	case memd.StatusDurabilityImpossible:
		return ErrorKindDurabilityImpossible
	case memd.StatusSyncWriteInProgress, memd.StatusSyncWriteReCommitInProg:
		return ErrorKindSyncWriteInProgress
	case memd.StatusSyncWriteAmbiguous:
		return ErrorKindSyncWriteAmbiguous
	case memd.StatusOutOfMemory, memd.StatusBusy:
		return ErrorKindTemporaryFailure
	case memd.StatusNotSupported, memd.StatusUnknownCommand:
		return ErrorKindFeatureNotAvailable
	default:
		return ErrorKindInternalServerFailure
	}
}

// ReplicaResult is one node's answer to a replica-aware read (SPEC_FULL.md
// supplement #2, get_all_replicas/get_any_replica).
type ReplicaResult struct {
	Value        []byte
	Cas          Cas
	Flags        uint32
	IsReplica    bool
	ReplicaIndex int
}

// GetAllReplicas dispatches a GET against every node in id's vbucket's
// replica set (active plus every replica, per spec.md original_source
// supplement #2) and waits for all of them to answer or the deadline to
// pass, matching testable property S4 (resp.size()==NumReplicas+1).
func (c *Cluster) GetAllReplicas(ctx context.Context, bucket string, id DocumentID, deadline time.Time) ([]ReplicaResult, *ErrorContext) {
	bh, nodes, partition, wireKey, ec := c.replicaFanoutRoute(bucket, id)
	if ec != nil {
		return nil, ec
	}

	type indexed struct {
		idx int
		r   ReplicaResult
		err error
	}
	results := make(chan indexed, len(nodes))
	for i := range nodes {
		i := i
		cmd := &GetCommand{}
		pkt, _ := cmd.EncodeKV(wireKey)
		pkt.Magic = memd.MagicReq
		pkt.VbucketOrStat = partition
		err := bh.sess.Dispatch(partition, i, pkt, deadline, func(resp *memd.Packet, derr error) {
			if derr != nil {
				results <- indexed{idx: i, err: derr}
				return
			}
			if resp.Status() != memd.StatusSuccess {
				results <- indexed{idx: i, err: fmt.Errorf("cbcore: replica %d status %#x", i, resp.Status())}
				return
			}
			if decodeErr := cmd.DecodeKV(resp); decodeErr != nil {
				results <- indexed{idx: i, err: decodeErr}
				return
			}
			results <- indexed{idx: i, r: ReplicaResult{Value: cmd.ResultValue, Cas: cmd.ResultCas, Flags: cmd.ResultFlags, IsReplica: i != 0, ReplicaIndex: i}}
		})
		if err != nil {
			results <- indexed{idx: i, err: err}
		}
	}

	out := make([]ReplicaResult, 0, len(nodes))
	for range nodes {
		select {
		case r := <-results:
			if r.err == nil {
				out = append(out, r.r)
			} else {
				log.Printf("cbcore: GetAllReplicas node %d: %v", r.idx, r.err)
			}
		case <-ctx.Done():
			return out, &ErrorContext{Kind: ErrorKindUnambiguousTimeout}
		}
	}
	return out, nil
}

// GetAnyReplica returns the first successful reply among the active node
// and every replica, whichever answers first (SPEC_FULL.md supplement #2).
func (c *Cluster) GetAnyReplica(ctx context.Context, bucket string, id DocumentID, deadline time.Time) (*ReplicaResult, *ErrorContext) {
	results, ec := c.GetAllReplicas(ctx, bucket, id, deadline)
	if ec != nil && len(results) == 0 {
		return nil, ec
	}
	if len(results) == 0 {
		return nil, &ErrorContext{Kind: ErrorKindDocumentNotFound}
	}
	return &results[0], nil
}

func (c *Cluster) replicaFanoutRoute(bucket string, id DocumentID) (bh *bucketHandle, nodes []int, partition uint16, wireKey []byte, ec *ErrorContext) {
	bh, ec = c.bucketHandle(bucket)
	if ec != nil {
		return nil, nil, 0, nil, ec
	}
	id = id.Normalize()
	if err := id.Validate(); err != nil {
		return nil, nil, 0, nil, &ErrorContext{Kind: ErrorKindInvalidArgument, UnderlyingError: err}
	}
	m, wireKey, partition, ec := c.resolveRoute(bh, id)
	if ec != nil {
		return nil, nil, 0, nil, ec
	}
	nodes, err := m.ReplicaSet(partition)
	if err != nil {
		return nil, nil, 0, nil, &ErrorContext{Kind: ErrorKindInternalServerFailure, UnderlyingError: err}
	}
	return bh, nodes, partition, wireKey, nil
}

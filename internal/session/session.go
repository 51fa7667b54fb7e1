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

// Package session owns one Connection per node for an opened bucket
// (spec.md §4.C, Bucket session). It drives the HELLO/SASL/SELECT_BUCKET/
// GET_CLUSTER_CONFIG handshake on each new Connection, installs cluster-map
// pushes into a topology.Installer, keeps the node set in sync with the
// installed map, and dispatches requests to the right node's Connection.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"cbcore/internal/conn"
	"cbcore/internal/memd"
	"cbcore/internal/telemetry"
	"cbcore/internal/topology"
)

// Credentials is the SASL PLAIN identity used to authenticate each
// Connection. SCRAM-SHA negotiation is part of the same handshake slot but
// is not implemented here; spec.md §4.B names it as a supported mechanism,
// not a requirement every core path must implement, and PLAIN is what every
// reference client in the retrieval pack falls back to over TLS.
type Credentials struct {
	Username string
	Password string
}

// Config configures a Session.
type Config struct {
	Bucket      string
	Credentials Credentials
	Features    []memd.Feature
	// HandshakeTimeout bounds HELLO/SASL/SELECT_BUCKET/GET_CLUSTER_CONFIG.
	HandshakeTimeout time.Duration
	// DeadlineSweepInterval controls how often every node Connection's
	// opaque registry is swept for expired requests (spec.md §8 property 7:
	// "the callback fires no later than D+ε"). 0 uses DefaultDeadlineSweepInterval.
	DeadlineSweepInterval time.Duration
}

// DefaultDeadlineSweepInterval is how often Dispatch's in-flight requests
// are checked against their deadlines when a Config doesn't override it.
const DefaultDeadlineSweepInterval = 50 * time.Millisecond

// Dialer abstracts Connection creation so tests can substitute an in-memory
// pair; production code uses conn.Dial.
type Dialer func(ctx context.Context, addr string, onPush conn.PushHandler) (*conn.Connection, error)

// Session is one opened bucket's live set of node connections plus the
// topology snapshot they were built from.
type Session struct {
	cfg     Config
	dial    Dialer
	install *topology.Installer

	mu    sync.RWMutex
	nodes map[int]*conn.Connection // node index -> KV connection

	stopSweep      chan struct{}
	sweepDone      chan struct{}
	closeSweepOnce sync.Once
}

// New constructs a Session. dial is usually conn.Dial; tests pass a fake.
// New also starts the background deadline sweep (grounded on the teacher's
// evictionLoop ticker shape, internal/ratelimiter/core/worker.go): every
// DeadlineSweepInterval it sweeps each node Connection for opaques whose
// deadline has already passed, so a request the server never answers still
// completes its callback instead of hanging forever (spec.md §8 property 7;
// Close stops the loop and waits for it to exit).
func New(cfg Config, dial Dialer) *Session {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.DeadlineSweepInterval == 0 {
		cfg.DeadlineSweepInterval = DefaultDeadlineSweepInterval
	}
	if len(cfg.Features) == 0 {
		cfg.Features = memd.DefaultFeatures()
	}
	s := &Session{
		cfg:       cfg,
		dial:      dial,
		install:   topology.NewInstaller(),
		nodes:     make(map[int]*conn.Connection),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// sweepLoop periodically enforces every node Connection's per-request
// deadlines. It is the only production driver of Connection.SweepExpired;
// without it a frame written successfully to a live connection whose server
// never replies would leave its callback pending forever.
func (s *Session) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.cfg.DeadlineSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce(time.Now())
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Session) sweepOnce(now time.Time) {
	s.mu.RLock()
	conns := make([]*conn.Connection, 0, len(s.nodes))
	for _, c := range s.nodes {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		if n := c.SweepExpired(now); n > 0 {
			telemetry.ObserveDeadlineSweepExpired(n)
		}
	}
}

// Current returns the currently installed topology snapshot, or nil before
// the first bootstrap completes.
func (s *Session) Current() *topology.Map { return s.install.Current() }

// Bootstrap dials the first reachable seed, hands it through the handshake,
// fetches the initial cluster map, installs it, and opens connections to
// every KV node it names.
func (s *Session) Bootstrap(ctx context.Context, seeds []string) error {
	var lastErr error
	for _, addr := range seeds {
		m, err := s.bootstrapOne(ctx, addr)
		if err != nil {
			lastErr = err
			log.Printf("session: seed %s failed bootstrap: %v", addr, err)
			continue
		}
		if !s.install.Install(m) {
			return fmt.Errorf("session: initial map from %s was rejected as stale", addr)
		}
		return s.reconcileNodes(ctx, m)
	}
	return fmt.Errorf("session: no seed reachable, last error: %w", lastErr)
}

func (s *Session) bootstrapOne(ctx context.Context, addr string) (*topology.Map, error) {
	c, err := s.dial(ctx, addr, s.handlePush)
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	if err := s.handshake(hctx, c); err != nil {
		c.Close()
		return nil, err
	}
	resp, err := sendSync(hctx, c, &memd.Packet{Magic: memd.MagicReq, Opcode: memd.OpGetClusterCfg, Opaque: c.NextOpaque()}, s.cfg.HandshakeTimeout)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("session: GET_CLUSTER_CONFIG: %w", err)
	}
	if resp.Status() != memd.StatusSuccess {
		c.Close()
		return nil, fmt.Errorf("session: GET_CLUSTER_CONFIG status %#x", resp.Status())
	}
	m, err := topology.ParseCCCP(resp.Value)
	if err != nil {
		c.Close()
		return nil, err
	}
	// reconcileNodes below dials every node fresh (including possibly
	// this address again) for a uniform code path, so the bootstrap-only
	// connection is closed here rather than kept.
	c.Close()
	return m, nil
}

// handshake runs HELLO, optional SASL PLAIN, and SELECT_BUCKET over a
// freshly dialed Connection, in that order (spec.md §4.B).
func (s *Session) handshake(ctx context.Context, c *conn.Connection) error {
	helloReq := &memd.Packet{
		Magic:  memd.MagicReq,
		Opcode: memd.OpHello,
		Opaque: c.NextOpaque(),
		Key:    []byte("cbcore"),
		Value:  memd.EncodeHelloFeatures(s.cfg.Features),
	}
	resp, err := sendSync(ctx, c, helloReq, s.cfg.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("session: HELLO: %w", err)
	}
	if resp.Status() != memd.StatusSuccess {
		return fmt.Errorf("session: HELLO status %#x", resp.Status())
	}

	if s.cfg.Credentials.Username != "" {
		authValue := make([]byte, 0, len(s.cfg.Credentials.Username)+len(s.cfg.Credentials.Password)+2)
		authValue = append(authValue, 0)
		authValue = append(authValue, s.cfg.Credentials.Username...)
		authValue = append(authValue, 0)
		authValue = append(authValue, s.cfg.Credentials.Password...)
		authReq := &memd.Packet{
			Magic:  memd.MagicReq,
			Opcode: memd.OpSASLAuth,
			Opaque: c.NextOpaque(),
			Key:    []byte("PLAIN"),
			Value:  authValue,
		}
		resp, err := sendSync(ctx, c, authReq, s.cfg.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("session: SASL PLAIN: %w", err)
		}
		if resp.Status() != memd.StatusSuccess {
			return fmt.Errorf("session: SASL PLAIN status %#x", resp.Status())
		}
	}

	if s.cfg.Bucket != "" {
		selectReq := &memd.Packet{
			Magic:  memd.MagicReq,
			Opcode: memd.OpSelectBucket,
			Opaque: c.NextOpaque(),
			Key:    []byte(s.cfg.Bucket),
		}
		resp, err := sendSync(ctx, c, selectReq, s.cfg.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("session: SELECT_BUCKET: %w", err)
		}
		if resp.Status() != memd.StatusSuccess {
			return fmt.Errorf("session: SELECT_BUCKET status %#x", resp.Status())
		}
	}
	return nil
}

// reconcileNodes makes the live connection set match m's node list: dials
// and handshakes any newly named node, and closes any connection for a node
// m no longer names.
func (s *Session) reconcileNodes(ctx context.Context, m *topology.Map) error {
	wanted := make(map[int]string, len(m.Nodes))
	for i, n := range m.Nodes {
		if port, ok := n.Ports[topology.ServiceKV]; ok && port != 0 {
			wanted[i] = fmt.Sprintf("%s:%d", n.Hostname, port)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, existing := range s.nodes {
		if _, ok := wanted[idx]; !ok {
			existing.Drain()
			go existing.Close()
			delete(s.nodes, idx)
		}
	}

	for idx, addr := range wanted {
		if _, ok := s.nodes[idx]; ok {
			continue
		}
		c, err := s.dial(ctx, addr, s.handlePush)
		if err != nil {
			log.Printf("session: dial node %d (%s): %v", idx, addr, err)
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		err = s.handshake(hctx, c)
		cancel()
		if err != nil {
			log.Printf("session: handshake node %d (%s): %v", idx, addr, err)
			c.Close()
			continue
		}
		c.MarkReady()
		s.nodes[idx] = c
	}
	s.reportConnectionTelemetry()
	return nil
}

// reportConnectionTelemetry publishes the aggregate connection-count and
// opaque-registry-depth gauges across every node Connection. Called with
// s.mu already held by reconcileNodes.
func (s *Session) reportConnectionTelemetry() {
	telemetry.SetConnectionsOpen(len(s.nodes))
	depth := 0
	for _, c := range s.nodes {
		depth += c.PendingCount()
	}
	telemetry.SetOpaqueRegistryDepth(depth)
}

// InstallTopology installs m if it is strictly newer than the current
// snapshot and reconciles the node set to match, exactly as a CCCP push
// does. The façade calls this with a map embedded in a
// not_my_vbucket response body (spec.md §4.D: "the server may return an
// updated map in the response body; the router ingests it before the retry
// is scheduled"; §8 property 4). Returns whether m was installed.
func (s *Session) InstallTopology(m *topology.Map) bool {
	if !s.install.Install(m) {
		return false
	}
	go func() {
		if err := s.reconcileNodes(context.Background(), m); err != nil {
			log.Printf("session: reconciling nodes after topology install: %v", err)
		}
	}()
	return true
}

// handlePush is the Connection PushHandler installed on every node
// connection: it watches for CCCP cluster-map-change-notify frames and
// installs any strictly newer map (spec.md §4.C, §8 property 6).
func (s *Session) handlePush(pkt *memd.Packet) {
	if pkt.Opcode != memd.OpClustermapChangeNotify {
		return
	}
	m, err := topology.ParseCCCP(pkt.Value)
	if err != nil {
		log.Printf("session: discarding malformed cluster-map push: %v", err)
		return
	}
	s.InstallTopology(m)
}

// ErrNodeNotReady is returned by Dispatch when the target node has no ready
// connection.
var ErrNodeNotReady = fmt.Errorf("session: target node has no ready connection")

// Dispatch routes a request to the Connection serving partition at
// replicaIndex (0 = active), per spec.md §4.C's dispatch(request,
// partition_index) contract.
func (s *Session) Dispatch(partition uint16, replicaIndex int, req *memd.Packet, deadline time.Time, cb func(*memd.Packet, error)) error {
	m := s.install.Current()
	if m == nil {
		return fmt.Errorf("session: no topology installed yet")
	}
	nodeIdx, err := m.NodeFor(partition, replicaIndex)
	if err != nil {
		return err
	}
	s.mu.RLock()
	c, ok := s.nodes[nodeIdx]
	s.mu.RUnlock()
	if !ok || c.State() != conn.StateReady {
		return ErrNodeNotReady
	}
	// Opaque is assigned from the connection that will actually carry the
	// frame, never by the caller, so the per-connection registry invariant
	// (at most one live entry per opaque) holds even when a request is
	// retried onto a different node (spec.md §3, Opaque registry).
	req.Opaque = c.NextOpaque()
	return c.Send(req, deadline, cb)
}

// Close stops the deadline sweep loop and tears down every node connection.
// Idempotent: closing stopSweep twice would panic, so closeSweepOnce guards
// it the same way Connection.die's sync.Once guards a double Close there.
func (s *Session) Close() {
	s.closeSweepOnce.Do(func() {
		close(s.stopSweep)
		<-s.sweepDone
	})
	s.mu.Lock()
	nodes := s.nodes
	s.nodes = make(map[int]*conn.Connection)
	s.mu.Unlock()
	for _, c := range nodes {
		c.Close()
	}
}

// sendSync adapts Connection.Send's callback interface to a blocking call,
// for the handshake sequence where each step must complete before the next
// begins (grounded on the request/response "waitResp" helper shape used by
// the retrieval pack's broker connection).
func sendSync(ctx context.Context, c *conn.Connection, req *memd.Packet, timeout time.Duration) (*memd.Packet, error) {
	type result struct {
		pkt *memd.Packet
		err error
	}
	done := make(chan result, 1)
	deadline := time.Now().Add(timeout)
	if err := c.Send(req, deadline, func(p *memd.Packet, err error) {
		done <- result{p, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.pkt, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

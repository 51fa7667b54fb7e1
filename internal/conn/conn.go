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

// Package conn manages a single TCP socket to one cluster node speaking the
// KV binary protocol (spec.md §4.B, Connection). One Connection is one
// socket: writes are serialized through a single goroutine so the wire
// stream is never interleaved, and reads are handled by a dedicated loop
// that demultiplexes responses back to callers by opaque.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cbcore/internal/memd"
	"cbcore/internal/telemetry"
)

// State is the Connection's lifecycle state (spec.md §4.B).
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrConnClosed is returned to any pending or future request once a
// Connection has been closed or has died.
var ErrConnClosed = errors.New("conn: connection closed")

// pendingReq is one outstanding opaque's bookkeeping: the opaque, its
// deadline, and the callback to invoke exactly once with the response or an
// error.
type pendingReq struct {
	opaque   uint32
	deadline time.Time
	callback func(*memd.Packet, error)
}

// writeJob is one frame queued for the single writer goroutine, paired with
// the pending-response bookkeeping to register right before it is flushed —
// registering only after a successful write would let a response race ahead
// of its own registration, so registration happens first and is rolled back
// on write failure.
type writeJob struct {
	opaque   uint32
	frame    []byte
	deadline time.Time
	callback func(*memd.Packet, error)
}

// PushHandler receives unsolicited server-pushed frames (opaque 0), e.g.
// cluster-map-change-notification or OBSERVE-based invalidations.
type PushHandler func(*memd.Packet)

// Connection is a single socket to one node. All exported methods are safe
// for concurrent use.
type Connection struct {
	addr string
	nc   net.Conn
	r    *bufio.Reader

	state atomic.Int32

	writeCh chan writeJob
	closeCh chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[uint32]*pendingReq
	nextOp  uint32

	onPush PushHandler

	wg sync.WaitGroup
}

// Dial opens a TCP connection to addr and starts its writer/reader loops.
// The Connection starts in StateConnecting and moves to StateHandshaking
// once the socket is up; callers (internal/session) drive the HELLO/SASL
// handshake and then call MarkReady.
func Dial(ctx context.Context, addr string, onPush PushHandler) (*Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: dialing %s: %w", addr, err)
	}
	return NewFromConn(addr, nc, onPush), nil
}

// NewFromConn wraps an already-established net.Conn (a plain TCP dial, or a
// *tls.Conn returned from tls.Client for a "couchbases://" endpoint) and
// starts its writer/reader loops. addr is used only for diagnostics. This is
// the constructor Dial itself uses; it is exported so callers that need a
// TLS-wrapped socket, or tests that substitute an in-memory net.Pipe, can
// build a Connection without going through a real DNS/TCP dial.
func NewFromConn(addr string, nc net.Conn, onPush PushHandler) *Connection {
	c := &Connection{
		addr:    addr,
		nc:      nc,
		r:       bufio.NewReaderSize(nc, 16*1024),
		writeCh: make(chan writeJob, 64),
		closeCh: make(chan struct{}),
		pending: make(map[uint32]*pendingReq),
		onPush:  onPush,
	}
	c.state.Store(int32(StateHandshaking))

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c
}

// MarkReady transitions the Connection from handshaking to ready. Requests
// submitted before MarkReady are still written, since the handshake itself
// uses Send; this only affects what callers outside the handshake observe
// via State.
func (c *Connection) MarkReady() {
	c.state.Store(int32(StateReady))
	telemetry.ObserveConnectionState(StateReady.String())
}

// State reports the Connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// NextOpaque returns the next opaque value to use for a request, reissued
// monotonically so at most one live entry exists per opaque at a time
// (spec.md §4.B invariant).
func (c *Connection) NextOpaque() uint32 {
	return atomic.AddUint32(&c.nextOp, 1)
}

// Send writes p (whose Opaque must already be set via NextOpaque) and
// arranges for cb to be invoked exactly once: with the matching response, or
// with a non-nil error if the write fails, the deadline passes, or the
// connection closes first. cb is never called synchronously from Send.
func (c *Connection) Send(p *memd.Packet, deadline time.Time, cb func(*memd.Packet, error)) error {
	if c.State() == StateClosed || c.State() == StateDraining {
		return ErrConnClosed
	}
	frame, err := memd.Encode(p)
	if err != nil {
		return err
	}
	job := writeJob{opaque: p.Opaque, frame: frame, deadline: deadline, callback: cb}
	select {
	case c.writeCh <- job:
		return nil
	case <-c.closeCh:
		return ErrConnClosed
	}
}

// writeLoop is the Connection's single writer: every frame, handshake or
// application request alike, passes through here so the wire stream is
// never interleaved between two concurrent writers (grounded on the
// single-writer-per-connection shape of a Kafka broker connection in the
// retrieval pack).
func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case job := <-c.writeCh:
			c.registerPending(job)
			if _, err := c.nc.Write(job.frame); err != nil {
				c.failPending(job.opaque, fmt.Errorf("conn: write to %s: %w", c.addr, err))
				c.die(err)
				return
			}
		case <-c.closeCh:
			c.drainWriteCh()
			return
		}
	}
}

func (c *Connection) drainWriteCh() {
	for {
		select {
		case job := <-c.writeCh:
			job.callback(nil, ErrConnClosed)
		default:
			return
		}
	}
}

func (c *Connection) registerPending(job writeJob) {
	c.mu.Lock()
	c.pending[job.opaque] = &pendingReq{opaque: job.opaque, deadline: job.deadline, callback: job.callback}
	c.mu.Unlock()
}

func (c *Connection) failPending(opaque uint32, err error) {
	c.mu.Lock()
	pr, ok := c.pending[opaque]
	if ok {
		delete(c.pending, opaque)
	}
	c.mu.Unlock()
	if ok {
		pr.callback(nil, err)
	}
}

// readLoop reads one frame at a time: a fixed HeaderSize peek to learn the
// declared body length, then exactly that many further bytes, then hands
// the decoded Packet to either a waiting opaque's callback or the push
// handler (opaque 0). This mirrors the header-then-body read pattern the
// retrieval pack's broker connection uses for length-prefixed protocol
// frames.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	header := make([]byte, memd.HeaderSize)
	for {
		if _, err := readFull(c.r, header); err != nil {
			c.die(fmt.Errorf("conn: reading header from %s: %w", c.addr, err))
			return
		}
		bodyLen, err := memd.PeekBodyLen(header)
		if err != nil {
			c.die(err)
			return
		}
		frame := make([]byte, memd.HeaderSize+bodyLen)
		copy(frame, header)
		if bodyLen > 0 {
			if _, err := readFull(c.r, frame[memd.HeaderSize:]); err != nil {
				c.die(fmt.Errorf("conn: reading body from %s: %w", c.addr, err))
				return
			}
		}
		pkt, err := memd.Decode(frame)
		if err != nil {
			c.die(err)
			return
		}
		c.dispatch(pkt)
	}
}

func (c *Connection) dispatch(pkt *memd.Packet) {
	if pkt.Opaque == 0 {
		if c.onPush != nil {
			c.onPush(pkt)
		}
		return
	}
	c.mu.Lock()
	pr, ok := c.pending[pkt.Opaque]
	if ok {
		delete(c.pending, pkt.Opaque)
	}
	c.mu.Unlock()
	if ok {
		pr.callback(pkt, nil)
	}
	// An opaque with no registered callback is a late or duplicate
	// response (e.g. arriving after its deadline already failed it
	// upstream); silently dropping it is correct since at most one
	// callback invocation per opaque is ever guaranteed.
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// die transitions the Connection to closed and fails every still-pending
// request with err. Safe to call multiple times; only the first call has an
// effect.
func (c *Connection) die(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		telemetry.ObserveConnectionState(StateClosed.String())
		close(c.closeCh)
		c.nc.Close()

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[uint32]*pendingReq)
		c.mu.Unlock()

		for _, pr := range pending {
			pr.callback(nil, err)
		}
	})
}

// Drain transitions the Connection to draining: new Sends are rejected, but
// the read loop keeps delivering responses to already-registered opaques
// until they all complete or the deadline passes, at which point the caller
// should call Close.
func (c *Connection) Drain() {
	c.state.CompareAndSwap(int32(StateReady), int32(StateDraining))
}

// Close shuts the Connection down immediately, failing any pending requests
// with ErrConnClosed.
func (c *Connection) Close() error {
	c.die(ErrConnClosed)
	c.wg.Wait()
	return nil
}

// PendingCount reports how many requests are currently awaiting a response,
// for telemetry and tests.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SweepExpired fails, with context.DeadlineExceeded, every pending request
// whose deadline is at or before now. Callers (internal/session) invoke this
// periodically; SweepExpired itself does no timers so tests can drive it
// deterministically.
func (c *Connection) SweepExpired(now time.Time) int {
	var expired []*pendingReq
	c.mu.Lock()
	for opaque, pr := range c.pending {
		if !pr.deadline.IsZero() && !pr.deadline.After(now) {
			expired = append(expired, pr)
			delete(c.pending, opaque)
		}
	}
	c.mu.Unlock()
	for _, pr := range expired {
		pr.callback(nil, context.DeadlineExceeded)
	}
	return len(expired)
}

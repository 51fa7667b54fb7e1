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
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"cbcore/internal/conn"
	"cbcore/internal/memd"
	"cbcore/internal/session"
)

const facadeTestCCCP = `{
	"rev": "1",
	"revEpoch": 1,
	"vBucketServerMap": {"numReplicas": 0, "serverList": ["n0:11210"], "vBucketMap": [[0]]},
	"nodesExt": [{"hostname": "n0", "services": {"kv": 11210, "mgmt": 8091}}]
}`

// mutatedFacadeTestCCCP is the map embedded in a not_my_vbucket reply to
// exercise the re-routing path. It differs from facadeTestCCCP only in its
// rev, so it installs as strictly newer while routing stays on the single
// fake node.
const mutatedFacadeTestCCCP = `{
	"rev": "2",
	"revEpoch": 1,
	"vBucketServerMap": {"numReplicas": 0, "serverList": ["n0:11210"], "vBucketMap": [[0]]},
	"nodesExt": [{"hostname": "n0", "services": {"kv": 11210, "mgmt": 8091}}]
}`

// fakeKVResponder builds a response for one non-handshake request, or
// returns nil to have the fake node fall back to a bare success.
type fakeKVResponder func(req *memd.Packet) *memd.Packet

// fakeFacadeNode runs a minimal autoresponder: HELLO/SASL/SELECT_BUCKET
// always succeed, GET_CLUSTER_CONFIG answers with facadeTestCCCP, and every other
// opcode is handed to respond (grounded on internal/session/session_test.go's
// fakeNode, generalized to let each facade test script its own KV replies).
func fakeFacadeNode(t *testing.T, nc net.Conn, respond fakeKVResponder) {
	t.Helper()
	go func() {
		for {
			header := make([]byte, memd.HeaderSize)
			if _, err := io.ReadFull(nc, header); err != nil {
				return
			}
			n, err := memd.PeekBodyLen(header)
			if err != nil {
				return
			}
			frame := make([]byte, memd.HeaderSize+n)
			copy(frame, header)
			if n > 0 {
				if _, err := io.ReadFull(nc, frame[memd.HeaderSize:]); err != nil {
					return
				}
			}
			req, err := memd.Decode(frame)
			if err != nil {
				return
			}

			var resp *memd.Packet
			switch req.Opcode {
			case memd.OpGetClusterCfg:
				resp = &memd.Packet{Value: []byte(facadeTestCCCP)}
			case memd.OpHello, memd.OpSASLAuth, memd.OpSelectBucket:
				resp = &memd.Packet{}
			default:
				if respond != nil {
					resp = respond(req)
				}
				if resp == nil {
					resp = &memd.Packet{}
				}
			}
			resp.Magic = memd.MagicRes
			resp.Opcode = req.Opcode
			resp.Opaque = req.Opaque
			if resp.VbucketOrStat == 0 {
				resp.VbucketOrStat = uint16(memd.StatusSuccess)
			}
			out, err := memd.Encode(resp)
			if err != nil {
				return
			}
			if _, err := nc.Write(out); err != nil {
				return
			}
		}
	}()
}

func fakeFacadeDialer(t *testing.T, respond fakeKVResponder) session.Dialer {
	return func(ctx context.Context, addr string, onPush conn.PushHandler) (*conn.Connection, error) {
		client, server := net.Pipe()
		fakeFacadeNode(t, server, respond)
		return conn.NewFromConn(addr, client, onPush), nil
	}
}

func openTestCluster(t *testing.T, respond fakeKVResponder) *Cluster {
	t.Helper()
	c := NewCluster(ClusterConfig{Dialer: fakeFacadeDialer(t, respond)})
	t.Cleanup(c.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.OpenBucket(ctx, "travel", []string{"seed:11210"}); err != nil {
		t.Fatalf("OpenBucket: %v", err)
	}
	// Let reconcileNodes finish dialing the KV node before any test dispatches.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bh, ec := c.bucketHandle("travel")
		if ec == nil && bh.sess.Current() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c
}

// mutationSeqnoExtras builds the 16-byte vbucket-uuid+seqno extras layout
// decodeMutationSeqno (command.go) expects on a mutation response.
func mutationSeqnoExtras(uuid, seqno uint64) []byte {
	extras := make([]byte, 16)
	putUint64(extras[0:8], uuid)
	putUint64(extras[8:16], seqno)
	return extras
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func docID(key string) DocumentID {
	return DocumentID{Bucket: "travel", Key: []byte(key)}
}

func Test_Execute_UpsertThenGet_RoundTrip(t *testing.T) {
	var stored atomic.Value // []byte
	c := openTestCluster(t, func(req *memd.Packet) *memd.Packet {
		switch req.Opcode {
		case memd.OpSet:
			stored.Store(append([]byte(nil), req.Value...))
			return &memd.Packet{Cas: 7, Extras: mutationSeqnoExtras(42, 1)}
		case memd.OpGet:
			v, _ := stored.Load().([]byte)
			extras := make([]byte, 4)
			return &memd.Packet{Cas: 7, Extras: extras, Value: v, Datatype: memd.DatatypeJSON}
		}
		return nil
	})

	upsertDone := make(chan struct{})
	upsertCmd := &UpsertCommand{Value: []byte(`{"a":1}`)}
	c.Execute(Request{ID: docID("doc1"), Command: upsertCmd}, func(resp *Response, ec *ErrorContext) {
		defer close(upsertDone)
		if ec != nil {
			t.Errorf("upsert failed: %v", ec)
			return
		}
		if resp.Cas != 7 {
			t.Errorf("Cas = %d, want 7", resp.Cas)
		}
		if resp.MutationToken.SequenceNo != 1 {
			t.Errorf("SequenceNo = %d, want 1", resp.MutationToken.SequenceNo)
		}
	})
	waitOrFail(t, upsertDone)

	getDone := make(chan struct{})
	getCmd := &GetCommand{}
	c.Execute(Request{ID: docID("doc1"), Command: getCmd}, func(resp *Response, ec *ErrorContext) {
		defer close(getDone)
		if ec != nil {
			t.Errorf("get failed: %v", ec)
			return
		}
		if resp.Cas != 7 {
			t.Errorf("Cas = %d, want 7", resp.Cas)
		}
		if string(getCmd.ResultValue) != `{"a":1}` {
			t.Errorf("value = %q, want %q", getCmd.ResultValue, `{"a":1}`)
		}
	})
	waitOrFail(t, getDone)
}

func Test_Execute_Get_DocumentNotFound(t *testing.T) {
	c := openTestCluster(t, func(req *memd.Packet) *memd.Packet {
		if req.Opcode == memd.OpGet {
			return &memd.Packet{VbucketOrStat: uint16(memd.StatusKeyNotFound)}
		}
		return nil
	})

	done := make(chan struct{})
	c.Execute(Request{ID: docID("missing"), Command: &GetCommand{}}, func(resp *Response, ec *ErrorContext) {
		defer close(done)
		if ec == nil {
			t.Fatal("expected an error")
		}
		if ec.Kind != ErrorKindDocumentNotFound {
			t.Errorf("Kind = %v, want %v", ec.Kind, ErrorKindDocumentNotFound)
		}
	})
	waitOrFail(t, done)
}

func Test_Execute_GetAndLock_Replace_Unlock(t *testing.T) {
	var locked atomic.Bool
	c := openTestCluster(t, func(req *memd.Packet) *memd.Packet {
		switch req.Opcode {
		case memd.OpGetLocked:
			locked.Store(true)
			return &memd.Packet{Cas: 99, Value: []byte(`{"a":1}`)}
		case memd.OpReplace:
			if !locked.Load() {
				return &memd.Packet{VbucketOrStat: uint16(memd.StatusLocked)}
			}
			return &memd.Packet{Cas: 100, Extras: mutationSeqnoExtras(1, 2)}
		case memd.OpUnlockKey:
			locked.Store(false)
			return &memd.Packet{}
		}
		return nil
	})

	lockCmd := &GetAndLockCommand{LockSeconds: 15}
	lockDone := make(chan struct{})
	c.Execute(Request{ID: docID("locked-doc"), Command: lockCmd}, func(resp *Response, ec *ErrorContext) {
		defer close(lockDone)
		if ec != nil {
			t.Fatalf("get_and_lock failed: %v", ec)
		}
		if resp.Cas != 99 {
			t.Errorf("Cas = %d, want 99", resp.Cas)
		}
	})
	waitOrFail(t, lockDone)

	replaceCmd := &ReplaceCommand{Value: []byte(`{"a":2}`), Cas: lockCmd.ResultCas}
	replaceDone := make(chan struct{})
	c.Execute(Request{ID: docID("locked-doc"), Command: replaceCmd}, func(resp *Response, ec *ErrorContext) {
		defer close(replaceDone)
		if ec != nil {
			t.Fatalf("replace failed: %v", ec)
		}
		if resp.Cas != 100 {
			t.Errorf("Cas = %d, want 100", resp.Cas)
		}
	})
	waitOrFail(t, replaceDone)

	unlockDone := make(chan struct{})
	c.Execute(Request{ID: docID("locked-doc"), Command: &UnlockCommand{Cas: 100}}, func(resp *Response, ec *ErrorContext) {
		defer close(unlockDone)
		if ec != nil {
			t.Fatalf("unlock failed: %v", ec)
		}
	})
	waitOrFail(t, unlockDone)
}

func Test_Execute_NotMyVbucket_ReroutesAndSucceeds(t *testing.T) {
	var attempts atomic.Int32
	c := openTestCluster(t, func(req *memd.Packet) *memd.Packet {
		if req.Opcode != memd.OpGet {
			return nil
		}
		if attempts.Add(1) == 1 {
			return &memd.Packet{VbucketOrStat: uint16(memd.StatusNotMyVbucket), Value: []byte(mutatedFacadeTestCCCP)}
		}
		extras := make([]byte, 4)
		return &memd.Packet{Cas: 5, Extras: extras, Value: []byte("ok")}
	})

	done := make(chan struct{})
	getCmd := &GetCommand{}
	c.Execute(Request{ID: docID("moved-doc"), Command: getCmd, Deadline: time.Now().Add(3 * time.Second)}, func(resp *Response, ec *ErrorContext) {
		defer close(done)
		if ec != nil {
			t.Fatalf("expected the retry to succeed after the embedded map install, got: %v", ec)
		}
		if string(getCmd.ResultValue) != "ok" {
			t.Errorf("value = %q, want %q", getCmd.ResultValue, "ok")
		}
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never completed")
	}
	if attempts.Load() < 2 {
		t.Fatalf("attempts = %d, want at least 2 (original dispatch + retry)", attempts.Load())
	}
}

func Test_Execute_CallbackFiresExactlyOnce(t *testing.T) {
	c := openTestCluster(t, func(req *memd.Packet) *memd.Packet {
		if req.Opcode == memd.OpTouch {
			return &memd.Packet{Cas: 3}
		}
		return nil
	})

	var calls atomic.Int32
	done := make(chan struct{})
	c.Execute(Request{ID: docID("touch-doc"), Command: &TouchCommand{ExpirySeconds: 30}}, func(resp *Response, ec *ErrorContext) {
		calls.Add(1)
		close(done)
	})
	waitOrFail(t, done)
	time.Sleep(50 * time.Millisecond) // give any errant second invocation a chance to land
	if n := calls.Load(); n != 1 {
		t.Fatalf("callback invoked %d times, want exactly 1", n)
	}
}

func Test_Close_CancelsFutureExecute(t *testing.T) {
	c := openTestCluster(t, nil)
	c.Close()

	done := make(chan struct{})
	c.Execute(Request{ID: docID("after-close"), Command: &GetCommand{}}, func(resp *Response, ec *ErrorContext) {
		defer close(done)
		if ec == nil || ec.Kind != ErrorKindRequestCanceled {
			t.Fatalf("Kind = %v, want %v", ec, ErrorKindRequestCanceled)
		}
	})
	waitOrFail(t, done)
}

func waitOrFail(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("operation never completed")
	}
}

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
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"cbcore/internal/conn"
	"cbcore/internal/memd"
	"cbcore/internal/session"
)

// queryFakeNode is fakeFacadeNode, but its GET_CLUSTER_CONFIG reply advertises
// a n1ql service endpoint at host:port, so ExecuteQuery has a real HTTP
// address to route a PREPARE/prepared submission to.
func queryFakeNode(t *testing.T, nc net.Conn, host string, port int) {
	t.Helper()
	cccp := fmt.Sprintf(`{
		"rev": "1",
		"revEpoch": 1,
		"vBucketServerMap": {"numReplicas": 0, "serverList": ["n0:11210"], "vBucketMap": [[0]]},
		"nodesExt": [{"hostname": %q, "services": {"kv": 11210, "mgmt": 8091, "n1ql": %d}}]
	}`, host, port)
	go func() {
		for {
			header := make([]byte, memd.HeaderSize)
			if _, err := readAllFrom(nc, header); err != nil {
				return
			}
			n, err := memd.PeekBodyLen(header)
			if err != nil {
				return
			}
			frame := make([]byte, memd.HeaderSize+n)
			copy(frame, header)
			if n > 0 {
				if _, err := readAllFrom(nc, frame[memd.HeaderSize:]); err != nil {
					return
				}
			}
			req, err := memd.Decode(frame)
			if err != nil {
				return
			}
			resp := &memd.Packet{Magic: memd.MagicRes, Opcode: req.Opcode, Opaque: req.Opaque, VbucketOrStat: uint16(memd.StatusSuccess)}
			if req.Opcode == memd.OpGetClusterCfg {
				resp.Value = []byte(cccp)
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

func readAllFrom(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func queryFakeDialer(t *testing.T, host string, port int) session.Dialer {
	return func(ctx context.Context, addr string, onPush conn.PushHandler) (*conn.Connection, error) {
		client, server := net.Pipe()
		queryFakeNode(t, server, host, port)
		return conn.NewFromConn(addr, client, onPush), nil
	}
}

// openTestClusterWithQuery opens a bucket whose cluster map advertises a
// n1ql service endpoint at queryAddr (typically an httptest.Server's
// listener address), so ExecuteQuery has a real HTTP target.
func openTestClusterWithQuery(t *testing.T, queryAddr string) *Cluster {
	t.Helper()
	host, portStr, err := net.SplitHostPort(queryAddr)
	if err != nil {
		t.Fatalf("splitting query addr %q: %v", queryAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing query port %q: %v", portStr, err)
	}

	c := NewCluster(ClusterConfig{Dialer: queryFakeDialer(t, host, port)})
	t.Cleanup(c.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.OpenBucket(ctx, "travel", []string{"seed:11210"}); err != nil {
		t.Fatalf("OpenBucket: %v", err)
	}
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

// Test_ExecuteQuery_FirstCallPrepares_SecondCallSubmitsPrepared proves
// spec.md §8 S5: the first submission of a statement carries a "statement"
// field (wrapped in PREPARE ... with auto_execute), and the second
// submission of the same statement carries a "prepared" field with no
// "statement" field, because the first call's prepared name was cached.
func Test_ExecuteQuery_FirstCallPrepares_SecondCallSubmitsPrepared(t *testing.T) {
	var requests atomic.Int32
	var sawStatementFirst, sawPreparedSecond atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request body: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		n := requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			if _, ok := body["statement"]; !ok {
				t.Errorf("first request missing statement field: %v", body)
			} else {
				sawStatementFirst.Store(true)
			}
			fmt.Fprint(w, `{"prepared":"plan-1","results":[{"x":1}]}`)
			return
		}
		if _, ok := body["prepared"]; !ok {
			t.Errorf("second request missing prepared field: %v", body)
		} else {
			sawPreparedSecond.Store(true)
		}
		if _, ok := body["statement"]; ok {
			t.Errorf("second request should not carry a statement field: %v", body)
		}
		fmt.Fprint(w, `{"results":[{"x":2}]}`)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	c := openTestClusterWithQuery(t, addr)

	ctx := context.Background()
	resp1, ec := c.ExecuteQuery(ctx, QueryRequest{Bucket: "travel", Statement: "SELECT 1"})
	if ec != nil {
		t.Fatalf("first ExecuteQuery: %v", ec)
	}
	drainRows(t, resp1)
	resp1.Close()

	resp2, ec := c.ExecuteQuery(ctx, QueryRequest{Bucket: "travel", Statement: "SELECT 1"})
	if ec != nil {
		t.Fatalf("second ExecuteQuery: %v", ec)
	}
	drainRows(t, resp2)
	resp2.Close()

	if !sawStatementFirst.Load() {
		t.Error("first request never carried a statement field")
	}
	if !sawPreparedSecond.Load() {
		t.Error("second request never carried a prepared field")
	}
	if requests.Load() != 2 {
		t.Fatalf("requests = %d, want 2", requests.Load())
	}
}

func drainRows(t *testing.T, resp *QueryResponse) {
	t.Helper()
	for {
		_, err := resp.Rows.Next()
		if err != nil {
			return
		}
	}
}

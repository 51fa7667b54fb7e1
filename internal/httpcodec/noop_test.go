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

package httpcodec

import (
	"net/http"
	"testing"
	"time"

	"cbcore/internal/topology"
)

func Test_BuildNoopRequest_Paths(t *testing.T) {
	cases := []struct {
		service topology.ServiceKind
		path    string
	}{
		{topology.ServiceQuery, "/admin/ping"},
		{topology.ServiceAnalytics, "/admin/ping"},
		{topology.ServiceSearch, "/api/ping"},
		{topology.ServiceViews, "/"},
	}
	for _, c := range cases {
		req, err := BuildNoopRequest("http://node1:8093", c.service, "ctx-1")
		if err != nil {
			t.Fatalf("service %v: %v", c.service, err)
		}
		if req.URL.Path != c.path {
			t.Fatalf("service %v: path = %q, want %q", c.service, req.URL.Path, c.path)
		}
		if req.Header.Get("Connection") != "keep-alive" {
			t.Fatalf("service %v: missing keep-alive header", c.service)
		}
		if req.Header.Get("Client-Context-Id") != "ctx-1" {
			t.Fatalf("service %v: missing client context id", c.service)
		}
	}
}

func Test_BuildNoopRequest_UnpingableServices(t *testing.T) {
	for _, svc := range []topology.ServiceKind{topology.ServiceKV, topology.ServiceManagement} {
		if _, err := BuildNoopRequest("http://node1:8091", svc, ""); err != ErrServiceNotHTTPPingable {
			t.Fatalf("service %v: err = %v, want ErrServiceNotHTTPPingable", svc, err)
		}
	}
}

func Test_NewHTTPClient_AppliesTransportTuning(t *testing.T) {
	client := NewHTTPClient(256, 256, 30*time.Second, 5*time.Second)
	if client.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %v", client.Timeout)
	}
	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http.Transport", client.Transport)
	}
	if tr.MaxIdleConns != 256 || tr.MaxIdleConnsPerHost != 256 || tr.IdleConnTimeout != 30*time.Second {
		t.Fatalf("transport = %d/%d/%v, want 256/256/30s", tr.MaxIdleConns, tr.MaxIdleConnsPerHost, tr.IdleConnTimeout)
	}
}

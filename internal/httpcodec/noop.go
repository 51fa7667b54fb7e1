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

// Package httpcodec builds and decodes the HTTP side of the wire codec
// (spec.md §4.A) for the query/analytics/search/views services: request
// construction (method, path, headers, timeout) and a generic streaming
// response decoder. Response *bodies* beyond the generic row-streaming shape
// are out of scope (spec.md §1 Non-goals); this package proves the shape,
// not a query/search DSL.
package httpcodec

import (
	"fmt"
	"net/http"
	"time"

	"cbcore/internal/topology"
)

// ErrServiceNotHTTPPingable is returned by BuildNoopRequest for a service
// that has no health-check endpoint (kv uses a binary-protocol NOOP instead,
// and management has no ping route), matching
// couchbase/operations/http_noop.hxx's feature_not_available case for those
// two services.
var ErrServiceNotHTTPPingable = fmt.Errorf("httpcodec: service has no HTTP ping endpoint")

// NoopRequest describes the zero-body health-check request shape
// (original_source supplement: couchbase/operations/http_noop.hxx). The
// façade does not issue it: nothing in cbcore pings an HTTP connection
// before routing traffic to it; BuildNoopRequest is available to callers
// that want to.
type NoopRequest struct {
	Service          topology.ServiceKind
	ClientContextID  string
	Timeout          time.Duration
}

// noopPaths mirrors http_noop_request::encode_to's per-service switch.
var noopPaths = map[topology.ServiceKind]string{
	topology.ServiceQuery:     "/admin/ping",
	topology.ServiceAnalytics: "/admin/ping",
	topology.ServiceSearch:    "/api/ping",
	topology.ServiceViews:     "/",
}

// BuildNoopRequest returns the http.Request for pinging service on baseURL
// (scheme://host:port, no trailing slash), or ErrServiceNotHTTPPingable for
// kv/management.
func BuildNoopRequest(baseURL string, service topology.ServiceKind, clientContextID string) (*http.Request, error) {
	path, ok := noopPaths[service]
	if !ok {
		return nil, ErrServiceNotHTTPPingable
	}
	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("httpcodec: building noop request: %w", err)
	}
	req.Header.Set("Connection", "keep-alive")
	if clientContextID != "" {
		req.Header.Set("Client-Context-Id", clientContextID)
	}
	return req, nil
}

// NewHTTPClient returns an *http.Client tuned the way the retrieval pack's
// HTTP load generator tunes its transport for connection reuse across many
// short-lived service requests (maxIdle/maxIdlePerHost/idleTimeout map
// directly onto http.Transport's pooling knobs).
func NewHTTPClient(maxIdleConns, maxIdlePerHost int, idleTimeout, clientTimeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     idleTimeout,
	}
	return &http.Client{Transport: tr, Timeout: clientTimeout}
}

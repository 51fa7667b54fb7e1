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
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"cbcore/internal/httpcodec"
	"cbcore/internal/queryengine"
	"cbcore/internal/retry"
	"cbcore/internal/topology"
)

// QueryRequest is one N1QL-style statement submitted to ExecuteQuery
// (spec.md §4.D, the query/search/analytics/views dispatch path).
type QueryRequest struct {
	Bucket          string
	Statement       string
	Args            []interface{}
	QueryContext    httpcodec.QueryContextOptions
	ClientContextID string
	ScanConsistency string
	Readonly        bool
	Deadline        time.Time
}

// QueryResponse is what a successful ExecuteQuery delivers: the rows,
// readable via httpcodec.RowReader regardless of whether this submission
// streamed them directly or received them folded into a PREPARE's response
// (spec.md §8 S5). Callers must call Close once done consuming Rows.
type QueryResponse struct {
	Rows                  httpcodec.RowReader
	PreparedName          string
	FromPreparedStatement bool

	body   io.Closer
	cancel context.CancelFunc
}

// Close releases the HTTP response body and the per-request context. Safe to
// call on a QueryResponse whose rows were fully buffered (the
// PREPARE-auto_execute path), where it is a no-op beyond releasing the
// already-drained body.
func (r *QueryResponse) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}

// ExecuteQuery resolves a query-service node via rendezvous affinity on the
// request's ClientContextID (or the statement text when that is empty), submits either a first-time PREPARE-with-auto_execute or a
// subsequent cached "prepared" request depending on what the prepared
// statement cache holds, and classifies any server error via
// retry.ClassifyQueryCode. It blocks the calling goroutine for the duration
// of the HTTP round trip, unlike Execute's callback-based KV path, because
// the query service's response is itself the thing to stream from; a caller
// wanting fire-and-forget semantics runs it on its own goroutine.
func (c *Cluster) ExecuteQuery(ctx context.Context, req QueryRequest) (*QueryResponse, *ErrorContext) {
	resp, ec, retryable := c.executeQueryOnce(ctx, req)
	if retryable {
		// The cache entry was just evicted by executeQueryOnce; a single
		// retry re-PREPAREs against the fresh miss (spec.md §7:
		// retry.RetryableQueryCode marks prepared-statement failures as the
		// one query error kind worth resubmitting).
		resp, ec, _ = c.executeQueryOnce(ctx, req)
	}
	return resp, ec
}

func (c *Cluster) executeQueryOnce(ctx context.Context, req QueryRequest) (*QueryResponse, *ErrorContext, bool) {
	bh, ec := c.bucketHandle(req.Bucket)
	if ec != nil {
		return nil, ec, false
	}
	m := bh.sess.Current()
	if m == nil {
		return nil, &ErrorContext{Kind: ErrorKindInternalServerFailure}, false
	}

	endpoints := m.ServiceEndpoints(topology.ServiceQuery)
	if len(endpoints) == 0 {
		return nil, &ErrorContext{Kind: ErrorKindServiceNotAvailable}, false
	}
	affinity := topology.NewServiceAffinity(endpoints)
	affinityKey := req.ClientContextID
	if affinityKey == "" {
		affinityKey = req.Statement
	}
	ep, ok := affinity.Pick(affinityKey)
	if !ok {
		return nil, &ErrorContext{Kind: ErrorKindServiceNotAvailable}, false
	}

	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(c.cfg.DefaultQueryTimeout)
	}
	ctx, cancel := context.WithDeadline(ctx, req.Deadline)

	queryContext := httpcodec.BuildQueryContext(req.QueryContext)

	cached, hit, err := c.cfg.QueryCache.Get(ctx, req.Statement)
	if err != nil {
		cancel()
		return nil, &ErrorContext{Kind: ErrorKindInternalServerFailure, UnderlyingError: err}, false
	}

	body := httpcodec.QueryBody{
		Args:            req.Args,
		QueryContext:    queryContext,
		ClientContextID: req.ClientContextID,
		ScanConsistency: req.ScanConsistency,
		Readonly:        req.Readonly,
	}
	if hit {
		body.Prepared = cached.PreparedName
	} else {
		body.Statement = "PREPARE " + req.Statement
		body.AutoExecute = true
	}

	resp, ec := c.submitQuery(ctx, ep, req, body)
	if ec != nil {
		cancel()
		return nil, ec, false
	}

	if resp.StatusCode != http.StatusOK {
		ec, queryKind := c.classifyQueryError(resp)
		resp.Body.Close()
		cancel()
		retryable := hit && retry.RetryableQueryCode(queryKind)
		if retryable {
			// The cached plan name is stale (e.g. an index rebuild
			// invalidated it server-side); evict it so the retry
			// re-PREPAREs instead of resubmitting the same dead name.
			c.cfg.QueryCache.Delete(req.Statement)
		}
		return nil, ec, retryable
	}

	if hit {
		// Rows stream lazily off resp.Body; the caller drives Close once
		// done reading, which releases both the body and ctx.
		return &QueryResponse{
			Rows:                  httpcodec.NewRowDecoder(resp.Body, "/results"),
			FromPreparedStatement: true,
			body:                  resp.Body,
			cancel:                cancel,
		}, nil, false
	}

	prep, err := httpcodec.DecodePrepareResponse(resp.Body)
	resp.Body.Close()
	cancel()
	if err != nil {
		return nil, &ErrorContext{Kind: ErrorKindParsingFailure, UnderlyingError: err}, false
	}
	if prep.Prepared != "" {
		// A background context: the PREPARE round trip's own ctx is about to
		// be canceled above, but populating the cache should not be aborted
		// by that — it is a cheap, independent write.
		if putErr := c.cfg.QueryCache.Put(context.Background(), req.Statement, queryengine.Entry{PreparedName: prep.Prepared}); putErr != nil {
			log.Printf("cbcore: populating prepared statement cache for %q: %v", req.Statement, putErr)
		}
	}
	return &QueryResponse{Rows: httpcodec.NewStaticRows(prep.Results), PreparedName: prep.Prepared}, nil, false
}

func (c *Cluster) submitQuery(ctx context.Context, ep topology.Endpoint, req QueryRequest, body httpcodec.QueryBody) (*http.Response, *ErrorContext) {
	encoded, err := httpcodec.BuildQueryBody(body)
	if err != nil {
		return nil, &ErrorContext{Kind: ErrorKindInvalidArgument, UnderlyingError: err}
	}
	url := fmt.Sprintf("http://%s:%d/query/service", ep.Host, ep.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, &ErrorContext{Kind: ErrorKindInternalServerFailure, UnderlyingError: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ClientContextID != "" {
		httpReq.Header.Set("Client-Context-Id", req.ClientContextID)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ErrorContext{Kind: ErrorKindUnambiguousTimeout, UnderlyingError: err}
		}
		return nil, &ErrorContext{Kind: ErrorKindServiceNotAvailable, UnderlyingError: err}
	}
	return resp, nil
}

// classifyQueryError reads a non-200 query-service response's error body and
// maps its server error code to the closed ErrorKind set (spec.md §7),
// reusing the same numeric-code table the retry orchestrator consults for
// prepared-statement-failure retries. It also returns the raw
// retry.QueryErrorKind so the caller can decide retryability via
// retry.RetryableQueryCode without re-parsing the body.
func (c *Cluster) classifyQueryError(resp *http.Response) (*ErrorContext, retry.QueryErrorKind) {
	eb, err := httpcodec.DecodeQueryErrorBody(resp.Body)
	if err != nil || len(eb.Errors) == 0 {
		return &ErrorContext{
			Kind: ErrorKindInternalServerFailure,
			HTTP: &HTTPErrorContext{Method: http.MethodPost, Path: "/query/service", StatusCode: resp.StatusCode},
		}, retry.QueryErrKindOther
	}
	first := eb.Errors[0]
	kind := retry.ClassifyQueryCode(first.Code, first.Msg)
	return &ErrorContext{
		Kind:  queryErrorKindToErrorKind(kind),
		HTTP:  &HTTPErrorContext{Method: http.MethodPost, Path: "/query/service", StatusCode: resp.StatusCode},
		Query: &QueryErrorContext{ServerErrorCode: first.Code},
	}, kind
}

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
	"encoding/json"
	"fmt"
	"io"
)

// QueryBody is the JSON body POSTed to /query/service (spec.md §6). Either
// Statement or Prepared is set, never both — the façade chooses between them
// per statement based on what the prepared-statement cache holds (spec.md §8
// S5).
type QueryBody struct {
	Statement       string        `json:"statement,omitempty"`
	Prepared        string        `json:"prepared,omitempty"`
	AutoExecute     bool          `json:"auto_execute,omitempty"`
	Args            []interface{} `json:"args,omitempty"`
	QueryContext    string        `json:"query_context,omitempty"`
	ClientContextID string        `json:"client_context_id,omitempty"`
	Timeout         string        `json:"timeout,omitempty"`
	ScanConsistency string        `json:"scan_consistency,omitempty"`
	Readonly        bool          `json:"readonly,omitempty"`
}

// BuildQueryBody marshals b. Extracted as its own function (rather than
// inlining json.Marshal at the call site) so a future caller that needs to
// attach raw-passthrough fields has one place to do it.
func BuildQueryBody(b QueryBody) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("httpcodec: encoding query body: %w", err)
	}
	return data, nil
}

// PrepareResponse is the minimal top-level shape this client reads from a
// PREPARE-with-auto_execute response: the server-assigned plan name (cached
// for subsequent calls, spec.md §8 S5) alongside the query's own results,
// returned in the same round trip. Anything else in the response document
// (status, metrics, signature) stays out of scope (spec.md §1 Non-goals).
type PrepareResponse struct {
	Prepared string            `json:"prepared"`
	Results  []json.RawMessage `json:"results"`
}

// DecodePrepareResponse reads and decodes a PrepareResponse from r.
func DecodePrepareResponse(r io.Reader) (PrepareResponse, error) {
	var pr PrepareResponse
	if err := json.NewDecoder(r).Decode(&pr); err != nil {
		return PrepareResponse{}, fmt.Errorf("httpcodec: decoding prepare response: %w", err)
	}
	return pr, nil
}

// QueryErrorBody is the shape of a query-service error response: a
// "status":"fatal"/"errors" document carrying one or more numeric error
// codes (spec.md §7's documented query error-code table).
type QueryErrorBody struct {
	Errors []QueryError `json:"errors"`
}

// QueryError is one entry of a QueryErrorBody's errors array.
type QueryError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// DecodeQueryErrorBody reads and decodes a QueryErrorBody from r.
func DecodeQueryErrorBody(r io.Reader) (QueryErrorBody, error) {
	var eb QueryErrorBody
	if err := json.NewDecoder(r).Decode(&eb); err != nil {
		return QueryErrorBody{}, fmt.Errorf("httpcodec: decoding query error body: %w", err)
	}
	return eb, nil
}

// RowReader is the common shape RowDecoder and StaticRows both implement: a
// pull iterator over decoded-but-uninterpreted JSON rows.
type RowReader interface {
	Next() (json.RawMessage, error)
}

// StaticRows adapts an already-decoded slice of rows (e.g. the Results field
// of a PrepareResponse, read off the wire in one shot) to the same RowReader
// interface streamed rows satisfy, so a façade caller can treat both
// uniformly.
type StaticRows struct {
	rows []json.RawMessage
	idx  int
}

// NewStaticRows wraps rows for iteration via Next.
func NewStaticRows(rows []json.RawMessage) *StaticRows {
	return &StaticRows{rows: rows}
}

// Next returns the next row, or io.EOF once rows is exhausted.
func (s *StaticRows) Next() (json.RawMessage, error) {
	if s.idx >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.idx]
	s.idx++
	return row, nil
}

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
	"strings"
)

// RowDecoder streams the array found at a JSON pointer path (e.g.
// "/results" for a N1QL response, "/rows" for a views response) out of a
// larger JSON document without buffering the whole body, one element at a
// time as json.RawMessage. It does not interpret row contents — that stays
// out of scope (spec.md §1 Non-goals: response bodies beyond the generic
// streaming shape).
type RowDecoder struct {
	dec     *json.Decoder
	path    []string
	entered bool
	done    bool
}

// NewRowDecoder returns a RowDecoder that will walk r looking for the array
// at pointer (a "/"-separated path of object keys, e.g. "/results").
// pointer must name an array; decoding fails lazily on the first Next call
// that cannot find it.
func NewRowDecoder(r io.Reader, pointer string) *RowDecoder {
	var path []string
	for _, seg := range strings.Split(pointer, "/") {
		if seg != "" {
			path = append(path, seg)
		}
	}
	return &RowDecoder{dec: json.NewDecoder(r), path: path}
}

// Next returns the next row as raw JSON, or io.EOF once the array is
// exhausted.
func (d *RowDecoder) Next() (json.RawMessage, error) {
	if d.done {
		return nil, io.EOF
	}
	if !d.entered {
		if err := d.seek(); err != nil {
			d.done = true
			return nil, err
		}
		d.entered = true
	}
	if !d.dec.More() {
		// Consume the closing ']' so a caller that wants to keep reading
		// trailing top-level fields (status, errors, metrics — out of
		// scope here) could continue from a clean decoder state.
		if _, err := d.dec.Token(); err != nil && err != io.EOF {
			return nil, err
		}
		d.done = true
		return nil, io.EOF
	}
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		d.done = true
		return nil, err
	}
	return raw, nil
}

// seek advances the underlying decoder, token by token, until it is
// positioned just after the '[' that opens the array named by d.path.
func (d *RowDecoder) seek() error {
	remaining := d.path
	depth := 0
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return fmt.Errorf("httpcodec: seeking to /%s: %w", strings.Join(d.path, "/"), err)
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				depth++
			case '}':
				depth--
			case '[':
				if len(remaining) == 0 {
					return nil
				}
				// An array we're not looking for; skip it wholesale so
				// object-key matching below isn't confused by its contents.
				if err := d.skipArray(); err != nil {
					return err
				}
			}
		case string:
			if len(remaining) > 0 && t == remaining[0] && depth == len(d.path)-len(remaining)+1 {
				remaining = remaining[1:]
			}
		}
		if len(remaining) == 0 {
			// Matched every path segment; the next token must be the '['.
			tok, err := d.dec.Token()
			if err != nil {
				return err
			}
			if delim, ok := tok.(json.Delim); !ok || delim != '[' {
				return fmt.Errorf("httpcodec: /%s is not an array", strings.Join(d.path, "/"))
			}
			return nil
		}
	}
}

// skipArray consumes tokens until the matching ']' for an array whose '['
// was already consumed by the caller (Token() returned it), so it starts at
// depth 1.
func (d *RowDecoder) skipArray() error {
	depth := 1
	for depth > 0 {
		tok, err := d.dec.Token()
		if err != nil {
			return err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '[', '{':
				depth++
			case ']', '}':
				depth--
			}
		}
	}
	return nil
}

// SearchRow is the decoded shape of one Full Text Search hit. Its fields
// are deliberately minimal: search response bodies are out of scope
// (spec.md §1 Non-goals), and original_source confirms the upstream
// project's own search-row streaming reader was never finished either.
type SearchRow struct {
	Index string
	ID    string
	Score float64
	Raw   json.RawMessage
}

// SearchRowReader mirrors RowDecoder's streaming shape for FTS rows, but is
// an intentional stub: without a caller-supplied DecodeRow it returns
// ok=false immediately, the same unfinished state original_source's search
// row reader was left in. A caller wiring up search support can supply
// DecodeRow and get the same streaming behavior RowDecoder gives query/views.
type SearchRowReader struct {
	rows       *RowDecoder
	DecodeRow  func(json.RawMessage) (SearchRow, error)
}

// NewSearchRowReader wraps r, reading the array at pointer. DecodeRow may be
// left nil; Next then always reports ok=false.
func NewSearchRowReader(r io.Reader, pointer string, decodeRow func(json.RawMessage) (SearchRow, error)) *SearchRowReader {
	return &SearchRowReader{rows: NewRowDecoder(r, pointer), DecodeRow: decodeRow}
}

// Next returns the next decoded row. ok is false both at end of stream and,
// per this type's stub contract, whenever DecodeRow has not been supplied.
func (s *SearchRowReader) Next() (row SearchRow, ok bool) {
	if s.DecodeRow == nil {
		return SearchRow{}, false
	}
	raw, err := s.rows.Next()
	if err != nil {
		return SearchRow{}, false
	}
	row, err = s.DecodeRow(raw)
	if err != nil {
		return SearchRow{}, false
	}
	return row, true
}

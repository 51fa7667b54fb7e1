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
	"io"
	"strings"
	"testing"
)

const sampleQueryResponse = `{
	"requestID": "abc-123",
	"results": [
		{"id": "doc1", "value": 1},
		{"id": "doc2", "value": 2},
		{"id": "doc3", "value": 3}
	],
	"status": "success",
	"metrics": {"elapsedTime": "1ms"}
}`

func Test_RowDecoder_StreamsArrayElements(t *testing.T) {
	d := NewRowDecoder(strings.NewReader(sampleQueryResponse), "/results")
	var ids []string
	for {
		raw, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		var row struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			t.Fatalf("unmarshal row: %v", err)
		}
		ids = append(ids, row.ID)
	}
	want := []string{"doc1", "doc2", "doc3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func Test_RowDecoder_EmptyArray(t *testing.T) {
	d := NewRowDecoder(strings.NewReader(`{"results": []}`), "/results")
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("Next on empty array = %v, want io.EOF", err)
	}
}

func Test_RowDecoder_MissingPointer(t *testing.T) {
	d := NewRowDecoder(strings.NewReader(`{"rows": []}`), "/results")
	if _, err := d.Next(); err == nil {
		t.Fatal("expected error for missing pointer")
	}
}

func Test_RowDecoder_SkipsUnrelatedArray(t *testing.T) {
	body := `{"warnings": [1,2,3], "results": [{"id":"only"}]}`
	d := NewRowDecoder(strings.NewReader(body), "/results")
	raw, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if row.ID != "only" {
		t.Fatalf("id = %q", row.ID)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("second Next = %v, want io.EOF", err)
	}
}

func Test_SearchRowReader_StubWithoutDecodeRow(t *testing.T) {
	r := NewSearchRowReader(strings.NewReader(`{"hits": [{}]}`), "/hits", nil)
	if _, ok := r.Next(); ok {
		t.Fatal("expected ok=false with no DecodeRow configured")
	}
}

func Test_SearchRowReader_WithDecodeRow(t *testing.T) {
	body := `{"hits": [{"index":"idx1","id":"doc1","score":0.5}]}`
	r := NewSearchRowReader(strings.NewReader(body), "/hits", func(raw json.RawMessage) (SearchRow, error) {
		var v struct {
			Index string  `json:"index"`
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return SearchRow{}, err
		}
		return SearchRow{Index: v.Index, ID: v.ID, Score: v.Score, Raw: raw}, nil
	})
	row, ok := r.Next()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if row.ID != "doc1" || row.Index != "idx1" || row.Score != 0.5 {
		t.Fatalf("row = %+v", row)
	}
	if _, ok := r.Next(); ok {
		t.Fatal("expected ok=false at end of stream")
	}
}

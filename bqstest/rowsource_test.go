// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bqstest

import (
	"fmt"
	"strings"
	"testing"
)

func idTable(n int) *Table {
	schema := Schema{
		{Name: "id", Type: IntegerFieldType},
		{Name: "label", Type: StringFieldType},
	}
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{"id": int64(i), "label": fmt.Sprintf("row-%d", i)}
	}
	return NewTable(schema, rows)
}

func TestFetchBatchRespectsByteLimit(t *testing.T) {
	tbl := idTable(100)
	rc, err := newRowCodec(tbl.Schema())
	if err != nil {
		t.Fatal(err)
	}
	full := rowRange{0, 100}

	var rows []Row
	from := int64(0)
	batches := 0
	for {
		batch, err := tbl.FetchBatch(rc, full, from, 64)
		if err != nil {
			t.Fatalf("FetchBatch(from=%d): %v", from, err)
		}
		if batch.rowCount == 0 && !batch.exhausted {
			t.Fatalf("FetchBatch(from=%d) made no progress", from)
		}
		decoded, err := rc.decodeRows(batch.data)
		if err != nil {
			t.Fatalf("decodeRows: %v", err)
		}
		if int64(len(decoded)) != batch.rowCount {
			t.Fatalf("batch reports %d rows, payload decodes to %d", batch.rowCount, len(decoded))
		}
		rows = append(rows, decoded...)
		from = batch.nextOffset
		batches++
		if batch.exhausted {
			break
		}
	}
	if batches < 2 {
		t.Errorf("expected the byte limit to force multiple batches, got %d", batches)
	}
	if len(rows) != 100 {
		t.Fatalf("delivered %d rows, want 100", len(rows))
	}
	for i, row := range rows {
		if row["id"] != int64(i) {
			t.Fatalf("row %d has id %v, rows delivered out of order", i, row["id"])
		}
	}
}

func TestFetchBatchOversizedRow(t *testing.T) {
	schema := Schema{{Name: "payload", Type: StringFieldType}}
	tbl := NewTable(schema, []Row{{"payload": strings.Repeat("x", 100)}})
	rc, err := newRowCodec(schema)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tbl.FetchBatch(rc, rowRange{0, 1}, 0, 64)
	if err != errOversizedRow {
		t.Errorf("FetchBatch with an oversized row: got %v, want errOversizedRow", err)
	}
}

func TestFetchBatchBeyondMaterialized(t *testing.T) {
	tbl := idTable(10)
	rc, err := newRowCodec(tbl.Schema())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.FetchBatch(rc, rowRange{0, 20}, 15, 1024); err != errOutOfRange {
		t.Errorf("FetchBatch beyond materialized rows: got %v, want errOutOfRange", err)
	}

	batch, err := tbl.FetchBatch(rc, rowRange{0, 10}, 10, 1024)
	if err != nil {
		t.Fatalf("FetchBatch at range end: %v", err)
	}
	if !batch.exhausted || batch.rowCount != 0 {
		t.Errorf("FetchBatch at range end = %+v, want empty exhausted batch", batch)
	}
}

func TestEstimateRemainingClampsToMaterialized(t *testing.T) {
	tbl := idTable(10)
	if got := tbl.EstimateRemaining(rowRange{5, 20}); got != 5 {
		t.Errorf("EstimateRemaining([5,20)) = %d, want 5", got)
	}
	if got := tbl.EstimateRemaining(rowRange{15, 20}); got != 0 {
		t.Errorf("EstimateRemaining([15,20)) = %d, want 0", got)
	}
}

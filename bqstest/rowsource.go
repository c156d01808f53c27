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
	"errors"
	"sync"
)

var (
	// errOversizedRow reports a single row whose serialized form exceeds the
	// response size cap. The read fails rather than splitting the row.
	errOversizedRow = errors.New("row exceeds maximum response size")

	// errOutOfRange reports a fetch beyond the materialized rows.
	errOutOfRange = errors.New("offset beyond materialized rows")
)

// A RowSource is an ordered table partition: it can estimate how many rows
// remain in a range and serialize rows from an offset onward.
type RowSource interface {
	// NumRows returns the number of materialized rows.
	NumRows() int64

	// EstimateRemaining returns the number of rows of r that exist.
	EstimateRemaining(r rowRange) int64

	// FetchBatch serializes rows of r starting at global offset from, stopping
	// before the batch would exceed maxBytes. A row is never split across
	// batches; a single row larger than maxBytes fails with errOversizedRow.
	FetchBatch(rc *rowCodec, r rowRange, from int64, maxBytes int) (rowBatch, error)
}

// rowBatch is one serialized batch of rows.
type rowBatch struct {
	data       []byte
	rowCount   int64
	nextOffset int64 // global offset just past the last row in the batch
	exhausted  bool  // no rows of the range remain at nextOffset
}

// Table is an in-memory RowSource. Rows are fixed at creation and may be
// appended afterward; appended rows are invisible to sessions created
// earlier (snapshot pinning).
type Table struct {
	mu     sync.RWMutex
	schema Schema
	rows   []Row
}

// NewTable creates a table with the given schema and initial rows.
func NewTable(schema Schema, rows []Row) *Table {
	return &Table{schema: schema, rows: rows}
}

// Schema returns the table's schema.
func (t *Table) Schema() Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema
}

// Append adds rows to the end of the table.
func (t *Table) Append(rows ...Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, rows...)
}

// NumRows returns the current number of rows.
func (t *Table) NumRows() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.rows))
}

// EstimateRemaining returns how many rows of r are materialized.
func (t *Table) EstimateRemaining(r rowRange) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	end := r.end
	if n := int64(len(t.rows)); end > n {
		end = n
	}
	if end <= r.start {
		return 0
	}
	return end - r.start
}

// FetchBatch implements RowSource.
func (t *Table) FetchBatch(rc *rowCodec, r rowRange, from int64, maxBytes int) (rowBatch, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if from > int64(len(t.rows)) {
		return rowBatch{}, errOutOfRange
	}
	end := r.end
	if n := int64(len(t.rows)); end > n {
		end = n
	}
	if from >= end {
		return rowBatch{nextOffset: from, exhausted: true}, nil
	}

	batch := rowBatch{nextOffset: from}
	var buf []byte
	for off := from; off < end; off++ {
		encoded, err := rc.encodeRow(nil, t.rows[off])
		if err != nil {
			return rowBatch{}, err
		}
		if len(encoded) > maxBytes {
			return rowBatch{}, errOversizedRow
		}
		if len(buf)+len(encoded) > maxBytes {
			break
		}
		buf = append(buf, encoded...)
		batch.rowCount++
		batch.nextOffset = off + 1
	}
	batch.data = buf
	batch.exhausted = batch.nextOffset >= end
	return batch, nil
}

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

import "fmt"

// rowRange is a half-open interval [start, end) of global row offsets.
type rowRange struct {
	start, end int64
}

func (r rowRange) len() int64 {
	if r.end <= r.start {
		return 0
	}
	return r.end - r.start
}

func (r rowRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.start, r.end)
}

type streamState int

const (
	streamActive streamState = iota
	streamFinalizing
	streamFinalized
	streamSplit
)

func (s streamState) String() string {
	switch s {
	case streamActive:
		return "Active"
	case streamFinalizing:
		return "Finalizing"
	case streamFinalized:
		return "Finalized"
	case streamSplit:
		return "Split"
	}
	return fmt.Sprintf("streamState(%d)", int(s))
}

// stream is a registry entry: a named handle over a contiguous row range,
// with committed read progress and lifecycle state.
type stream struct {
	name  string // full resource name, unique within the session
	rng   rowRange
	state streamState

	// readOffset is the global offset just past the last row committed as
	// delivered. Monotonically non-decreasing; never exceeds rng.end.
	readOffset int64

	// generation counts accepted structural changes (carve, split, finalize).
	// Split identifiers are derived from (name, generation).
	generation int

	// parent is a lookup-only back-reference for diagnostics.
	parent string

	// Recorded split outcome. Valid once state == streamSplit. splitOffset is
	// the committed readOffset captured when the split was applied; the
	// parent never advances past it.
	splitOffset    int64
	splitPrimary   string
	splitRemainder string
}

// undelivered returns the sub-range not yet committed as delivered.
func (s *stream) undelivered() rowRange {
	return rowRange{start: s.readOffset, end: s.rng.end}
}

// readCeiling is the global offset the stream may deliver up to. For a split
// parent that is the captured split offset; otherwise the range end.
func (s *stream) readCeiling() int64 {
	if s.state == streamSplit {
		return s.splitOffset
	}
	return s.rng.end
}

// advance commits delivery up to the global offset to. Stale or regressing
// commits are rejected rather than applied, and a commit past the stream's
// ceiling is refused to protect the partition invariant.
func (s *stream) advance(to int64) error {
	if to < s.readOffset {
		return fmt.Errorf("stale offset %d, committed offset is %d", to, s.readOffset)
	}
	if to > s.readCeiling() {
		return fmt.Errorf("offset %d past stream ceiling %d", to, s.readCeiling())
	}
	s.readOffset = to
	if s.state == streamFinalizing && s.readOffset == s.rng.end {
		s.state = streamFinalized
	}
	return nil
}

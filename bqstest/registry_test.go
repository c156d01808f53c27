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
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testSessionName = "projects/p/locations/us/sessions/s"

func TestPartitionEven(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	streams := r.partition(1000, 2)
	if len(streams) != 2 {
		t.Fatalf("partition created %d streams, want 2", len(streams))
	}
	want := []rowRange{{0, 500}, {500, 1000}}
	for i, st := range streams {
		if st.rng != want[i] {
			t.Errorf("stream %d has range %v, want %v", i, st.rng, want[i])
		}
		if st.state != streamActive {
			t.Errorf("stream %d state = %v, want Active", i, st.state)
		}
	}
	if err := r.validate(1000); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestPartitionUneven(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	streams := r.partition(10, 3)
	var total int64
	for _, st := range streams {
		total += st.rng.len()
	}
	if total != 10 {
		t.Errorf("partition covers %d rows, want 10", total)
	}
	// Larger shards come first and sizes differ by at most one.
	sizes := []int64{streams[0].rng.len(), streams[1].rng.len(), streams[2].rng.len()}
	if sizes[0] != 4 || sizes[1] != 3 || sizes[2] != 3 {
		t.Errorf("shard sizes = %v, want [4 3 3]", sizes)
	}
	if err := r.validate(10); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestPartitionEmptyTable(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	streams := r.partition(0, 1)
	if len(streams) != 1 {
		t.Fatalf("partition created %d streams, want 1", len(streams))
	}
	if got := streams[0].rng.len(); got != 0 {
		t.Errorf("stream length = %d, want 0", got)
	}
	if err := r.validate(0); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestCarveHalvesLargestRemainder(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	parent := r.partition(1000, 1)[0]
	if err := parent.advance(100); err != nil {
		t.Fatal(err)
	}

	carved := r.carve(1, 100)
	if len(carved) != 1 {
		t.Fatalf("carve created %d streams, want 1", len(carved))
	}
	// Undelivered remainder was [100,1000); the child takes its upper half.
	if got, want := carved[0].rng, (rowRange{550, 1000}); got != want {
		t.Errorf("child range = %v, want %v", got, want)
	}
	if got, want := parent.rng, (rowRange{0, 550}); got != want {
		t.Errorf("parent range = %v, want %v", got, want)
	}
	if parent.readOffset != 100 {
		t.Errorf("parent offset moved to %d during carve", parent.readOffset)
	}
	if err := r.validate(1000); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestCarveStopsWhenUnprofitable(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	r.partition(150, 1)

	// A subdivision would leave a half below minRows.
	if carved := r.carve(5, 100); len(carved) != 0 {
		t.Errorf("carve created %d streams from a 150-row remainder, want 0", len(carved))
	}

	r2 := newStreamRegistry(testSessionName)
	r2.partition(1000, 1)
	carved := r2.carve(100, 100)
	if len(carved) == 0 || len(carved) >= 100 {
		t.Fatalf("carve created %d streams, want a profitable subset", len(carved))
	}
	for _, st := range carved {
		if st.rng.len() < 100 {
			t.Errorf("carved stream %q holds %d rows, want >= 100", st.name, st.rng.len())
		}
	}
	if err := r2.validate(1000); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestSplit(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	parent := r.partition(1000, 1)[0]
	if err := parent.advance(500); err != nil {
		t.Fatal(err)
	}

	primary, remainder, err := r.split(parent, 0.5)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if got, want := primary.rng, (rowRange{500, 750}); got != want {
		t.Errorf("primary range = %v, want %v", got, want)
	}
	if got, want := remainder.rng, (rowRange{750, 1000}); got != want {
		t.Errorf("remainder range = %v, want %v", got, want)
	}
	if parent.state != streamSplit {
		t.Errorf("parent state = %v, want Split", parent.state)
	}
	if got, want := parent.rng, (rowRange{0, 500}); got != want {
		t.Errorf("parent retained range %v, want delivered prefix %v", got, want)
	}
	if parent.splitOffset != 500 {
		t.Errorf("parent splitOffset = %d, want 500", parent.splitOffset)
	}
	if err := r.validate(1000); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestSplitIdempotent(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	parent := r.partition(1000, 1)[0]
	p1, r1, err := r.split(parent, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	p2, r2, err := r.split(parent, 0.9)
	if err != nil {
		t.Fatalf("replayed split: %v", err)
	}
	if p1 != p2 || r1 != r2 {
		t.Errorf("replayed split returned (%q, %q), want the recorded children (%q, %q)",
			p2.name, r2.name, p1.name, r1.name)
	}
}

func TestSplitExhaustedStream(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	st := r.partition(100, 1)[0]
	if err := st.advance(100); err != nil {
		t.Fatal(err)
	}
	_, _, err := r.split(st, 0.5)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("split of exhausted stream: got %v, want FailedPrecondition", err)
	}
}

func TestSplitFractionClamped(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	st := r.partition(1000, 1)[0]
	primary, _, err := r.split(st, 0.0001)
	if err != nil {
		t.Fatal(err)
	}
	// Primary always receives at least one row.
	if got := primary.rng.len(); got < 1 {
		t.Errorf("primary holds %d rows, want at least 1", got)
	}
	if err := r.validate(1000); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestFinalizeExhaustedStream(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	streams := r.partition(1000, 2)
	if err := streams[0].advance(500); err != nil {
		t.Fatal(err)
	}
	if err := r.finalize(streams[0]); err != nil {
		t.Fatalf("finalize exhausted stream: %v", err)
	}
	if streams[0].state != streamFinalized {
		t.Errorf("state = %v, want Finalized", streams[0].state)
	}
	// Retried finalize is a no-op.
	if err := r.finalize(streams[0]); err != nil {
		t.Errorf("retried finalize: %v", err)
	}
}

func TestFinalizeDrainsThroughReads(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	streams := r.partition(1000, 2)
	if err := r.finalize(streams[0]); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if streams[0].state != streamFinalizing {
		t.Fatalf("state = %v, want Finalizing", streams[0].state)
	}
	if err := streams[0].advance(500); err != nil {
		t.Fatal(err)
	}
	if streams[0].state != streamFinalized {
		t.Errorf("state after draining = %v, want Finalized", streams[0].state)
	}
}

func TestFinalizeLastStreamRefused(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	st := r.partition(1000, 1)[0]
	err := r.finalize(st)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("finalize of last covering stream: got %v, want FailedPrecondition", err)
	}
	if st.state != streamActive {
		t.Errorf("refused finalize changed state to %v", st.state)
	}
}

func TestFinalizeSplitStreamRefused(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	st := r.partition(1000, 1)[0]
	if _, _, err := r.split(st, 0.5); err != nil {
		t.Fatal(err)
	}
	err := r.finalize(st)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("finalize of split stream: got %v, want FailedPrecondition", err)
	}
}

func TestAdvanceRejectsRegressionAndOverrun(t *testing.T) {
	r := newStreamRegistry(testSessionName)
	st := r.partition(1000, 1)[0]
	if err := st.advance(600); err != nil {
		t.Fatal(err)
	}
	if err := st.advance(400); err == nil {
		t.Error("advance to a stale offset succeeded")
	}
	if err := st.advance(1001); err == nil {
		t.Error("advance past the stream ceiling succeeded")
	}
	if st.readOffset != 600 {
		t.Errorf("rejected advances moved the offset to %d", st.readOffset)
	}
}

func TestComputeStreamCount(t *testing.T) {
	tests := []struct {
		requested  int32
		totalRows  int64
		minRows    int64
		maxStreams int
		want       int
	}{
		{0, 1000, 100, 1000, 1},
		{2, 1000, 100, 1000, 2},
		{100, 1000, 100, 1000, 10},
		{5, 0, 100, 1000, 1},
		{5, 50, 100, 1000, 1},
		{2000, 1000000, 100, 1000, 1000},
	}
	for _, tc := range tests {
		got := computeStreamCount(tc.requested, tc.totalRows, tc.minRows, tc.maxStreams)
		if got != tc.want {
			t.Errorf("computeStreamCount(%d, %d, %d, %d) = %d, want %d",
				tc.requested, tc.totalRows, tc.minRows, tc.maxStreams, got, tc.want)
		}
	}
}

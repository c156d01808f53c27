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
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// streamRegistry holds the streams of one session, keyed by resource name.
// All methods must be called with the owning session's mutex held; structural
// operations (partition, carve, split, finalize) are thereby linearized
// per session.
type streamRegistry struct {
	sessionName string
	streams     map[string]*stream
	order       []string // creation order, for deterministic listings
	nextID      int
}

func newStreamRegistry(sessionName string) *streamRegistry {
	return &streamRegistry{
		sessionName: sessionName,
		streams:     make(map[string]*stream),
	}
}

func (r *streamRegistry) newStreamName() string {
	r.nextID++
	return fmt.Sprintf("%s/streams/%06x", r.sessionName, r.nextID)
}

func (r *streamRegistry) add(st *stream) {
	r.streams[st.name] = st
	r.order = append(r.order, st.name)
}

func (r *streamRegistry) get(name string) (*stream, bool) {
	st, ok := r.streams[name]
	return st, ok
}

// listed returns all streams in creation order.
func (r *streamRegistry) listed() []*stream {
	out := make([]*stream, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.streams[name])
	}
	return out
}

// active returns streams in the Active state, in creation order.
func (r *streamRegistry) active() []*stream {
	var out []*stream
	for _, st := range r.listed() {
		if st.state == streamActive {
			out = append(out, st)
		}
	}
	return out
}

// remainingRows sums the undelivered rows of coverage-bearing streams.
func (r *streamRegistry) remainingRows() int64 {
	var n int64
	for _, st := range r.streams {
		if st.state == streamActive || st.state == streamFinalizing {
			n += st.undelivered().len()
		}
	}
	return n
}

// partition carves [0, totalRows) into n contiguous, near-equal Active
// streams. Called once at session creation.
func (r *streamRegistry) partition(totalRows int64, n int) []*stream {
	base := totalRows / int64(n)
	extra := totalRows % int64(n)
	var out []*stream
	var cursor int64
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < extra {
			size++
		}
		st := &stream{
			name:       r.newStreamName(),
			rng:        rowRange{start: cursor, end: cursor + size},
			readOffset: cursor,
			state:      streamActive,
		}
		cursor += size
		r.add(st)
		out = append(out, st)
	}
	return out
}

// carve creates up to requested new Active streams by halving the undelivered
// tail of existing Active streams, largest remainder first. A stream is only
// subdivided when both halves keep at least minRows rows; carving stops when
// no subdivision is profitable, so fewer than requested (including zero)
// streams may be created.
func (r *streamRegistry) carve(requested int, minRows int64) []*stream {
	out := []*stream{}
	for len(out) < requested {
		var target *stream
		for _, st := range r.active() {
			if st.undelivered().len() < 2*minRows {
				continue
			}
			if target == nil || st.undelivered().len() > target.undelivered().len() {
				target = st
			}
		}
		if target == nil {
			break
		}
		rem := target.undelivered()
		mid := rem.start + rem.len()/2
		child := &stream{
			name:       r.newStreamName(),
			rng:        rowRange{start: mid, end: target.rng.end},
			readOffset: mid,
			state:      streamActive,
			parent:     target.name,
		}
		target.rng.end = mid
		target.generation++
		r.add(child)
		out = append(out, child)
	}
	return out
}

// split applies the split algorithm to st: the undelivered remainder
// [readOffset, end) is divided at fraction into primary [readOffset, mid) and
// remainder [mid, end), both Active; st keeps only its delivered prefix and
// becomes Split. Re-invoking split on an already-Split stream returns the
// recorded children, so retries are safe.
func (r *streamRegistry) split(st *stream, fraction float64) (primary, remainder *stream, err error) {
	if st.state == streamSplit {
		p := r.streams[st.splitPrimary]
		rem := r.streams[st.splitRemainder]
		return p, rem, nil
	}
	if st.state != streamActive {
		return nil, nil, status.Errorf(codes.FailedPrecondition, "stream %q is %v and cannot be split", st.name, st.state)
	}
	und := st.undelivered()
	if und.len() == 0 {
		return nil, nil, status.Errorf(codes.FailedPrecondition, "stream %q has no undelivered rows to split", st.name)
	}

	mid := und.start + int64(float64(und.len())*fraction)
	// The split point stays inside the undelivered remainder: rows already
	// delivered are never reassigned, and primary always gets at least one row.
	if mid <= und.start {
		mid = und.start + 1
	}
	if mid > und.end {
		mid = und.end
	}

	// Child names derive from (parent, generation) so a replayed split that
	// raced a first application resolves to the same identities.
	primary = &stream{
		name:       fmt.Sprintf("%s-g%dp", st.name, st.generation),
		rng:        rowRange{start: und.start, end: mid},
		readOffset: und.start,
		state:      streamActive,
		parent:     st.name,
	}
	remainder = &stream{
		name:       fmt.Sprintf("%s-g%dr", st.name, st.generation),
		rng:        rowRange{start: mid, end: und.end},
		readOffset: mid,
		state:      streamActive,
		parent:     st.name,
	}

	st.splitOffset = st.readOffset
	st.rng.end = st.readOffset
	st.state = streamSplit
	st.splitPrimary = primary.name
	st.splitRemainder = remainder.name
	st.generation++

	r.add(primary)
	r.add(remainder)
	return primary, remainder, nil
}

// finalize transitions st out of allocation eligibility. An exhausted stream
// finalizes immediately; otherwise the stream drains to Finalized through
// normal reads. Finalizing the only Active stream still holding undelivered
// rows is refused so the session never silently drops coverage.
func (r *streamRegistry) finalize(st *stream) error {
	switch st.state {
	case streamFinalizing, streamFinalized:
		// Retried finalize is a no-op.
		return nil
	case streamSplit:
		return status.Errorf(codes.FailedPrecondition, "stream %q was split and cannot be finalized", st.name)
	}
	if st.undelivered().len() > 0 {
		other := false
		for _, cand := range r.active() {
			if cand != st && cand.undelivered().len() > 0 {
				other = true
				break
			}
		}
		if !other {
			return status.Errorf(codes.FailedPrecondition, "stream %q is the last stream with undelivered rows in its session", st.name)
		}
	}
	st.generation++
	if st.undelivered().len() == 0 {
		st.state = streamFinalized
		return nil
	}
	st.state = streamFinalizing
	return nil
}

// validate checks the partition invariant: the ranges of all streams (split
// parents retain only their delivered prefix) tile [0, totalRows) with no gap
// and no overlap, and no stream has advanced past its ceiling.
func (r *streamRegistry) validate(totalRows int64) error {
	streams := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		if st.readOffset < st.rng.start || st.readOffset > st.readCeiling() {
			return fmt.Errorf("stream %q: offset %d outside %v", st.name, st.readOffset, st.rng)
		}
		if st.rng.len() == 0 && totalRows > 0 {
			continue
		}
		streams = append(streams, st)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].rng.start < streams[j].rng.start })
	var cursor int64
	for _, st := range streams {
		if st.rng.start != cursor {
			if st.rng.start < cursor {
				return fmt.Errorf("stream %q overlaps at offset %d", st.name, st.rng.start)
			}
			return fmt.Errorf("coverage gap [%d,%d)", cursor, st.rng.start)
		}
		cursor = st.rng.end
	}
	if cursor != totalRows {
		return fmt.Errorf("coverage ends at %d, want %d", cursor, totalRows)
	}
	return nil
}

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
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	storagepb "cloud.google.com/go/bigquery/storage/apiv1beta1/storagepb"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

const (
	// maxResponseBytes caps the serialized rows carried by one ReadRows
	// response. Batch boundaries never split a row.
	maxResponseBytes = 10 << 20

	// throttleBudgetBytes is the response bytes the server keeps in flight
	// before back-pressure reaches 100 percent.
	throttleBudgetBytes = 128 << 20

	defaultMaxStreams       = 1000
	defaultMinRowsPerStream = 100
)

// server is the real implementation of the fake. It is a separate and
// unexported type so the API won't be cluttered with methods that are only
// relevant to the fake's implementation.
type server struct {
	storagepb.UnimplementedBigQueryStorageServer

	mu     sync.Mutex
	tables map[string]*Table // keyed by fully qualified name

	sessions *sessionManager
	throttle *throttleSource

	location         string
	maxStreams       int
	minRowsPerStream int64

	// now is replaceable in tests to drive session expiry.
	now func() time.Time
}

func newServer() *server {
	return &server{
		tables:           make(map[string]*Table),
		sessions:         newSessionManager(),
		throttle:         newThrottleSource(throttleBudgetBytes),
		location:         "us",
		maxStreams:       defaultMaxStreams,
		minRowsPerStream: defaultMinRowsPerStream,
		now:              time.Now,
	}
}

func tableKey(tr *storagepb.TableReference) string {
	return fmt.Sprintf("projects/%s/datasets/%s/tables/%s", tr.GetProjectId(), tr.GetDatasetId(), tr.GetTableId())
}

// sessionNameForStream strips the /streams/ suffix from a stream resource
// name.
func sessionNameForStream(name string) (string, error) {
	i := strings.Index(name, "/streams/")
	if i < 0 {
		return "", fmt.Errorf("malformed stream name %q", name)
	}
	return name[:i], nil
}

// lookupSession resolves a session by name. expiredCode lets callers follow
// their RPC contract: BatchCreateReadSessionStreams reports expiry as
// FailedPrecondition, everything else as NotFound.
func (s *server) lookupSession(name string, expiredCode codes.Code) (*session, error) {
	sess, err := s.sessions.lookup(name, s.now())
	switch err {
	case nil:
		return sess, nil
	case errSessionExpired:
		return nil, status.Errorf(expiredCode, "session %q has expired", name)
	default:
		return nil, status.Errorf(codes.NotFound, "session %q not found", name)
	}
}

func (s *server) lookupStream(streamName string, expiredCode codes.Code) (*session, error) {
	sessName, err := sessionNameForStream(streamName)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return s.lookupSession(sessName, expiredCode)
}

func (s *server) CreateReadSession(ctx context.Context, req *storagepb.CreateReadSessionRequest) (*storagepb.ReadSession, error) {
	tr := req.GetTableReference()
	if tr.GetProjectId() == "" || tr.GetDatasetId() == "" || tr.GetTableId() == "" {
		return nil, status.Error(codes.InvalidArgument, "table_reference requires project_id, dataset_id and table_id")
	}
	if req.GetRequestedStreams() < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "requested_streams must not be negative, got %d", req.GetRequestedStreams())
	}
	switch req.GetFormat() {
	case storagepb.DataFormat_DATA_FORMAT_UNSPECIFIED, storagepb.DataFormat_AVRO:
	case storagepb.DataFormat_ARROW:
		return nil, status.Error(codes.Unimplemented, "ARROW format is not supported")
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown data format %v", req.GetFormat())
	}

	s.mu.Lock()
	tbl, ok := s.tables[tableKey(tr)]
	maxStreams, minRows := s.maxStreams, s.minRowsPerStream
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", tableKey(tr))
	}

	schema, err := tbl.Schema().Project(req.GetReadOptions().GetSelectedFields())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	codec, err := newRowCodec(schema)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	project := strings.TrimPrefix(req.GetParent(), "projects/")
	if project == "" {
		project = tr.GetProjectId()
	}

	totalRows := tbl.NumRows()
	count := computeStreamCount(req.GetRequestedStreams(), totalRows, minRows, maxStreams)

	name := fmt.Sprintf("projects/%s/locations/%s/sessions/%s", project, s.location, uuid.NewString())
	sess := &session{
		name:      name,
		source:    tbl,
		codec:     codec,
		totalRows: totalRows,
		expireAt:  s.now().Add(sessionTTL),
		tableRef:    tr,
		modifiers:   req.GetTableModifiers(),
		readOptions: req.GetReadOptions(),
		sharding:    req.GetShardingStrategy(),
		registry:    newStreamRegistry(name),
	}
	sess.registry.partition(totalRows, count)
	if err := sess.registry.validate(totalRows); err != nil {
		return nil, status.Errorf(codes.Internal, "partition invariant broken: %v", err)
	}
	s.sessions.add(sess)
	return sess.proto(), nil
}

func (s *server) ReadRows(req *storagepb.ReadRowsRequest, stream storagepb.BigQueryStorage_ReadRowsServer) error {
	pos := req.GetReadPosition()
	name := pos.GetStream().GetName()
	if name == "" {
		return status.Error(codes.InvalidArgument, "read_position.stream is required")
	}
	if pos.GetOffset() < 0 {
		return status.Errorf(codes.InvalidArgument, "offset must not be negative, got %d", pos.GetOffset())
	}
	ctx := stream.Context()

	sess, err := s.lookupStream(name, codes.NotFound)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	st, ok := sess.registry.get(name)
	if !ok {
		sess.mu.Unlock()
		return status.Errorf(codes.NotFound, "stream %q not found", name)
	}
	// Wire offsets are stream-relative; registry state is table-global.
	cursor := st.rng.start + pos.GetOffset()
	if st.state == streamSplit && cursor >= st.splitOffset {
		sess.mu.Unlock()
		return status.Errorf(codes.FailedPrecondition, "stream %q was split at offset %d; request offset %d is past the split point",
			name, st.splitOffset-st.rng.start, pos.GetOffset())
	}
	sess.mu.Unlock()

	lastThrottle := int32(-1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess.mu.Lock()
		if sess.expired(s.now()) {
			sess.mu.Unlock()
			return status.Errorf(codes.NotFound, "session for stream %q has expired", name)
		}
		ceiling := st.readCeiling()
		if cursor >= ceiling {
			sess.mu.Unlock()
			return nil
		}
		batch, err := sess.source.FetchBatch(sess.codec, rowRange{start: st.rng.start, end: ceiling}, cursor, maxResponseBytes)
		if err != nil {
			sess.mu.Unlock()
			switch err {
			case errOversizedRow:
				return status.Errorf(codes.ResourceExhausted, "row at offset %d exceeds the maximum response size of %d bytes", cursor-st.rng.start, maxResponseBytes)
			case errOutOfRange:
				return status.Errorf(codes.OutOfRange, "offset %d is beyond the materialized rows of stream %q", cursor-st.rng.start, name)
			}
			return status.Errorf(codes.Internal, "fetching batch: %v", err)
		}
		if batch.rowCount == 0 {
			sess.mu.Unlock()
			return nil
		}
		// Commit before sending: once the split point or a carve boundary is
		// computed from readOffset, rows below it must already be accounted
		// for. Re-reads below the committed offset stay valid for restarts.
		if batch.nextOffset > st.readOffset {
			if err := st.advance(batch.nextOffset); err != nil {
				sess.mu.Unlock()
				return status.Errorf(codes.Internal, "advancing stream %q: %v", name, err)
			}
			if err := sess.registry.validate(sess.totalRows); err != nil {
				sess.mu.Unlock()
				return status.Errorf(codes.Internal, "partition invariant broken: %v", err)
			}
		}
		resp := &storagepb.ReadRowsResponse{
			Rows: &storagepb.ReadRowsResponse_AvroRows{
				AvroRows: &storagepb.AvroRows{
					SerializedBinaryRows: batch.data,
					RowCount:             batch.rowCount,
				},
			},
			Status: s.streamStatus(sess, st, cursor, batch.nextOffset),
		}
		sess.mu.Unlock()

		if pct := s.throttle.percent(); pct != lastThrottle {
			resp.ThrottleStatus = &storagepb.ThrottleStatus{ThrottlePercent: pct}
			lastThrottle = pct
		}
		if err := s.throttle.acquire(ctx, len(batch.data)); err != nil {
			return err
		}
		err = stream.Send(resp)
		s.throttle.release(len(batch.data))
		if err != nil {
			return err
		}

		cursor = batch.nextOffset
		if batch.exhausted {
			return nil
		}
	}
}

// streamStatus builds the per-response progress report. Estimates are
// recomputed per batch from the session's remaining rows and current Active
// stream count, so they fluctuate as streams are split or finalized.
// Callers must hold sess.mu.
func (s *server) streamStatus(sess *session, st *stream, batchStart, batchEnd int64) *storagepb.StreamStatus {
	active := int64(len(sess.registry.active()))
	if active == 0 {
		active = 1
	}
	length := st.rng.len()
	frac := func(off int64) float32 {
		if length == 0 {
			return 1
		}
		return float32(off-st.rng.start) / float32(length)
	}
	return &storagepb.StreamStatus{
		EstimatedRowCount: sess.registry.remainingRows() / active,
		FractionConsumed:  frac(batchEnd),
		Progress: &storagepb.Progress{
			AtResponseStart: frac(batchStart),
			AtResponseEnd:   frac(batchEnd),
		},
		IsSplittable: st.state == streamActive && st.undelivered().len() > 0,
	}
}

func (s *server) BatchCreateReadSessionStreams(ctx context.Context, req *storagepb.BatchCreateReadSessionStreamsRequest) (*storagepb.BatchCreateReadSessionStreamsResponse, error) {
	name := req.GetSession().GetName()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "session.name is required")
	}
	if req.GetRequestedStreams() <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "requested_streams must be positive, got %d", req.GetRequestedStreams())
	}
	sess, err := s.lookupSession(name, codes.FailedPrecondition)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	minRows := s.minRowsPerStream
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	resp := &storagepb.BatchCreateReadSessionStreamsResponse{}
	if sess.sharding == storagepb.ShardingStrategy_BALANCED {
		// Balanced sessions have a fixed shard count.
		return resp, nil
	}
	for _, st := range sess.registry.carve(int(req.GetRequestedStreams()), minRows) {
		resp.Streams = append(resp.Streams, &storagepb.Stream{Name: st.name})
	}
	if err := sess.registry.validate(sess.totalRows); err != nil {
		return nil, status.Errorf(codes.Internal, "partition invariant broken: %v", err)
	}
	return resp, nil
}

func (s *server) FinalizeStream(ctx context.Context, req *storagepb.FinalizeStreamRequest) (*emptypb.Empty, error) {
	name := req.GetStream().GetName()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "stream.name is required")
	}
	sess, err := s.lookupStream(name, codes.NotFound)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	st, ok := sess.registry.get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "stream %q not found", name)
	}
	if err := sess.registry.finalize(st); err != nil {
		return nil, err
	}
	if err := sess.registry.validate(sess.totalRows); err != nil {
		return nil, status.Errorf(codes.Internal, "partition invariant broken: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *server) SplitReadStream(ctx context.Context, req *storagepb.SplitReadStreamRequest) (*storagepb.SplitReadStreamResponse, error) {
	name := req.GetOriginalStream().GetName()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "original_stream.name is required")
	}
	fraction := float64(req.GetFraction())
	if fraction == 0 {
		fraction = 0.5
	}
	if fraction < 0 || fraction >= 1 {
		return nil, status.Errorf(codes.InvalidArgument, "fraction must be in (0, 1), got %v", req.GetFraction())
	}
	sess, err := s.lookupStream(name, codes.NotFound)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	st, ok := sess.registry.get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "stream %q not found", name)
	}
	primary, remainder, err := sess.registry.split(st, fraction)
	if err != nil {
		return nil, err
	}
	if err := sess.registry.validate(sess.totalRows); err != nil {
		return nil, status.Errorf(codes.Internal, "partition invariant broken: %v", err)
	}
	return &storagepb.SplitReadStreamResponse{
		PrimaryStream:   &storagepb.Stream{Name: primary.name},
		RemainderStream: &storagepb.Stream{Name: remainder.name},
	}, nil
}

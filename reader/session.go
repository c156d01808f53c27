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

package reader

import (
	"context"
	"fmt"
	"io"
	"time"

	storagepb "cloud.google.com/go/bigquery/storage/apiv1beta1/storagepb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ReadSession is the abstraction over a storage API read session.
type ReadSession struct {
	settings *settings
	c        *Client

	ctx   context.Context
	table Table

	bqSession *storagepb.ReadSession

	// AvroSchemaJSON is the JSON-serialized Avro schema of the session's rows.
	// Available after session is initialized.
	AvroSchemaJSON string

	// StreamCount represents the number of streams opened for this session.
	// Available after session is initialized.
	StreamCount int

	// ReadStreams contains at least one stream that is created with
	// the session, in the form
	// projects/{project_id}/locations/{location}/sessions/{session_id}/streams/{stream_id}.
	// Available after session is initialized.
	ReadStreams []string

	// SessionID is a unique identifier for the session, in the form
	// projects/{project_id}/locations/{location}/sessions/{session_id}.
	// Available after session is initialized.
	SessionID string

	// ExpireTime at which the session becomes invalid. After this time,
	// subsequent requests to read this session will return errors.
	ExpireTime *time.Time
}

// Run initiates the read session.
func (rs *ReadSession) Run() error {
	req := &storagepb.CreateReadSessionRequest{
		Parent: fmt.Sprintf("projects/%s", rs.c.projectID),
		TableReference: &storagepb.TableReference{
			ProjectId: rs.table.ProjectID,
			DatasetId: rs.table.DatasetID,
			TableId:   rs.table.TableID,
		},
		RequestedStreams: int32(rs.settings.MaxStreamCount),
		Format:           storagepb.DataFormat_AVRO,
	}
	if len(rs.settings.SelectedFields) > 0 {
		req.ReadOptions = &storagepb.TableReadOptions{
			SelectedFields: rs.settings.SelectedFields,
		}
	}
	if !rs.settings.SnapshotTime.IsZero() {
		req.TableModifiers = &storagepb.TableModifiers{
			SnapshotTime: timestamppb.New(rs.settings.SnapshotTime),
		}
	}
	rpcOpts := gax.WithGRPCOptions(
		grpc.MaxCallRecvMsgSize(1024 * 1024 * 129),
	)
	session, err := rs.c.createReadSession(rs.ctx, req, rpcOpts)
	if err != nil {
		return err
	}

	rs.bqSession = session
	rs.SessionID = session.GetName()
	rs.ReadStreams = []string{}
	for _, stream := range session.GetStreams() {
		rs.ReadStreams = append(rs.ReadStreams, stream.GetName())
	}
	rs.StreamCount = len(rs.ReadStreams)
	if session.GetExpireTime() != nil {
		t := session.GetExpireTime().AsTime()
		rs.ExpireTime = &t
	}
	rs.AvroSchemaJSON = session.GetAvroSchema().GetSchema()
	return nil
}

// Read initiates the read session (if not ran before) and returns the rows of
// all its streams, in parallel, via a RowIterator.
func (rs *ReadSession) Read() (*RowIterator, error) {
	if rs.bqSession == nil {
		if err := rs.Run(); err != nil {
			return nil, err
		}
	}
	return newRowIterator(rs.ctx, rs)
}

// ReadRowsRequest message for ReadRows.
type ReadRowsRequest struct {
	// Required. Stream to read rows from.
	ReadStream string
	// The offset to read from, relative to the start of the stream. If not
	// specified, start reading from offset zero.
	Offset int64
}

// ReadRows returns a more direct iterator over the row batches of a single
// stream. The iterator resumes the stream from the last confirmed offset on
// transient failure.
func (rs *ReadSession) ReadRows(req ReadRowsRequest) (*RowStreamIterator, error) {
	if rs.bqSession == nil {
		if err := rs.Run(); err != nil {
			return nil, err
		}
	}
	it := &RowStreamIterator{
		rs:         rs,
		readStream: req.ReadStream,
		offset:     req.Offset,
		backoff:    readRowsBackoff(),
	}
	if err := it.open(); err != nil {
		return nil, err
	}
	return it, nil
}

// AddStreams asks the service to grow the session by up to count streams,
// carved from the undelivered remainders of the session's current streams.
// It returns the names of the streams actually created, which may be fewer
// than requested (including none) when no further subdivision is profitable.
func (rs *ReadSession) AddStreams(count int) ([]string, error) {
	if rs.bqSession == nil {
		return nil, fmt.Errorf("session not initialized")
	}
	resp, err := rs.c.batchCreateStreams(rs.ctx, &storagepb.BatchCreateReadSessionStreamsRequest{
		Session:          &storagepb.ReadSession{Name: rs.SessionID},
		RequestedStreams: int32(count),
	})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, stream := range resp.GetStreams() {
		names = append(names, stream.GetName())
		rs.ReadStreams = append(rs.ReadStreams, stream.GetName())
	}
	rs.StreamCount = len(rs.ReadStreams)
	return names, nil
}

// FinalizeStream marks a stream ineligible for further structural changes.
// Rows the stream still holds undelivered remain readable by its holder.
func (rs *ReadSession) FinalizeStream(name string) error {
	return rs.c.finalizeStream(rs.ctx, &storagepb.FinalizeStreamRequest{
		Stream: &storagepb.Stream{Name: name},
	})
}

// SplitStream splits a stream's undelivered remainder at fraction (0 meaning
// the service default of one half) into a primary and a remainder stream
// that together cover exactly the original remainder.
func (rs *ReadSession) SplitStream(name string, fraction float32) (primary, remainder string, err error) {
	resp, err := rs.c.splitReadStream(rs.ctx, &storagepb.SplitReadStreamRequest{
		OriginalStream: &storagepb.Stream{Name: name},
		Fraction:       fraction,
	})
	if err != nil {
		return "", "", err
	}
	return resp.GetPrimaryStream().GetName(), resp.GetRemainderStream().GetName(), nil
}

// RowBatch is one batch of serialized rows from a single stream.
type RowBatch struct {
	// SourceStream is the name of the stream the batch was read from.
	SourceStream string

	// RowCount is the number of serialized rows in the batch.
	RowCount int64

	// SerializedAvroRows is a concatenation of Avro binary-encoded rows.
	SerializedAvroRows []byte

	// EstimatedRowCount is the service's current estimate of rows remaining
	// in the stream. It is not authoritative and may fluctuate as sibling
	// streams are split or finalized.
	EstimatedRowCount int64

	// FractionConsumed is the fraction of the stream delivered so far.
	FractionConsumed float32

	// ThrottlePercent is the last throttle state reported by the service,
	// 0 (none) to 100 (fully throttled). The service only attaches the value
	// when it changes; the iterator retains it in between.
	ThrottlePercent int32
}

// RowStreamIterator iterates over the row batches of a single stream.
type RowStreamIterator struct {
	rs         *ReadSession
	readStream string

	// offset is the next stream-relative row to be delivered. It only moves
	// forward once a batch has been received, so reopening at offset never
	// skips rows.
	offset int64

	rawStream    storagepb.BigQueryStorage_ReadRowsClient
	backoff      gax.Backoff
	lastThrottle int32
}

func (it *RowStreamIterator) open() error {
	raw, err := it.rs.c.readRows(it.rs.ctx, &storagepb.ReadRowsRequest{
		ReadPosition: &storagepb.StreamPosition{
			Stream: &storagepb.Stream{Name: it.readStream},
			Offset: it.offset,
		},
	})
	if err != nil {
		return err
	}
	it.rawStream = raw
	return nil
}

// Next returns the next batch on the stream. Its return value is
// iterator.Done if there are no more results. Once Next returns
// iterator.Done, all subsequent calls will return iterator.Done.
func (it *RowStreamIterator) Next() (*RowBatch, error) {
	for {
		r, err := it.rawStream.Recv()
		if err == io.EOF {
			return nil, iterator.Done
		}
		if err != nil {
			if !retryableReadError(err) {
				return nil, err
			}
			if err := gax.Sleep(it.rs.ctx, it.backoff.Pause()); err != nil {
				return nil, err
			}
			if err := it.open(); err != nil {
				return nil, err
			}
			continue
		}

		if ts := r.GetThrottleStatus(); ts != nil {
			it.lastThrottle = ts.GetThrottlePercent()
		}
		rows := r.GetAvroRows()
		if rows.GetRowCount() == 0 {
			continue
		}
		it.offset += rows.GetRowCount()
		return &RowBatch{
			SourceStream:       it.readStream,
			RowCount:           rows.GetRowCount(),
			SerializedAvroRows: rows.GetSerializedBinaryRows(),
			EstimatedRowCount:  r.GetStatus().GetEstimatedRowCount(),
			FractionConsumed:   r.GetStatus().GetFractionConsumed(),
			ThrottlePercent:    it.lastThrottle,
		}, nil
	}
}

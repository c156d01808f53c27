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
	"io"
	"testing"

	storage "cloud.google.com/go/bigquery/storage/apiv1beta1"
	storagepb "cloud.google.com/go/bigquery/storage/apiv1beta1/storagepb"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestServerEndToEnd(t *testing.T) {
	srv, err := NewServer("localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	schema := Schema{
		{Name: "id", Type: IntegerFieldType},
		{Name: "label", Type: StringFieldType},
	}
	var rows []Row
	for i := 0; i < 1000; i++ {
		rows = append(rows, Row{"id": int64(i), "label": fmt.Sprintf("row-%d", i)})
	}
	srv.AddTable("proj", "dataset", "table", schema, rows)

	ctx := context.Background()
	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client, err := storage.NewBigQueryStorageClient(ctx, option.WithGRPCConn(conn))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	sess, err := client.CreateReadSession(ctx, &storagepb.CreateReadSessionRequest{
		Parent: "projects/proj",
		TableReference: &storagepb.TableReference{
			ProjectId: "proj",
			DatasetId: "dataset",
			TableId:   "table",
		},
		RequestedStreams: 2,
		Format:           storagepb.DataFormat_AVRO,
	})
	if err != nil {
		t.Fatalf("CreateReadSession: %v", err)
	}
	if len(sess.GetStreams()) != 2 {
		t.Fatalf("session has %d streams, want 2", len(sess.GetStreams()))
	}

	rc, err := newRowCodec(schema)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int64]int)
	for _, st := range sess.GetStreams() {
		rowStream, err := client.ReadRows(ctx, &storagepb.ReadRowsRequest{
			ReadPosition: &storagepb.StreamPosition{Stream: st},
		})
		if err != nil {
			t.Fatalf("ReadRows(%q): %v", st.GetName(), err)
		}
		for {
			resp, err := rowStream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Recv on %q: %v", st.GetName(), err)
			}
			decoded, err := rc.decodeRows(resp.GetAvroRows().GetSerializedBinaryRows())
			if err != nil {
				t.Fatalf("decodeRows: %v", err)
			}
			for _, row := range decoded {
				seen[row["id"].(int64)]++
			}
		}
	}
	for i := int64(0); i < 1000; i++ {
		if seen[i] != 1 {
			t.Fatalf("row %d delivered %d times, want exactly once", i, seen[i])
		}
	}

	// Grow, split and retire streams through the same connection.
	grown, err := client.BatchCreateReadSessionStreams(ctx, &storagepb.BatchCreateReadSessionStreamsRequest{
		Session:          &storagepb.ReadSession{Name: sess.GetName()},
		RequestedStreams: 1,
	})
	if err != nil {
		t.Fatalf("BatchCreateReadSessionStreams: %v", err)
	}
	// Every stream is already drained, so there is nothing left to carve.
	if len(grown.GetStreams()) != 0 {
		t.Errorf("carved %d streams from a drained session, want 0", len(grown.GetStreams()))
	}

	if err := client.FinalizeStream(ctx, &storagepb.FinalizeStreamRequest{
		Stream: sess.GetStreams()[0],
	}); err != nil {
		t.Fatalf("FinalizeStream: %v", err)
	}

	// A tighter sharding policy applies to sessions created afterwards.
	srv.SetStreamLimits(2, 1)
	sess2, err := client.CreateReadSession(ctx, &storagepb.CreateReadSessionRequest{
		Parent: "projects/proj",
		TableReference: &storagepb.TableReference{
			ProjectId: "proj",
			DatasetId: "dataset",
			TableId:   "table",
		},
		RequestedStreams: 50,
	})
	if err != nil {
		t.Fatalf("CreateReadSession: %v", err)
	}
	if len(sess2.GetStreams()) != 2 {
		t.Errorf("session has %d streams under a 2-stream cap, want 2", len(sess2.GetStreams()))
	}
}

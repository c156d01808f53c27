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
	"runtime"

	storage "cloud.google.com/go/bigquery/storage/apiv1beta1"
	storagepb "cloud.google.com/go/bigquery/storage/apiv1beta1/storagepb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

// Client is a managed BigQuery Storage read client scoped to a single project.
type Client struct {
	rawClient *storage.BigQueryStorageClient
	projectID string
}

// NewClient instantiates a new client.
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (c *Client, err error) {
	if projectID == "" {
		return nil, fmt.Errorf("empty project ID")
	}
	numConns := runtime.GOMAXPROCS(0)
	if numConns > 4 {
		numConns = 4
	}
	o := []option.ClientOption{
		option.WithGRPCConnectionPool(numConns),
	}
	o = append(o, opts...)

	rawClient, err := storage.NewBigQueryStorageClient(ctx, o...)
	if err != nil {
		return nil, err
	}
	return &Client{
		rawClient: rawClient,
		projectID: projectID,
	}, nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	if c.rawClient == nil {
		return fmt.Errorf("already closed")
	}
	c.rawClient.Close()
	c.rawClient = nil
	return nil
}

// SessionForTable establishes a new session to fetch from a table. The
// session is created lazily, on the first call to Run, Read or ReadRows.
func (c *Client) SessionForTable(ctx context.Context, table Table, opts ...ReadOption) (*ReadSession, error) {
	if table.ProjectID == "" || table.DatasetID == "" || table.TableID == "" {
		return nil, fmt.Errorf("table requires project, dataset and table IDs")
	}
	r := &ReadSession{
		c:        c,
		ctx:      ctx,
		table:    table,
		settings: defaultSettings(),
	}

	// apply read options
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// ReadTable creates a row iterator over all streams of a new session for the
// given table.
func (c *Client) ReadTable(ctx context.Context, table Table, opts ...ReadOption) (*RowIterator, error) {
	session, err := c.SessionForTable(ctx, table, opts...)
	if err != nil {
		return nil, err
	}
	return session.Read()
}

func (c *Client) createReadSession(ctx context.Context, req *storagepb.CreateReadSessionRequest, opts ...gax.CallOption) (*storagepb.ReadSession, error) {
	return c.rawClient.CreateReadSession(ctx, req, opts...)
}

func (c *Client) readRows(ctx context.Context, req *storagepb.ReadRowsRequest, opts ...gax.CallOption) (storagepb.BigQueryStorage_ReadRowsClient, error) {
	return c.rawClient.ReadRows(ctx, req, opts...)
}

func (c *Client) batchCreateStreams(ctx context.Context, req *storagepb.BatchCreateReadSessionStreamsRequest) (*storagepb.BatchCreateReadSessionStreamsResponse, error) {
	return c.rawClient.BatchCreateReadSessionStreams(ctx, req, structuralRetryOptions()...)
}

func (c *Client) finalizeStream(ctx context.Context, req *storagepb.FinalizeStreamRequest) error {
	return c.rawClient.FinalizeStream(ctx, req, structuralRetryOptions()...)
}

func (c *Client) splitReadStream(ctx context.Context, req *storagepb.SplitReadStreamRequest) (*storagepb.SplitReadStreamResponse, error) {
	return c.rawClient.SplitReadStream(ctx, req, structuralRetryOptions()...)
}

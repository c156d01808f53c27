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

/*
Package bqstest contains an in-memory fake of the BigQuery Storage read API,
for working with the storage read client without a real backend.

To use a Server, create it, seed it with tables, and then connect to it with
no security:

	srv, err := bqstest.NewServer("localhost:0")
	...
	srv.AddTable("proj", "dataset", "table", schema, rows)
	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	...
*/
package bqstest

import (
	"net"
	"time"

	storagepb "cloud.google.com/go/bigquery/storage/apiv1beta1/storagepb"
	"google.golang.org/grpc"
)

// sweepInterval is how often the background sweep evicts expired sessions.
// Eviction is also performed lazily on every lookup, so the sweep only bounds
// memory, it is not load-bearing for correctness.
const sweepInterval = time.Minute

// Server is an in-memory BigQuery Storage fake. It is unauthenticated and
// only a rough approximation of the real service.
type Server struct {
	// Addr is the address the server is listening on.
	Addr string

	l    net.Listener
	srv  *grpc.Server
	s    *server
	stop chan struct{}
}

// NewServer creates a new Server, listening for gRPC connections at laddr
// (for example "localhost:0"), without TLS.
func NewServer(laddr string, opt ...grpc.ServerOption) (*Server, error) {
	l, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr: l.Addr().String(),
		l:    l,
		srv:  grpc.NewServer(opt...),
		s:    newServer(),
		stop: make(chan struct{}),
	}
	storagepb.RegisterBigQueryStorageServer(s.srv, s.s)

	go s.srv.Serve(s.l)
	go s.sweepLoop()

	return s, nil
}

// Close shuts down the server.
func (s *Server) Close() {
	close(s.stop)
	s.srv.Stop()
	s.l.Close()
}

// AddTable seeds the fake with a table. It returns the Table so tests can
// append rows later; appended rows are invisible to sessions created before
// the append.
func (s *Server) AddTable(project, dataset, tableID string, schema Schema, rows []Row) *Table {
	tbl := NewTable(schema, rows)
	key := tableKey(&storagepb.TableReference{
		ProjectId: project,
		DatasetId: dataset,
		TableId:   tableID,
	})
	s.s.mu.Lock()
	s.s.tables[key] = tbl
	s.s.mu.Unlock()
	return tbl
}

// SetStreamLimits overrides the server's stream-count policy: maxStreams caps
// the streams of any one session, minRowsPerStream bounds how finely a table
// is sharded. Applies to sessions created and streams carved after the call.
func (s *Server) SetStreamLimits(maxStreams int, minRowsPerStream int64) {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	if maxStreams > 0 {
		s.s.maxStreams = maxStreams
	}
	if minRowsPerStream > 0 {
		s.s.minRowsPerStream = minRowsPerStream
	}
}

func (s *Server) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.s.sessions.sweep(s.s.now())
		}
	}
}

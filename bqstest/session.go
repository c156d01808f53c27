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
	"time"

	storagepb "cloud.google.com/go/bigquery/storage/apiv1beta1/storagepb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	// sessionTTL is the fixed session lifetime. Expiry is eviction-only and
	// never extended.
	sessionTTL = 24 * time.Hour
)

var (
	errSessionNotFound = errors.New("session not found")
	errSessionExpired  = errors.New("session expired")
)

// session is one read session: an immutable table binding plus the stream
// registry. mu guards the registry and all stream state; every RPC touching
// the session takes it.
type session struct {
	mu sync.Mutex

	name      string
	source    RowSource
	codec     *rowCodec
	totalRows int64 // row count pinned at creation
	expireAt  time.Time

	tableRef    *storagepb.TableReference
	modifiers   *storagepb.TableModifiers
	readOptions *storagepb.TableReadOptions // recorded; row_restriction is not evaluated
	sharding    storagepb.ShardingStrategy

	registry *streamRegistry
}

func (s *session) expired(now time.Time) bool {
	return !now.Before(s.expireAt)
}

// proto renders the session in wire form, including its current streams.
func (s *session) proto() *storagepb.ReadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := &storagepb.ReadSession{
		Name:       s.name,
		ExpireTime: timestamppb.New(s.expireAt),
		Schema: &storagepb.ReadSession_AvroSchema{
			AvroSchema: &storagepb.AvroSchema{Schema: s.codec.schemaJSON()},
		},
		TableReference:   s.tableRef,
		TableModifiers:   s.modifiers,
		ShardingStrategy: s.sharding,
	}
	for _, st := range s.registry.active() {
		rs.Streams = append(rs.Streams, &storagepb.Stream{Name: st.name})
	}
	return rs
}

// computeStreamCount clamps the requested parallelism: at least one stream,
// at most maxStreams, and no more streams than minRows-sized shards of the
// table.
func computeStreamCount(requested int32, totalRows, minRows int64, maxStreams int) int {
	n := int(requested)
	if n < 1 {
		n = 1
	}
	if n > maxStreams {
		n = maxStreams
	}
	if minRows > 0 {
		shards := int(totalRows / minRows)
		if shards < 1 {
			shards = 1
		}
		if n > shards {
			n = shards
		}
	}
	return n
}

// sessionManager is the process-wide registry of sessions. It starts empty;
// eviction is lazy on lookup, with an optional periodic sweep run by the
// Server. Only the map itself is guarded here; per-session state has its own
// mutex.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager() *sessionManager {
	return &sessionManager{sessions: make(map[string]*session)}
}

func (m *sessionManager) add(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.name] = s
}

// lookup resolves a session by name, evicting it if expired. Expired and
// absent sessions are distinguished so callers can map them to the error
// codes their RPC contract requires.
func (m *sessionManager) lookup(name string, now time.Time) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, errSessionNotFound
	}
	if s.expired(now) {
		delete(m.sessions, name)
		return nil, errSessionExpired
	}
	return s, nil
}

// sweep evicts every expired session.
func (m *sessionManager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.sessions {
		if s.expired(now) {
			delete(m.sessions, name)
		}
	}
}

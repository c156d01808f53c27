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

import "time"

type settings struct {
	// MaxStreamCount governs how many parallel streams
	// can be opened.
	MaxStreamCount int

	// SelectedFields restricts the session to the named columns.
	SelectedFields []string

	// SnapshotTime pins the session to the table's state at that instant.
	SnapshotTime time.Time
}

func defaultSettings() *settings {
	return &settings{
		MaxStreamCount: 0,
	}
}

// A ReadOption customizes a ReadSession before it runs.
type ReadOption func(*ReadSession)

// WithMaxStreamCount sets the maximum number of streams requested for the
// session. The service may open fewer.
func WithMaxStreamCount(n int) ReadOption {
	return func(rs *ReadSession) {
		rs.settings.MaxStreamCount = n
	}
}

// WithSelectedFields restricts the session to the named columns.
func WithSelectedFields(fields ...string) ReadOption {
	return func(rs *ReadSession) {
		rs.settings.SelectedFields = fields
	}
}

// WithSnapshotTime pins the session to the table's state at t.
func WithSnapshotTime(t time.Time) ReadOption {
	return func(rs *ReadSession) {
		rs.settings.SnapshotTime = t
	}
}

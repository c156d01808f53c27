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

// Package reader provides a managed client for reading tables through the
// BigQuery Storage read API: it establishes read sessions, fans readers out
// over the session's streams, resumes interrupted streams from the last
// confirmed offset, and decodes Avro row batches.
package reader

// Table identifies a source table.
type Table struct {
	ProjectID string
	DatasetID string
	TableID   string
}

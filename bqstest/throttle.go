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
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// throttleSource tracks response bytes in flight across all streams of the
// server and reports utilization as a 0-100 back-pressure percentage.
// Adapted from the write-side flow controller.
type throttleSource struct {
	maxBytes int64
	sem      *semaphore.Weighted

	bytesTracked int64 // atomic
}

func newThrottleSource(maxBytes int64) *throttleSource {
	return &throttleSource{
		maxBytes: maxBytes,
		sem:      semaphore.NewWeighted(maxBytes),
	}
}

// acquire blocks until sizeBytes of response budget is available or ctx is
// done. Sizes above the budget are bounded to it so large batches still
// proceed, alone.
func (t *throttleSource) acquire(ctx context.Context, sizeBytes int) error {
	if err := t.sem.Acquire(ctx, t.bound(sizeBytes)); err != nil {
		return err
	}
	atomic.AddInt64(&t.bytesTracked, t.bound(sizeBytes))
	return nil
}

func (t *throttleSource) release(sizeBytes int) {
	atomic.AddInt64(&t.bytesTracked, -t.bound(sizeBytes))
	t.sem.Release(t.bound(sizeBytes))
}

func (t *throttleSource) bound(sizeBytes int) int64 {
	if int64(sizeBytes) > t.maxBytes {
		return t.maxBytes
	}
	return int64(sizeBytes)
}

// percent samples current utilization, 0 (idle) to 100 (full).
func (t *throttleSource) percent() int32 {
	used := atomic.LoadInt64(&t.bytesTracked)
	return int32(used * 100 / t.maxBytes)
}

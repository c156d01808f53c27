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
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// structuralRetryOptions is the retry policy for the structural RPCs
// (BatchCreateReadSessionStreams, FinalizeStream, SplitReadStream). These are
// idempotent or check-then-act on the service side, so replaying them on
// transient transport failure is safe.
func structuralRetryOptions() []gax.CallOption {
	return []gax.CallOption{
		gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{
				codes.Unavailable,
				codes.DeadlineExceeded,
			}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        60 * time.Second,
				Multiplier: 1.3,
			})
		}),
	}
}

// readRowsBackoff paces stream reconnects when ReadRows is resumed from the
// last confirmed offset.
func readRowsBackoff() gax.Backoff {
	return gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        60 * time.Second,
		Multiplier: 1.3,
	}
}

// retryableReadError reports whether a ReadRows failure should be resolved by
// reopening the stream at the current offset. INVALID_ARGUMENT and the
// precondition family indicate caller mistakes and are never retried.
func retryableReadError(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	case codes.Internal:
		// Backend errors that don't get classified further.
		return true
	}
	return false
}

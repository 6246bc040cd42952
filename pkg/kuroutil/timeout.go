// Copyright 2022 Google LLC
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

package kuroutil

import (
	"context"
	"time"

	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
)

// WithTimeout runs fn and returns its result, or kerrors.ErrTimeout if d
// elapses first. Unlike the reference implementation's process-isolated
// timeout, fn keeps running in the background after a timeout fires — fn is
// expected to observe ctx and return promptly. Callers that need a hard
// result after timing out should have fn return zero values for T along
// with ctx.Err() so the background goroutine's eventual result is discarded
// safely.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn(ctx)
		done <- result{val, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, kerrors.ErrTimeout
	case r := <-done:
		return r.val, r.err
	}
}

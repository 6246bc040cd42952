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

// Package kuroutil collects small cross-cutting helpers (cancellable sleep,
// bounded-time execution, self-signed TLS material) shared by the
// reconciler, controller and webhook server packages.
package kuroutil

import (
	"context"
	"time"
)

// pollGranularity bounds how long EventAwareSleep can overshoot a stop
// signal or ctx cancellation by. 100ms matches the polling granularity the
// reference implementation's event_aware_sleep used for its own
// interruptible Event.wait loop.
const pollGranularity = 100 * time.Millisecond

// EventAwareSleep blocks for d, or until ctx is done, or until stop is
// closed — whichever comes first. stop may be nil, in which case only ctx
// is observed. It returns true if it slept the full duration and false if
// it was interrupted.
func EventAwareSleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := remaining
		if step > pollGranularity {
			step = pollGranularity
		}
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		case <-time.After(step):
		}
	}
}

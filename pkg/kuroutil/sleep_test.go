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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventAwareSleepCompletesFullDuration(t *testing.T) {
	start := time.Now()
	completed := EventAwareSleep(context.Background(), nil, 50*time.Millisecond)
	assert.True(t, completed)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestEventAwareSleepInterruptedByCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	completed := EventAwareSleep(ctx, nil, time.Minute)
	assert.False(t, completed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEventAwareSleepInterruptedByStop(t *testing.T) {
	stop := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(stop)
	}()
	start := time.Now()
	completed := EventAwareSleep(context.Background(), stop, time.Minute)
	assert.False(t, completed)
	assert.Less(t, time.Since(start), time.Second)
}

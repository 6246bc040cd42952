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

package reconciler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	clienttesting "k8s.io/client-go/testing"

	"k8s.io/client-go/dynamic/fake"

	"github.com/kuroboros-dev/kuroboros/pkg/crd"
	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
)

type widgetSpec struct{ crd.Object }

func newWidgetSpec(v crd.Value) widgetSpec { return widgetSpec{crd.Object{Value: v}} }

func (widgetSpec) Fields() map[string]crd.PropDescriptor {
	return map[string]crd.PropDescriptor{"replicas": crd.Prop[int](true)}
}

var widgetGVR = schema.GroupVersionResource{Group: "example.com", Version: "v1", Resource: "widgets"}

func newFakeWidget(namespace, name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "example.com/v1",
		"kind":       "Widget",
		"metadata":   map[string]interface{}{"namespace": namespace, "name": name},
		"spec":       map[string]interface{}{"replicas": int64(1)},
	}}
}

func TestReconcilerStartStopLifecycle(t *testing.T) {
	obj := newFakeWidget("default", "w1")
	dyn := fake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{widgetGVR: "WidgetList"}, obj)

	var calls int32
	fn := Func[widgetSpec](func(ctx context.Context, logger log.Logger, obj *crd.Instance[widgetSpec]) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return RequeueAfter(10 * time.Millisecond), nil
	})
	r := New(fn, newWidgetSpec, log.NewNopLogger())
	assert.False(t, r.Running())

	require.NoError(t, r.Start(context.Background(), dyn, widgetGVR, crd.NamespaceName{Namespace: "default", Name: "w1"}))
	assert.True(t, r.Running())

	// Starting twice must error.
	err := r.Start(context.Background(), dyn, widgetGVR, crd.NamespaceName{Namespace: "default", Name: "w1"})
	assert.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	r.Stop()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))

	// Stop is idempotent.
	r.Stop()
}

func TestReconcilerStopsWhenObjectDeleted(t *testing.T) {
	dyn := fake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{widgetGVR: "WidgetList"})

	done := make(chan struct{})
	fn := Func[widgetSpec](func(ctx context.Context, logger log.Logger, obj *crd.Instance[widgetSpec]) (Result, error) {
		return Result{}, nil
	})
	r := New(fn, newWidgetSpec, log.NewNopLogger())
	require.NoError(t, r.Start(context.Background(), dyn, widgetGVR, crd.NamespaceName{Namespace: "default", Name: "missing"}))
	go func() {
		for r.Running() {
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop after object not found")
	}
	r.Stop()
}

// TestReconcilerRetriesAfterUnexpectedFetchError exercises the "an uncaught
// fetch error is retried at the previous interval, not fatal" requirement.
// The first reconcile must succeed so an interval is already established
// (matching the reference implementation, where a failure on the very first
// iteration — before any interval has ever been set — still ends the loop);
// only failures after that point are expected to be swallowed and retried.
func TestReconcilerRetriesAfterUnexpectedFetchError(t *testing.T) {
	obj := newFakeWidget("default", "w1")
	dyn := fake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{widgetGVR: "WidgetList"}, obj)

	var getCalls, fetchFailures int32
	dyn.PrependReactor("get", "widgets", func(action clienttesting.Action) (bool, runtime.Object, error) {
		n := atomic.AddInt32(&getCalls, 1)
		if n == 2 || n == 3 {
			atomic.AddInt32(&fetchFailures, 1)
			return true, nil, assertErr{}
		}
		return false, nil, nil
	})

	var calls int32
	fn := Func[widgetSpec](func(ctx context.Context, logger log.Logger, obj *crd.Instance[widgetSpec]) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return RequeueAfter(10 * time.Millisecond), nil
	})
	r := New(fn, newWidgetSpec, log.NewNopLogger())

	require.NoError(t, r.Start(context.Background(), dyn, widgetGVR, crd.NamespaceName{Namespace: "default", Name: "w1"}))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()

	assert.False(t, r.Running())
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetchFailures))
}

func TestClassifyPreservesIntervalAcrossUnexpectedError(t *testing.T) {
	r := New[widgetSpec](nil, nil, log.NewNopLogger())
	prev := ptrDuration(30 * time.Second)

	got := r.classify(log.NewNopLogger(), Result{}, assertErr{}, prev)
	require.NotNil(t, got)
	assert.Equal(t, *prev, *got)
}

func TestClassifyRetriableUsesBackoff(t *testing.T) {
	r := New[widgetSpec](nil, nil, log.NewNopLogger())
	err := &kerrors.RetriableError{Backoff: 7 * time.Second}
	got := r.classify(log.NewNopLogger(), Result{}, err, nil)
	require.NotNil(t, got)
	assert.Equal(t, 7*time.Second, *got)
}

func TestClassifyUnrecoverableStopsLoop(t *testing.T) {
	r := New[widgetSpec](nil, nil, log.NewNopLogger())
	err := &kerrors.UnrecoverableError{}
	got := r.classify(log.NewNopLogger(), Result{}, err, ptrDuration(time.Second))
	assert.Nil(t, got)
}

func TestClassifyTimeoutRequeuesWhenConfigured(t *testing.T) {
	r := New[widgetSpec](nil, nil, log.NewNopLogger())
	r.TimeoutRetry = true
	r.TimeoutRequeueTime = 2 * time.Minute
	got := r.classify(log.NewNopLogger(), Result{}, kerrors.ErrTimeout, nil)
	require.NotNil(t, got)
	assert.Equal(t, 2*time.Minute, *got)
}

func TestClassifyZeroResultStopsLoop(t *testing.T) {
	r := New[widgetSpec](nil, nil, log.NewNopLogger())
	got := r.classify(log.NewNopLogger(), Result{}, nil, nil)
	assert.Nil(t, got)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func ptrDuration(d time.Duration) *time.Duration { return &d }

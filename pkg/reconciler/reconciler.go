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

// Package reconciler drives a single custom resource's reconcile loop: load
// the latest object, call the user's reconcile function, classify the
// outcome, sleep, repeat. It is the Go realization of the reference
// implementation's BaseReconciler.reconcilation_loop, with exception-based
// control flow replaced by an explicit (Result, error) return.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pkgerrors "github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/dynamic"

	"github.com/kuroboros-dev/kuroboros/pkg/crd"
	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
	"github.com/kuroboros-dev/kuroboros/pkg/kuroutil"
	"github.com/kuroboros-dev/kuroboros/pkg/kuroutil/rlog"
)

var errAlreadyStarted = pkgerrors.New("reconciler: already started")

// Result is returned by a Func alongside a nil error to request rescheduling.
// The zero value means "do not requeue" (equivalent to the reference
// implementation's reconcile() returning None with no exception raised).
type Result struct {
	requeueAfter time.Duration
	requeue      bool
}

// RequeueAfter builds a Result asking the loop to run again after d.
func RequeueAfter(d time.Duration) Result {
	return Result{requeueAfter: d, requeue: true}
}

// Func is the user-supplied reconcile function for CR type T. Outcome
// classification (spec.md's Retriable/Unrecoverable/Timeout/Unexpected
// branches) is carried entirely in the returned error's type, since Go has
// no first-class exception hierarchy: return a *kerrors.RetriableError,
// *kerrors.UnrecoverableError, any other error (treated as Unexpected:
// logged and retried at the previous interval, or ending the loop if no
// interval has been set yet), or nil.
type Func[T crd.Schema] func(ctx context.Context, logger log.Logger, obj *crd.Instance[T]) (Result, error)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Reconciler drives Func in a loop for one object until Stop is called or
// the object is deleted server-side.
type Reconciler[T crd.Schema] struct {
	Timeout            time.Duration // 0 disables the per-iteration timeout.
	TimeoutRetry       bool
	TimeoutRequeueTime time.Duration

	fn      Func[T]
	newSpec crd.Factory[T]
	logger  log.Logger

	mu    sync.Mutex
	state state
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
}

// New builds a Reconciler that calls fn each iteration.
func New[T crd.Schema](fn Func[T], newSpec crd.Factory[T], logger log.Logger) *Reconciler[T] {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Reconciler[T]{
		fn:                 fn,
		newSpec:            newSpec,
		logger:             logger,
		TimeoutRequeueTime: 5 * time.Minute,
	}
}

// Running reports whether the reconcile loop is currently active.
func (r *Reconciler[T]) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRunning
}

// Start begins the per-object reconcile loop in a background goroutine. It
// returns an error if the reconciler has already been started.
func (r *Reconciler[T]) Start(ctx context.Context, dyn dynamic.Interface, gvr schema.GroupVersionResource, nn crd.NamespaceName) error {
	r.mu.Lock()
	if r.state != stateIdle {
		r.mu.Unlock()
		return errAlreadyStarted
	}
	r.state = stateRunning
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		defer runtime.HandleCrash()
		defer func() {
			r.mu.Lock()
			r.state = stateStopped
			r.mu.Unlock()
		}()
		r.run(ctx, dyn, gvr, nn)
	}()
	return nil
}

// Stop signals the loop to exit and blocks until it has.
func (r *Reconciler[T]) Stop() {
	r.mu.Lock()
	stop := r.stop
	done := r.done
	r.mu.Unlock()
	if stop == nil {
		return
	}
	r.stopOnce.Do(func() { close(stop) })
	if done != nil {
		<-done
	}
	r.mu.Lock()
	r.state = stateStopped
	r.mu.Unlock()
}

// run is the translation of the reference implementation's
// reconcilation_loop: fetch latest, reconcile, classify, sleep, repeat.
func (r *Reconciler[T]) run(ctx context.Context, dyn dynamic.Interface, gvr schema.GroupVersionResource, nn crd.NamespaceName) {
	var interval *time.Duration

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		nnLogger := log.With(r.logger, "namespace", nn.Namespace, "name", nn.Name)

		res := dyn.Resource(gvr).Namespace(nn.Namespace)
		latest, err := res.Get(ctx, nn.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				level.Info(nnLogger).Log("msg", "object no longer exists, stopping reconcile loop")
				return
			}
			// An unexpected fetch failure is treated exactly like a failed
			// reconcile: logged and retried at the previous interval, or the
			// loop ends if no interval has been set yet.
			interval = r.classify(nnLogger, Result{}, err, interval)
			if interval == nil {
				return
			}
			if !kuroutil.EventAwareSleep(ctx, r.stop, *interval) {
				return
			}
			continue
		}

		inst := crd.NewInstance(latest, res, false, r.newSpec)
		iterLogger := rlog.ForObject(r.logger, nn.Namespace, nn.Name, inst.ResourceVersion(), latest.GetAPIVersion())

		result, rerr := r.reconcileOnce(ctx, iterLogger, inst)
		interval = r.classify(iterLogger, result, rerr, interval)

		if interval == nil {
			return
		}
		if !kuroutil.EventAwareSleep(ctx, r.stop, *interval) {
			return
		}
	}
}

func (r *Reconciler[T]) reconcileOnce(ctx context.Context, logger log.Logger, inst *crd.Instance[T]) (Result, error) {
	if r.Timeout <= 0 {
		return r.fn(ctx, logger, inst)
	}
	return kuroutil.WithTimeout(ctx, r.Timeout, func(ctx context.Context) (Result, error) {
		return r.fn(ctx, logger, inst)
	})
}

// classify maps a reconcile outcome to the sleep interval for the next
// iteration, preserving the previous interval across exception paths that
// don't set one explicitly — the same "interval survives across the
// finally block" behavior the reference implementation relies on.
func (r *Reconciler[T]) classify(logger log.Logger, result Result, err error, prevInterval *time.Duration) *time.Duration {
	if err == nil {
		if !result.requeue {
			return nil
		}
		d := result.requeueAfter
		return &d
	}

	var retriable *kerrors.RetriableError
	var unrecoverable *kerrors.UnrecoverableError

	switch {
	case errors.As(err, &retriable):
		level.Warn(logger).Log("msg", "reconcile failed, retrying", "err", err, "backoff", retriable.Backoff)
		d := retriable.Backoff
		return &d
	case errors.As(err, &unrecoverable):
		level.Error(logger).Log("msg", "reconcile failed unrecoverably, stopping reconcile loop", "err", err)
		return nil
	case errors.Is(err, kerrors.ErrTimeout):
		level.Warn(logger).Log("msg", "reconcile timed out", "err", err)
		if r.TimeoutRetry {
			d := r.TimeoutRequeueTime
			return &d
		}
		return prevInterval
	default:
		level.Error(logger).Log("msg", "reconcile failed", "err", err)
		return prevInterval
	}
}

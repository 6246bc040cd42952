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

// Package leaderelection implements the operator's single-writer lease
// protocol against a coordination.k8s.io/v1 Lease object: a polling loop
// that, every AcquireInterval, creates the Lease, renews it while held, or
// takes it over once it has expired.
package leaderelection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/utils/ptr"

	"github.com/kuroboros-dev/kuroboros/pkg/kuroutil"
)

const (
	// DefaultLeaseDuration is how long a held lease is valid without renewal.
	DefaultLeaseDuration = 10 * time.Second
	// DefaultAcquireInterval is how often a non-leader retries acquisition.
	DefaultAcquireInterval = 10 * time.Second
)

// Elector runs the acquire/renew loop for a single coordination.k8s.io Lease,
// exposing a non-recursive IsLeader: the resolved form of spec.md's open
// question about Operator.is_leader, where one revision of the original
// recursed into itself (`return self.is_leader()`) and a later revision
// fixed it to read a flag (`self._is_leader.is_set()`). isLeader here is a
// sync/atomic flag set on each acquire/lose transition, never a method call.
type Elector struct {
	client    coordinationv1client.LeaseInterface
	namespace string
	name      string
	identity  string
	logger    log.Logger

	LeaseDuration   time.Duration
	AcquireInterval time.Duration

	isLeader    atomic.Bool
	elected     chan struct{}
	electedOnce sync.Once
}

// New builds an Elector for the lease "<name>-leader" in namespace, held
// under identity (the operator's random per-process UID).
func New(client coordinationv1client.LeaseInterface, namespace, name, identity string, logger log.Logger) *Elector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Elector{
		client:          client,
		namespace:       namespace,
		name:            name + "-leader",
		identity:        identity,
		logger:          logger,
		LeaseDuration:   DefaultLeaseDuration,
		AcquireInterval: DefaultAcquireInterval,
		elected:         make(chan struct{}),
	}
}

// IsLeader reports whether this process currently holds the lease.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// WaitForLeadership blocks until this process is elected or ctx is done.
func (e *Elector) WaitForLeadership(ctx context.Context) error {
	select {
	case <-e.elected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the election/renewal loop until stop is closed or ctx is done.
// It is a long-running task: per spec.md §4.7, its unexpected death is fatal
// to the operator supervision loop, so callers run it in its own supervised
// goroutine rather than treating a returned error as recoverable.
func (e *Elector) Run(ctx context.Context, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		acquired, err := e.tryAcquire(ctx)
		if err != nil {
			level.Error(e.logger).Log("msg", "leader election attempt failed", "err", err)
		}
		e.setLeader(acquired)

		if !kuroutil.EventAwareSleep(ctx, stop, e.AcquireInterval) {
			return nil
		}
	}
}

func (e *Elector) setLeader(leader bool) {
	was := e.isLeader.Swap(leader)
	if leader && !was {
		level.Info(e.logger).Log("msg", "acquired leader lease", "identity", e.identity)
		e.electedOnce.Do(func() { close(e.elected) })
	} else if !leader && was {
		level.Warn(e.logger).Log("msg", "lost leader lease", "identity", e.identity)
	}
}

// tryAcquire implements spec.md's §4.7 algorithm: create the lease if
// absent, replace it if expired or already held by this identity, otherwise
// leave it alone and report non-leadership.
func (e *Elector) tryAcquire(ctx context.Context) (bool, error) {
	lease, err := e.client.Get(ctx, e.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err := e.client.Create(ctx, e.newLease(), metav1.CreateOptions{})
		if err != nil {
			if apierrors.IsAlreadyExists(err) {
				return false, nil
			}
			return false, errors.Wrap(err, "create leader lease")
		}
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "get leader lease")
	}

	holder := ptr.Deref(lease.Spec.HolderIdentity, "")
	duration := leaseDuration(lease)
	expired := lease.Spec.RenewTime == nil || time.Now().After(lease.Spec.RenewTime.Add(duration))

	if !expired && holder != e.identity {
		return false, nil
	}

	lease.Spec.HolderIdentity = ptr.To(e.identity)
	lease.Spec.LeaseDurationSeconds = ptr.To(int32(e.LeaseDuration / time.Second))
	now := metav1.NewMicroTime(time.Now())
	lease.Spec.RenewTime = &now

	if _, err := e.client.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "update leader lease")
	}
	return true, nil
}

func (e *Elector) newLease() *coordinationv1.Lease {
	now := metav1.NewMicroTime(time.Now())
	return &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: e.name, Namespace: e.namespace},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(e.identity),
			LeaseDurationSeconds: ptr.To(int32(e.LeaseDuration / time.Second)),
			RenewTime:            &now,
		},
	}
}

func leaseDuration(lease *coordinationv1.Lease) time.Duration {
	seconds := ptr.Deref(lease.Spec.LeaseDurationSeconds, int32(DefaultLeaseDuration/time.Second))
	return time.Duration(seconds) * time.Second
}

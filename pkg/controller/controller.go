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

// Package controller watches one CR kind, spawns a reconciler.Reconciler per
// object, and tears objects down when they're deleted — finalizer-aware, so
// deletion waits for a reconciler to observe the deletionTimestamp and
// finish its own cleanup before the member is dropped. It is the Go
// realization of the reference implementation's Controller class.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	authzv1api "k8s.io/api/authorization/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	authorizationv1 "k8s.io/client-go/kubernetes/typed/authorization/v1"

	"github.com/kuroboros-dev/kuroboros/pkg/crd"
	"github.com/kuroboros-dev/kuroboros/pkg/groupversion"
	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
	"github.com/kuroboros-dev/kuroboros/pkg/kuroutil"
	"github.com/kuroboros-dev/kuroboros/pkg/reconciler"
)

// NamespaceName re-exports crd.NamespaceName under the name SPEC_FULL names
// it: pkg/controller.NamespaceName. It is defined once in pkg/crd to avoid
// an import cycle (crd.Instance.NamespaceName() returns it, and
// Config[T] here needs crd.Schema) — see DESIGN.md.
type NamespaceName = crd.NamespaceName

// requiredVerbs are the RBAC verbs a controller's ServiceAccount must hold
// against its CR's resource, checked once at construction via a
// SelfSubjectAccessReview per verb — the Go analogue of the reference
// implementation's _check_permissions.
var requiredVerbs = []string{"create", "list", "watch", "delete", "get", "patch", "update"}

const cleanupInterval = 5 * time.Second

// Config describes one controller: which CR kind it watches, how to build a
// reconciler for each object, and its optional admission hooks.
type Config[T crd.Schema] struct {
	Name          string
	GroupVersion  groupversion.GroupVersionInfo
	NewSpec       crd.Factory[T]
	NewReconciler func() *reconciler.Reconciler[T]
}

// Controller watches one CR kind and manages a reconciler.Reconciler per
// live object.
type Controller[T crd.Schema] struct {
	cfg    Config[T]
	gvr    schema.GroupVersionResource
	dyn    dynamic.Interface
	logger log.Logger

	mu            sync.Mutex
	members       map[NamespaceName]*reconciler.Reconciler[T]
	pendingRemove map[NamespaceName]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	dead     chan struct{}
}

// New constructs a Controller for cfg, running a SelfSubjectAccessReview
// preflight for the verbs the controller needs against its CR's resource.
func New[T crd.Schema](cfg Config[T], dyn dynamic.Interface, authz authorizationv1.SelfSubjectAccessReviewInterface, logger log.Logger) (*Controller[T], error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	gvr := schema.GroupVersionResource{
		Group:    cfg.GroupVersion.Group,
		Version:  cfg.GroupVersion.APIVersion,
		Resource: cfg.GroupVersion.Plural,
	}

	if authz != nil {
		if err := checkPermissions(context.Background(), authz, gvr); err != nil {
			return nil, err
		}
	}

	return &Controller[T]{
		cfg:           cfg,
		gvr:           gvr,
		dyn:           dyn,
		logger:        log.With(logger, "controller", cfg.Name),
		members:       map[NamespaceName]*reconciler.Reconciler[T]{},
		pendingRemove: map[NamespaceName]struct{}{},
	}, nil
}

func checkPermissions(ctx context.Context, authz authorizationv1.SelfSubjectAccessReviewInterface, gvr schema.GroupVersionResource) error {
	var denied []string
	for _, verb := range requiredVerbs {
		review := &authzv1api.SelfSubjectAccessReview{
			Spec: authzv1api.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &authzv1api.ResourceAttributes{
					Group:    gvr.Group,
					Version:  gvr.Version,
					Resource: gvr.Resource,
					Verb:     verb,
				},
			},
		}
		result, err := authz.Create(ctx, review, metav1.CreateOptions{})
		if err != nil {
			return errors.Wrapf(err, "checking permission %q on %s", verb, gvr.Resource)
		}
		if !result.Status.Allowed {
			denied = append(denied, verb)
		}
	}
	if len(denied) > 0 {
		return &kerrors.PermissionError{Resource: gvr.Resource, Verbs: denied}
	}
	return nil
}

// Run preloads existing objects and starts the watch and cleanup loops. It
// returns once both have been started; the loops themselves run until Stop
// is called or ctx is canceled.
func (c *Controller[T]) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return errors.New("controller: already running")
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{}, 2)
	c.dead = make(chan struct{})
	c.mu.Unlock()

	if err := c.preloadExisting(ctx); err != nil {
		return errors.Wrap(err, "preload existing custom resources")
	}

	go func() {
		defer runtime.HandleCrash()
		defer func() { c.done <- struct{}{} }()
		c.watchLoop(ctx)
	}()
	go func() {
		defer runtime.HandleCrash()
		defer func() { c.done <- struct{}{} }()
		c.cleanupLoop(ctx)
	}()
	go func() {
		<-c.done
		<-c.done
		close(c.dead)
	}()
	return nil
}

// Dead returns a channel closed once both the watch and cleanup loops have
// exited, whether from Stop() or an internal fatal condition (the watch loop
// giving up after repeated failed re-establishment). The operator
// supervision loop (spec.md §4.7) selects on this to detect controller death
// it did not itself request.
func (c *Controller[T]) Dead() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Stop signals both loops to exit and blocks until they have, then stops
// every live member reconciler.
func (c *Controller[T]) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return
	}
	c.stopOnce.Do(func() { close(stop) })
	<-c.Dead()

	c.mu.Lock()
	members := make([]*reconciler.Reconciler[T], 0, len(c.members))
	for _, m := range c.members {
		members = append(members, m)
	}
	c.mu.Unlock()
	for _, m := range members {
		m.Stop()
	}
}

func (c *Controller[T]) preloadExisting(ctx context.Context) error {
	list, err := c.dyn.Resource(c.gvr).Namespace(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}
	for i := range list.Items {
		c.addMember(ctx, &list.Items[i])
	}
	return nil
}

// watchLoop is the translation of _watch_cr_events: ADDED/MODIFIED add a
// member, DELETED with remaining finalizers marks pending-remove instead of
// removing immediately, DELETED with none removes the member outright.
func (c *Controller[T]) watchLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	const maxConsecutiveFailures = 8
	failures := 0

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		w, err := c.dyn.Resource(c.gvr).Namespace(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{})
		if err != nil {
			level.Error(c.logger).Log("msg", "failed to start watch", "err", err)
			failures++
			if failures >= maxConsecutiveFailures {
				level.Error(c.logger).Log("msg", "watch repeatedly failed to start, giving up")
				return
			}
			if !kuroutil.EventAwareSleep(ctx, c.stop, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		closedClean := c.consumeWatch(ctx, w.ResultChan())
		w.Stop()
		if !closedClean {
			return
		}
		// A clean close (e.g. the apiserver's routine watch timeout) is
		// operational noise, not a reason to stop reconciling this kind —
		// re-establish the watch after a short fixed pause and reset the
		// backoff and failure count, which only apply to failed watch starts.
		failures = 0
		backoff = time.Second
		if !kuroutil.EventAwareSleep(ctx, c.stop, 100*time.Millisecond) {
			return
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// consumeWatch drains one watch stream. It returns true if the channel
// closed cleanly (eligible for re-watch) and false if stop/ctx fired (the
// caller should exit, not re-watch).
func (c *Controller[T]) consumeWatch(ctx context.Context, ch <-chan watch.Event) bool {
	for {
		select {
		case <-c.stop:
			return false
		case <-ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return true
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Controller[T]) handleEvent(ctx context.Context, ev watch.Event) {
	obj, ok := ev.Object.(*unstructured.Unstructured)
	if !ok {
		level.Warn(c.logger).Log("msg", "malformed watch event, ignoring", "type", ev.Type)
		return
	}
	switch ev.Type {
	case watch.Added, watch.Modified:
		c.addMember(ctx, obj)
	case watch.Deleted:
		inst := crd.NewInstance(obj, c.dyn.Resource(c.gvr), true, c.cfg.NewSpec)
		if inst.HasFinalizers() {
			c.addPendingRemove(NamespaceName{Namespace: obj.GetNamespace(), Name: obj.GetName()})
		} else {
			c.removeMember(NamespaceName{Namespace: obj.GetNamespace(), Name: obj.GetName()})
		}
	}
}

func (c *Controller[T]) addMember(ctx context.Context, obj *unstructured.Unstructured) {
	nn := NamespaceName{Namespace: obj.GetNamespace(), Name: obj.GetName()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.members[nn]; exists {
		return
	}
	r := c.cfg.NewReconciler()
	if err := r.Start(ctx, c.dyn, c.gvr, nn); err != nil {
		level.Error(c.logger).Log("msg", "failed to start reconciler", "object", nn, "err", err)
		return
	}
	c.members[nn] = r
}

func (c *Controller[T]) addPendingRemove(nn NamespaceName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRemove[nn] = struct{}{}
}

func (c *Controller[T]) removeMember(nn NamespaceName) {
	c.mu.Lock()
	r, exists := c.members[nn]
	if exists {
		delete(c.members, nn)
	}
	delete(c.pendingRemove, nn)
	c.mu.Unlock()
	if exists {
		go r.Stop()
	}
}

// cleanupLoop is the translation of _watch_pending_remove: every
// cleanupInterval, re-fetch each pending-remove object; a 404 means it's
// finally gone server-side (its finalizers were all released) so the member
// is dropped. Any other error is fatal to the loop, matching the reference
// implementation's "else: raise e" — the cleanup goroutine exits rather than
// retrying forever, and its exit feeds the shared done/dead signaling so the
// operator's supervision loop observes the controller as dead. Each tick also
// scans the membership map for reconcilers that stopped themselves (a
// completed Result{} or an UnrecoverableError) without a corresponding DELETE
// event ever arriving, the Go counterpart of defunct_members's
// thread.is_alive() check.
func (c *Controller[T]) cleanupLoop(ctx context.Context) {
	for {
		if !kuroutil.EventAwareSleep(ctx, c.stop, cleanupInterval) {
			return
		}
		if !c.cleanupTick(ctx) {
			return
		}
	}
}

// cleanupTick runs one pending-remove/defunct-member pass. It returns false
// when an unexpected apiserver error makes the tick fatal, having already
// triggered the controller-wide stop signal so watchLoop unwinds too and the
// shared done/dead machinery observes the controller as dead.
func (c *Controller[T]) cleanupTick(ctx context.Context) bool {
	c.mu.Lock()
	pending := make([]NamespaceName, 0, len(c.pendingRemove))
	for nn := range c.pendingRemove {
		pending = append(pending, nn)
	}
	c.mu.Unlock()

	for _, nn := range pending {
		_, err := c.dyn.Resource(c.gvr).Namespace(nn.Namespace).Get(ctx, nn.Name, metav1.GetOptions{})
		if err == nil {
			continue
		}
		if apierrors.IsNotFound(err) {
			c.removeMember(nn)
			level.Info(c.logger).Log("msg", "pending-remove object no longer found, removed", "object", nn)
			continue
		}
		level.Error(c.logger).Log("msg", "unexpected api error while watching pending-remove object, stopping controller", "object", nn, "err", err)
		c.stopOnce.Do(func() { close(c.stop) })
		return false
	}

	c.removeDefunctMembers()
	return true
}

// removeDefunctMembers drops members whose reconciler has stopped running on
// its own — without a DELETE watch event ever marking it pending-remove —
// which would otherwise leave a permanently stale map entry.
func (c *Controller[T]) removeDefunctMembers() {
	c.mu.Lock()
	defunct := make([]NamespaceName, 0)
	for nn, r := range c.members {
		if !r.Running() {
			defunct = append(defunct, nn)
		}
	}
	c.mu.Unlock()

	for _, nn := range defunct {
		c.removeMember(nn)
		level.Info(c.logger).Log("msg", "defunct reconciler removed from membership", "object", nn)
	}
}

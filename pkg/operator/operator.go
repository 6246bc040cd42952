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

// Package operator wires together the pieces built elsewhere in this module
// — pkg/controller, pkg/webhookserver, pkg/operator/leaderelection — into
// the single process described by the reference implementation's Operator
// class: it holds every registered controller, runs leader election,
// reports metrics, optionally serves admission webhooks, and supervises all
// of the above, treating the unexpected death of any one of them as fatal
// to the whole process.
package operator

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	authorizationv1 "k8s.io/client-go/kubernetes/typed/authorization/v1"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	coordinationv1 "k8s.io/client-go/kubernetes/typed/coordination/v1"

	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
	"github.com/kuroboros-dev/kuroboros/pkg/kuroutil"
	"github.com/kuroboros-dev/kuroboros/pkg/operator/leaderelection"
	"github.com/kuroboros-dev/kuroboros/pkg/webhook"
	"github.com/kuroboros-dev/kuroboros/pkg/webhookserver"
)

// managedController is the type-erased handle the Operator holds for every
// registered controller. Controller[T] for distinct T cannot share a slice
// element type directly — Go generics are invariant and have no existential
// "any Controller[_]" form — so the Operator depends only on the three
// methods it actually needs to run and supervise one. Any *controller.Controller[T]
// satisfies this interface without modification.
type managedController interface {
	Run(ctx context.Context) error
	Stop()
	Dead() <-chan struct{}
}

// Options configures an Operator. It is usually built from
// pkg/operator/config.Config, but can be set directly by callers that don't
// want the INI/env loader.
type Options struct {
	Name                  string
	Namespace             string
	MetricsUpdateInterval time.Duration
	LeaderAcquireInterval time.Duration
	WebhookAddr           string

	// CASelfSign generates a self-signed serving certificate for the
	// webhook server instead of requesting one signed by the cluster's CA
	// via a CertificateSigningRequest. Self-signing avoids depending on a
	// cluster signer being configured, at the cost of callers needing the
	// operator's own CA bundle rather than the cluster's to validate it.
	CASelfSign bool
}

func (o *Options) defaultAndValidate() error {
	if o.Name == "" {
		return errors.New("operator: Name must be set")
	}
	if o.Namespace == "" {
		o.Namespace = "default"
	}
	if o.MetricsUpdateInterval <= 0 {
		o.MetricsUpdateInterval = 5 * time.Second
	}
	if o.LeaderAcquireInterval <= 0 {
		o.LeaderAcquireInterval = leaderelection.DefaultAcquireInterval
	}
	return nil
}

// Operator owns every controller registered against it, the leader election
// lease, the metrics gauges, and (when Start is given webhook endpoints) the
// admission webhook server.
type Operator struct {
	opts   Options
	uid    string
	dyn    dynamic.Interface
	kube   kubernetes.Interface
	authz  authorizationv1.SelfSubjectAccessReviewInterface
	logger log.Logger

	threadsByReconciler *prometheus.GaugeVec
	activeThreads       prometheus.Gauge

	elector *leaderelection.Elector

	mu          sync.Mutex
	running     bool
	controllers []managedController
	names       map[string]struct{}
}

// New constructs an Operator. registry may be nil, in which case the
// gauges are created but never exposed — callers that want metrics wire
// registry into their own /metrics HTTP handler.
func New(opts Options, dyn dynamic.Interface, kube kubernetes.Interface, registry prometheus.Registerer, logger log.Logger) (*Operator, error) {
	if err := opts.defaultAndValidate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	threadsByReconciler := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kuroboros_python_threads_by_reconciler",
		Help: "The number of goroutines running per registered controller.",
	}, []string{"namespace", "reconciler"})
	activeThreads := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kuroboros_active_threads",
		Help: "The total number of goroutines owned by the operator.",
	})
	if registry != nil {
		registry.MustRegister(threadsByReconciler, activeThreads)
	}

	op := &Operator{
		opts:                opts,
		uid:                 uuid.New().String(),
		dyn:                 dyn,
		kube:                kube,
		authz:               kube.AuthorizationV1().SelfSubjectAccessReviews(),
		logger:              log.With(logger, "operator", opts.Name),
		threadsByReconciler: threadsByReconciler,
		activeThreads:       activeThreads,
		names:               map[string]struct{}{},
	}
	op.elector = leaderelection.New(
		leaseClient(kube, opts.Namespace),
		opts.Namespace, opts.Name, op.uid, log.With(op.logger, "component", "leaderelection"),
	)
	op.elector.AcquireInterval = opts.LeaderAcquireInterval
	return op, nil
}

func leaseClient(kube kubernetes.Interface, namespace string) coordinationv1.LeaseInterface {
	return kube.CoordinationV1().Leases(namespace)
}

// UID returns the random per-process identity used as the leader lease's
// holderIdentity.
func (o *Operator) UID() string { return o.uid }

// IsLeader reports whether this process currently holds the operator's
// leader lease.
func (o *Operator) IsLeader() bool { return o.elector.IsLeader() }

// Register adds a controller-shaped task to the operator under name,
// rejecting duplicates and refusing registration once Start has run — the
// Go counterpart of add_controller's "cannot add controller while operator
// is running" and "cannot add an already added controller" checks.
func (o *Operator) Register(name string, c managedController) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("operator: cannot register a controller while running")
	}
	if _, ok := o.names[name]; ok {
		return errors.Errorf("operator: controller %q already registered", name)
	}
	o.names[name] = struct{}{}
	o.controllers = append(o.controllers, c)
	o.threadsByReconciler.WithLabelValues(o.opts.Namespace, name)
	return nil
}

// AuthorizerForControllers exposes the SelfSubjectAccessReview client used
// for the permission preflight controller.New performs, so callers building
// controllers to Register can share the Operator's clientset.
func (o *Operator) AuthorizerForControllers() authorizationv1.SelfSubjectAccessReviewInterface {
	return o.authz
}

// Start runs the operator until ctx is cancelled or a supervised task dies
// unexpectedly. It mirrors the reference implementation's start(): reject
// if both skips are set or no controllers are registered, spawn the
// webhook server if endpoints were given and it isn't skipped, block on
// leader election if controllers aren't skipped, run every controller,
// start the metrics-reporting loop, then supervise.
//
// When endpoints is non-empty and the webhook server isn't skipped, Start
// also provisions the server's TLS certificate (self-signed or
// kube-apiserver-signed, per Options.CASelfSign) and upserts a
// ValidatingWebhookConfiguration carrying one rule per entry in rules,
// pointed at the operator's own webhook service and the resulting CA
// bundle — the Go counterpart of InitAdmissionResources.
func (o *Operator) Start(ctx context.Context, skipControllers, skipWebhookServer bool, rules []WebhookRule, endpoints ...webhook.Endpoint) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("operator: already running")
	}
	if skipControllers && skipWebhookServer {
		o.mu.Unlock()
		return errors.New("operator: cannot skip both controllers and the webhook server")
	}
	if !skipControllers && len(o.controllers) == 0 {
		o.mu.Unlock()
		return errors.New("operator: no controllers registered")
	}
	controllers := append([]managedController(nil), o.controllers...)
	o.running = true
	o.mu.Unlock()

	deaths := make(chan error, len(controllers)+3)

	var srv *webhookserver.Server
	if len(endpoints) > 0 && !skipWebhookServer {
		cert, caBundle, err := o.provisionWebhookCert(ctx)
		if err != nil {
			return errors.Wrap(err, "provision webhook server certificate")
		}
		vwc := ValidatingWebhookConfig(o.opts.Name, o.opts.Namespace, caBundle, rules)
		if _, err := UpsertValidatingWebhookConfig(ctx, o.kube.AdmissionregistrationV1().ValidatingWebhookConfigurations(), vwc); err != nil {
			return errors.Wrap(err, "upsert validating webhook config")
		}

		srv = webhookserver.New(o.opts.WebhookAddr, cert, log.With(o.logger, "component", "webhookserver"), endpoints...)
		go func() {
			err := srv.ListenAndServeTLS(ctx)
			if err != nil && ctx.Err() == nil {
				deaths <- &kerrors.SupervisionError{Task: "webhook server", Cause: err}
			}
		}()
	}

	if !skipControllers {
		go func() {
			if err := o.elector.Run(ctx, nil); err != nil {
				deaths <- &kerrors.SupervisionError{Task: "leader election", Cause: err}
			}
		}()

		level.Info(o.logger).Log("msg", "waiting to acquire leadership", "uid", o.uid)
		if err := o.elector.WaitForLeadership(ctx); err != nil {
			return errors.Wrap(err, "wait for leadership")
		}
		level.Info(o.logger).Log("msg", "leadership acquired", "uid", o.uid)

		for i, c := range controllers {
			if err := c.Run(ctx); err != nil {
				return errors.Wrap(err, "start controller")
			}
			idx := i
			go func() {
				<-controllers[idx].Dead()
				if ctx.Err() == nil {
					deaths <- &kerrors.SupervisionError{Task: "controller"}
				}
			}()
		}

		go o.reportMetrics(ctx, controllers, deaths)
	}

	select {
	case <-ctx.Done():
		o.stop(controllers, srv)
		return nil
	case err := <-deaths:
		o.stop(controllers, srv)
		return err
	}
}

// stop performs the graceful-shutdown sequence: signal every controller
// (which in turn drains its reconcilers), then leave leader election and
// the webhook server to observe ctx.Done() on their own — both already
// select on ctx internally.
func (o *Operator) stop(controllers []managedController, srv *webhookserver.Server) {
	for _, c := range controllers {
		c.Stop()
	}
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

func (o *Operator) reportMetrics(ctx context.Context, controllers []managedController, deaths chan<- error) {
	for {
		if !kuroutil.EventAwareSleep(ctx, nil, o.opts.MetricsUpdateInterval) {
			return
		}
		o.activeThreads.Set(float64(len(controllers) * 2))
	}
}

// provisionWebhookCert builds the keypair the webhook server presents to
// the apiserver, returning both the usable tls.Certificate and its
// PEM-encoded certificate bytes for use as a ValidatingWebhookConfiguration's
// caBundle.
func (o *Operator) provisionWebhookCert(ctx context.Context) (tls.Certificate, []byte, error) {
	fqdn := fmt.Sprintf("%s.%s.svc", o.opts.Name, o.opts.Namespace)
	if o.opts.CASelfSign {
		return kuroutil.SelfSignedCert(fqdn, fqdn)
	}
	certBytes, keyBytes, err := CreateSignedKeyPair(ctx, o.kube, fqdn, log.With(o.logger, "component", "certificate"))
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := tls.X509KeyPair(certBytes, keyBytes)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "build tls certificate from signed keypair")
	}
	return cert, certBytes, nil
}

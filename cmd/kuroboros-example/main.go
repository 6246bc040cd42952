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

// kuroboros-example is a worked demonstration of the framework: it wires up
// an Operator, registers a single controller for a toy "Widget" custom
// resource, and runs until SIGINT/SIGTERM, exactly the way a real operator
// built on this module would in its own main package.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kuroboros-dev/kuroboros/pkg/controller"
	"github.com/kuroboros-dev/kuroboros/pkg/crd"
	"github.com/kuroboros-dev/kuroboros/pkg/groupversion"
	"github.com/kuroboros-dev/kuroboros/pkg/operator"
	opconfig "github.com/kuroboros-dev/kuroboros/pkg/operator/config"
	"github.com/kuroboros-dev/kuroboros/pkg/reconciler"
)

// WidgetSpec is the minimal CR spec this example reconciles: a single
// "replicas" integer field.
type WidgetSpec struct {
	crd.Object
}

func newWidgetSpec(v crd.Value) WidgetSpec { return WidgetSpec{Object: crd.Object{Value: v}} }

func (s WidgetSpec) Replicas() int {
	v, _ := s.Get("replicas")
	n, _ := v.(int64)
	return int(n)
}

// Fields declares the CRD's OpenAPI-relevant property shape; see
// pkg/crd.Schema for why this is computed once per type rather than once
// per instance.
func (WidgetSpec) Fields() map[string]crd.PropDescriptor {
	return map[string]crd.PropDescriptor{
		"replicas": crd.Prop[int](true),
	}
}

func reconcileWidget(ctx context.Context, logger log.Logger, obj *crd.Instance[WidgetSpec]) (reconciler.Result, error) {
	level.Info(logger).Log("msg", "reconciling widget", "replicas", obj.Spec().Replicas())
	return reconciler.RequeueAfter(30 * time.Second), nil
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to operator.conf (defaults to $KUROBOROS_CONFIG or ./operator.conf)")
	flag.Parse()
	if configPath != "" {
		os.Setenv("KUROBOROS_CONFIG", configPath)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := opconfig.Load()
	if err != nil {
		level.Error(logger).Log("msg", "load config", "err", err)
		os.Exit(1)
	}

	restConfig, err := inClusterOrKubeconfig()
	if err != nil {
		level.Error(logger).Log("msg", "build kube client config", "err", err)
		os.Exit(1)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		level.Error(logger).Log("msg", "build dynamic client", "err", err)
		os.Exit(1)
	}
	kube, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		level.Error(logger).Log("msg", "build kubernetes client", "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	op, err := operator.New(operator.Options{
		Name:                  cfg.Name,
		Namespace:             opconfig.Namespace(),
		MetricsUpdateInterval: cfg.MetricsUpdateInterval,
		LeaderAcquireInterval: cfg.LeaderAcquireInterval,
		CASelfSign:            cfg.CASelfSign,
	}, dyn, kube, registry, logger)
	if err != nil {
		level.Error(logger).Log("msg", "construct operator", "err", err)
		os.Exit(1)
	}

	gvi, err := groupversion.New("example.com", "v1", "Widget")
	if err != nil {
		level.Error(logger).Log("msg", "build group version info", "err", err)
		os.Exit(1)
	}

	widgets, err := controller.New(controller.Config[WidgetSpec]{
		Name:         "widgets",
		GroupVersion: gvi,
		NewSpec:      newWidgetSpec,
		NewReconciler: func() *reconciler.Reconciler[WidgetSpec] {
			return reconciler.New(reconcileWidget, newWidgetSpec, logger)
		},
	}, dyn, op.AuthorizerForControllers(), logger)
	if err != nil {
		level.Error(logger).Log("msg", "construct widgets controller", "err", err)
		os.Exit(1)
	}
	if err := op.Register("widgets", widgets); err != nil {
		level.Error(logger).Log("msg", "register widgets controller", "err", err)
		os.Exit(1)
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return op.Start(ctx, false, true, nil)
		}, func(error) {
			cancel()
		})
	}
	{
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		stop := make(chan struct{})
		g.Add(func() error {
			select {
			case <-sig:
				return nil
			case <-stop:
				return nil
			}
		}, func(error) {
			close(stop)
		})
	}
	{
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Add(func() error {
			return srv.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "operator exited", "err", err)
		os.Exit(1)
	}
}

func inClusterOrKubeconfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

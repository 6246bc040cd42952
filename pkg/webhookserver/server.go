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

// Package webhookserver wires pkg/webhook.Endpoints onto a single HTTPS
// listener. It is the Go realization of the reference implementation's
// webhook_server.py, which wraps gunicorn/falcon around the same set of
// endpoints; here the listener is net/http with a TLS keypair generated by
// pkg/operator's certificate provisioning.
package webhookserver

import (
	"context"
	"crypto/tls"
	stdlog "log"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kuroboros-dev/kuroboros/pkg/webhook"
)

// Server serves a fixed set of admission webhook endpoints over TLS.
type Server struct {
	logger log.Logger
	srv    *http.Server
}

// New builds a Server listening on addr, serving each endpoint at its own
// Path(), using the given TLS certificate.
func New(addr string, cert tls.Certificate, logger log.Logger, endpoints ...webhook.Endpoint) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	mux := http.NewServeMux()
	for _, ep := range endpoints {
		mux.Handle(ep.Path(), accessLog(logger, ep))
	}

	return &Server{
		logger: logger,
		srv: &http.Server{
			Addr:      addr,
			Handler:   mux,
			ErrorLog:  stdlog.New(log.NewStdlibAdapter(logger), "", 0),
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		},
	}
}

func accessLog(logger log.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		level.Debug(logger).Log("msg", "webhook request served",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

// ListenAndServeTLS serves until ctx is cancelled, then shuts down
// gracefully. It always returns a non-nil error; http.ErrServerClosed
// indicates a clean shutdown.
func (s *Server) ListenAndServeTLS(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

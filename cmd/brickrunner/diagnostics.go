package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wehubfusion/brickrunner/pkg/runner"
)

// newDiagnosticsRouter serves /metrics and a /healthz that is green while
// the runner is setting up or running.
func newDiagnosticsRouter(reg *prometheus.Registry, current func() runner.State) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s := current()
		if s == runner.StateSetup || s == runner.StateRunning {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(s.String()))
	})
	return r
}

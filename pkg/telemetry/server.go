package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serverConfig struct {
	ready func() bool
	state func() string
}

// ServerOption configures the metrics server.
type ServerOption func(*serverConfig)

// WithReadiness makes /readyz answer 503 while fn returns false. A worker
// reports ready only while idle, so a load balancer in front of a pool of
// workers skips the busy ones.
func WithReadiness(fn func() bool) ServerOption {
	return func(c *serverConfig) { c.ready = fn }
}

// WithState adds fn's result to the /readyz body, e.g. the worker state.
func WithState(fn func() string) ServerOption {
	return func(c *serverConfig) { c.state = fn }
}

// Handler serves /metrics, /healthz and /readyz.
func Handler(opts ...ServerOption) http.Handler {
	cfg := serverConfig{ready: func() bool { return true }}
	for _, opt := range opts {
		opt(&cfg)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		body := "ready"
		if !cfg.ready() {
			body = "not ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if cfg.state != nil {
			body += " (" + cfg.state() + ")"
		}
		fmt.Fprintln(w, body)
	})
	return mux
}

// StartMetricsServer runs Handler on addr until ctx is done. An empty addr
// disables it. Listen errors are logged, never fatal: a build goes on
// without its metrics.
func StartMetricsServer(ctx context.Context, addr string, logger *slog.Logger, opts ...ServerOption) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(opts...),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	log := logger.With(slog.String("addr", addr))

	go func() {
		log.Info("metrics server listening")
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	context.AfterFunc(ctx, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
	})
}

package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/natalcast/report-pipeline/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck names a dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// MetricServer serves the prometheus registry and the probes on a port
// separate from the public API.
type MetricServer struct {
	httpServer *http.Server
	listener   net.Listener
	checks     []ReadinessCheck
}

func NewMetricServer(bindAddress string, listener net.Listener, checks ...ReadinessCheck) *MetricServer {
	m := &MetricServer{listener: listener, checks: checks}
	m.httpServer = &http.Server{Addr: bindAddress, Handler: m.Router()}
	return m
}

func (m *MetricServer) Router() chi.Router {
	router := chi.NewRouter()
	router.Handle("/metrics", metrics.NewPrometheusMetricsHandler().Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, readiness{Status: "ok"})
	})
	router.Get("/readyz", m.ready)
	return router
}

func (m *MetricServer) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	results := make([]error, len(m.checks))
	var g errgroup.Group
	for i, c := range m.checks {
		g.Go(func() error {
			results[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	reply := readiness{Status: "ok", Checks: make(map[string]string, len(m.checks))}
	for i, c := range m.checks {
		if results[i] != nil {
			reply.Status = "unavailable"
			reply.Checks[c.Name] = results[i].Error()
			zap.S().Named("metrics_server").Warnw("readiness check failed", "check", c.Name, "error", results[i])
			continue
		}
		reply.Checks[c.Name] = "ok"
	}
	if reply.Status != "ok" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, reply)
}

func (m *MetricServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		m.httpServer.SetKeepAlivesEnabled(false)
		_ = m.httpServer.Shutdown(ctxTimeout)
		zap.S().Named("metrics_server").Info("metrics server terminated")
	}()

	zap.S().Named("metrics_server").Infow("serving metrics and probes", "address", m.listener.Addr().String(), "checks", len(m.checks))
	if err := m.httpServer.Serve(m.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

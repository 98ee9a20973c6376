// Package metrics is an ambient addition: a loopback-only Prometheus
// surface reporting the daemon's internal health (reconnects, launches,
// respawns). It is not part of the coordinator or admin-socket protocols.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownGrace = 3 * time.Second

// Registry holds the counters and gauges this daemon exposes.
type Registry struct {
	reg *prometheus.Registry

	ReconnectAttempts prometheus.Counter
	Launches          *prometheus.CounterVec
	Respawns          *prometheus.CounterVec
	InstanceStatus    *prometheus.GaugeVec
}

// New registers and returns a fresh Registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconnect_attempts_total",
		Help: "Number of control-channel reconnection attempts since daemon start.",
	})
	r.Launches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instance_launches_total",
		Help: "Instance launch attempts by outcome.",
	}, []string{"outcome"})
	r.Respawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnel_respawns_total",
		Help: "Tunnel controller subprocess respawns by controller kind.",
	}, []string{"kind"})
	r.InstanceStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "instance_status",
		Help: "1 for the instance status currently in effect, 0 otherwise.",
	}, []string{"status"})

	r.reg.MustRegister(r.ReconnectAttempts, r.Launches, r.Respawns, r.InstanceStatus)
	return r
}

// SetStatus records the current Instance status as the only active gauge
// value among the closed status set. Pass "NONE" when no Instance exists.
func (r *Registry) SetStatus(current string) {
	for _, s := range []string{"INIT", "READY", "INIT_FAIL", "TERMINATED", "NONE"} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		r.InstanceStatus.WithLabelValues(s).Set(v)
	}
}

// Serve runs a loopback-only HTTP listener exporting /metrics until ctx
// is cancelled. A bind failure is logged, not escalated: the metrics
// surface is ambient observability, never a startup-validation gate.
func (r *Registry) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics listener failed", "addr", addr, "err", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown", "err", err)
		}
	}
}

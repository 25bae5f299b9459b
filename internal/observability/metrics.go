// Package observability holds the Prometheus metrics and the optional
// OpenTelemetry stdout telemetry. Nothing here ever writes to stdout: that
// stream belongs to the proxied MCP traffic.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the wrapper.
// Pass to components that need to record metrics.
type Metrics struct {
	MessagesTotal      *prometheus.CounterVec
	InspectionsTotal   *prometheus.CounterVec
	InspectionDuration *prometheus.HistogramVec
	DialogsTotal       *prometheus.CounterVec
	PendingRequests    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		MessagesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpower",
				Name:      "messages_total",
				Help:      "Total MCP messages pumped through the proxy",
			},
			[]string{"direction", "method"}, // direction=client/server
		),
		InspectionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpower",
				Name:      "inspections_total",
				Help:      "Total policy inspections by stage and decision",
			},
			[]string{"stage", "decision"}, // stage=request/response
		),
		InspectionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpower",
				Name:      "inspection_duration_seconds",
				Help:      "Policy inspection round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		DialogsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpower",
				Name:      "dialogs_total",
				Help:      "Total user confirmation dialogs by outcome",
			},
			[]string{"kind", "decision"}, // kind=confirmation/blocking
		),
		PendingRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpower",
				Name:      "pending_requests",
				Help:      "Requests awaiting their response inspection",
			},
		),
	}
}

// ServeMetrics exposes the registry on addr until ctx is cancelled. It is
// only started when a metrics address is configured.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics listener started", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package observability

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.MessagesTotal.WithLabelValues("client", "tools/call").Inc()
	m.InspectionsTotal.WithLabelValues("request", "allow").Inc()
	m.InspectionDuration.WithLabelValues("request").Observe(0.05)
	m.PendingRequests.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	byName := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	mf, ok := byName["mcpower_messages_total"]
	if !ok {
		t.Fatal("messages counter not registered")
	}
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("messages counter = %v, want 1", got)
	}

	mf, ok = byName["mcpower_inspection_duration_seconds"]
	if !ok {
		t.Fatal("duration histogram not registered")
	}
	if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("histogram observations = %d, want 1", got)
	}

	mf, ok = byName["mcpower_pending_requests"]
	if !ok {
		t.Fatal("pending gauge not registered")
	}
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("pending gauge = %v, want 3", got)
	}
}

func TestServeMetrics_ExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.MessagesTotal.WithLabelValues("client", "initialize").Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeMetrics(ctx, addr, reg, discardLogger())
	}()

	var body string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		body = string(raw)
		break
	}
	if !strings.Contains(body, "mcpower_messages_total") {
		t.Errorf("metrics endpoint missing counter, body:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeMetrics returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("ServeMetrics did not stop on cancel")
	}
}

func TestTelemetry_DisabledByDefault(t *testing.T) {
	t.Setenv(envTrace, "")
	tel, err := NewTelemetry("0.0.0-test", discardLogger())
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	if tel.enabled {
		t.Error("telemetry enabled without the environment flag")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("disabled shutdown = %v", err)
	}
	if tel.Tracer() == nil || tel.Meter() == nil {
		t.Error("disabled telemetry returned nil instruments")
	}
}

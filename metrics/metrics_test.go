package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.TelemetrySent("device-1")
	r.TelemetrySent("device-1")
	r.TelemetryFailed("device-2")
	r.PropertyReported("device-1", "ProductionRate")
	r.DesiredApplied("device-1", "ProductionRate")
	r.CommandInvoked("device-1", "EmergencyStop")
	r.AccessorFailure("read")

	if got := testutil.ToFloat64(r.telemetrySent.WithLabelValues("device-1")); got != 2 {
		t.Fatalf("expected telemetry sent 2, got %f", got)
	}
	if got := testutil.ToFloat64(r.telemetryFailed.WithLabelValues("device-2")); got != 1 {
		t.Fatalf("expected telemetry failed 1, got %f", got)
	}
	if got := testutil.ToFloat64(r.reported.WithLabelValues("device-1", "ProductionRate")); got != 1 {
		t.Fatalf("expected reported 1, got %f", got)
	}
	if got := testutil.ToFloat64(r.commands.WithLabelValues("device-1", "EmergencyStop")); got != 1 {
		t.Fatalf("expected commands 1, got %f", got)
	}
	if got := testutil.ToFloat64(r.accessorFailures.WithLabelValues("read")); got != 1 {
		t.Fatalf("expected accessor failures 1, got %f", got)
	}
}

func TestBridgeTransitionGauges(t *testing.T) {
	r := New(nil)
	r.BridgeTransition("", "uninitialized")
	r.BridgeTransition("uninitialized", "initializing")
	r.BridgeTransition("initializing", "running")
	r.BridgeTransition("running", "read_error")

	if got := testutil.ToFloat64(r.bridgesByState.WithLabelValues("running")); got != 0 {
		t.Fatalf("expected running 0, got %f", got)
	}
	if got := testutil.ToFloat64(r.bridgesByState.WithLabelValues("read_error")); got != 1 {
		t.Fatalf("expected read_error 1, got %f", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New(nil)
	r.TelemetrySent("device-1")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `twinbridge_telemetry_sent_total{device_id="device-1"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the bridge collectors.
type Recorder struct {
	telemetrySent    *prometheus.CounterVec
	telemetryFailed  *prometheus.CounterVec
	reported         *prometheus.CounterVec
	desiredApplied   *prometheus.CounterVec
	commands         *prometheus.CounterVec
	accessorFailures *prometheus.CounterVec
	bridgesByState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		telemetrySent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinbridge_telemetry_sent_total",
			Help: "Telemetry messages accepted by IoT Hub.",
		}, []string{"device_id"}),
		telemetryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinbridge_telemetry_failed_total",
			Help: "Telemetry ticks skipped because sampling or sending failed.",
		}, []string{"device_id"}),
		reported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinbridge_reported_writes_total",
			Help: "Reported property writes to the device twin.",
		}, []string{"device_id", "property"}),
		desiredApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinbridge_desired_applied_total",
			Help: "Desired property changes written to the machine.",
		}, []string{"device_id", "property"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinbridge_commands_total",
			Help: "Direct methods forwarded to the machine.",
		}, []string{"device_id", "method"}),
		accessorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twinbridge_accessor_failures_total",
			Help: "Failed OPC UA node operations.",
		}, []string{"op"}),
		bridgesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "twinbridge_bridges",
			Help: "Bridges currently in each lifecycle state.",
		}, []string{"state"}),
		gatherer: reg,
	}
	reg.MustRegister(
		r.telemetrySent, r.telemetryFailed, r.reported, r.desiredApplied,
		r.commands, r.accessorFailures, r.bridgesByState,
	)
	return r
}

func (r *Recorder) TelemetrySent(deviceID string)   { r.telemetrySent.WithLabelValues(deviceID).Inc() }
func (r *Recorder) TelemetryFailed(deviceID string) { r.telemetryFailed.WithLabelValues(deviceID).Inc() }

func (r *Recorder) PropertyReported(deviceID, property string) {
	r.reported.WithLabelValues(deviceID, property).Inc()
}

func (r *Recorder) DesiredApplied(deviceID, property string) {
	r.desiredApplied.WithLabelValues(deviceID, property).Inc()
}

func (r *Recorder) CommandInvoked(deviceID, method string) {
	r.commands.WithLabelValues(deviceID, method).Inc()
}

func (r *Recorder) AccessorFailure(op string) { r.accessorFailures.WithLabelValues(op).Inc() }

// BridgeTransition moves one bridge between state gauges. An empty oldState
// counts a new bridge.
func (r *Recorder) BridgeTransition(oldState, newState string) {
	if oldState != "" {
		r.bridgesByState.WithLabelValues(oldState).Dec()
	}
	r.bridgesByState.WithLabelValues(newState).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

package engine

import "time"

// EventType identifies the kind of event on the EventBus.
type EventType int

const (
	// Bridge events
	EventBridgeStateChanged EventType = iota + 1
	EventTelemetrySent
	EventTelemetryFailed
	EventPropertyReported
	EventDesiredApplied
	EventCommandInvoked

	// Endpoint events
	EventAccessorFailure
)

var eventNames = map[EventType]string{
	EventBridgeStateChanged: "bridge_state_changed",
	EventTelemetrySent:      "telemetry_sent",
	EventTelemetryFailed:    "telemetry_failed",
	EventPropertyReported:   "property_reported",
	EventDesiredApplied:     "desired_applied",
	EventCommandInvoked:     "command_invoked",
	EventAccessorFailure:    "accessor_failure",
}

func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// Event is the envelope carried by the EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// BridgeStateChangedEvent is emitted on every bridge lifecycle transition.
type BridgeStateChangedEvent struct {
	Device   string `json:"device"`
	DeviceID string `json:"device_id"`
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// TelemetryEvent is emitted after a telemetry send, successful or not.
type TelemetryEvent struct {
	Device   string `json:"device"`
	DeviceID string `json:"device_id"`
	Payload  []byte `json:"-"`
	Error    string `json:"error,omitempty"`
}

// PropertyEvent is emitted when a reported property is written or a desired
// property is applied to the machine.
type PropertyEvent struct {
	Device   string `json:"device"`
	DeviceID string `json:"device_id"`
	Property string `json:"property"`
	Value    int    `json:"value"`
}

// CommandInvokedEvent is emitted after a direct method reached the machine.
type CommandInvokedEvent struct {
	Device   string `json:"device"`
	DeviceID string `json:"device_id"`
	Method   string `json:"method"`
}

// AccessorFailureEvent is emitted for every failed node operation.
type AccessorFailureEvent struct {
	Op     string `json:"op"`
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

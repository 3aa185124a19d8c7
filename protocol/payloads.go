package protocol

import "encoding/json"

// Telemetry carries the exact JSON body sent to the cloud.
type Telemetry struct {
	Sample json.RawMessage `json:"sample"`
}

// Property is a reported or desired property change.
type Property struct {
	Name   string `json:"name"`
	Value  int    `json:"value"`
	Source string `json:"source"` // "reported" or "desired"
}

// State is a bridge lifecycle transition.
type State struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// Command is a direct method forwarded to the machine.
type Command struct {
	Method string `json:"method"`
}

// Heartbeat is published periodically by the bridge process.
type Heartbeat struct {
	Node     string        `json:"node"`
	Uptime   int64         `json:"uptime_s"`
	Endpoint string        `json:"endpoint"`
	Bridges  []BridgeState `json:"bridges"`
}

// BridgeState summarizes one bridge in a heartbeat.
type BridgeState struct {
	Device   string `json:"device"`
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
}

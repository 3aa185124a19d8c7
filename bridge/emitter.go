package bridge

// EventEmitter is the interface the bridge package uses to emit events.
type EventEmitter interface {
	EmitBridgeStateChanged(device, deviceID, oldState, newState string)
	EmitTelemetrySent(device, deviceID string, payload []byte)
	EmitTelemetryFailed(device, deviceID string, err error)
	EmitPropertyReported(device, deviceID, property string, value int)
	EmitDesiredApplied(device, deviceID, property string, value int)
	EmitCommandInvoked(device, deviceID, method string)
}

type nopEmitter struct{}

func (nopEmitter) EmitBridgeStateChanged(string, string, string, string) {}
func (nopEmitter) EmitTelemetrySent(string, string, []byte)               {}
func (nopEmitter) EmitTelemetryFailed(string, string, error)              {}
func (nopEmitter) EmitPropertyReported(string, string, string, int)       {}
func (nopEmitter) EmitDesiredApplied(string, string, string, int)         {}
func (nopEmitter) EmitCommandInvoked(string, string, string)              {}

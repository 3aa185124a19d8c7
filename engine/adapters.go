package engine

// plcEmitter adapts the engine's EventBus to the plc.EventEmitter interface.
type plcEmitter struct {
	bus *EventBus
}

func (e *plcEmitter) EmitAccessorFailure(op, nodeID string, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	e.bus.Emit(Event{Type: EventAccessorFailure, Payload: AccessorFailureEvent{Op: op, NodeID: nodeID, Error: errStr}})
}

// bridgeEmitter adapts the engine's EventBus to the bridge.EventEmitter interface.
type bridgeEmitter struct {
	bus *EventBus
}

func (e *bridgeEmitter) EmitBridgeStateChanged(device, deviceID, oldState, newState string) {
	e.bus.Emit(Event{Type: EventBridgeStateChanged, Payload: BridgeStateChangedEvent{
		Device: device, DeviceID: deviceID, OldState: oldState, NewState: newState,
	}})
}

func (e *bridgeEmitter) EmitTelemetrySent(device, deviceID string, payload []byte) {
	e.bus.Emit(Event{Type: EventTelemetrySent, Payload: TelemetryEvent{Device: device, DeviceID: deviceID, Payload: payload}})
}

func (e *bridgeEmitter) EmitTelemetryFailed(device, deviceID string, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	e.bus.Emit(Event{Type: EventTelemetryFailed, Payload: TelemetryEvent{Device: device, DeviceID: deviceID, Error: errStr}})
}

func (e *bridgeEmitter) EmitPropertyReported(device, deviceID, property string, value int) {
	e.bus.Emit(Event{Type: EventPropertyReported, Payload: PropertyEvent{
		Device: device, DeviceID: deviceID, Property: property, Value: value,
	}})
}

func (e *bridgeEmitter) EmitDesiredApplied(device, deviceID, property string, value int) {
	e.bus.Emit(Event{Type: EventDesiredApplied, Payload: PropertyEvent{
		Device: device, DeviceID: deviceID, Property: property, Value: value,
	}})
}

func (e *bridgeEmitter) EmitCommandInvoked(device, deviceID, method string) {
	e.bus.Emit(Event{Type: EventCommandInvoked, Payload: CommandInvokedEvent{Device: device, DeviceID: deviceID, Method: method}})
}

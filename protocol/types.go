package protocol

// Message types published by the bridge.
const (
	TypeTelemetry = "device.telemetry"
	TypeProperty  = "device.property"
	TypeState     = "bridge.state"
	TypeCommand   = "device.command"
	TypeHeartbeat = "bridge.heartbeat"
)

// Roles for Address.Role.
const (
	RoleBridge = "bridge"
	RoleDevice = "device"
)

// Protocol version.
const Version = 1

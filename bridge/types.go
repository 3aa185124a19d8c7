package bridge

import (
	"context"
	"strconv"
	"strings"
	"time"

	"twinbridge/twin"
)

// Bridge lifecycle states.
const (
	StateUninitialized = "uninitialized"
	StateInitializing  = "initializing"
	StateRunning       = "running"
	StateReadError     = "read_error"
	StateStopped       = "stopped"
)

const (
	eventInitialize  = "initialize"
	eventInitialized = "initialized"
	eventReadFailed  = "read_failed"
	eventRecovered   = "recovered"
	eventStop        = "stop"
)

// Twin property names.
const (
	PropProductionRate = "ProductionRate"
	PropDeviceError    = "DeviceError"
)

// Node suffixes appended to a machine prefix.
const (
	SuffixProductionStatus = "/ProductionStatus"
	SuffixWorkorderID      = "/WorkorderId"
	SuffixGoodCount        = "/GoodCount"
	SuffixBadCount         = "/BadCount"
	SuffixTemperature      = "/Temperature"
	SuffixProductionRate   = "/ProductionRate"
	SuffixDeviceError      = "/DeviceError"
)

// Direct method names.
const (
	MethodEmergencyStop    = "EmergencyStop"
	MethodResetErrorStatus = "ResetErrorStatus"
)

// Telemetry is one sample sent per tick. Timestamp travels as the message
// creation time, not in the body.
type Telemetry struct {
	DeviceName       string    `json:"deviceName"`
	ProductionStatus int       `json:"productionStatus"`
	WorkorderID      string    `json:"workorderId"`
	GoodCount        int       `json:"goodCount"`
	BadCount         int       `json:"badCount"`
	Temperature      float64   `json:"temperature"`
	Timestamp        time.Time `json:"-"`
}

// ErrorFlags is the machine's device error bitset.
type ErrorFlags int

const (
	ErrorNone          ErrorFlags = 0
	ErrorEmergencyStop ErrorFlags = 1
	ErrorPowerFailure  ErrorFlags = 2
	ErrorSensorFailure ErrorFlags = 4
	ErrorUnknown       ErrorFlags = 8
)

var errorFlagNames = []struct {
	flag ErrorFlags
	name string
}{
	{ErrorEmergencyStop, "EmergencyStop"},
	{ErrorPowerFailure, "PowerFailure"},
	{ErrorSensorFailure, "SensorFailure"},
	{ErrorUnknown, "Unknown"},
}

// Has reports whether all bits of flag are set.
func (f ErrorFlags) Has(flag ErrorFlags) bool { return f&flag == flag }

func (f ErrorFlags) String() string {
	if f == ErrorNone {
		return "None"
	}
	var names []string
	for _, n := range errorFlagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	if rest := f &^ (ErrorEmergencyStop | ErrorPowerFailure | ErrorSensorFailure | ErrorUnknown); rest != 0 {
		names = append(names, "0x"+strconv.FormatInt(int64(rest), 16))
	}
	return strings.Join(names, ", ")
}

// MethodHandler answers a direct method with a status and optional body.
type MethodHandler = func(ctx context.Context, payload []byte) (status int, response []byte)

// Cloud is the bridge's connection to its device identity.
type Cloud interface {
	twin.Client
	SendEvent(ctx context.Context, payload []byte, created time.Time) error
	HandleMethod(name string, h MethodHandler)
	HandleDefaultMethod(h MethodHandler)
	Close() error
}

// Accessor reads, writes and invokes on machine nodes. Failures are absorbed.
type Accessor interface {
	ReadAttribute(ctx context.Context, prefix, suffix string) (string, bool)
	WriteAttribute(ctx context.Context, prefix, suffix string, value interface{})
	InvokeCommand(ctx context.Context, prefix, suffix string)
}

// Status is a point-in-time view of one bridge.
type Status struct {
	DeviceName string         `json:"device_name"`
	NodeID     string         `json:"node_id"`
	DeviceID   string         `json:"device_id"`
	State      string         `json:"state"`
	Reported   map[string]int `json:"reported"`
	DeviceErr  string         `json:"device_error"`
}

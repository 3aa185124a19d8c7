package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"twinbridge/plc"
	"twinbridge/twin"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Config wires a bridge to one machine and one device identity.
type Config struct {
	Machine  plc.Machine
	DeviceID string
	Accessor Accessor
	Cloud    Cloud
	Log      logrus.FieldLogger
	Emitter  EventEmitter
}

// Bridge synchronizes one machine with its device twin.
type Bridge struct {
	machine  plc.Machine
	deviceID string
	accessor Accessor
	cloud    Cloud
	twin     *twin.Store
	log      logrus.FieldLogger
	emitter  EventEmitter
	now      func() time.Time

	// mu guards reported and serializes desired changes with drift checks.
	mu       sync.Mutex
	reported map[string]int

	fsm *fsm.FSM
}

// New creates a bridge in the uninitialized state.
func New(cfg Config) *Bridge {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{"device": cfg.Machine.DisplayName, "device_id": cfg.DeviceID})
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = nopEmitter{}
	}
	b := &Bridge{
		machine:  cfg.Machine,
		deviceID: cfg.DeviceID,
		accessor: cfg.Accessor,
		cloud:    cfg.Cloud,
		twin:     twin.NewStore(cfg.Cloud, log),
		log:      log,
		emitter:  emitter,
		now:      time.Now,
		reported: make(map[string]int),
	}
	b.fsm = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: eventInitialize, Src: []string{StateUninitialized}, Dst: StateInitializing},
			{Name: eventInitialized, Src: []string{StateInitializing}, Dst: StateRunning},
			{Name: eventReadFailed, Src: []string{StateRunning}, Dst: StateReadError},
			{Name: eventRecovered, Src: []string{StateReadError}, Dst: StateRunning},
			{Name: eventStop, Src: []string{StateUninitialized, StateInitializing, StateRunning, StateReadError}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				b.log.Infof("bridge %s -> %s", e.Src, e.Dst)
				b.emitter.EmitBridgeStateChanged(b.machine.DisplayName, b.deviceID, e.Src, e.Dst)
			},
		},
	)
	return b
}

// DeviceName returns the machine display name.
func (b *Bridge) DeviceName() string { return b.machine.DisplayName }

// DeviceID returns the bound device identity.
func (b *Bridge) DeviceID() string { return b.deviceID }

// State returns the current lifecycle state.
func (b *Bridge) State() string { return b.fsm.Current() }

// Status returns a snapshot for status reporting.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	reported := make(map[string]int, len(b.reported))
	for k, v := range b.reported {
		reported[k] = v
	}
	b.mu.Unlock()
	return Status{
		DeviceName: b.machine.DisplayName,
		NodeID:     b.machine.NodeID,
		DeviceID:   b.deviceID,
		State:      b.State(),
		Reported:   reported,
		DeviceErr:  ErrorFlags(reported[PropDeviceError]).String(),
	}
}

// transition fires event, tolerating a concurrent Stop. A cancelled ctx must
// not block the move to stopped.
func (b *Bridge) transition(ctx context.Context, event string) {
	err := b.fsm.Event(context.WithoutCancel(ctx), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	if errors.As(err, &noTransition) || errors.As(err, &invalid) {
		return
	}
	b.log.Warnf("bridge event %s: %v", event, err)
}

// Start reconciles the machine with the desired twin and registers the
// desired-property and method handlers. Handlers registered here wait for
// reconciliation to finish before they touch cached state.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.fsm.Can(eventInitialize) {
		return fmt.Errorf("bridge %s: cannot start from %s", b.machine.DisplayName, b.State())
	}
	b.transition(ctx, eventInitialize)

	b.mu.Lock()
	b.twin.OnDesiredChange(b.onDesiredChange)
	b.cloud.HandleMethod(MethodEmergencyStop, b.commandHandler(MethodEmergencyStop, "/"+MethodEmergencyStop))
	b.cloud.HandleMethod(MethodResetErrorStatus, b.commandHandler(MethodResetErrorStatus, "/"+MethodResetErrorStatus))
	b.cloud.HandleDefaultMethod(b.defaultHandler)

	rate := b.twin.Desired(ctx, PropProductionRate)
	b.accessor.WriteAttribute(ctx, b.machine.Prefix, SuffixProductionRate, rate)
	b.log.Infof("initial production rate set to %d", rate)
	b.report(ctx, PropProductionRate, rate)
	b.report(ctx, PropDeviceError, int(ErrorNone))
	b.mu.Unlock()

	b.transition(ctx, eventInitialized)
	return nil
}

// report writes one reported property and caches it on success. Caller holds mu.
func (b *Bridge) report(ctx context.Context, name string, value int) bool {
	if !b.twin.MergeReported(ctx, name, value) {
		return false
	}
	b.reported[name] = value
	b.emitter.EmitPropertyReported(b.machine.DisplayName, b.deviceID, name, value)
	return true
}

func (b *Bridge) stopped() bool { return b.State() == StateStopped }

func (b *Bridge) onDesiredChange(patch twin.Properties) {
	if _, ok := patch[PropProductionRate]; !ok {
		return
	}
	rate, ok := patch.Int(PropProductionRate)
	if !ok {
		b.log.Warnf("desired %s is not an integer: %v", PropProductionRate, patch[PropProductionRate])
		return
	}

	ctx := context.Background()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped() {
		return
	}
	// the cache tracks the twin, not the machine, so the machine is always
	// written; only the twin write is skipped for a repeated value
	b.accessor.WriteAttribute(ctx, b.machine.Prefix, SuffixProductionRate, rate)
	if cached, ok := b.reported[PropProductionRate]; ok && cached == rate {
		b.log.Debugf("desired %s = %d already reported", PropProductionRate, rate)
	} else {
		b.report(ctx, PropProductionRate, rate)
	}
	b.emitter.EmitDesiredApplied(b.machine.DisplayName, b.deviceID, PropProductionRate, rate)
	b.log.Infof("production rate updated to %d", rate)
}

// commandHandler invokes the machine method and always acknowledges.
func (b *Bridge) commandHandler(method, suffix string) MethodHandler {
	return func(ctx context.Context, _ []byte) (int, []byte) {
		if b.stopped() {
			b.log.WithField("method", method).Warn("method ignored, bridge stopped")
			return 0, nil
		}
		b.accessor.InvokeCommand(ctx, b.machine.Prefix, suffix)
		b.emitter.EmitCommandInvoked(b.machine.DisplayName, b.deviceID, method)
		b.log.WithField("method", method).Infof("%s method executed", method)
		return 0, nil
	}
}

func (b *Bridge) defaultHandler(ctx context.Context, _ []byte) (int, []byte) {
	b.log.Info("unknown method called")
	return 0, nil
}

// Poll samples telemetry and checks reported properties for drift. Any
// failed read moves the bridge to read_error; a clean tick recovers it.
func (b *Bridge) Poll(ctx context.Context) {
	switch b.State() {
	case StateRunning, StateReadError:
	default:
		return
	}

	healthy := b.sendTelemetry(ctx)

	b.mu.Lock()
	if !b.stopped() {
		healthy = b.checkDrift(ctx, PropProductionRate, SuffixProductionRate) && healthy
		healthy = b.checkDrift(ctx, PropDeviceError, SuffixDeviceError) && healthy
	}
	b.mu.Unlock()

	if healthy {
		b.transition(ctx, eventRecovered)
	} else {
		b.transition(ctx, eventReadFailed)
	}
}

// sendTelemetry reports false when any attribute read failed. Sentinel
// values are still sent.
func (b *Bridge) sendTelemetry(ctx context.Context) bool {
	read := func(suffix string) (string, bool) {
		return b.accessor.ReadAttribute(ctx, b.machine.Prefix, suffix)
	}
	status, ok1 := read(SuffixProductionStatus)
	workorder, ok2 := read(SuffixWorkorderID)
	good, ok3 := read(SuffixGoodCount)
	bad, ok4 := read(SuffixBadCount)
	temp, ok5 := read(SuffixTemperature)
	readsOK := ok1 && ok2 && ok3 && ok4 && ok5

	sample, err := buildTelemetry(b.machine.DisplayName, status, workorder, good, bad, temp, b.now())
	if err != nil {
		b.log.Errorf("read telemetry data: %v", err)
		b.emitter.EmitTelemetryFailed(b.machine.DisplayName, b.deviceID, err)
		return false
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		b.log.Errorf("encode telemetry: %v", err)
		b.emitter.EmitTelemetryFailed(b.machine.DisplayName, b.deviceID, err)
		return readsOK
	}

	b.log.Debugf("sending telemetry: %s", payload)
	if err := b.cloud.SendEvent(ctx, payload, sample.Timestamp); err != nil {
		b.log.Errorf("send telemetry: %v", err)
		b.emitter.EmitTelemetryFailed(b.machine.DisplayName, b.deviceID, err)
		return readsOK
	}
	b.emitter.EmitTelemetrySent(b.machine.DisplayName, b.deviceID, payload)
	return readsOK
}

func buildTelemetry(name, status, workorder, good, bad, temp string, ts time.Time) (Telemetry, error) {
	t := Telemetry{DeviceName: name, WorkorderID: workorder, Timestamp: ts}
	var err error
	if t.ProductionStatus, err = strconv.Atoi(status); err != nil {
		return Telemetry{}, fmt.Errorf("productionStatus %q: %w", status, err)
	}
	if t.GoodCount, err = strconv.Atoi(good); err != nil {
		return Telemetry{}, fmt.Errorf("goodCount %q: %w", good, err)
	}
	if t.BadCount, err = strconv.Atoi(bad); err != nil {
		return Telemetry{}, fmt.Errorf("badCount %q: %w", bad, err)
	}
	if t.Temperature, err = strconv.ParseFloat(temp, 64); err != nil {
		return Telemetry{}, fmt.Errorf("temperature %q: %w", temp, err)
	}
	return t, nil
}

// checkDrift reports the machine value of name when it differs from the
// cached reported value. A failed read reports nothing. Caller holds mu.
func (b *Bridge) checkDrift(ctx context.Context, name, suffix string) bool {
	raw, ok := b.accessor.ReadAttribute(ctx, b.machine.Prefix, suffix)
	if !ok {
		return false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		b.log.WithField("property", name).Errorf("parse %s %q: %v", name, raw, err)
		return false
	}
	if cached, ok := b.reported[name]; ok && cached == value {
		return true
	}
	if name == PropDeviceError {
		b.log.Warnf("device error changed: %s", ErrorFlags(value))
	}
	b.report(ctx, name, value)
	return true
}

// Stop moves the bridge to stopped and closes its cloud connection.
// In-flight handlers finish; later ones are ignored.
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	b.transition(ctx, eventStop)
	b.mu.Unlock()
	if err := b.cloud.Close(); err != nil {
		b.log.Warnf("close cloud connection: %v", err)
	}
}

var _ Accessor = (*plc.Accessor)(nil)

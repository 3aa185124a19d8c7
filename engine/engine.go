package engine

import (
	"context"
	"fmt"

	"twinbridge/bridge"
	"twinbridge/config"
	"twinbridge/fleet"
	"twinbridge/iothub"
	"twinbridge/metrics"
	"twinbridge/plc"
	"twinbridge/store"

	"github.com/sirupsen/logrus"
)

// Engine wires configuration, the fleet orchestrator and the event bus.
type Engine struct {
	cfg        *config.Config
	configPath string
	db         *store.DB
	log        logrus.FieldLogger

	identities []iothub.ConnectionString
	fleet      *fleet.Orchestrator

	Events *EventBus
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	DB         *store.DB
	Log        logrus.FieldLogger
	Metrics    *metrics.Recorder

	// Dialers default to OPC UA and IoT Hub; tests replace them.
	DialEndpoint fleet.EndpointDialer
	DialCloud    fleet.CloudDialer
}

// New validates the connection strings and builds the orchestrator. Call Run
// to start bridging.
func New(c Config) (*Engine, error) {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	identities := make([]iothub.ConnectionString, 0, len(c.AppConfig.DeviceConnectionStrings))
	for i, raw := range c.AppConfig.DeviceConnectionStrings {
		cs, err := iothub.ParseConnectionString(raw)
		if err != nil {
			return nil, fmt.Errorf("azure_devices_connection_strings[%d]: %w", i, err)
		}
		identities = append(identities, cs)
	}

	e := &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		db:         c.DB,
		log:        log,
		identities: identities,
		Events:     NewEventBus(),
	}

	dialEndpoint := c.DialEndpoint
	if dialEndpoint == nil {
		dialEndpoint = e.dialOPCUA
	}
	dialCloud := c.DialCloud
	if dialCloud == nil {
		dialCloud = e.dialIoTHub
	}
	fc := fleet.Config{
		PollInterval:  c.AppConfig.PollInterval,
		Resolver:      plc.Resolver{Namespace: c.AppConfig.OPCUA.Namespace},
		Bindings:      c.AppConfig.Bindings,
		DialEndpoint:  dialEndpoint,
		DialCloud:     dialCloud,
		Log:           log,
		PLCEmitter:    &plcEmitter{bus: e.Events},
		BridgeEmitter: &bridgeEmitter{bus: e.Events},
	}
	if c.DB != nil {
		fc.Registry = c.DB
	}
	e.fleet = fleet.New(fc)

	e.wireEventHandlers(c.Metrics)
	return e, nil
}

func (e *Engine) dialOPCUA(ctx context.Context, address string) (plc.Endpoint, error) {
	o := e.cfg.OPCUA
	c, err := plc.Dial(ctx, plc.Config{
		Endpoint:        address,
		SecurityMode:    o.SecurityMode,
		SecurityPolicy:  o.SecurityPolicy,
		Username:        o.Username,
		Password:        o.Password,
		ApplicationName: o.ApplicationName,
		RequestTimeout:  o.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) dialIoTHub(ctx context.Context, cs iothub.ConnectionString) (bridge.Cloud, error) {
	h := e.cfg.IoTHub
	c, err := iothub.Dial(ctx, cs, iothub.Config{
		Port:             h.Port,
		APIVersion:       h.APIVersion,
		OperationTimeout: h.OperationTimeout,
		TokenTTL:         h.TokenTTL,
	}, e.log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) wireEventHandlers(rec *metrics.Recorder) {
	e.Events.Subscribe(func(evt Event) {
		e.log.WithField("event", evt.Type.String()).Debugf("%+v", evt.Payload)
	})
	if rec == nil {
		return
	}
	e.Events.Subscribe(func(evt Event) {
		switch p := evt.Payload.(type) {
		case BridgeStateChangedEvent:
			old := p.OldState
			if old == bridge.StateUninitialized {
				old = ""
			}
			rec.BridgeTransition(old, p.NewState)
		case TelemetryEvent:
			if evt.Type == EventTelemetrySent {
				rec.TelemetrySent(p.DeviceID)
			} else {
				rec.TelemetryFailed(p.DeviceID)
			}
		case PropertyEvent:
			if evt.Type == EventPropertyReported {
				rec.PropertyReported(p.DeviceID, p.Property)
			} else {
				rec.DesiredApplied(p.DeviceID, p.Property)
			}
		case CommandInvokedEvent:
			rec.CommandInvoked(p.DeviceID, p.Method)
		case AccessorFailureEvent:
			rec.AccessorFailure(p.Op)
		}
	})
}

// Run bridges the fleet until ctx is cancelled. Startup failures are
// returned before any bridge starts.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Infof("engine starting: endpoint=%s identities=%d", e.cfg.ServerConnectionString, len(e.identities))
	err := e.fleet.Run(ctx, e.cfg.ServerConnectionString, e.identities)
	if err != nil {
		return err
	}
	e.log.Info("engine stopped")
	return nil
}

// Bridges returns a snapshot of every running bridge.
func (e *Engine) Bridges() []bridge.Status { return e.fleet.Statuses() }

// Endpoint returns the configured automation endpoint address.
func (e *Engine) Endpoint() string { return e.cfg.ServerConnectionString }

// DeviceIDs returns the configured identities in order.
func (e *Engine) DeviceIDs() []string {
	ids := make([]string, len(e.identities))
	for i, cs := range e.identities {
		ids[i] = cs.DeviceID
	}
	return ids
}

// AppConfig returns the app config.
func (e *Engine) AppConfig() *config.Config { return e.cfg }

// ConfigPath returns the config file path.
func (e *Engine) ConfigPath() string { return e.configPath }

// DB returns the binding registry, or nil when disabled.
func (e *Engine) DB() *store.DB { return e.db }

// Bus returns the event bus.
func (e *Engine) Bus() *EventBus { return e.Events }

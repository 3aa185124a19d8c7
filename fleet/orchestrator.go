package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"twinbridge/bridge"
	"twinbridge/iothub"
	"twinbridge/plc"

	"github.com/sirupsen/logrus"
)

// EndpointDialer opens the shared automation endpoint.
type EndpointDialer func(ctx context.Context, address string) (plc.Endpoint, error)

// CloudDialer opens one device identity's cloud connection.
type CloudDialer func(ctx context.Context, identity iothub.ConnectionString) (bridge.Cloud, error)

// BindingRegistry remembers which device id each machine was bound to.
type BindingRegistry interface {
	// RecordBinding stores the binding and returns the device id recorded by
	// an earlier run, or "" for a new machine.
	RecordBinding(ctx context.Context, displayName, deviceID, endpoint string) (previous string, err error)
}

// Config holds the parameters needed to create an Orchestrator.
type Config struct {
	PollInterval  time.Duration
	Resolver      plc.Resolver
	Bindings      map[string]string
	DialEndpoint  EndpointDialer
	DialCloud     CloudDialer
	Registry      BindingRegistry
	Log           logrus.FieldLogger
	PLCEmitter    plc.EventEmitter
	BridgeEmitter bridge.EventEmitter
}

// Orchestrator discovers machines, binds them to device identities and
// drives one bridge per machine until cancelled.
type Orchestrator struct {
	cfg Config
	log logrus.FieldLogger

	mu      sync.RWMutex
	bridges []*bridge.Bridge
}

// New creates an orchestrator. Call Run to start it.
func New(cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Resolver.Namespace == 0 {
		cfg.Resolver.Namespace = plc.DefaultNamespace
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{cfg: cfg, log: log}
}

// Bridges returns the running bridges in discovery order.
func (o *Orchestrator) Bridges() []*bridge.Bridge {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*bridge.Bridge, len(o.bridges))
	copy(out, o.bridges)
	return out
}

// Statuses returns a snapshot of every bridge.
func (o *Orchestrator) Statuses() []bridge.Status {
	bridges := o.Bridges()
	out := make([]bridge.Status, len(bridges))
	for i, b := range bridges {
		out[i] = b.Status()
	}
	return out
}

// Run connects to the endpoint at address, discovers machines, binds them to
// identities and polls until ctx is cancelled. Startup failures return before
// any cloud connection is opened. Cancellation drains in-flight ticks and
// returns nil.
func (o *Orchestrator) Run(ctx context.Context, address string, identities []iothub.ConnectionString) error {
	// in-flight network I/O is never aborted by cancellation
	ioCtx := context.WithoutCancel(ctx)

	ep, err := o.cfg.DialEndpoint(ctx, address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEndpointUnavailable, address, err)
	}
	defer func() {
		if err := ep.Close(ioCtx); err != nil {
			o.log.Warnf("close endpoint: %v", err)
		}
	}()
	machines, err := plc.Discover(ctx, ep, o.cfg.Resolver, o.log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEndpointUnavailable, err)
	}
	if len(machines) == 0 {
		return ErrNoMachines
	}
	o.log.Infof("discovered %d devices", len(machines))

	pairs, err := PairMachines(machines, identities, o.cfg.Bindings)
	if err != nil {
		return err
	}
	o.recordBindings(ioCtx, address, pairs)

	bridges := o.startBridges(ctx, ep, pairs)
	if len(bridges) == 0 {
		return ErrNoBridges
	}
	o.mu.Lock()
	o.bridges = bridges
	o.mu.Unlock()

	o.loop(ctx, bridges)

	for _, b := range bridges {
		b.Stop(ioCtx)
	}
	o.log.Info("all bridges stopped")
	return nil
}

func (o *Orchestrator) recordBindings(ctx context.Context, address string, pairs []Pair) {
	if o.cfg.Registry == nil {
		return
	}
	for _, p := range pairs {
		prev, err := o.cfg.Registry.RecordBinding(ctx, p.Machine.DisplayName, p.Identity.DeviceID, address)
		if err != nil {
			o.log.Warnf("record binding for %s: %v", p.Machine.DisplayName, err)
			continue
		}
		if prev != "" && prev != p.Identity.DeviceID {
			o.log.WithField("device", p.Machine.DisplayName).
				Warnf("device id changed since last run: %s -> %s", prev, p.Identity.DeviceID)
		}
	}
}

// startBridges dials and starts one bridge per pair. A pair whose cloud
// connection fails is skipped.
func (o *Orchestrator) startBridges(ctx context.Context, ep plc.Endpoint, pairs []Pair) []*bridge.Bridge {
	ioCtx := context.WithoutCancel(ctx)
	var bridges []*bridge.Bridge
	for _, p := range pairs {
		log := o.log.WithFields(logrus.Fields{"device": p.Machine.DisplayName, "device_id": p.Identity.DeviceID})

		cloud, err := o.cfg.DialCloud(ctx, p.Identity)
		if err != nil {
			log.Errorf("connect device identity: %v", err)
			continue
		}
		b := bridge.New(bridge.Config{
			Machine:  p.Machine,
			DeviceID: p.Identity.DeviceID,
			Accessor: plc.NewAccessor(ep, log, o.cfg.PLCEmitter),
			Cloud:    cloud,
			Log:      o.log,
			Emitter:  o.cfg.BridgeEmitter,
		})
		if err := b.Start(ioCtx); err != nil {
			log.Errorf("start bridge: %v", err)
			cloud.Close()
			continue
		}
		log.Info("bridge started")
		bridges = append(bridges, b)
	}
	return bridges
}

// loop hands each tick to every bridge worker without blocking. A worker
// still busy with the previous tick misses this one.
func (o *Orchestrator) loop(ctx context.Context, bridges []*bridge.Bridge) {
	ioCtx := context.WithoutCancel(ctx)
	ticks := make([]chan struct{}, len(bridges))
	var wg sync.WaitGroup
	for i, b := range bridges {
		ticks[i] = make(chan struct{}, 1)
		wg.Add(1)
		go func(b *bridge.Bridge, tick <-chan struct{}) {
			defer wg.Done()
			for range tick {
				b.Poll(ioCtx)
			}
		}(b, ticks[i])
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			for _, t := range ticks {
				close(t)
			}
			wg.Wait()
			return
		case <-ticker.C:
			for i, t := range ticks {
				select {
				case t <- struct{}{}:
				default:
					o.log.WithField("device", bridges[i].DeviceName()).Debug("tick skipped, bridge busy")
				}
			}
		}
	}
}

// IsStartupError reports whether err is one of the fatal startup failures.
func IsStartupError(err error) bool {
	for _, target := range []error{ErrEndpointUnavailable, ErrNoMachines, ErrInsufficientConnections, ErrInvalidBinding, ErrNoBridges} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

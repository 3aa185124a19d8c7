package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"twinbridge/config"
	"twinbridge/engine"
	"twinbridge/fleet"
	"twinbridge/logging"
	"twinbridge/messaging"
	"twinbridge/metrics"
	"twinbridge/protocol"
	"twinbridge/store"
	"twinbridge/www"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "twinbridge.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Web.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *debug {
		level = "debug"
	}
	log := logging.New(level)

	os.Exit(run(cfg, *configPath, log))
}

func run(cfg *config.Config, configPath string, log *logrus.Logger) int {
	var db *store.DB
	if cfg.DatabasePath != "" {
		var err error
		db, err = store.Open(cfg.DatabasePath)
		if err != nil {
			log.Errorf("open database: %v", err)
			return 1
		}
		defer db.Close()
	}

	rec := metrics.New(nil)
	eng, err := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: configPath,
		DB:         db,
		Log:        log,
		Metrics:    rec,
	})
	if err != nil {
		log.Errorf("engine: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Mirror.Enabled {
		stopMirror := startMirror(cfg, eng, log)
		defer stopMirror()
	}

	var server *http.Server
	stopWeb := func() {}
	if cfg.Web.Enabled {
		var router http.Handler
		router, stopWeb = www.NewRouter(eng, rec.Handler())
		addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
		server = &http.Server{Addr: addr, Handler: router}
		go func() {
			log.Infof("status server listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("http server: %v", err)
			}
		}()
	}

	runErr := eng.Run(ctx)

	log.Info("shutting down")
	stopWeb()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("http server shutdown: %v", err)
		}
	}

	if runErr != nil {
		if fleet.IsStartupError(runErr) {
			log.Errorf("startup failed: %v", runErr)
		} else {
			log.Errorf("bridging stopped: %v", runErr)
		}
		return 1
	}
	return 0
}

// startMirror republishes engine events to the plant bus. A broker that is
// down at startup does not stop bridging.
func startMirror(cfg *config.Config, eng *engine.Engine, log *logrus.Logger) func() {
	mlog := log.WithField("component", "mirror")
	client := messaging.NewClient(&cfg.Mirror, mlog)
	if err := client.Connect(); err != nil {
		mlog.Warnf("connect %s: %v (mirror disabled)", cfg.Mirror.Backend, err)
		client.Close()
		return func() {}
	}

	node, _ := os.Hostname()
	mirror := messaging.NewMirror(client, cfg.Mirror.TopicPrefix, node, 0, mlog)
	mirror.Start()

	eng.Events.SubscribeTypes(func(evt engine.Event) {
		switch p := evt.Payload.(type) {
		case engine.TelemetryEvent:
			mirror.Telemetry(p.Device, p.DeviceID, p.Payload)
		case engine.PropertyEvent:
			source := "reported"
			if evt.Type == engine.EventDesiredApplied {
				source = "desired"
			}
			mirror.Property(p.Device, p.DeviceID, p.Property, p.Value, source)
		case engine.BridgeStateChangedEvent:
			mirror.State(p.Device, p.DeviceID, p.OldState, p.NewState)
		case engine.CommandInvokedEvent:
			mirror.Command(p.Device, p.DeviceID, p.Method)
		}
	}, engine.EventTelemetrySent, engine.EventPropertyReported, engine.EventDesiredApplied,
		engine.EventBridgeStateChanged, engine.EventCommandInvoked)

	hb := messaging.NewHeartbeater(client, cfg.Mirror.TopicPrefix+"/heartbeat", node, cfg.Mirror.HeartbeatInterval,
		func() (string, []protocol.BridgeState) {
			statuses := eng.Bridges()
			out := make([]protocol.BridgeState, 0, len(statuses))
			for _, s := range statuses {
				out = append(out, protocol.BridgeState{Device: s.DeviceName, DeviceID: s.DeviceID, State: s.State})
			}
			return eng.Endpoint(), out
		}, mlog)
	hb.Start()

	return func() {
		hb.Stop()
		mirror.Stop()
		if n := mirror.Dropped(); n > 0 {
			mlog.Warnf("dropped %d messages", n)
		}
		client.Close()
	}
}

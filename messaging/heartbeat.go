package messaging

import (
	"context"
	"sync"
	"time"

	"twinbridge/protocol"

	"github.com/sirupsen/logrus"
)

// FleetSnapshot reports the endpoint and bridge states for a heartbeat.
type FleetSnapshot func() (endpoint string, bridges []protocol.BridgeState)

// Heartbeater publishes bridge.heartbeat on start and then periodically.
type Heartbeater struct {
	pub       Publisher
	topic     string
	node      string
	interval  time.Duration
	snapshot  FleetSnapshot
	log       logrus.FieldLogger
	startTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeater creates a heartbeater publishing to topic.
func NewHeartbeater(pub Publisher, topic, node string, interval time.Duration, snapshot FleetSnapshot, log logrus.FieldLogger) *Heartbeater {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Heartbeater{
		pub:      pub,
		topic:    topic,
		node:     node,
		interval: interval,
		snapshot: snapshot,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start sends an initial heartbeat and begins the heartbeat loop.
func (h *Heartbeater) Start() {
	h.startTime = time.Now()
	h.send()
	h.wg.Add(1)
	go h.loop()
}

// Stop halts the heartbeat loop.
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *Heartbeater) send() {
	endpoint, bridges := h.snapshot()
	env, err := protocol.NewEnvelope(
		protocol.TypeHeartbeat,
		protocol.Address{Role: protocol.RoleBridge, Node: h.node},
		&protocol.Heartbeat{
			Node:     h.node,
			Uptime:   int64(time.Since(h.startTime).Seconds()),
			Endpoint: endpoint,
			Bridges:  bridges,
		},
	)
	if err != nil {
		h.log.Errorf("heartbeater: build heartbeat: %v", err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		h.log.Errorf("heartbeater: encode heartbeat: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.pub.Publish(ctx, h.topic, data); err != nil {
		h.log.Warnf("heartbeater: send heartbeat: %v", err)
	}
}

func (h *Heartbeater) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.send()
		}
	}
}

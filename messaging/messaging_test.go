package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"twinbridge/config"
	"twinbridge/logging"
	"twinbridge/protocol"
)

type message struct {
	topic string
	env   *protocol.Envelope
}

type fakePublisher struct {
	mu    sync.Mutex
	msgs  []message
	err   error
	block chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.block != nil {
		<-p.block
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic, env})
	return p.err
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func TestMirrorPublishesEnvelopes(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMirror(pub, "plant/twinbridge", "edge-1", 16, logging.Discard())
	m.Start()

	m.Telemetry("Device 1", "device-1", []byte(`{"deviceName":"Device 1"}`))
	m.Property("Device 1", "device-1", "ProductionRate", 40, "desired")
	m.State("Device 1", "device-1", "running", "read_error")
	m.Command("Device 1", "device-1", "EmergencyStop")
	m.Stop()

	msgs := pub.messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].topic != "plant/twinbridge/device-1/telemetry" || msgs[0].env.Type != protocol.TypeTelemetry {
		t.Errorf("telemetry = %s %s", msgs[0].topic, msgs[0].env.Type)
	}
	var tel protocol.Telemetry
	if err := msgs[0].env.DecodePayload(&tel); err != nil || string(tel.Sample) != `{"deviceName":"Device 1"}` {
		t.Errorf("telemetry payload = %s, %v", tel.Sample, err)
	}
	for _, msg := range msgs[1:] {
		if msg.topic != "plant/twinbridge/device-1/state" {
			t.Errorf("%s topic = %s", msg.env.Type, msg.topic)
		}
		if msg.env.Src.DeviceID != "device-1" || msg.env.Src.Node != "edge-1" {
			t.Errorf("src = %+v", msg.env.Src)
		}
	}
	var prop protocol.Property
	if err := msgs[1].env.DecodePayload(&prop); err != nil || prop.Value != 40 || prop.Source != "desired" {
		t.Errorf("property = %+v, %v", prop, err)
	}
}

func TestMirrorDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	m := NewMirror(pub, "tb", "edge-1", 1, logging.Discard())
	m.Start()

	// first is taken by the loop and blocks, second fills the queue
	for i := 0; i < 10; i++ {
		m.State("Device 1", "device-1", "running", "read_error")
		time.Sleep(time.Millisecond)
	}
	if m.Dropped() == 0 {
		t.Error("expected drops with a blocked publisher")
	}
	close(pub.block)
	m.Stop()
}

func TestMirrorPublishErrorsAreIgnored(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	m := NewMirror(pub, "tb", "edge-1", 4, logging.Discard())
	m.Start()
	m.State("Device 1", "device-1", "initializing", "running")
	m.Stop()
	if len(pub.messages()) != 1 {
		t.Errorf("messages = %d", len(pub.messages()))
	}
}

func TestHeartbeaterSendsOnStart(t *testing.T) {
	pub := &fakePublisher{}
	snapshot := func() (string, []protocol.BridgeState) {
		return "opc.tcp://plc:4840", []protocol.BridgeState{{Device: "Device 1", DeviceID: "device-1", State: "running"}}
	}
	h := NewHeartbeater(pub, "tb/heartbeat", "edge-1", time.Hour, snapshot, logging.Discard())
	h.Start()
	h.Stop()

	msgs := pub.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].topic != "tb/heartbeat" || msgs[0].env.Type != protocol.TypeHeartbeat {
		t.Errorf("heartbeat = %s %s", msgs[0].topic, msgs[0].env.Type)
	}
	var hb protocol.Heartbeat
	if err := msgs[0].env.DecodePayload(&hb); err != nil {
		t.Fatal(err)
	}
	if hb.Endpoint != "opc.tcp://plc:4840" || len(hb.Bridges) != 1 || hb.Bridges[0].State != "running" {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestKafkaTopic(t *testing.T) {
	if got := KafkaTopic("twinbridge/device 1/telemetry"); got != "twinbridge.device_1.telemetry" {
		t.Errorf("KafkaTopic = %q", got)
	}
}

func TestClientNotConnected(t *testing.T) {
	c := NewClient(&config.MirrorConfig{Backend: "mqtt"}, logging.Discard())
	if c.IsConnected() {
		t.Error("fresh client reports connected")
	}
	if err := c.Publish(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("publish before connect = %v", err)
	}
	c.Close()
}

func TestClientConnectErrors(t *testing.T) {
	if err := NewClient(&config.MirrorConfig{Backend: "amqp"}, logging.Discard()).Connect(); err == nil {
		t.Error("unknown backend accepted")
	}
	if err := NewClient(&config.MirrorConfig{Backend: "kafka"}, logging.Discard()).Connect(); err == nil {
		t.Error("kafka without brokers accepted")
	}
}

func TestClientKafkaConnect(t *testing.T) {
	c := NewClient(&config.MirrorConfig{Backend: "kafka", Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}}}, logging.Discard())
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if !c.IsConnected() {
		t.Error("kafka client not connected after Connect")
	}
	c.Close()
	if c.IsConnected() {
		t.Error("connected after Close")
	}
}

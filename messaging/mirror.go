package messaging

import (
	"context"
	"sync"
	"time"

	"twinbridge/protocol"

	"github.com/sirupsen/logrus"
)

type outbound struct {
	topic string
	env   *protocol.Envelope
}

// Mirror republishes bridge activity on the plant bus. Messages are queued
// and published by one goroutine; a full queue drops the message so a slow
// broker never stalls a bridge.
type Mirror struct {
	pub    Publisher
	prefix string
	node   string
	log    logrus.FieldLogger

	queue    chan outbound
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// NewMirror creates a mirror publishing under prefix. node names this
// process in envelope sources.
func NewMirror(pub Publisher, prefix, node string, capacity int, log logrus.FieldLogger) *Mirror {
	if capacity <= 0 {
		capacity = 256
	}
	return &Mirror{
		pub:    pub,
		prefix: prefix,
		node:   node,
		log:    log,
		queue:  make(chan outbound, capacity),
		stopCh: make(chan struct{}),
	}
}

// TelemetryTopic is where samples of deviceID are mirrored.
func (m *Mirror) TelemetryTopic(deviceID string) string {
	return m.prefix + "/" + deviceID + "/telemetry"
}

// StateTopic is where property and lifecycle changes of deviceID are mirrored.
func (m *Mirror) StateTopic(deviceID string) string {
	return m.prefix + "/" + deviceID + "/state"
}

// Start begins the publish loop.
func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop flushes what is queued and stops the publish loop.
func (m *Mirror) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Dropped returns how many messages were discarded on a full queue.
func (m *Mirror) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Mirror) src(device, deviceID string) protocol.Address {
	return protocol.Address{Role: protocol.RoleDevice, Node: m.node, Device: device, DeviceID: deviceID}
}

// Telemetry mirrors one telemetry body exactly as sent to the cloud.
func (m *Mirror) Telemetry(device, deviceID string, body []byte) {
	m.enqueue(m.TelemetryTopic(deviceID), protocol.TypeTelemetry, m.src(device, deviceID), &protocol.Telemetry{Sample: body})
}

// Property mirrors a reported write or an applied desired value.
func (m *Mirror) Property(device, deviceID, name string, value int, source string) {
	m.enqueue(m.StateTopic(deviceID), protocol.TypeProperty, m.src(device, deviceID),
		&protocol.Property{Name: name, Value: value, Source: source})
}

// State mirrors a bridge lifecycle transition.
func (m *Mirror) State(device, deviceID, oldState, newState string) {
	m.enqueue(m.StateTopic(deviceID), protocol.TypeState, m.src(device, deviceID),
		&protocol.State{OldState: oldState, NewState: newState})
}

// Command mirrors a direct method forwarded to the machine.
func (m *Mirror) Command(device, deviceID, method string) {
	m.enqueue(m.StateTopic(deviceID), protocol.TypeCommand, m.src(device, deviceID), &protocol.Command{Method: method})
}

func (m *Mirror) enqueue(topic, msgType string, src protocol.Address, payload any) {
	env, err := protocol.NewEnvelope(msgType, src, payload)
	if err != nil {
		m.log.Errorf("mirror: build %s: %v", msgType, err)
		return
	}
	select {
	case m.queue <- outbound{topic: topic, env: env}:
	default:
		m.mu.Lock()
		m.dropped++
		n := m.dropped
		m.mu.Unlock()
		m.log.Warnf("mirror: queue full, dropped %s for %s (%d dropped)", msgType, src.DeviceID, n)
	}
}

func (m *Mirror) loop() {
	defer m.wg.Done()
	for {
		select {
		case out := <-m.queue:
			m.publish(out)
		case <-m.stopCh:
			for {
				select {
				case out := <-m.queue:
					m.publish(out)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) publish(out outbound) {
	if protocol.IsExpired(out.env) {
		return
	}
	data, err := out.env.Encode()
	if err != nil {
		m.log.Errorf("mirror: encode %s: %v", out.env.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.pub.Publish(ctx, out.topic, data); err != nil {
		m.log.Debugf("mirror: publish %s: %v", out.topic, err)
	}
}

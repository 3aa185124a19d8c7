package iothub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"twinbridge/twin"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config controls the device MQTT session.
type Config struct {
	Port             int
	APIVersion       string
	OperationTimeout time.Duration
	TokenTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8883
	}
	if c.APIVersion == "" {
		c.APIVersion = "2021-04-12"
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	return c
}

// MethodHandler answers one direct method invocation with a status and an
// optional JSON body.
type MethodHandler = func(ctx context.Context, payload []byte) (status int, response []byte)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("iothub: client closed")

type twinResponse struct {
	status int
	body   []byte
}

type methodCall struct {
	name    string
	rid     string
	payload []byte
}

// Client is one device identity's connection to IoT Hub.
type Client struct {
	cs  ConnectionString
	cfg Config
	log logrus.FieldLogger

	conn    mqtt.Client
	publish func(topic string, payload []byte) error

	mu             sync.Mutex
	pending        map[string]chan twinResponse
	methods        map[string]MethodHandler
	defaultMethod  MethodHandler
	desiredHandler func(twin.Properties)

	// desiredQ is guarded by mu and unbounded so route never waits on a
	// handler that is itself waiting for a twin response.
	desiredQ  []twin.Properties
	desiredCh chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	subOnce   sync.Once
	ready     chan error
}

func newClient(cs ConnectionString, cfg Config, log logrus.FieldLogger) *Client {
	c := &Client{
		cs:        cs,
		cfg:       cfg.withDefaults(),
		log:       log.WithField("device_id", cs.DeviceID),
		pending:   make(map[string]chan twinResponse),
		methods:   make(map[string]MethodHandler),
		desiredCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
		ready:     make(chan error, 1),
	}
	go c.dispatchDesired()
	return c
}

// Dial connects to IoT Hub with a SAS token derived from the connection
// string and subscribes to twin and method topics.
func Dial(ctx context.Context, cs ConnectionString, cfg Config, log logrus.FieldLogger) (*Client, error) {
	c := newClient(cs, cfg, log)

	broker := fmt.Sprintf("ssl://%s:%d", cs.HostName, c.cfg.Port)
	username := fmt.Sprintf("%s/%s/?api-version=%s", cs.HostName, cs.DeviceID, c.cfg.APIVersion)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cs.DeviceID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetTLSConfig(&tls.Config{ServerName: cs.HostName, MinVersion: tls.VersionTLS12}).
		SetCredentialsProvider(func() (string, string) {
			token, err := SASToken(cs.HostName, cs.DeviceID, cs.SharedAccessKey, time.Now().Add(c.cfg.TokenTTL))
			if err != nil {
				c.log.Errorf("sas token: %v", err)
			}
			return username, token
		}).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(c.cfg.OperationTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warnf("connection lost: %v", err)
		})

	c.conn = mqtt.NewClient(opts)
	c.publish = c.mqttPublish

	token := c.conn.Connect()
	if !waitToken(ctx, token, c.cfg.OperationTimeout) {
		c.Close()
		return nil, fmt.Errorf("iothub connect %s: timeout", cs.DeviceID)
	}
	if err := token.Error(); err != nil {
		c.Close()
		return nil, fmt.Errorf("iothub connect %s: %w", cs.DeviceID, err)
	}

	select {
	case err := <-c.ready:
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("iothub subscribe %s: %w", cs.DeviceID, err)
		}
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-time.After(c.cfg.OperationTimeout):
		c.Close()
		return nil, fmt.Errorf("iothub subscribe %s: timeout", cs.DeviceID)
	}
	c.log.Infof("connected to %s", cs.HostName)
	return c, nil
}

// DeviceID returns the identity this client is bound to.
func (c *Client) DeviceID() string { return c.cs.DeviceID }

// onConnect (re)subscribes after every connect. The first result is handed
// to Dial.
func (c *Client) onConnect(conn mqtt.Client) {
	filters := map[string]byte{
		twinResponseFilter: 0,
		desiredFilter:      0,
		methodFilter:       0,
	}
	token := conn.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		c.route(msg.Topic(), msg.Payload())
	})
	token.Wait()
	err := token.Error()
	if err != nil {
		c.log.Errorf("subscribe: %v", err)
	}
	c.subOnce.Do(func() { c.ready <- err })
}

func (c *Client) mqttPublish(topic string, payload []byte) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := c.conn.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(c.cfg.OperationTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// route runs on the paho delivery goroutine and never blocks.
func (c *Client) route(topic string, payload []byte) {
	if status, rid, ok := parseTwinResponse(topic); ok {
		c.mu.Lock()
		ch := c.pending[rid]
		delete(c.pending, rid)
		c.mu.Unlock()
		if ch != nil {
			ch <- twinResponse{status: status, body: payload}
		}
		return
	}
	if name, rid, ok := parseMethodRequest(topic); ok {
		go c.invoke(methodCall{name: name, rid: rid, payload: payload})
		return
	}
	if len(topic) >= len(desiredPrefix) && topic[:len(desiredPrefix)] == desiredPrefix {
		var patch twin.Properties
		if err := json.Unmarshal(payload, &patch); err != nil {
			c.log.Errorf("decode desired patch: %v", err)
			return
		}
		c.mu.Lock()
		c.desiredQ = append(c.desiredQ, patch)
		c.mu.Unlock()
		select {
		case c.desiredCh <- struct{}{}:
		default:
		}
		return
	}
	c.log.Debugf("unhandled topic %s", topic)
}

// dispatchDesired delivers desired patches one at a time, in arrival order.
func (c *Client) dispatchDesired() {
	for {
		select {
		case <-c.desiredCh:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			if len(c.desiredQ) == 0 {
				c.mu.Unlock()
				break
			}
			patch := c.desiredQ[0]
			c.desiredQ = c.desiredQ[1:]
			h := c.desiredHandler
			c.mu.Unlock()
			if h != nil {
				h(patch)
			}
		}
	}
}

func (c *Client) invoke(call methodCall) {
	c.mu.Lock()
	h, ok := c.methods[call.name]
	if !ok {
		h = c.defaultMethod
	}
	c.mu.Unlock()

	status, body := 501, []byte(`{"message":"method not implemented"}`)
	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
		status, body = h(ctx, call.payload)
		cancel()
	}
	if err := c.publish(methodResponseTopic(status, call.rid), body); err != nil {
		c.log.WithField("method", call.name).Errorf("method response: %v", err)
	}
}

// request publishes to topic and waits for the twin response with rid.
func (c *Client) request(ctx context.Context, topic func(rid string) string, payload []byte) (twinResponse, error) {
	select {
	case <-c.done:
		return twinResponse{}, ErrClosed
	default:
	}

	rid := uuid.NewString()
	ch := make(chan twinResponse, 1)
	c.mu.Lock()
	c.pending[rid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
	}()

	if err := c.publish(topic(rid), payload); err != nil {
		return twinResponse{}, err
	}

	timer := time.NewTimer(c.cfg.OperationTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return twinResponse{}, fmt.Errorf("twin request %s: timeout", rid)
	case <-ctx.Done():
		return twinResponse{}, ctx.Err()
	case <-c.done:
		return twinResponse{}, ErrClosed
	}
}

// GetTwin fetches the full device twin.
func (c *Client) GetTwin(ctx context.Context) (*twin.Document, error) {
	resp, err := c.request(ctx, twinGetTopic, nil)
	if err != nil {
		return nil, err
	}
	if resp.status != 200 {
		return nil, fmt.Errorf("get twin: status %d", resp.status)
	}
	var doc twin.Document
	if err := json.Unmarshal(resp.body, &doc); err != nil {
		return nil, fmt.Errorf("decode twin: %w", err)
	}
	return &doc, nil
}

// UpdateReported merges patch into the reported properties.
func (c *Client) UpdateReported(ctx context.Context, patch twin.Properties) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode reported patch: %w", err)
	}
	resp, err := c.request(ctx, reportedPatchTopic, body)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status > 299 {
		return fmt.Errorf("update reported: status %d", resp.status)
	}
	return nil
}

// OnDesiredChange registers the desired-property patch handler.
func (c *Client) OnDesiredChange(handler func(twin.Properties)) {
	c.mu.Lock()
	c.desiredHandler = handler
	c.mu.Unlock()
}

// HandleMethod registers a direct method handler by name.
func (c *Client) HandleMethod(name string, h MethodHandler) {
	c.mu.Lock()
	c.methods[name] = h
	c.mu.Unlock()
}

// HandleDefaultMethod registers the handler for unregistered method names.
func (c *Client) HandleDefaultMethod(h MethodHandler) {
	c.mu.Lock()
	c.defaultMethod = h
	c.mu.Unlock()
}

// SendEvent sends one device-to-cloud telemetry message.
func (c *Client) SendEvent(ctx context.Context, payload []byte, created time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.publish(telemetryTopic(c.cs.DeviceID, created), payload); err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	return nil
}

// Close disconnects and stops delivering callbacks.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Disconnect(250)
		}
	})
	return nil
}

func waitToken(ctx context.Context, t mqtt.Token, timeout time.Duration) bool {
	select {
	case <-t.Done():
		return true
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

var _ twin.Client = (*Client)(nil)

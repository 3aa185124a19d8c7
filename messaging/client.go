package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"twinbridge/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 10 * time.Second

// ErrNotConnected is returned by Publish before Connect or after Close.
var ErrNotConnected = errors.New("plant bus not connected")

// Publisher sends raw messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// transport is one plant bus backend.
type transport interface {
	Publisher
	connected() bool
	close()
}

// Client publishes to the plant bus over MQTT or Kafka, chosen by
// mirror.backend.
type Client struct {
	cfg *config.MirrorConfig
	log logrus.FieldLogger

	mu sync.RWMutex
	tr transport
}

// NewClient creates a client; nothing is dialled until Connect.
func NewClient(cfg *config.MirrorConfig, log logrus.FieldLogger) *Client {
	return &Client{cfg: cfg, log: log}
}

// Connect opens the configured backend. An MQTT broker that is down keeps
// retrying in the background.
func (c *Client) Connect() error {
	var (
		tr  transport
		err error
	)
	switch c.cfg.Backend {
	case "mqtt":
		tr, err = dialMQTT(c.cfg.MQTT, c.log)
	case "kafka":
		tr, err = newKafkaTransport(c.cfg.Kafka)
	default:
		err = fmt.Errorf("unknown plant bus backend %q", c.cfg.Backend)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	return nil
}

// Publish sends payload to topic.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tr == nil {
		return ErrNotConnected
	}
	return c.tr.Publish(ctx, topic, payload)
}

// IsConnected reports whether messages can currently be published.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tr != nil && c.tr.connected()
}

// Close releases the backend.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil {
		c.tr.close()
		c.tr = nil
	}
}

type mqttTransport struct {
	conn mqtt.Client
}

func dialMQTT(cfg config.MQTTConfig, log logrus.FieldLogger) (*mqttTransport, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("plant bus connection lost: %v", err)
		})

	conn := mqtt.NewClient(opts)
	token := conn.Connect()
	// with connect retry the token only completes once connected
	if !token.WaitTimeout(publishTimeout) {
		log.Warnf("plant bus %s not reachable yet, retrying in background", broker)
		return &mqttTransport{conn: conn}, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return &mqttTransport{conn: conn}, nil
}

func (t *mqttTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.conn.IsConnected() {
		return ErrNotConnected
	}
	token := t.conn.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
}

func (t *mqttTransport) connected() bool { return t.conn.IsConnected() }
func (t *mqttTransport) close()          { t.conn.Disconnect(1000) }

type kafkaTransport struct {
	w *kafkago.Writer
}

func newKafkaTransport(cfg config.KafkaConfig) (*kafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	return &kafkaTransport{w: &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           publishTimeout,
	}}, nil
}

// Publish keys messages by topic so one device's messages stay ordered on a
// partition.
func (t *kafkaTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.w.WriteMessages(ctx, kafkago.Message{
		Topic: KafkaTopic(topic),
		Key:   []byte(topic),
		Value: payload,
	})
}

func (t *kafkaTransport) connected() bool { return true }
func (t *kafkaTransport) close()          { t.w.Close() }

// KafkaTopic maps a slash-separated bus topic to a legal Kafka topic name.
func KafkaTopic(topic string) string {
	return strings.NewReplacer("/", ".", " ", "_").Replace(topic)
}

var _ Publisher = (*Client)(nil)

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvServerConnectionString  = "TWINBRIDGE_SERVER_CONNECTION_STRING"
	EnvDeviceConnectionStrings = "TWINBRIDGE_DEVICE_CONNECTION_STRINGS"
	EnvLogLevel                = "TWINBRIDGE_LOG_LEVEL"
	EnvDatabasePath            = "TWINBRIDGE_DATABASE_PATH"
)

// Config is the top-level application configuration.
type Config struct {
	ServerConnectionString  string            `yaml:"server_connection_string"`
	DeviceConnectionStrings []string          `yaml:"azure_devices_connection_strings"`
	Bindings                map[string]string `yaml:"bindings"`
	PollInterval            time.Duration     `yaml:"poll_interval"`
	LogLevel                string            `yaml:"log_level"`
	DatabasePath            string            `yaml:"database_path"`

	OPCUA  OPCUAConfig  `yaml:"opcua"`
	IoTHub IoTHubConfig `yaml:"iothub"`
	Web    WebConfig    `yaml:"web"`
	Mirror MirrorConfig `yaml:"mirror"`
}

// OPCUAConfig defines the OPC UA session.
type OPCUAConfig struct {
	Namespace       uint16        `yaml:"namespace"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ApplicationName string        `yaml:"application_name"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// IoTHubConfig defines the device-side IoT Hub MQTT settings.
type IoTHubConfig struct {
	Port             int           `yaml:"port"`
	APIVersion       string        `yaml:"api_version"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
}

// WebConfig defines the status server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MirrorConfig defines the optional plant bus mirror.
type MirrorConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Backend           string        `yaml:"backend"` // "mqtt" or "kafka"
	TopicPrefix       string        `yaml:"topic_prefix"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MQTT              MQTTConfig    `yaml:"mqtt"`
	Kafka             KafkaConfig   `yaml:"kafka"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// Defaults returns a Config with sane defaults. The two connection settings
// have no default and must come from the file or the environment.
func Defaults() *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		LogLevel:     "info",
		DatabasePath: "twinbridge.db",
		OPCUA: OPCUAConfig{
			Namespace:       2,
			SecurityMode:    "None",
			SecurityPolicy:  "None",
			ApplicationName: "twinbridge",
			RequestTimeout:  10 * time.Second,
		},
		IoTHub: IoTHubConfig{
			Port:             8883,
			APIVersion:       "2021-04-12",
			OperationTimeout: 10 * time.Second,
			TokenTTL:         time.Hour,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
		},
		Mirror: MirrorConfig{
			Backend:           "mqtt",
			TopicPrefix:       "twinbridge",
			HeartbeatInterval: 60 * time.Second,
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "twinbridge",
			},
		},
	}
}

// appSettingsKeys are the key names of an appsettings.json file.
type appSettingsKeys struct {
	ServerConnectionString        string   `yaml:"ServerConnectionString"`
	AzureDevicesConnectionStrings []string `yaml:"AzureDevicesConnectionStrings"`
}

// UnmarshalYAML accepts the appsettings.json key names for the two
// connection settings; snake_case keys win when both are present.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}
	var app appSettingsKeys
	if err := value.Decode(&app); err != nil {
		return err
	}
	if c.ServerConnectionString == "" {
		c.ServerConnectionString = app.ServerConnectionString
	}
	if len(c.DeviceConnectionStrings) == 0 {
		c.DeviceConnectionStrings = app.AzureDevicesConnectionStrings
	}
	return nil
}

// Load reads a YAML (or JSON) config file, then applies .env and environment
// overrides. A missing file is not an error; Validate decides whether the
// result is usable.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvServerConnectionString); v != "" {
		c.ServerConnectionString = v
	}
	if v := getenv(EnvDeviceConnectionStrings); v != "" {
		var list []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				list = append(list, s)
			}
		}
		c.DeviceConnectionStrings = list
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvDatabasePath); v != "" {
		c.DatabasePath = v
	}
}

// Validate checks the settings the bridge cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerConnectionString) == "" {
		return errors.New("server_connection_string is required")
	}
	if len(c.DeviceConnectionStrings) == 0 {
		return errors.New("azure_devices_connection_strings cannot be empty")
	}
	for i, cs := range c.DeviceConnectionStrings {
		if strings.TrimSpace(cs) == "" {
			return fmt.Errorf("azure_devices_connection_strings[%d] is empty", i)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.Mirror.Enabled && c.Mirror.Backend != "mqtt" && c.Mirror.Backend != "kafka" {
		return fmt.Errorf("mirror.backend must be mqtt or kafka, got %q", c.Mirror.Backend)
	}
	return nil
}

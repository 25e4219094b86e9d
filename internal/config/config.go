package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "HASS_SAMPLER_"

// Config is the root configuration of hass-sampler.
// Values are loaded from defaults, then the YAML file, then environment variables.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Database      DatabaseConfig      `yaml:"database"`
	API           APIConfig           `yaml:"api"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HomeAssistantConfig contains the websocket API connection settings.
type HomeAssistantConfig struct {
	URL           string          `yaml:"url"`
	Token         string          `yaml:"token"`
	ResultTimeout time.Duration   `yaml:"result_timeout"`
	Reconnect     ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains exponential backoff settings.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// MQTTConfig contains the MQTT broker and discovery settings.
type MQTTConfig struct {
	Broker          MQTTBrokerConfig `yaml:"broker"`
	Auth            MQTTAuthConfig   `yaml:"auth"`
	QoS             int              `yaml:"qos"`
	DiscoveryPrefix string           `yaml:"discovery_prefix"`
	NodeID          string           `yaml:"node_id"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains the entry API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// RecorderConfig contains the optional sample history sinks.
type RecorderConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
}

// ClickHouseConfig contains ClickHouse HTTP interface settings.
type ClickHouseConfig struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Database  string        `yaml:"database"`
	Table     string        `yaml:"table"`
	BatchSize int           `yaml:"batch_size"`
	BatchWait time.Duration `yaml:"batch_wait"`
}

// InfluxDBConfig contains InfluxDB v2 settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with defaults suitable for a local installation.
func Default() *Config {
	return &Config{
		HomeAssistant: HomeAssistantConfig{
			URL:           "ws://localhost:8123",
			ResultTimeout: 5 * time.Second,
			Reconnect: ReconnectConfig{
				InitialInterval: time.Second,
				MaxInterval:     time.Minute,
				Multiplier:      2,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hass-sampler",
			},
			QoS:             1,
			DiscoveryPrefix: "homeassistant",
			NodeID:          "hass_sampler",
		},
		Database: DatabaseConfig{
			Path:        "./data/hass-sampler.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8099",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9099",
		},
		Recorder: RecorderConfig{
			ClickHouse: ClickHouseConfig{
				Database:  "hass",
				Table:     "samples",
				BatchSize: 500,
				BatchWait: 10 * time.Second,
			},
			InfluxDB: InfluxDBConfig{
				Bucket:        "hass-sampler",
				BatchSize:     100,
				FlushInterval: 10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"HASS_URL":            &cfg.HomeAssistant.URL,
		"HASS_TOKEN":          &cfg.HomeAssistant.Token,
		"MQTT_HOST":           &cfg.MQTT.Broker.Host,
		"MQTT_USERNAME":       &cfg.MQTT.Auth.Username,
		"MQTT_PASSWORD":       &cfg.MQTT.Auth.Password,
		"DATABASE_PATH":       &cfg.Database.Path,
		"API_LISTEN":          &cfg.API.Listen,
		"METRICS_LISTEN":      &cfg.Metrics.Listen,
		"CLICKHOUSE_URL":      &cfg.Recorder.ClickHouse.URL,
		"CLICKHOUSE_PASSWORD": &cfg.Recorder.ClickHouse.Password,
		"INFLUXDB_URL":        &cfg.Recorder.InfluxDB.URL,
		"INFLUXDB_TOKEN":      &cfg.Recorder.InfluxDB.Token,
		"LOG_LEVEL":           &cfg.Logging.Level,
		"LOG_FORMAT":          &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %sMQTT_PORT: %w", EnvPrefix, err)
		}
		cfg.MQTT.Broker.Port = port
	}

	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.HomeAssistant.URL == "" {
		errs = append(errs, errors.New("home_assistant.url is required"))
	}
	if c.MQTT.Broker.Port <= 0 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.broker.port %d out of range", c.MQTT.Broker.Port))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if strings.TrimSpace(c.MQTT.NodeID) == "" {
		errs = append(errs, errors.New("mqtt.node_id is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Recorder.ClickHouse.Enabled && c.Recorder.ClickHouse.URL == "" {
		errs = append(errs, errors.New("recorder.clickhouse.url is required when enabled"))
	}
	if c.Recorder.InfluxDB.Enabled && (c.Recorder.InfluxDB.URL == "" || c.Recorder.InfluxDB.Org == "") {
		errs = append(errs, errors.New("recorder.influxdb.url and org are required when enabled"))
	}

	return errors.Join(errs...)
}

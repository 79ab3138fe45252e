package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// redacted replaces secret values in String output.
const redacted = "[REDACTED]"

// Config is the root configuration structure for the Insteon bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Modem    ModemConfig    `yaml:"modem"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Devices  []DeviceConfig `yaml:"devices"`
	Scenes   ScenesConfig   `yaml:"scenes"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ModemConfig describes how the modem is reached.
type ModemConfig struct {
	// Type is serial, tcp or websocket.
	Type string `yaml:"type"`

	// Device is the serial port, e.g. /dev/ttyUSB0.
	Device string `yaml:"device"`

	// Baud is the serial speed. Default: 19200.
	Baud int `yaml:"baud"`

	// Address is host:port of a hub or TCP-attached modem.
	Address string `yaml:"address"`

	// URL is the websocket endpoint of a serial tunnel.
	URL                string `yaml:"url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// ModemAddress is the modem's own Insteon address. Optional; it is
	// read from the modem at startup when empty.
	ModemAddress string `yaml:"modem_address"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// ProtocolConfig contains send engine timing.
type ProtocolConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	HopTimeout   time.Duration `yaml:"hop_timeout"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	AwakeWindow  time.Duration `yaml:"awake_window"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DeviceConfig declares one device on the network.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`

	// Engine forces the engine version (i1, i2, i2cs). Detected when empty.
	Engine  string `yaml:"engine"`
	Sleepy  bool   `yaml:"sleepy"`
	MinHops int    `yaml:"min_hops"`
}

// ScenesConfig contains the scene declaration settings.
type ScenesConfig struct {
	File string `yaml:"file"`

	// Parallelism bounds how many devices are synchronised at once.
	Parallelism int `yaml:"parallelism"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// TopicPrefix is the first level of every bridge topic.
	TopicPrefix string `yaml:"topic_prefix"`

	// HealthInterval is how often health is published (seconds).
	HealthInterval int `yaml:"health_interval"`

	// Workers bounds concurrently executing commands.
	Workers int `yaml:"workers"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
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
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: INSTEON_SECTION_KEY
// For example: INSTEON_DATABASE_PATH, INSTEON_MODEM_DEVICE
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // Operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Insteon",
		},
		Modem: ModemConfig{
			Type:              "serial",
			Device:            "/dev/ttyUSB0",
			Baud:              19200,
			ConnectTimeout:    10 * time.Second,
			ReconnectInterval: 5 * time.Second,
		},
		Protocol: ProtocolConfig{
			MaxAttempts:  3,
			AckTimeout:   3 * time.Second,
			HopTimeout:   500 * time.Millisecond,
			RetryBackoff: 250 * time.Millisecond,
			AwakeWindow:  3 * time.Minute,
			DedupWindow:  400 * time.Millisecond,
			WriteTimeout: 2 * time.Second,
		},
		Scenes: ScenesConfig{
			File:        "./data/scenes.yaml",
			Parallelism: 4,
		},
		Database: DatabaseConfig{
			Path:        "./data/insteon.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "insteon-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			TopicPrefix:    "insteon",
			HealthInterval: 30,
			Workers:        4,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: INSTEON_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Modem
	if v := os.Getenv("INSTEON_MODEM_TYPE"); v != "" {
		cfg.Modem.Type = v
	}
	if v := os.Getenv("INSTEON_MODEM_DEVICE"); v != "" {
		cfg.Modem.Device = v
	}
	if v := os.Getenv("INSTEON_MODEM_ADDRESS"); v != "" {
		cfg.Modem.Address = v
	}
	if v := os.Getenv("INSTEON_MODEM_PASSWORD"); v != "" {
		cfg.Modem.Password = v
	}

	// Scenes
	if v := os.Getenv("INSTEON_SCENES_FILE"); v != "" {
		cfg.Scenes.File = v
	}

	// Database
	if v := os.Getenv("INSTEON_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("INSTEON_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("INSTEON_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("INSTEON_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("INSTEON_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("INSTEON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors. Every problem found is
// reported, not just the first.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	errs = append(errs, c.Modem.validate()...)
	errs = append(errs, c.Protocol.validate()...)
	errs = append(errs, validateDevices(c.Devices)...)

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
		errs = append(errs, "mqtt.topic_prefix must be set and contain no wildcards")
	}
	if c.MQTT.Workers < 1 {
		errs = append(errs, "mqtt.workers must be at least 1")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (m ModemConfig) validate() []string {
	var errs []string
	switch m.Type {
	case "serial":
		if m.Device == "" {
			errs = append(errs, "modem.device is required for a serial modem")
		}
		if m.Baud <= 0 {
			errs = append(errs, "modem.baud must be positive")
		}
	case "tcp":
		if m.Address == "" {
			errs = append(errs, "modem.address is required for a tcp modem")
		}
	case "websocket":
		if !strings.HasPrefix(m.URL, "ws://") && !strings.HasPrefix(m.URL, "wss://") {
			errs = append(errs, "modem.url must be a ws:// or wss:// URL")
		}
	default:
		errs = append(errs, fmt.Sprintf("modem.type %q must be serial, tcp or websocket", m.Type))
	}
	if m.ModemAddress != "" {
		if _, err := insteon.ParseAddress(m.ModemAddress); err != nil {
			errs = append(errs, fmt.Sprintf("modem.modem_address: %v", err))
		}
	}
	return errs
}

func (p ProtocolConfig) validate() []string {
	var errs []string
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		errs = append(errs, "protocol.max_attempts must be between 1 and 10")
	}
	if p.AckTimeout <= 0 {
		errs = append(errs, "protocol.ack_timeout must be positive")
	}
	if p.HopTimeout < 0 || p.RetryBackoff < 0 || p.AwakeWindow < 0 || p.DedupWindow < 0 {
		errs = append(errs, "protocol durations must not be negative")
	}
	return errs
}

func validateDevices(devices []DeviceConfig) []string {
	var errs []string
	addrs := make(map[insteon.Address]bool, len(devices))
	names := make(map[string]bool, len(devices))

	for i, d := range devices {
		addr, err := insteon.ParseAddress(d.Address)
		if err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].address: %v", i, err))
			continue
		}
		if addrs[addr] {
			errs = append(errs, fmt.Sprintf("devices[%d]: address %s listed twice", i, addr))
		}
		addrs[addr] = true

		if d.Name != "" {
			key := strings.ToLower(d.Name)
			if key == "modem" {
				errs = append(errs, fmt.Sprintf("devices[%d]: name %q is reserved", i, d.Name))
			} else if names[key] {
				errs = append(errs, fmt.Sprintf("devices[%d]: name %q used twice", i, d.Name))
			}
			names[key] = true
		}
		if d.Engine != "" {
			if _, err := insteon.ParseEngine(d.Engine); err != nil {
				errs = append(errs, fmt.Sprintf("devices[%d].engine: %v", i, err))
			}
		}
		if d.MinHops < 0 || d.MinHops > insteon.MaxHops {
			errs = append(errs, fmt.Sprintf("devices[%d].min_hops must be between 0 and %d", i, insteon.MaxHops))
		}
	}
	return errs
}

// String returns the configuration as YAML with secrets masked.
func (c Config) String() string {
	safe := c
	if safe.Modem.Password != "" {
		safe.Modem.Password = redacted
	}
	if safe.MQTT.Auth.Password != "" {
		safe.MQTT.Auth.Password = redacted
	}
	if safe.InfluxDB.Token != "" {
		safe.InfluxDB.Token = redacted
	}
	out, err := yaml.Marshal(safe)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

// GetHealthInterval returns the health publish interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.MQTT.HealthInterval) * time.Second
}

package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned (wrapped) when configuration fails validation.
// Any configuration error is fatal: the process must not start.
var ErrInvalidConfig = errors.New("configuration errors")

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Supported duplicate-suppression backends.
const (
	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"
)

// Config is the root configuration structure for the presence engine.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Presence PresenceConfig `yaml:"presence"`
	Redis    RedisConfig    `yaml:"redis"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SiteConfig scopes the engine to a deployment.
type SiteConfig struct {
	// HospitalID restricts reader resolution to one hospital. Empty means
	// every registered reader is in scope.
	HospitalID string `yaml:"hospital_id"`

	// Timezone is used when presenting timestamps. Storage and all
	// comparisons are UTC.
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains relational store settings.
type DatabaseConfig struct {
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	DSN          string        `yaml:"dsn"`
	WALMode      bool          `yaml:"wal_mode"`
	BusyTimeout  int           `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker       MQTTBrokerConfig    `yaml:"broker"`
	Auth         MQTTAuthConfig      `yaml:"auth"`
	TLS          MQTTTLSConfig       `yaml:"tls"`
	Topic        string              `yaml:"topic"`
	QoS          int                 `yaml:"qos"`
	KeepAlive    int                 `yaml:"keep_alive"`
	CleanSession bool                `yaml:"clean_session"`
	Reconnect    MQTTReconnectConfig `yaml:"reconnect"`
	StatusTopic  string              `yaml:"status_topic"`
	EventsTopic  string              `yaml:"events_topic"`
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

// MQTTTLSConfig holds the mutual TLS material.
type MQTTTLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// PresenceConfig tunes the sighting processor and the missing sweep.
type PresenceConfig struct {
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	MissingThreshold      time.Duration `yaml:"missing_threshold"`
	SweepOnStart          bool          `yaml:"sweep_on_start"`
	QueueSize             int           `yaml:"queue_size"`
	EnqueueWait           time.Duration `yaml:"enqueue_wait"`
	// ReaderRefreshInterval reloads the reader cache. Zero disables reloads,
	// so changes to readers loaded at startup need a restart.
	ReaderRefreshInterval time.Duration `yaml:"reader_refresh_interval"`
	Dedup                 DedupConfig   `yaml:"dedup"`
}

// DedupConfig configures optional duplicate-sighting suppression.
type DedupConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Backend   string        `yaml:"backend"`
	Window    time.Duration `yaml:"window"`
	PerReader bool          `yaml:"per_reader"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	KeyPrefix    string `yaml:"key_prefix"`
	AlertStream  string `yaml:"alert_stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
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

// APIConfig contains the read-only HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// HealthConfig controls the periodic status report.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
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
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PRESENCE_SECTION_KEY
// For example: PRESENCE_MQTT_HOST, PRESENCE_MISSING_THRESHOLD
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

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
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Driver:       DriverSQLite,
			Path:         "./data/presence.db",
			WALMode:      true,
			BusyTimeout:  5,
			MaxOpenConns: 10,
			OpTimeout:    10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     8883,
				TLS:      true,
				ClientID: "presence-engine",
			},
			QoS:       1,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
			},
		},
		Presence: PresenceConfig{
			SweepInterval:         2 * time.Minute,
			MissingThreshold:      2 * time.Minute,
			QueueSize:             1024,
			EnqueueWait:           5 * time.Second,
			ReaderRefreshInterval: 5 * time.Minute,
			Dedup: DedupConfig{
				Backend: DedupBackendMemory,
				Window:  10 * time.Second,
			},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			KeyPrefix:    "presence:",
			AlertStream:  "presence:alerts",
			StreamMaxLen: 10000,
		},
		InfluxDB: InfluxDBConfig{
			Org:           "pycube",
			Bucket:        "presence",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Health: HealthConfig{
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Values that cannot be parsed are reported together.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}

	// Site
	str("PRESENCE_HOSPITAL_ID", &cfg.Site.HospitalID)
	str("PRESENCE_TIMEZONE", &cfg.Site.Timezone)

	// Database
	str("PRESENCE_DATABASE_DRIVER", &cfg.Database.Driver)
	str("PRESENCE_DATABASE_PATH", &cfg.Database.Path)
	str("PRESENCE_DATABASE_DSN", &cfg.Database.DSN)

	// MQTT
	str("PRESENCE_MQTT_HOST", &cfg.MQTT.Broker.Host)
	num("PRESENCE_MQTT_PORT", &cfg.MQTT.Broker.Port)
	str("PRESENCE_MQTT_CLIENT_ID", &cfg.MQTT.Broker.ClientID)
	str("PRESENCE_MQTT_TOPIC", &cfg.MQTT.Topic)
	str("PRESENCE_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	str("PRESENCE_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)
	str("PRESENCE_MQTT_CA_FILE", &cfg.MQTT.TLS.CAFile)
	str("PRESENCE_MQTT_CERT_FILE", &cfg.MQTT.TLS.CertFile)
	str("PRESENCE_MQTT_KEY_FILE", &cfg.MQTT.TLS.KeyFile)
	num("PRESENCE_MQTT_KEEP_ALIVE", &cfg.MQTT.KeepAlive)

	// Presence
	dur("PRESENCE_SWEEP_INTERVAL", &cfg.Presence.SweepInterval)
	dur("PRESENCE_MISSING_THRESHOLD", &cfg.Presence.MissingThreshold)

	// Redis
	str("PRESENCE_REDIS_ADDR", &cfg.Redis.Addr)
	str("PRESENCE_REDIS_PASSWORD", &cfg.Redis.Password)

	// InfluxDB
	str("PRESENCE_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	// Logging
	str("PRESENCE_LOG_LEVEL", &cfg.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration, including that the TLS material
// exists and is usable. It never opens a network connection.
func (c *Config) Validate() error {
	var errs []string

	// Site
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is invalid", c.Site.Timezone))
	}

	// Database
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be %q or %q", c.Database.Driver, DriverSQLite, DriverPostgres))
	}
	if c.Database.OpTimeout <= 0 {
		errs = append(errs, "database.op_timeout must be positive")
	}

	// MQTT
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required for a durable session")
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic is required (set PRESENCE_MQTT_TOPIC)")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.KeepAlive <= 0 {
		errs = append(errs, "mqtt.keep_alive must be positive")
	}
	if c.MQTT.Reconnect.InitialDelay <= 0 || c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect delays must be positive with max_delay >= initial_delay")
	}
	if c.MQTT.Broker.TLS {
		errs = append(errs, validateTLSFiles(c.MQTT.TLS)...)
	}

	// Presence
	if c.Presence.SweepInterval <= 0 {
		errs = append(errs, "presence.sweep_interval must be positive")
	}
	if c.Presence.MissingThreshold <= 0 {
		errs = append(errs, "presence.missing_threshold must be positive")
	}
	if c.Presence.QueueSize <= 0 {
		errs = append(errs, "presence.queue_size must be positive")
	}
	if c.Presence.EnqueueWait < 0 {
		errs = append(errs, "presence.enqueue_wait must not be negative")
	}
	if c.Presence.ReaderRefreshInterval < 0 {
		errs = append(errs, "presence.reader_refresh_interval must not be negative")
	}
	if c.Presence.Dedup.Enabled {
		if c.Presence.Dedup.Window <= 0 {
			errs = append(errs, "presence.dedup.window must be positive")
		}
		switch c.Presence.Dedup.Backend {
		case DedupBackendMemory:
		case DedupBackendRedis:
			if !c.Redis.Enabled {
				errs = append(errs, "presence.dedup.backend redis requires redis.enabled")
			}
		default:
			errs = append(errs, fmt.Sprintf("presence.dedup.backend %q must be %q or %q", c.Presence.Dedup.Backend, DedupBackendMemory, DedupBackendRedis))
		}
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// validateTLSFiles checks that the CA bundle parses and the client
// certificate and key form a valid pair.
func validateTLSFiles(t MQTTTLSConfig) []string {
	var errs []string

	if t.CAFile == "" {
		errs = append(errs, "mqtt.tls.ca_file is required")
	} else if pem, err := os.ReadFile(t.CAFile); err != nil {
		errs = append(errs, fmt.Sprintf("mqtt.tls.ca_file unreadable: %v", err))
	} else if !x509.NewCertPool().AppendCertsFromPEM(pem) {
		errs = append(errs, "mqtt.tls.ca_file contains no certificates")
	}

	if t.CertFile == "" {
		errs = append(errs, "mqtt.tls.cert_file is required")
	}
	if t.KeyFile == "" {
		errs = append(errs, "mqtt.tls.key_file is required")
	}
	if t.CertFile != "" && t.KeyFile != "" {
		if _, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile); err != nil {
			errs = append(errs, fmt.Sprintf("mqtt.tls client key pair unusable: %v", err))
		}
	}

	return errs
}

// Location returns the configured site timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

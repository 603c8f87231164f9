// Package config loads the process configuration: defaults first, then
// an optional YAML file, then environment overrides, validated as a
// whole before anything starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c360/streamsink/errors"
)

// Fsync modes for the document store.
const (
	FsyncAlways = "always"
	FsyncNever  = "never"
)

// Config is the complete process configuration.
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Registry RegistryConfig `yaml:"registry"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NATSConfig carries broker connection settings.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
	Name     string `yaml:"name,omitempty"`
}

// StoreConfig carries document store settings.
type StoreConfig struct {
	DataDir  string `yaml:"data_dir"`
	Database string `yaml:"database"`
	Fsync    string `yaml:"fsync"`
}

// ConsumerConfig carries partition consumption settings.
type ConsumerConfig struct {
	Group            string        `yaml:"group"`
	InstanceID       string        `yaml:"instance_id,omitempty"`
	Partitions       int           `yaml:"partitions"`
	Start            string        `yaml:"start"`
	CheckpointBucket string        `yaml:"checkpoint_bucket"`
	LeaseBucket      string        `yaml:"lease_bucket"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`

	// Zero max_records commits after every record.
	CheckpointMaxRecords  int           `yaml:"checkpoint_max_records"`
	CheckpointMaxInterval time.Duration `yaml:"checkpoint_max_interval"`
}

// RegistryConfig carries the agent registry settings.
type RegistryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RequestTopic  string `yaml:"request_topic"`
	ResponseTopic string `yaml:"response_topic"`
	AgentBucket   string `yaml:"agent_bucket"`
	ServerID      string `yaml:"server_id"`
}

// HTTPConfig carries the HTTP listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig carries log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "streamsink",
		},
		Store: StoreConfig{
			DataDir:  "./data",
			Database: "telemetry",
			Fsync:    FsyncAlways,
		},
		Consumer: ConsumerConfig{
			Group:            "streamsink",
			Partitions:       4,
			Start:            "latest",
			CheckpointBucket: "checkpoints",
			LeaseBucket:      "partition-leases",
			LeaseTTL:         30 * time.Second,
		},
		Registry: RegistryConfig{
			Enabled:       true,
			RequestTopic:  "mcp-requests",
			ResponseTopic: "mcp-responses",
			AgentBucket:   "agents",
			ServerID:      "streamsink-registry",
		},
		HTTP: HTTPConfig{
			Addr: ":8000",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the optional file at
// path, and environment overrides, in that order. An empty path skips
// the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Consumer.InstanceID == "" {
		cfg.Consumer.InstanceID = generateInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const envPrefix = "STREAMSINK"

func applyEnvOverrides(cfg *Config) {
	set := func(target *string, key string) {
		if val := os.Getenv(envPrefix + "_" + key); val != "" {
			*target = val
		}
	}

	set(&cfg.NATS.URL, "NATS_URL")
	set(&cfg.NATS.Username, "NATS_USERNAME")
	set(&cfg.NATS.Password, "NATS_PASSWORD")
	set(&cfg.NATS.Token, "NATS_TOKEN")

	set(&cfg.Store.DataDir, "STORE_DATA_DIR")
	set(&cfg.Store.Database, "STORE_DATABASE")
	set(&cfg.Store.Fsync, "STORE_FSYNC")

	set(&cfg.Consumer.Group, "CONSUMER_GROUP")
	set(&cfg.Consumer.InstanceID, "INSTANCE_ID")
	set(&cfg.Consumer.Start, "START_POSITION")
	if val := os.Getenv(envPrefix + "_PARTITIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Consumer.Partitions = n
		}
	}

	set(&cfg.HTTP.Addr, "HTTP_ADDR")
	set(&cfg.Logging.Level, "LOG_LEVEL")
	set(&cfg.Logging.Format, "LOG_FORMAT")
}

func generateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "streamsink"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf(format, args...),
			"Config", "Validate", "validate configuration")
	}

	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	if c.Store.DataDir == "" {
		return invalid("store.data_dir is required")
	}
	if c.Store.Database == "" {
		return invalid("store.database is required")
	}
	if c.Store.Fsync != FsyncAlways && c.Store.Fsync != FsyncNever {
		return invalid("store.fsync must be %q or %q, got %q", FsyncAlways, FsyncNever, c.Store.Fsync)
	}

	if c.Consumer.Group == "" {
		return invalid("consumer.group is required")
	}
	if c.Consumer.Partitions < 1 {
		return invalid("consumer.partitions must be at least 1, got %d", c.Consumer.Partitions)
	}
	switch strings.ToLower(c.Consumer.Start) {
	case "earliest", "latest":
	default:
		return invalid("consumer.start must be \"earliest\" or \"latest\", got %q", c.Consumer.Start)
	}
	if c.Consumer.CheckpointBucket == "" {
		return invalid("consumer.checkpoint_bucket is required")
	}
	if c.Consumer.LeaseBucket == "" {
		return invalid("consumer.lease_bucket is required")
	}
	if c.Consumer.LeaseTTL < time.Second {
		return invalid("consumer.lease_ttl must be at least 1s, got %v", c.Consumer.LeaseTTL)
	}
	if c.Consumer.CheckpointMaxRecords < 0 {
		return invalid("consumer.checkpoint_max_records must not be negative")
	}

	if c.Registry.Enabled {
		if c.Registry.RequestTopic == "" {
			return invalid("registry.request_topic is required when the registry is enabled")
		}
		if c.Registry.ResponseTopic == "" {
			return invalid("registry.response_topic is required when the registry is enabled")
		}
		if c.Registry.AgentBucket == "" {
			return invalid("registry.agent_bucket is required when the registry is enabled")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return invalid("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
	}

	return nil
}

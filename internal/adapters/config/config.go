package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Prefix for every environment variable
const Prefix = "BRIDGE"

// Config represents application configuration
type Config struct {
	MetricPrefix  string        `envconfig:"METRIC_PREFIX"`
	HistogramMode string        `envconfig:"HISTOGRAM_MODE" default:"aggregate"`
	CollectEvery  time.Duration `envconfig:"COLLECT_INTERVAL" default:"0"`
	SinkTimeout   time.Duration `envconfig:"SINK_TIMEOUT" default:"10s"`
	SinksFile     string        `envconfig:"SINKS_FILE"`

	Metrics BufferConfig    `envconfig:"METRICS"`
	Logs    LogBufferConfig `envconfig:"LOGS"`

	Server  ServerConfig  `envconfig:"SERVER"`
	Health  HealthConfig  `envconfig:"HEALTH"`
	Forward ForwardConfig `envconfig:"FORWARD"`
	Logging LoggingConfig `envconfig:"LOG"`

	Sinks []SinkConfig `ignored:"true"`
}

// BufferConfig controls the metrics batcher
type BufferConfig struct {
	MaxBufferSize     int           `envconfig:"MAX_BUFFER_SIZE" default:"10"`
	MaxBufferDuration time.Duration `envconfig:"MAX_BUFFER_DURATION" default:"1s"`
}

// LogBufferConfig controls the logs batcher
type LogBufferConfig struct {
	MaxBufferSize     int           `envconfig:"MAX_BUFFER_SIZE" default:"25"`
	MaxBufferDuration time.Duration `envconfig:"MAX_BUFFER_DURATION" default:"5s"`
}

// ServerConfig represents the ingest server
type ServerConfig struct {
	Addr         string `envconfig:"ADDR" default:":8787"`
	MaxBodyBytes int64  `envconfig:"MAX_BODY_BYTES" default:"4194304"`
}

// HealthConfig represents the health server
type HealthConfig struct {
	Addr string `envconfig:"ADDR" default:":8081"`
}

// ForwardConfig points the exporter at a remote ingest stream
type ForwardConfig struct {
	URL    string `envconfig:"URL"`
	Binary bool   `envconfig:"BINARY" default:"false"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LEVEL" default:"info"`
	File  string `envconfig:"FILE"`
}

// Sink types
const (
	SinkDatadog    = "datadog"
	SinkOTLP       = "otlp"
	SinkClickHouse = "clickhouse"
	SinkPostgres   = "postgres"
	SinkRedis      = "redis"
	SinkTelegram   = "telegram"
)

// Payload kinds a sink can accept
const (
	KindMetrics = "metrics"
	KindLogs    = "logs"
)

var sinkKinds = map[string][]string{
	SinkDatadog:    {KindMetrics},
	SinkOTLP:       {KindMetrics, KindLogs},
	SinkClickHouse: {KindMetrics},
	SinkPostgres:   {KindLogs},
	SinkRedis:      {KindMetrics, KindLogs},
	SinkTelegram:   {KindLogs},
}

// SinkConfig describes one backend
type SinkConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Kind     string            `yaml:"kind"`
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"api_key"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
	Options  map[string]string `yaml:"options"`
}

// HeaderMap returns a copy of the configured headers
func (s SinkConfig) HeaderMap() map[string]string {
	out := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		out[k] = v
	}
	return out
}

// Option returns an option value or def when unset
func (s SinkConfig) Option(key, def string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// OptionInt parses an integer option
func (s SinkConfig) OptionInt(key string, def int64) (int64, error) {
	v, ok := s.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sink %s: option %s: %w", s.Name, key, err)
	}
	return n, nil
}

// OptionBool parses a boolean option
func (s SinkConfig) OptionBool(key string) bool {
	b, _ := strconv.ParseBool(s.Options[key])
	return b
}

type sinksFile struct {
	Sinks []SinkConfig `yaml:"sinks"`
}

// Overrides holds command line values that win over the environment
type Overrides struct {
	SinksFile string
	LogLevel  string
}

// Load reads configuration from environment variables and the sinks file
func Load() (*Config, error) {
	return LoadWith(Overrides{})
}

// LoadWith is Load with non-empty overrides applied before the sinks file is read
func LoadWith(o Overrides) (*Config, error) {
	var cfg Config

	// Process environment variables
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if o.SinksFile != "" {
		cfg.SinksFile = o.SinksFile
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}

	if cfg.SinksFile != "" {
		sinks, err := LoadSinks(cfg.SinksFile)
		if err != nil {
			return nil, err
		}
		cfg.Sinks = sinks
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadSinks reads a YAML sinks file, expanding ${VAR} references first
func LoadSinks(path string) ([]SinkConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sinks file: %w", err)
	}
	return ParseSinks(raw)
}

// ParseSinks decodes sinks YAML
func ParseSinks(raw []byte) ([]SinkConfig, error) {
	var file sinksFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse sinks file: %w", err)
	}
	return file.Sinks, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Metrics.MaxBufferSize <= 0 {
		return fmt.Errorf("metrics max buffer size must be positive")
	}
	if c.Logs.MaxBufferSize <= 0 {
		return fmt.Errorf("logs max buffer size must be positive")
	}
	if c.Metrics.MaxBufferDuration < 0 || c.Logs.MaxBufferDuration < 0 {
		return fmt.Errorf("max buffer duration must not be negative")
	}
	if c.CollectEvery < 0 {
		return fmt.Errorf("collect interval must not be negative")
	}
	switch c.HistogramMode {
	case "", "aggregate", "buckets":
	default:
		return fmt.Errorf("unknown histogram mode %q", c.HistogramMode)
	}

	seen := make(map[string]bool, len(c.Sinks))
	for _, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink of type %q has no name", s.Type)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate sink name %q", s.Name)
		}
		seen[s.Name] = true

		kinds, ok := sinkKinds[s.Type]
		if !ok {
			return fmt.Errorf("sink %s: unknown type %q", s.Name, s.Type)
		}
		if !contains(kinds, s.Kind) {
			return fmt.Errorf("sink %s: type %s does not accept %q, want one of %s",
				s.Name, s.Type, s.Kind, strings.Join(kinds, ","))
		}
		if s.Timeout < 0 {
			return fmt.Errorf("sink %s: timeout must not be negative", s.Name)
		}
	}

	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

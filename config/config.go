// Package config loads the runtime configuration file.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/executor"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/internal/telemetry"
)

const component = "config"

// Config is the runtime configuration. Zero values in a file are taken
// literally; omitted fields keep the defaults from Default.
type Config struct {
	Module           string        `yaml:"module"`
	Timeout          time.Duration `yaml:"timeout"`
	Grace            time.Duration `yaml:"grace"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages"`
	MaxOutput        int           `yaml:"max_output"`
	CacheDir         string        `yaml:"cache_dir"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	Log              Log           `yaml:"log"`
	Telemetry        Telemetry     `yaml:"telemetry"`
	Backends         []Backend     `yaml:"backends"`
	Listeners        Listeners     `yaml:"listeners"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Guest forwards guest stderr to the log at debug level.
	Guest bool `yaml:"guest"`
}

type Telemetry struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	ServiceName  string        `yaml:"service_name"`
	Interval     time.Duration `yaml:"interval"`
}

// Backend configures one service backend.
type Backend struct {
	Name       string            `yaml:"name"`
	Kind       string            `yaml:"kind"`
	Interfaces []string          `yaml:"interfaces"`
	Settings   map[string]string `yaml:"settings"`
}

type Listeners struct {
	HTTP      *HTTPListener `yaml:"http"`
	Consumers []Consumer    `yaml:"consumers"`
	Schedules []Schedule    `yaml:"schedules"`
}

type HTTPListener struct {
	Addr        string        `yaml:"addr"`
	MaxBody     int64         `yaml:"max_body"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Consumer feeds messages from a messaging backend's topic to instances.
// Results are published to ReplyTopic when it is set.
type Consumer struct {
	Backend    string `yaml:"backend"`
	Topic      string `yaml:"topic"`
	ReplyTopic string `yaml:"reply_topic"`
}

// Schedule runs an instance every Interval with a fixed payload.
type Schedule struct {
	Name     string        `yaml:"name"`
	Interval time.Duration `yaml:"interval"`
	Payload  string        `yaml:"payload"`
}

const (
	DefaultHTTPAddr    = ":8080"
	DefaultHTTPMaxBody = 8 << 20
)

// Default returns the configuration used for omitted fields.
func Default() Config {
	return Config{
		Timeout:        30 * time.Second,
		Grace:          2 * time.Second,
		MaxConcurrency: 256,
		ShutdownGrace:  10 * time.Second,
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Telemetry: Telemetry{
			ServiceName: "harbor",
			Interval:    15 * time.Second,
		},
	}
}

// Load reads, normalises and validates the file at path. A relative module
// path is resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fault.Configuration(component, "read %s: %v", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Module != "" && !filepath.IsAbs(cfg.Module) {
		cfg.Module = filepath.Join(filepath.Dir(path), cfg.Module)
	}
	return cfg, nil
}

// Parse decodes a configuration document. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fault.Configuration(component, "decode: %v", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() {
	c.Module = strings.TrimSpace(c.Module)
	c.CacheDir = strings.TrimSpace(c.CacheDir)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = max(1, int(c.RateLimit))
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Name = strings.TrimSpace(b.Name)
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
		for j, iface := range b.Interfaces {
			b.Interfaces[j] = strings.ToLower(strings.TrimSpace(iface))
		}
	}
	if h := c.Listeners.HTTP; h != nil {
		h.Addr = strings.TrimSpace(h.Addr)
		if h.Addr == "" {
			h.Addr = DefaultHTTPAddr
		}
		if h.MaxBody <= 0 {
			h.MaxBody = DefaultHTTPMaxBody
		}
	}
}

// Validate checks the configuration for values the runtime cannot use.
// Backend kinds and settings are checked when backends connect.
func (c *Config) Validate() error {
	if c.Module == "" {
		return fault.Configuration(component, "module is required")
	}
	if c.Timeout <= 0 {
		return fault.Configuration(component, "timeout must be > 0")
	}
	if c.Grace < 0 {
		return fault.Configuration(component, "grace must be >= 0")
	}
	if c.MaxConcurrency < 0 {
		return fault.Configuration(component, "max_concurrency must be >= 0")
	}
	if c.RateLimit < 0 {
		return fault.Configuration(component, "rate_limit must be >= 0")
	}
	if c.MaxOutput < 0 {
		return fault.Configuration(component, "max_output must be >= 0")
	}
	if c.ShutdownGrace <= 0 {
		return fault.Configuration(component, "shutdown_grace must be > 0")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fault.Configuration(component, "log level: %v", err)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fault.Configuration(component, "log format must be console or json")
	}

	names := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fault.Configuration(component, "backends[%d]: name is required", i)
		}
		if names[b.Name] {
			return fault.Configuration(component, "backends[%d]: duplicate name %q", i, b.Name)
		}
		names[b.Name] = true
		if b.Kind == "" {
			return fault.Configuration(component, "backend %q: kind is required", b.Name)
		}
	}

	for i, cons := range c.Listeners.Consumers {
		if !names[cons.Backend] {
			return fault.Configuration(component, "consumers[%d]: unknown backend %q", i, cons.Backend)
		}
		if strings.TrimSpace(cons.Topic) == "" {
			return fault.Configuration(component, "consumers[%d]: topic is required", i)
		}
		if cons.ReplyTopic == cons.Topic {
			return fault.Configuration(component, "consumers[%d]: reply_topic must differ from topic", i)
		}
	}
	schedules := make(map[string]bool, len(c.Listeners.Schedules))
	for i, s := range c.Listeners.Schedules {
		if s.Name == "" {
			return fault.Configuration(component, "schedules[%d]: name is required", i)
		}
		if schedules[s.Name] {
			return fault.Configuration(component, "schedules[%d]: duplicate name %q", i, s.Name)
		}
		schedules[s.Name] = true
		if s.Interval <= 0 {
			return fault.Configuration(component, "schedule %q: interval must be > 0", s.Name)
		}
	}
	return nil
}

// HasListeners reports whether any listener is configured.
func (c *Config) HasListeners() bool {
	l := c.Listeners
	return l.HTTP != nil || len(l.Consumers) > 0 || len(l.Schedules) > 0
}

// BackendSpecs converts the backend section for backend.ConnectAll.
func (c *Config) BackendSpecs() []backend.Spec {
	specs := make([]backend.Spec, 0, len(c.Backends))
	for _, b := range c.Backends {
		specs = append(specs, backend.Spec{
			Name:       b.Name,
			Kind:       b.Kind,
			Interfaces: b.Interfaces,
			Settings:   b.Settings,
		})
	}
	return specs
}

// ExecutorOptions returns the executor options the configuration implies.
func (c *Config) ExecutorOptions(logger *zap.Logger, metrics *telemetry.Metrics) []executor.Option {
	opts := []executor.Option{
		executor.WithLogger(logger),
		executor.WithMetrics(metrics),
	}
	if c.CacheDir != "" {
		opts = append(opts, executor.WithDiskCache(c.CacheDir))
	}
	if c.MemoryLimitPages > 0 {
		opts = append(opts, executor.WithMemoryLimit(c.MemoryLimitPages))
	}
	return opts
}

// TemplateOptions returns the per-instance options the configuration implies.
func (c *Config) TemplateOptions() []executor.TemplateOption {
	opts := []executor.TemplateOption{
		executor.WithTimeout(c.Timeout),
		executor.WithGrace(c.Grace),
	}
	if c.MaxOutput > 0 {
		opts = append(opts, executor.WithMaxOutput(c.MaxOutput))
	}
	if c.Log.Guest {
		opts = append(opts, executor.WithGuestLog())
	}
	return opts
}

// TelemetryConfig returns the meter provider configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		OTLPEndpoint: c.Telemetry.OTLPEndpoint,
		ServiceName:  c.Telemetry.ServiceName,
		Interval:     c.Telemetry.Interval,
	}
}

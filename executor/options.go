package executor

import (
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/internal/telemetry"
)

// Option configures the Executor at creation time.
type Option func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	logger           *zap.Logger
	metrics          *telemetry.Metrics
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		logger: zap.NewNop(),
	}
}

// WithDiskCache enables a persistent compilation cache for faster startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/harbor or
// XDG_CACHE_HOME/harbor.
//
// Examples:
//
//	executor.New(executor.WithDiskCache())            // default dir
//	executor.New(executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to guest instances.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the executor's logger. Instances derive request-scoped
// loggers from it.
func WithLogger(l *zap.Logger) Option {
	return func(c *executorConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records instance and host call metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *executorConfig) {
		c.metrics = m
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// TemplateOption configures the instances a Template creates.
type TemplateOption func(*templateConfig)

type templateConfig struct {
	timeout     time.Duration
	grace       time.Duration
	maxOutput   int
	env         map[string]string
	guestLogger bool
}

func defaultTemplateConfig() templateConfig {
	return templateConfig{
		timeout:   30 * time.Second,
		grace:     2 * time.Second,
		maxOutput: 4 << 20,
		env:       make(map[string]string),
	}
}

// WithTimeout sets the maximum execution time of each instance.
func WithTimeout(d time.Duration) TemplateOption {
	return func(c *templateConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithGrace bounds how long an instance may outlive its deadline while a
// host call ignores cancellation.
func WithGrace(d time.Duration) TemplateOption {
	return func(c *templateConfig) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithMaxOutput caps the bytes collected from each of stdout and stderr.
// Excess output is dropped and the result is marked truncated.
func WithMaxOutput(n int) TemplateOption {
	return func(c *templateConfig) {
		if n > 0 {
			c.maxOutput = n
		}
	}
}

// WithEnv sets a static environment variable for every instance.
func WithEnv(key, value string) TemplateOption {
	return func(c *templateConfig) {
		c.env[key] = value
	}
}

// WithGuestLog forwards each instance's stderr to the logger at debug level.
func WithGuestLog() TemplateOption {
	return func(c *templateConfig) {
		c.guestLogger = true
	}
}

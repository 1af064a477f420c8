// Package orchestrator sequences startup and shutdown: it connects the
// configured backends, compiles the guest module, links the backends'
// interfaces, prepares the template and serves the configured listeners.
// Any startup failure releases whatever was already built and is returned
// before a listener opens.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/backend/builtin"
	"github.com/caffeineduck/harbor/config"
	"github.com/caffeineduck/harbor/executor"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/internal/logging"
	"github.com/caffeineduck/harbor/internal/telemetry"
	"github.com/caffeineduck/harbor/server"
)

// Option configures Build, Run and Compile.
type Option func(*options)

type options struct {
	registry      *backend.Registry
	logger        *zap.Logger
	meterProvider metric.MeterProvider
}

// WithRegistry replaces the built-in backend registry.
func WithRegistry(r *backend.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeterProvider replaces the meter provider built from the
// configuration.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

func resolve(cfg *config.Config, opts []Option) (options, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = builtin.Registry()
	}
	if o.logger == nil {
		l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return o, fault.Configuration("log", "%v", err)
		}
		o.logger = l
	}
	return o, nil
}

// State is the process-wide runtime: the connected backends, the executor
// and its single template, and the dispatcher in front of it. It is built
// once by Build and released once by Shutdown.
type State struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	backends   *backend.Set
	executor   *executor.Executor
	module     *executor.Module
	template   *executor.Template
	dispatcher *server.Dispatcher

	stopTelemetry func(context.Context) error
	shutdownOnce  sync.Once
	shutdownErr   error
}

// Build connects, compiles, links and prepares. On error nothing is left
// running.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*State, error) {
	o, err := resolve(cfg, opts)
	if err != nil {
		return nil, err
	}
	s := &State{cfg: cfg, logger: o.logger, stopTelemetry: func(context.Context) error { return nil }}
	if err := s.build(ctx, o); err != nil {
		s.logger.Error("startup failed", zap.Error(err))
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
		defer cancel()
		if rerr := s.release(releaseCtx); rerr != nil {
			s.logger.Warn("release after failed startup", zap.Error(rerr))
		}
		return nil, err
	}
	return s, nil
}

func (s *State) build(ctx context.Context, o options) error {
	start := time.Now()
	cfg := s.cfg

	wasm, err := os.ReadFile(cfg.Module)
	if err != nil {
		return fault.Configuration("module", "read %s: %v", cfg.Module, err)
	}

	mp := o.meterProvider
	if mp == nil {
		provider, stop, err := telemetry.Init(ctx, cfg.TelemetryConfig())
		if err != nil {
			return fault.Configuration("telemetry", "%v", err)
		}
		mp, s.stopTelemetry = provider, stop
	}
	if s.metrics, err = telemetry.NewMetrics(mp); err != nil {
		return fault.Configuration("telemetry", "%v", err)
	}

	s.backends, err = backend.ConnectAll(ctx, o.registry, cfg.BackendSpecs(), s.logger)
	if err != nil {
		return err
	}

	s.executor, err = executor.New(cfg.ExecutorOptions(s.logger, s.metrics)...)
	if err != nil {
		return fault.Configuration("executor", "%v", err)
	}
	s.module, err = s.executor.Compile(ctx, wasm, s.backends.Interfaces())
	if err != nil {
		return err
	}

	linker := host.NewLinker()
	if err := s.backends.Bind(linker); err != nil {
		return err
	}
	s.template, err = s.executor.Prepare(ctx, s.module, linker, cfg.TemplateOptions()...)
	if err != nil {
		if fault.IsStartup(err) {
			return err
		}
		return fault.Configuration("executor", "prepare: %v", err)
	}

	s.dispatcher = server.NewDispatcher(s.template,
		server.WithMaxConcurrency(cfg.MaxConcurrency),
		server.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		server.WithDispatchLogger(s.logger),
		server.WithDispatchMetrics(s.metrics))

	s.logger.Info("runtime ready",
		zap.String("module", cfg.Module),
		zap.Strings("imports", s.module.Interfaces()),
		zap.Int("backends", len(s.backends.Entries())),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *State) Logger() *zap.Logger { return s.logger }

func (s *State) Backends() *backend.Set { return s.backends }

func (s *State) Module() *executor.Module { return s.module }

func (s *State) Template() *executor.Template { return s.template }

func (s *State) Dispatcher() *server.Dispatcher { return s.dispatcher }

// Listeners builds the listeners named in the configuration.
func (s *State) Listeners() ([]server.Listener, error) {
	cfg := s.cfg
	var out []server.Listener

	if h := cfg.Listeners.HTTP; h != nil {
		out = append(out, server.NewHTTPListener(h.Addr, s.dispatcher,
			server.WithMaxBody(h.MaxBody),
			server.WithReadTimeout(h.ReadTimeout),
			server.WithShutdownTimeout(cfg.ShutdownGrace),
			server.WithHTTPLogger(s.logger)))
	}
	for _, c := range cfg.Listeners.Consumers {
		b, ok := s.backends.Get(c.Backend)
		if !ok {
			return nil, fault.Configuration("listeners", "consumer backend %q is not connected", c.Backend)
		}
		broker, ok := b.(host.Messaging)
		if !ok {
			return nil, fault.Configuration("listeners", "consumer backend %q does not implement messaging", c.Backend)
		}
		out = append(out, server.NewConsumer(c.Backend, broker, c.Topic, c.ReplyTopic, s.dispatcher, s.logger))
	}
	for _, sch := range cfg.Listeners.Schedules {
		out = append(out, server.NewSchedule(sch.Name, sch.Interval, []byte(sch.Payload), s.dispatcher, s.logger))
	}
	return out, nil
}

// Serve runs the configured listeners until ctx is done or one fails.
func (s *State) Serve(ctx context.Context) error {
	listeners, err := s.Listeners()
	if err != nil {
		return err
	}
	if len(listeners) == 0 {
		return fault.Configuration("listeners", "no listeners configured")
	}
	return server.New(s.logger, listeners...).Run(ctx)
}

// Shutdown drains in-flight instances, then closes the executor, the
// backends in reverse order and the telemetry exporter. ctx bounds the
// whole sequence. Only the first call does anything.
func (s *State) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		if s.dispatcher != nil {
			if err := s.dispatcher.Drain(ctx); err != nil {
				errs = append(errs, fmt.Errorf("drain: %w", err))
			}
		}
		if err := s.release(ctx); err != nil {
			errs = append(errs, err)
		}
		s.shutdownErr = errors.Join(errs...)
		s.logger.Info("runtime stopped", zap.Error(s.shutdownErr))
		_ = s.logger.Sync()
	})
	return s.shutdownErr
}

func (s *State) release(ctx context.Context) error {
	var errs []error
	if s.executor != nil {
		if err := s.executor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close executor: %w", err))
		}
	}
	if s.backends != nil {
		if err := s.backends.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.stopTelemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// Run builds the runtime, serves until ctx is done and shuts down within
// the configured grace period.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) error {
	if !cfg.HasListeners() {
		return fault.Configuration("listeners", "no listeners configured")
	}
	s, err := Build(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	serveErr := s.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer cancel()
	return errors.Join(serveErr, s.Shutdown(shutdownCtx))
}

// Compile validates the configured module without connecting backends. A
// backend that lists its interfaces provides exactly those; one that does
// not is assumed to provide every interface its kind could serve, which is
// checked for real when it connects.
func Compile(ctx context.Context, cfg *config.Config, opts ...Option) (*executor.Module, error) {
	o, err := resolve(cfg, opts)
	if err != nil {
		return nil, err
	}
	wasm, err := os.ReadFile(cfg.Module)
	if err != nil {
		return nil, fault.Configuration("module", "read %s: %v", cfg.Module, err)
	}
	for _, b := range cfg.Backends {
		if _, ok := o.registry.Lookup(b.Kind); !ok {
			return nil, fault.Configuration(b.Name, "unknown backend kind %q (known: %v)", b.Kind, o.registry.Kinds())
		}
	}

	exec, err := executor.New(cfg.ExecutorOptions(o.logger, nil)...)
	if err != nil {
		return nil, fault.Configuration("executor", "%v", err)
	}
	defer exec.Close(context.WithoutCancel(ctx))
	return exec.Compile(ctx, wasm, ProvidedInterfaces(cfg))
}

// ProvidedInterfaces lists the interfaces the configured backends can
// provide, as far as is known without connecting them.
func ProvidedInterfaces(cfg *config.Config) []host.Interface {
	seen := make(map[string]bool)
	var out []host.Interface
	for _, b := range cfg.Backends {
		if len(b.Interfaces) == 0 {
			return host.Interfaces()
		}
		for _, name := range b.Interfaces {
			if i, ok := host.Lookup(name); ok && !seen[name] {
				seen[name] = true
				out = append(out, i)
			}
		}
	}
	return out
}

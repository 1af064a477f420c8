// Package backend manages the lifecycle of service backends: resolving
// their options, connecting them concurrently at startup, binding their
// interfaces into a linker and closing them in order at shutdown.
package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/settings"
)

// Backend is a connected service backend. Implementations own their
// connection or pool, are safe for concurrent use, and additionally
// implement the host capability interfaces they advertise.
type Backend interface {
	// Interfaces lists the interface names the backend can serve.
	Interfaces() []string
	Close(ctx context.Context) error
}

// Config is handed to a Factory.
type Config struct {
	Name     string
	Settings settings.Source
	Logger   *zap.Logger
}

// Factory resolves a backend's options from cfg.Settings and connects it.
// Malformed options must be reported before any I/O.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

func (r *Registry) Lookup(kind string) (Factory, bool) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	return f, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Spec describes one configured backend.
type Spec struct {
	Name string
	Kind string
	// Interfaces restricts which advertised interfaces are bound. Empty
	// means all of them.
	Interfaces []string
	Settings   map[string]string
}

// Entry is a connected backend together with the interfaces it serves.
type Entry struct {
	Name       string
	Kind       string
	Interfaces []string
	Backend    Backend
}

// Set holds the connected backends in configuration order.
type Set struct {
	entries []Entry
	logger  *zap.Logger
}

// ConnectAll connects every spec concurrently. The first failure cancels the
// remaining connects, closes the backends that did connect and is returned.
// Configuration problems are detected before any connect starts.
func ConnectAll(ctx context.Context, reg *Registry, specs []Spec, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	factories := make([]Factory, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fault.Configuration("backends", "backend #%d has no name", i)
		}
		if seen[spec.Name] {
			return nil, fault.Configuration(spec.Name, "duplicate backend name")
		}
		seen[spec.Name] = true

		f, ok := reg.Lookup(spec.Kind)
		if !ok {
			return nil, fault.Configuration(spec.Name, "unknown backend kind %q (known: %v)", spec.Kind, reg.Kinds())
		}
		factories[i] = f
		for _, name := range spec.Interfaces {
			if _, ok := host.Lookup(name); !ok {
				return nil, fault.Configuration(spec.Name, "unknown interface %q", name)
			}
		}
	}

	connected := make([]Backend, len(specs))
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, spec := range specs {
		p.Go(func(ctx context.Context) error {
			start := time.Now()
			b, err := factories[i](ctx, Config{
				Name:     spec.Name,
				Settings: settings.Layered(spec.Settings),
				Logger:   logger.With(zap.String("backend", spec.Name), zap.String("kind", spec.Kind)),
			})
			if err != nil {
				return asStartupError(spec.Name, err)
			}
			if b == nil {
				return fault.Connection(spec.Name, errNoBackend)
			}
			connected[i] = b
			logger.Info("backend connected",
				zap.String("backend", spec.Name),
				zap.String("kind", spec.Kind),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		})
	}

	set := &Set{logger: logger}
	err := p.Wait()
	for i, b := range connected {
		if b == nil {
			continue
		}
		set.entries = append(set.entries, Entry{Name: specs[i].Name, Kind: specs[i].Kind, Backend: b})
	}
	if err != nil {
		set.closeQuietly()
		return nil, err
	}

	for i := range set.entries {
		e := &set.entries[i]
		ifaces, err := selectInterfaces(e.Backend.Interfaces(), specs[i].Interfaces)
		if err != nil {
			set.closeQuietly()
			return nil, fault.Configuration(e.Name, "%v", err)
		}
		e.Interfaces = ifaces
	}

	return set, nil
}

var errNoBackend = errors.New("factory returned no backend")

func asStartupError(name string, err error) error {
	if fault.IsStartup(err) {
		return err
	}
	return fault.Connection(name, err)
}

func selectInterfaces(advertised, requested []string) ([]string, error) {
	if len(requested) == 0 {
		out := slices.Clone(advertised)
		sort.Strings(out)
		return out, nil
	}
	for _, r := range requested {
		if !slices.Contains(advertised, r) {
			return nil, fmt.Errorf("interface %q is not supported (supports %v)", r, advertised)
		}
	}
	out := slices.Clone(requested)
	sort.Strings(out)
	return slices.Compact(out), nil
}

func (s *Set) closeQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		s.logger.Warn("closing backends after failed startup", zap.Error(err))
	}
}

// Entries returns the connected backends in configuration order.
func (s *Set) Entries() []Entry {
	return slices.Clone(s.entries)
}

// Get returns the named backend.
func (s *Set) Get(name string) (Backend, bool) {
	for _, e := range s.entries {
		if e.Name == name {
			return e.Backend, true
		}
	}
	return nil, false
}

// Interfaces returns every interface served by some backend in the set.
func (s *Set) Interfaces() []host.Interface {
	seen := make(map[string]bool)
	var out []host.Interface
	for _, e := range s.entries {
		for _, name := range e.Interfaces {
			if seen[name] {
				continue
			}
			seen[name] = true
			if i, ok := host.Lookup(name); ok {
				out = append(out, i)
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Bind defines the bindings of every backend's interfaces in l. Two
// backends serving the same interface is a configuration error.
func (s *Set) Bind(l *host.Linker) error {
	for _, e := range s.entries {
		for _, name := range e.Interfaces {
			iface, ok := host.Lookup(name)
			if !ok {
				return fault.Configuration(e.Name, "unknown interface %q", name)
			}
			if err := host.Bind(l, iface, e.Name, e.Backend); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every backend in reverse configuration order. ctx bounds the
// whole teardown; backends still closing when it expires are reported.
func (s *Set) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.Name, ctx.Err()))
			continue
		}
		if err := closeBounded(ctx, e.Backend); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.Name, err))
			continue
		}
		s.logger.Debug("backend closed", zap.String("backend", e.Name))
	}
	s.entries = nil
	return errors.Join(errs...)
}

// closeBounded returns when b.Close returns or ctx is done, whichever is
// first.
func closeBounded(ctx context.Context, b Backend) error {
	done := make(chan error, 1)
	go func() { done <- b.Close(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/internal/telemetry"
)

// Guest ABI names.
const (
	StartExport  = "_start"
	AllocExport  = "harbor_alloc"
	MemoryExport = "memory"
)

var (
	ErrClosed   = errors.New("executor closed")
	ErrPrepared = errors.New("executor already prepared a template")
)

var (
	hostParams  = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	hostResults = []api.ValueType{api.ValueTypeI64}
	allocSig    = []api.ValueType{api.ValueTypeI32}
)

// Executor owns the wazero runtime. It compiles one guest module and
// prepares one template from it; the template then creates any number of
// isolated instances.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	wasi     api.Module
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	memLimit uint32

	mu       sync.Mutex
	prepared bool
	closed   bool
}

// New creates an Executor with WASI preview 1 instantiated.
func New(opts ...Option) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fault.Configuration("executor", "create disk cache: %v", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &Executor{
		runtime:  rt,
		cache:    cache,
		wasi:     rt.Module(wasi_snapshot_preview1.ModuleName),
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		memLimit: cfg.memoryLimitPages,
	}, nil
}

// Module is a compiled and validated guest module.
type Module struct {
	compiled wazero.CompiledModule
	imports  map[string][]string
}

// Interfaces returns the names of the interfaces the module imports, sorted.
func (m *Module) Interfaces() []string {
	names := make([]string, 0, len(m.imports))
	for name := range m.imports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operations returns the operations of iface the module imports, sorted.
func (m *Module) Operations(iface string) []string {
	ops := slices.Clone(m.imports[iface])
	sort.Strings(ops)
	return ops
}

// Compile compiles wasm and validates its imports and exports against the
// provided interfaces. Every failure is a compilation error.
func (e *Executor) Compile(ctx context.Context, wasm []byte, provided []host.Interface) (*Module, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if len(wasm) == 0 {
		return nil, fault.Compilation("empty module")
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fault.Compilation("invalid module").Wrap(err)
	}

	imports, err := e.validate(compiled, provided)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	e.logger.Debug("module compiled",
		zap.Strings("interfaces", mapKeys(imports)),
		zap.Int("imported_functions", len(compiled.ImportedFunctions())))

	return &Module{compiled: compiled, imports: imports}, nil
}

func (e *Executor) validate(compiled wazero.CompiledModule, provided []host.Interface) (map[string][]string, error) {
	available := make(map[string]host.Interface, len(provided))
	for _, i := range provided {
		available[i.Module()] = i
	}
	wasiDefs := e.wasi.ExportedFunctionDefinitions()

	imports := make(map[string][]string)
	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()

		if moduleName == wasi_snapshot_preview1.ModuleName {
			want, ok := wasiDefs[name]
			if !ok {
				return nil, fault.Compilation("import %s.%s: unknown WASI function", moduleName, name)
			}
			if !sameSignature(def, want.ParamTypes(), want.ResultTypes()) {
				return nil, fault.Compilation("import %s.%s: signature mismatch", moduleName, name)
			}
			continue
		}

		iface, ok := available[moduleName]
		if !ok {
			if _, known := host.LookupModule(moduleName); known {
				return nil, fault.Compilation("import %s.%s: interface is not provided by any configured backend", moduleName, name)
			}
			return nil, fault.Compilation("import %s.%s: unknown module", moduleName, name)
		}
		if !iface.Has(name) {
			return nil, fault.Compilation("import %s.%s: interface %s has no operation %q", moduleName, name, iface.Name, name)
		}
		if !sameSignature(def, hostParams, hostResults) {
			return nil, fault.Compilation("import %s.%s: want (i32, i32) -> i64", moduleName, name)
		}
		if !slices.Contains(imports[iface.Name], name) {
			imports[iface.Name] = append(imports[iface.Name], name)
		}
	}

	if len(compiled.ImportedMemories()) > 0 {
		return nil, fault.Compilation("module must define its own memory, not import one")
	}

	exports := compiled.ExportedFunctions()
	start, ok := exports[StartExport]
	if !ok {
		return nil, fault.Compilation("missing export %s", StartExport)
	}
	if !sameSignature(start, nil, nil) {
		return nil, fault.Compilation("export %s: want () -> ()", StartExport)
	}
	if len(compiled.ExportedMemories()) == 0 {
		return nil, fault.Compilation("missing exported memory")
	}
	if len(imports) > 0 {
		alloc, ok := exports[AllocExport]
		if !ok {
			return nil, fault.Compilation("missing export %s required by interface imports", AllocExport)
		}
		if !sameSignature(alloc, allocSig, allocSig) {
			return nil, fault.Compilation("export %s: want (i32) -> i32", AllocExport)
		}
	}

	return imports, nil
}

func sameSignature(def api.FunctionDefinition, params, results []api.ValueType) bool {
	return slices.Equal(def.ParamTypes(), params) && slices.Equal(def.ResultTypes(), results)
}

// Prepare freezes the linker and instantiates one host module per linked
// interface. The linker must provide every interface the module imports.
// An executor prepares at most one template.
func (e *Executor) Prepare(ctx context.Context, mod *Module, linker *host.Linker, opts ...TemplateOption) (*Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if e.prepared {
		return nil, ErrPrepared
	}

	linker.Freeze()

	for name, ops := range mod.imports {
		for _, op := range ops {
			if _, ok := linker.Lookup(name, op); !ok {
				return nil, fault.Configuration("linker", "module imports %s.%s but no backend binds it", name, op)
			}
		}
	}

	cfg := defaultTemplateConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	t := &Template{
		exec:    e,
		module:  mod,
		linker:  linker,
		cfg:     cfg,
		logger:  e.logger,
		metrics: e.metrics,
	}

	for _, iface := range linker.Interfaces() {
		builder := e.runtime.NewHostModuleBuilder(iface.Module())
		for _, op := range iface.Operations {
			b, ok := linker.Lookup(iface.Name, op)
			if !ok {
				continue
			}
			builder.NewFunctionBuilder().
				WithGoModuleFunction(t.hostFunc(b), hostParams, hostResults).
				WithParameterNames("ptr", "len").
				WithName(op).
				Export(op)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return nil, fmt.Errorf("instantiate host module %s: %w", iface.Module(), err)
		}
	}

	e.prepared = true
	e.logger.Info("template prepared",
		zap.Int("bindings", len(linker.Bindings())),
		zap.Strings("imports", mod.Interfaces()))

	return t, nil
}

// Close releases all resources held by the Executor.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "harbor")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "harbor")
	}
	return filepath.Join(os.TempDir(), "harbor-cache")
}

func mapKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

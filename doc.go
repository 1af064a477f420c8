// Package harbor runs a sandboxed WebAssembly guest against pluggable
// backends.
//
// # Overview
//
// A guest imports capability interfaces under the "harbor:" module
// namespace (keyvalue, messaging, blobstore, sql, vault). At startup every
// configured backend is connected, the guest is compiled and checked
// against the interfaces the backends provide, and a template is prepared.
// Each request then runs in a fresh instance with its own memory and a
// deadline; instances never share guest state.
//
// # Basic Usage
//
//	cfg, _ := config.Load("harbor.yaml")
//	err := orchestrator.Run(ctx, cfg) // serves until ctx is done
//
// Or wire the pieces by hand:
//
//	exec, _ := executor.New()
//	defer exec.Close(ctx)
//
//	set, _ := backend.ConnectAll(ctx, builtin.Registry(), specs, logger)
//	mod, _ := exec.Compile(ctx, wasm, set.Interfaces())
//	linker := host.NewLinker()
//	_ = set.Bind(linker)
//	tmpl, _ := exec.Prepare(ctx, mod, linker, executor.WithTimeout(5*time.Second))
//
//	res := tmpl.Run(ctx, executor.Request{Payload: []byte("hello")})
//	fmt.Println(res.State, string(res.Output))
//
// See the [executor], [host], [backend], [server] and [orchestrator]
// packages for detailed API documentation.
package harbor

// Package executor compiles guest WebAssembly modules and runs them as
// isolated, per-request instances.
//
// # Overview
//
// An [Executor] owns one wazero runtime. [Executor.Compile] validates the
// guest's imports and exports against the interfaces that configured
// backends provide; [Executor.Prepare] resolves the module against a frozen
// [host.Linker] and returns a [Template]. Each request gets a fresh
// [Instance] from the template, with its own linear memory and globals.
//
// # Basic Usage
//
//	exec, err := executor.New(executor.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close(ctx)
//
//	mod, err := exec.Compile(ctx, wasm, linker.Interfaces())
//	tmpl, err := exec.Prepare(ctx, mod, linker, executor.WithTimeout(5*time.Second))
//
//	res := tmpl.Run(ctx, executor.Request{Payload: body})
//	fmt.Println(res.State, string(res.Output))
//
// # Guest ABI
//
// Guests are WASI command modules. The request payload arrives on stdin and
// the result is whatever the guest writes to stdout. Interface operations are
// imported from modules named harbor:<interface> with the signature
// (ptr i32, len i32) -> i64, where ptr/len address a JSON argument document.
// The host allocates the JSON response in guest memory through the guest's
// harbor_alloc(len i32) -> i32 export and returns ptr<<32 | len. Responses are
// either {"data": ...} or {"error": {"code": ..., "message": ...}}.
//
// # Instance Lifecycle
//
// Created, Running, then one of Completed, Failed or TimedOut, and finally
// Discarded. A guest that exits non-zero or traps is Failed. A host call that
// panics fails its instance with a panic fault. Instances that overrun their
// deadline are interrupted; if a host call ignores cancellation the instance
// is abandoned once the grace period elapses.
package executor

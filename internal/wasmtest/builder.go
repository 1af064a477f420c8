// Package wasmtest assembles small WebAssembly modules so tests can exercise
// the executor without an external toolchain.
package wasmtest

import (
	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

const (
	I32 = wasm.ValueTypeI32
	I64 = wasm.ValueTypeI64
)

// Module wraps a wasm.Module with index bookkeeping. Imports must be declared
// before any function is defined so that function indexes stay stable.
type Module struct {
	mod wasm.Module
}

func New() *Module {
	return &Module{}
}

func (m *Module) typeIndex(params, results []wasm.ValueType) wasm.Index {
	for i, t := range m.mod.TypeSection {
		if t.EqualsSignature(params, results) {
			return wasm.Index(i)
		}
	}
	m.mod.TypeSection = append(m.mod.TypeSection, &wasm.FunctionType{Params: params, Results: results})
	return wasm.Index(len(m.mod.TypeSection) - 1)
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results []wasm.ValueType) wasm.Index {
	if len(m.mod.FunctionSection) > 0 {
		panic("wasmtest: imports must precede function definitions")
	}
	m.mod.ImportSection = append(m.mod.ImportSection, &wasm.Import{
		Type:     wasm.ExternTypeFunc,
		Module:   module,
		Name:     name,
		DescFunc: m.typeIndex(params, results),
	})
	return m.mod.ImportFuncCount() - 1
}

// Func defines a function and returns its function index. body holds the
// instructions without the trailing end opcode.
func (m *Module) Func(params, results, locals []wasm.ValueType, body ...[]byte) wasm.Index {
	var code []byte
	for _, b := range body {
		code = append(code, b...)
	}
	m.mod.FunctionSection = append(m.mod.FunctionSection, m.typeIndex(params, results))
	m.mod.CodeSection = append(m.mod.CodeSection, &wasm.Code{
		LocalTypes: locals,
		Body:       append(code, wasm.OpcodeEnd),
	})
	return m.mod.ImportFuncCount() + wasm.Index(len(m.mod.FunctionSection)) - 1
}

// Memory declares the module's linear memory with the given minimum pages.
func (m *Module) Memory(pages uint32) {
	m.mod.MemorySection = &wasm.Memory{Min: pages}
}

// Global declares a mutable i32 global and returns its index.
func (m *Module) Global(init int32) wasm.Index {
	m.mod.GlobalSection = append(m.mod.GlobalSection, &wasm.Global{
		Type: &wasm.GlobalType{ValType: wasm.ValueTypeI32, Mutable: true},
		Init: i32Expr(init),
	})
	return wasm.Index(len(m.mod.GlobalSection) - 1)
}

func (m *Module) ExportFunc(name string, idx wasm.Index) {
	m.export(name, wasm.ExternTypeFunc, idx)
}

func (m *Module) ExportMemory(name string) {
	m.export(name, wasm.ExternTypeMemory, 0)
}

func (m *Module) ExportGlobal(name string, idx wasm.Index) {
	m.export(name, wasm.ExternTypeGlobal, idx)
}

func (m *Module) export(name string, typ wasm.ExternType, idx wasm.Index) {
	m.mod.ExportSection = append(m.mod.ExportSection, &wasm.Export{Type: typ, Name: name, Index: idx})
}

// Data places an active data segment at offset in memory 0.
func (m *Module) Data(offset uint32, data []byte) {
	m.mod.DataSection = append(m.mod.DataSection, &wasm.DataSegment{
		OffsetExpression: i32Expr(int32(offset)),
		Init:             data,
	})
}

// Bytes encodes the module in the binary format.
func (m *Module) Bytes() []byte {
	return binary.EncodeModule(&m.mod)
}

func i32Expr(v int32) *wasm.ConstantExpression {
	return &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(v)}
}

package wasmtest

import (
	"github.com/tetratelabs/wabin/wasm"

	"github.com/caffeineduck/harbor/host"
)

const wasi = "wasi_snapshot_preview1"

// Guest memory layout.
const (
	iovAddr     = 0
	nwrittenPtr = 16
	readIovAddr = 24
	nreadPtr    = 40
	newlineAddr = 1020
	dataBase    = 1024
	counterAddr = 3000
	digitsAddr  = 3008
	stdinBuf    = 4096
	stdinBufLen = 4096
	heapBase    = 8192
)

var (
	fdSig   = []wasm.ValueType{I32, I32, I32, I32}
	i32     = []wasm.ValueType{I32}
	hostSig = []wasm.ValueType{I32, I32}
	i64     = []wasm.ValueType{I64}
)

// command returns a module with memory exported and _start defined by body.
func command(m *Module, body ...[]byte) []byte {
	m.Memory(1)
	m.ExportMemory("memory")
	start := m.Func(nil, nil, nil, body...)
	m.ExportFunc("_start", start)
	return m.Bytes()
}

// write emits an fd_write of len bytes at ptr to fd.
func write(fdWrite uint32, fd int32, ptr, length []byte) []byte {
	var out []byte
	out = append(out, I32Const(iovAddr)...)
	out = append(out, ptr...)
	out = append(out, I32Store(0)...)
	out = append(out, I32Const(iovAddr+4)...)
	out = append(out, length...)
	out = append(out, I32Store(0)...)
	out = append(out, I32Const(fd)...)
	out = append(out, I32Const(iovAddr)...)
	out = append(out, I32Const(1)...)
	out = append(out, I32Const(nwrittenPtr)...)
	out = append(out, Call(fdWrite)...)
	return append(out, Drop()...)
}

// Loop spins forever.
func Loop() []byte {
	return command(New(), Forever())
}

// Trap executes unreachable.
func Trap() []byte {
	return command(New(), Unreachable())
}

// Exit calls proc_exit with code.
func Exit(code int32) []byte {
	m := New()
	exit := m.Import(wasi, "proc_exit", i32, nil)
	return command(m, I32Const(code), Call(exit))
}

// Print writes stdout and stderr and then exits with code. A zero code
// returns normally from _start.
func Print(stdout, stderr string, code int32) []byte {
	m := New()
	fdWrite := m.Import(wasi, "fd_write", fdSig, i32)
	exit := m.Import(wasi, "proc_exit", i32, nil)

	m.Data(dataBase, []byte(stdout))
	errAddr := uint32(dataBase + len(stdout))
	m.Data(errAddr, []byte(stderr))

	body := [][]byte{
		write(fdWrite, 1, I32Const(dataBase), I32Const(int32(len(stdout)))),
		write(fdWrite, 2, I32Const(int32(errAddr)), I32Const(int32(len(stderr)))),
	}
	if code != 0 {
		body = append(body, I32Const(code), Call(exit))
	}
	return command(m, body...)
}

// Echo copies stdin to stdout with a single read.
func Echo() []byte {
	m := New()
	fdRead := m.Import(wasi, "fd_read", fdSig, i32)
	fdWrite := m.Import(wasi, "fd_write", fdSig, i32)

	var read []byte
	read = append(read, Store(readIovAddr, stdinBuf)...)
	read = append(read, Store(readIovAddr+4, stdinBufLen)...)
	read = append(read, I32Const(0)...)
	read = append(read, I32Const(readIovAddr)...)
	read = append(read, I32Const(1)...)
	read = append(read, I32Const(nreadPtr)...)
	read = append(read, Call(fdRead)...)
	read = append(read, Drop()...)

	length := append(I32Const(nreadPtr), I32Load(0)...)
	return command(m, read, write(fdWrite, 1, I32Const(stdinBuf), length))
}

// Counter increments a global and a memory cell, then prints both as
// digits. A fresh instance always prints "11".
func Counter() []byte {
	m := New()
	fdWrite := m.Import(wasi, "fd_write", fdSig, i32)
	g := m.Global(0)

	var body []byte
	body = append(body, GlobalGet(g)...)
	body = append(body, I32Const(1)...)
	body = append(body, I32Add()...)
	body = append(body, GlobalSet(g)...)

	body = append(body, I32Const(counterAddr)...)
	body = append(body, I32Const(counterAddr)...)
	body = append(body, I32Load(0)...)
	body = append(body, I32Const(1)...)
	body = append(body, I32Add()...)
	body = append(body, I32Store(0)...)

	body = append(body, I32Const(digitsAddr)...)
	body = append(body, GlobalGet(g)...)
	body = append(body, I32Const('0')...)
	body = append(body, I32Add()...)
	body = append(body, I32Store(0)...)

	body = append(body, I32Const(digitsAddr+1)...)
	body = append(body, I32Const(counterAddr)...)
	body = append(body, I32Load(0)...)
	body = append(body, I32Const('0')...)
	body = append(body, I32Add()...)
	body = append(body, I32Store(0)...)

	return command(m, body, write(fdWrite, 1, I32Const(digitsAddr), I32Const(2)))
}

// HostCall is one interface call made by a Calls guest.
type HostCall struct {
	Interface string
	Operation string
	Args      string
}

// Calls performs each host call in order and writes every response
// envelope to stdout followed by a newline.
func Calls(calls ...HostCall) []byte {
	return buildCalls(true, calls...)
}

func buildCalls(withAlloc bool, calls ...HostCall) []byte {
	m := New()

	type key struct{ iface, op string }
	idx := make(map[key]uint32)
	for _, c := range calls {
		k := key{c.Interface, c.Operation}
		if _, ok := idx[k]; !ok {
			idx[k] = m.Import(host.ModulePrefix+c.Interface, c.Operation, hostSig, i64)
		}
	}
	fdWrite := m.Import(wasi, "fd_write", fdSig, i32)

	heap := m.Global(heapBase)
	alloc := m.Func(i32, i32, nil,
		GlobalGet(heap),
		GlobalGet(heap),
		LocalGet(0),
		I32Add(),
		GlobalSet(heap),
	)
	if withAlloc {
		m.ExportFunc("harbor_alloc", alloc)
	}

	m.Data(newlineAddr, []byte("\n"))

	var body [][]byte
	offset := uint32(dataBase)
	for _, c := range calls {
		m.Data(offset, []byte(c.Args))

		var call []byte
		call = append(call, I32Const(int32(offset))...)
		call = append(call, I32Const(int32(len(c.Args)))...)
		call = append(call, Call(idx[key{c.Interface, c.Operation}])...)
		call = append(call, LocalSet(0)...)

		var ptr []byte
		ptr = append(ptr, LocalGet(0)...)
		ptr = append(ptr, I64Const(32)...)
		ptr = append(ptr, I64ShrU()...)
		ptr = append(ptr, I32WrapI64()...)

		length := append(LocalGet(0), I32WrapI64()...)

		body = append(body, call,
			write(fdWrite, 1, ptr, length),
			write(fdWrite, 1, I32Const(newlineAddr), I32Const(1)))
		offset += uint32(len(c.Args))
	}

	m.Memory(1)
	m.ExportMemory("memory")
	start := m.Func(nil, nil, i64, body...)
	m.ExportFunc("_start", start)
	return m.Bytes()
}

// MissingAlloc imports an interface operation but exports no allocator.
func MissingAlloc() []byte {
	return buildCalls(false, HostCall{Interface: "keyvalue", Operation: "get", Args: `{}`})
}

// UnknownOperation imports an operation the keyvalue interface lacks.
func UnknownOperation() []byte {
	return Calls(HostCall{Interface: "keyvalue", Operation: "frobnicate", Args: `{}`})
}

// UnknownModule imports from a module that is neither WASI nor an interface.
func UnknownModule() []byte {
	m := New()
	fn := m.Import("env", "abort", nil, nil)
	return command(m, Call(fn))
}

// UnknownWASI imports a function WASI does not export.
func UnknownWASI() []byte {
	m := New()
	fn := m.Import(wasi, "not_a_function", nil, nil)
	return command(m, Call(fn))
}

// BadSignature imports keyvalue.get with the wrong signature.
func BadSignature() []byte {
	m := New()
	fn := m.Import(host.ModulePrefix+"keyvalue", "get", i32, i32)
	heap := m.Global(heapBase)
	alloc := m.Func(i32, i32, nil, GlobalGet(heap))
	m.ExportFunc("harbor_alloc", alloc)
	return command(m, I32Const(0), Call(fn), Drop())
}

// NoStart exports memory but no _start.
func NoStart() []byte {
	m := New()
	m.Memory(1)
	m.ExportMemory("memory")
	f := m.Func(nil, nil, nil)
	m.ExportFunc("main", f)
	return m.Bytes()
}

// NoMemory exports _start but no memory.
func NoMemory() []byte {
	m := New()
	start := m.Func(nil, nil, nil)
	m.ExportFunc("_start", start)
	return m.Bytes()
}

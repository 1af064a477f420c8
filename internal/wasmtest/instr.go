package wasmtest

import (
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

const blockEmpty = 0x40

func op(code wasm.Opcode, imm ...[]byte) []byte {
	out := []byte{code}
	for _, b := range imm {
		out = append(out, b...)
	}
	return out
}

func I32Const(v int32) []byte { return op(wasm.OpcodeI32Const, leb128.EncodeInt32(v)) }
func I64Const(v int64) []byte { return op(wasm.OpcodeI64Const, leb128.EncodeInt64(v)) }

func LocalGet(idx wasm.Index) []byte  { return op(wasm.OpcodeLocalGet, leb128.EncodeUint32(idx)) }
func LocalSet(idx wasm.Index) []byte  { return op(wasm.OpcodeLocalSet, leb128.EncodeUint32(idx)) }
func GlobalGet(idx wasm.Index) []byte { return op(wasm.OpcodeGlobalGet, leb128.EncodeUint32(idx)) }
func GlobalSet(idx wasm.Index) []byte { return op(wasm.OpcodeGlobalSet, leb128.EncodeUint32(idx)) }
func Call(idx wasm.Index) []byte      { return op(wasm.OpcodeCall, leb128.EncodeUint32(idx)) }

func Drop() []byte        { return op(wasm.OpcodeDrop) }
func I32Add() []byte      { return op(wasm.OpcodeI32Add) }
func I64ShrU() []byte     { return op(wasm.OpcodeI64ShrU) }
func I32WrapI64() []byte  { return op(wasm.OpcodeI32WrapI64) }
func Unreachable() []byte { return op(wasm.OpcodeUnreachable) }

// I32Store stores an i32 with natural alignment at address+offset.
func I32Store(offset uint32) []byte {
	return op(wasm.OpcodeI32Store, []byte{0x02}, leb128.EncodeUint32(offset))
}

// I32Load loads an i32 with natural alignment from address+offset.
func I32Load(offset uint32) []byte {
	return op(wasm.OpcodeI32Load, []byte{0x02}, leb128.EncodeUint32(offset))
}

// Forever wraps body in a loop that branches back unconditionally.
func Forever(body ...[]byte) []byte {
	out := op(wasm.OpcodeLoop, []byte{blockEmpty})
	for _, b := range body {
		out = append(out, b...)
	}
	return append(out, wasm.OpcodeBr, 0x00, wasm.OpcodeEnd)
}

// Store writes the constant value to the constant address.
func Store(addr uint32, value int32) []byte {
	out := I32Const(int32(addr))
	out = append(out, I32Const(value)...)
	return append(out, I32Store(0)...)
}

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
)

// Response envelopes written into guest memory.
type okEnvelope struct {
	Data any `json:"data"`
}

type errEnvelope struct {
	Error wireError `json:"error"`
}

type wireError struct {
	Code    fault.Code `json:"code"`
	Message string     `json:"message"`
}

// hostFunc adapts a binding to the guest ABI: (ptr, len) addresses the JSON
// arguments in guest memory; the packed ptr<<32|len result addresses the
// response envelope, allocated by the guest's harbor_alloc.
func (t *Template) hostFunc(b host.Binding) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		s := slotFrom(ctx)

		ptr, size := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
		raw, ok := mod.Memory().Read(ptr, size)
		if !ok {
			panic(fmt.Errorf("%s.%s: arguments out of bounds (ptr=%d len=%d)", b.Interface, b.Operation, ptr, size))
		}
		args := bytes.Clone(raw)

		result, err := t.invoke(ctx, s, b, args)

		code := "ok"
		if err != nil {
			code = string(fault.CodeOf(fault.AsOperation(err)))
			if s != nil {
				s.logger.Debug("host call failed",
					zap.String("interface", b.Interface),
					zap.String("operation", b.Operation),
					zap.Error(err))
			}
		}
		t.metrics.HostCall(ctx, b.Interface, b.Operation, code)

		stack[0] = writeResponse(ctx, mod, encodeResponse(result, err))
	}
}

// invoke calls the binding. A panic is recorded on the instance slot as a
// panic fault and then propagated so the instance aborts.
func (t *Template) invoke(ctx context.Context, s *slot, b host.Binding, args []byte) (result any, err error) {
	if s != nil {
		s.calls.Add(1)
	}
	defer func() {
		if r := recover(); r != nil {
			pf := fault.Panic(r).With(b.Backend, b.Interface+"."+b.Operation)
			if s != nil {
				s.recordPanic(pf)
				s.logger.Error("host call panicked", zap.Error(pf), zap.Stack("stack"))
			}
			panic(pf)
		}
	}()
	return b.Func(ctx, args)
}

func encodeResponse(result any, err error) []byte {
	if err != nil {
		op := fault.AsOperation(err)
		msg := op.Message
		if msg == "" {
			msg = op.Error()
		}
		data, _ := json.Marshal(errEnvelope{Error: wireError{Code: op.Code, Message: msg}})
		return data
	}

	data, merr := json.Marshal(okEnvelope{Data: result})
	if merr != nil {
		return encodeResponse(nil, fault.Operation(fault.CodeInternal, "encode result: %v", merr))
	}
	return data
}

// DecodeResponse parses a response envelope as seen by a guest. It returns
// the raw data document, or the operation error the envelope carries.
func DecodeResponse(resp []byte) (json.RawMessage, error) {
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *wireError      `json:"error"`
	}
	if err := json.Unmarshal(resp, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return nil, fault.Operation(env.Error.Code, "%s", env.Error.Message)
	}
	return env.Data, nil
}

var errNoAlloc = errors.New("guest does not export " + AllocExport)

func writeResponse(ctx context.Context, mod api.Module, resp []byte) uint64 {
	alloc := mod.ExportedFunction(AllocExport)
	if alloc == nil {
		panic(errNoAlloc)
	}

	results, err := alloc.Call(ctx, uint64(len(resp)))
	if err != nil {
		panic(fmt.Errorf("%s: %w", AllocExport, err))
	}
	ptr := api.DecodeU32(results[0])
	if !mod.Memory().Write(ptr, resp) {
		panic(fmt.Errorf("%s returned out of bounds pointer %d for %d bytes", AllocExport, ptr, len(resp)))
	}
	return uint64(ptr)<<32 | uint64(len(resp))
}

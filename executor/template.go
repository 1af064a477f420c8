package executor

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/internal/telemetry"
)

// Template is a compiled module resolved against a frozen linker. It is
// immutable and safe for concurrent use; every instance it creates sees the
// same import table.
type Template struct {
	exec    *Executor
	module  *Module
	linker  *host.Linker
	cfg     templateConfig
	logger  *zap.Logger
	metrics *telemetry.Metrics
	active  atomic.Int64
}

// NewInstance creates an instance for req. Creating an instance does no
// work; the module is instantiated when the instance runs.
func (t *Template) NewInstance(req Request) *Instance {
	if req.ID == "" {
		req.ID = newRequestID()
	}
	if req.Trigger == "" {
		req.Trigger = TriggerDirect
	}

	inst := &Instance{
		t:   t,
		req: req,
		slot: &slot{
			requestID: req.ID,
			trigger:   req.Trigger,
			logger: t.logger.With(
				zap.String("request_id", req.ID),
				zap.String("trigger", string(req.Trigger)),
			),
		},
	}
	inst.state.Store(int32(StateCreated))
	return inst
}

// Run creates an instance for req and runs it.
func (t *Template) Run(ctx context.Context, req Request) Result {
	return t.NewInstance(req).Run(ctx)
}

// Active returns the number of instances currently running.
func (t *Template) Active() int64 {
	return t.active.Load()
}

// Interfaces returns the interface names the template's module imports.
func (t *Template) Interfaces() []string {
	return t.module.Interfaces()
}

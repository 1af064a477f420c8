package executor

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/fault"
)

// ErrInstanceUsed is returned when Run is called on an instance that has
// already run. Instances are never reused.
var ErrInstanceUsed = errors.New("instance already used")

// State is the lifecycle state of an instance.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Trigger identifies the listener that produced a request.
type Trigger string

const (
	TriggerHTTP     Trigger = "http"
	TriggerMessage  Trigger = "message"
	TriggerSchedule Trigger = "schedule"
	TriggerConsole  Trigger = "console"
	TriggerDirect   Trigger = "direct"
)

// Request is the input of one instance. Meta entries are exposed to the
// guest as HARBOR_<KEY> environment variables.
type Request struct {
	ID      string
	Trigger Trigger
	Payload []byte
	Meta    map[string]string
	// Timeout overrides the template timeout when positive.
	Timeout time.Duration
}

// Result is the outcome of one instance.
type Result struct {
	RequestID string
	State     State
	Output    []byte
	Stderr    []byte
	Truncated bool
	ExitCode  uint32
	Calls     int64
	Duration  time.Duration
	Err       error
}

// OK reports whether the instance completed.
func (r Result) OK() bool {
	return r.State == StateCompleted
}

// IsPanic reports whether the instance failed because a host call panicked.
func (r Result) IsPanic() bool {
	return fault.ClassOf(r.Err) == fault.ClassPanic
}

// GuestError reports a guest that exited non-zero or trapped.
type GuestError struct {
	ExitCode uint32
	Message  string
	Cause    error
}

func (e *GuestError) Error() string {
	if e.Cause != nil {
		return "guest trapped: " + e.Cause.Error()
	}
	if e.Message != "" {
		return fmt.Sprintf("guest exited with code %d: %s", e.ExitCode, e.Message)
	}
	return fmt.Sprintf("guest exited with code %d", e.ExitCode)
}

func (e *GuestError) Unwrap() error {
	return e.Cause
}

// slot is the per-instance state host calls can see through the context.
type slot struct {
	requestID string
	trigger   Trigger
	logger    *zap.Logger
	calls     atomic.Int64

	mu    sync.Mutex
	panic *fault.Error
}

func (s *slot) recordPanic(err *fault.Error) {
	s.mu.Lock()
	if s.panic == nil {
		s.panic = err
	}
	s.mu.Unlock()
}

func (s *slot) panicFault() *fault.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panic
}

type slotKey struct{}

func withSlot(ctx context.Context, s *slot) context.Context {
	return context.WithValue(ctx, slotKey{}, s)
}

func slotFrom(ctx context.Context) *slot {
	s, _ := ctx.Value(slotKey{}).(*slot)
	return s
}

// RequestID returns the id of the instance serving ctx, if any.
func RequestID(ctx context.Context) (string, bool) {
	if s := slotFrom(ctx); s != nil {
		return s.requestID, true
	}
	return "", false
}

// Instance is one isolated execution of the template's module. It owns a
// fresh module instance with private memory and globals, and is discarded
// after Run.
type Instance struct {
	t     *Template
	req   Request
	state atomic.Int32
	slot  *slot
}

func (i *Instance) ID() string {
	return i.req.ID
}

func (i *Instance) State() State {
	return State(i.state.Load())
}

// Run executes the instance to a terminal state and discards it. The
// instance returns no later than its deadline plus the template's grace
// period, even if a host call ignores cancellation.
func (i *Instance) Run(ctx context.Context) Result {
	if !i.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return Result{RequestID: i.req.ID, State: StateFailed, Err: ErrInstanceUsed}
	}
	defer i.state.Store(int32(StateDiscarded))

	t := i.t
	start := time.Now()
	t.active.Add(1)
	defer t.active.Add(-1)

	timeout := t.cfg.timeout
	if i.req.Timeout > 0 {
		timeout = i.req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx = withSlot(runCtx, i.slot)

	stdout := newLimitedBuffer(t.cfg.maxOutput)
	stderr := newLimitedBuffer(t.cfg.maxOutput)

	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs("harbor").
		WithStdin(bytes.NewReader(i.req.Payload)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	for k, v := range i.env() {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	done := make(chan error, 1)
	go func() {
		mod, err := t.exec.runtime.InstantiateModule(runCtx, t.module.compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		done <- err
	}()

	var err error
	abandoned := false
	select {
	case err = <-done:
	case <-runCtx.Done():
		grace := time.NewTimer(t.cfg.grace)
		select {
		case err = <-done:
		case <-grace.C:
			abandoned = true
		}
		grace.Stop()
	}

	state, exitCode, runErr := i.classify(runCtx, err, abandoned, timeout, stderr.String())
	i.state.Store(int32(state))

	res := Result{
		RequestID: i.req.ID,
		State:     state,
		Output:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		ExitCode:  exitCode,
		Calls:     i.slot.calls.Load(),
		Duration:  time.Since(start),
		Err:       runErr,
	}

	i.report(ctx, res, abandoned)
	return res
}

func (i *Instance) env() map[string]string {
	env := make(map[string]string, len(i.t.cfg.env)+len(i.req.Meta)+2)
	for k, v := range i.t.cfg.env {
		env[k] = v
	}
	for k, v := range i.req.Meta {
		env["HARBOR_"+strings.ToUpper(k)] = v
	}
	env["HARBOR_REQUEST_ID"] = i.req.ID
	env["HARBOR_TRIGGER"] = string(i.req.Trigger)
	return env
}

func (i *Instance) classify(ctx context.Context, err error, abandoned bool, timeout time.Duration, stderr string) (State, uint32, error) {
	if pf := i.slot.panicFault(); pf != nil {
		return StateFailed, 0, pf
	}

	deadline := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if abandoned {
		if deadline {
			return StateTimedOut, 0, fault.Timeout("instance exceeded %v and did not stop within the grace period", timeout)
		}
		return StateFailed, 0, fmt.Errorf("instance cancelled: %w", ctx.Err())
	}
	if err == nil {
		return StateCompleted, 0, nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch code := exitErr.ExitCode(); code {
		case 0:
			return StateCompleted, 0, nil
		case sys.ExitCodeDeadlineExceeded:
			return StateTimedOut, code, fault.Timeout("instance exceeded %v", timeout)
		case sys.ExitCodeContextCanceled:
			return StateFailed, code, fmt.Errorf("instance cancelled: %w", context.Canceled)
		default:
			return StateFailed, code, &GuestError{ExitCode: code, Message: lastLine(stderr)}
		}
	}

	if deadline {
		return StateTimedOut, 0, fault.Timeout("instance exceeded %v", timeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return StateFailed, 0, fmt.Errorf("instance cancelled: %w", context.Canceled)
	}
	return StateFailed, 0, &GuestError{Cause: err}
}

func (i *Instance) report(ctx context.Context, res Result, abandoned bool) {
	t := i.t
	t.metrics.Instance(context.WithoutCancel(ctx), res.State.String(), res.Duration)

	log := i.slot.logger
	if t.cfg.guestLogger && len(res.Stderr) > 0 {
		for _, line := range strings.Split(strings.TrimRight(string(res.Stderr), "\n"), "\n") {
			log.Debug("guest", zap.String("line", line))
		}
	}

	fields := []zap.Field{
		zap.String("state", res.State.String()),
		zap.Duration("duration", res.Duration),
		zap.Int64("calls", res.Calls),
	}
	switch {
	case res.State == StateCompleted:
		log.Debug("instance finished", fields...)
	case res.IsPanic():
		log.Error("instance failed", append(fields, zap.Error(res.Err))...)
	case abandoned:
		log.Warn("instance abandoned after grace period", append(fields, zap.Error(res.Err))...)
	default:
		log.Info("instance finished", append(fields, zap.Error(res.Err))...)
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	return s
}

func newRequestID() string {
	return uuid.NewString()
}

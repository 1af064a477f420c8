// Package server turns inbound requests into execution instances. A
// Dispatcher applies admission control in front of a template; listeners
// (HTTP, message consumers, schedules, the console) feed it requests and
// report results on the channel the request came from.
package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/caffeineduck/harbor/executor"
	"github.com/caffeineduck/harbor/internal/logging"
	"github.com/caffeineduck/harbor/internal/telemetry"
)

// Runner runs one request to completion. *executor.Template implements it.
type Runner interface {
	Run(ctx context.Context, req executor.Request) executor.Result
}

// Rejection reasons.
const (
	ReasonDraining    = "draining"
	ReasonBusy        = "busy"
	ReasonRateLimited = "rate_limited"
)

// RejectedError reports a request refused before an instance was created.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "request rejected: " + e.Reason
}

// IsRejected reports whether err is an admission rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxConcurrency bounds the number of instances running at once. Zero
// means unbounded.
func WithMaxConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRateLimit admits at most rps requests per second with the given
// burst. A non-positive rps disables the limiter.
func WithRateLimit(rps float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if rps > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

func WithDispatchLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logging.Or(l)
	}
}

func WithDispatchMetrics(m *telemetry.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher maps one request to one instance.
type Dispatcher struct {
	runner  Runner
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	draining bool
	inflight sync.WaitGroup
	active   atomic.Int64
}

func NewDispatcher(r Runner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{runner: r, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch admits req without waiting and runs it. A request that cannot be
// admitted immediately is rejected with a *RejectedError.
func (d *Dispatcher) Dispatch(ctx context.Context, req executor.Request) (executor.Result, error) {
	if err := d.admit(ctx, req.Trigger, false); err != nil {
		return executor.Result{}, err
	}
	defer d.release()
	return d.run(ctx, req), nil
}

// DispatchWait waits for admission until ctx is done. ctx bounds admission
// only: once admitted the instance runs to its own deadline, so draining
// lets it finish.
func (d *Dispatcher) DispatchWait(ctx context.Context, req executor.Request) (executor.Result, error) {
	if err := d.admit(ctx, req.Trigger, true); err != nil {
		return executor.Result{}, err
	}
	defer d.release()
	return d.run(context.WithoutCancel(ctx), req), nil
}

func (d *Dispatcher) run(ctx context.Context, req executor.Request) executor.Result {
	d.active.Add(1)
	defer d.active.Add(-1)
	return d.runner.Run(ctx, req)
}

func (d *Dispatcher) admit(ctx context.Context, trigger executor.Trigger, wait bool) error {
	d.mu.RLock()
	if d.draining {
		d.mu.RUnlock()
		return d.reject(ctx, trigger, ReasonDraining)
	}
	d.inflight.Add(1)
	d.mu.RUnlock()

	// A busy rejection never spends a rate token. A waiting request takes
	// its slot only once the limiter lets it through.
	if wait {
		if !d.allow(ctx, true) {
			d.inflight.Done()
			return d.reject(ctx, trigger, ReasonRateLimited)
		}
		if !d.acquire(ctx, true) {
			d.inflight.Done()
			return d.reject(ctx, trigger, ReasonBusy)
		}
		return nil
	}
	if !d.acquire(ctx, false) {
		d.inflight.Done()
		return d.reject(ctx, trigger, ReasonBusy)
	}
	if !d.allow(ctx, false) {
		if d.sem != nil {
			d.sem.Release(1)
		}
		d.inflight.Done()
		return d.reject(ctx, trigger, ReasonRateLimited)
	}
	return nil
}

func (d *Dispatcher) allow(ctx context.Context, wait bool) bool {
	if d.limiter == nil {
		return true
	}
	if d.limiter.Allow() {
		return true
	}
	return wait && d.limiter.Wait(ctx) == nil
}

func (d *Dispatcher) acquire(ctx context.Context, wait bool) bool {
	if d.sem == nil {
		return true
	}
	if d.sem.TryAcquire(1) {
		return true
	}
	return wait && d.sem.Acquire(ctx, 1) == nil
}

func (d *Dispatcher) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
	d.inflight.Done()
}

func (d *Dispatcher) reject(ctx context.Context, trigger executor.Trigger, reason string) error {
	d.metrics.Rejected(context.WithoutCancel(ctx), string(trigger), reason)
	d.logger.Debug("request rejected", zap.String("trigger", string(trigger)), zap.String("reason", reason))
	return &RejectedError{Reason: reason}
}

// Active returns the number of instances currently running.
func (d *Dispatcher) Active() int64 {
	return d.active.Load()
}

// Draining reports whether Drain was called.
func (d *Dispatcher) Draining() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.draining
}

// Drain stops admitting requests and waits for admitted ones to finish or
// for ctx to be done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	start := time.Now()
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Debug("dispatcher drained", zap.Duration("elapsed", time.Since(start)))
		return nil
	case <-ctx.Done():
		d.logger.Warn("drain deadline reached", zap.Int64("active", d.Active()))
		return ctx.Err()
	}
}

package server

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/executor"
	"github.com/caffeineduck/harbor/internal/logging"
)

// ScheduleListener runs an instance with a fixed payload every interval.
// Runs may overlap when an instance outlasts the interval; the dispatcher
// bounds them.
type ScheduleListener struct {
	name     string
	interval time.Duration
	payload  []byte
	d        *Dispatcher
	logger   *zap.Logger
}

func NewSchedule(name string, interval time.Duration, payload []byte, d *Dispatcher, logger *zap.Logger) *ScheduleListener {
	return &ScheduleListener{
		name:     name,
		interval: interval,
		payload:  payload,
		d:        d,
		logger:   logging.Or(logger).With(zap.String("schedule", name)),
	}
}

func (s *ScheduleListener) Name() string {
	return "schedule " + s.name
}

func (s *ScheduleListener) Serve(ctx context.Context) error {
	p := pool.New()
	defer p.Wait()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("schedule started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Go(func() { s.fire(ctx) })
		}
	}
}

func (s *ScheduleListener) fire(ctx context.Context) {
	res, err := s.d.DispatchWait(ctx, executor.Request{
		Trigger: executor.TriggerSchedule,
		Payload: s.payload,
		Meta:    map[string]string{"schedule": s.name},
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("scheduled run rejected", zap.Error(err))
		}
		return
	}
	fields := []zap.Field{
		zap.String("request_id", res.RequestID),
		zap.String("state", res.State.String()),
		zap.Duration("duration", res.Duration),
		zap.ByteString("output", res.Output),
	}
	if res.OK() {
		s.logger.Info("scheduled run finished", fields...)
		return
	}
	s.logger.Warn("scheduled run failed", append(fields, zap.Error(res.Err))...)
}

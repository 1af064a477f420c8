package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/internal/logging"
)

// Listener is a source of requests.
type Listener interface {
	Name() string
	// Serve feeds requests to a dispatcher until ctx is done. It returns
	// nil on a clean stop.
	Serve(ctx context.Context) error
}

var ErrNoListeners = errors.New("no listeners configured")

// Server runs listeners concurrently.
type Server struct {
	listeners []Listener
	logger    *zap.Logger
}

func New(logger *zap.Logger, listeners ...Listener) *Server {
	return &Server{listeners: listeners, logger: logging.Or(logger)}
}

// Run serves every listener until ctx is done. The first listener to fail
// stops the others and its error is returned.
func (s *Server) Run(ctx context.Context) error {
	if len(s.listeners) == 0 {
		return ErrNoListeners
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, l := range s.listeners {
		p.Go(func(ctx context.Context) error {
			start := time.Now()
			if err := l.Serve(ctx); err != nil {
				s.logger.Error("listener failed", zap.String("listener", l.Name()), zap.Error(err))
				return fmt.Errorf("%s: %w", l.Name(), err)
			}
			s.logger.Debug("listener stopped", zap.String("listener", l.Name()), zap.Duration("uptime", time.Since(start)))
			return nil
		})
	}
	return p.Wait()
}

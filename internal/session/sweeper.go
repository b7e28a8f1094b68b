package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically evicts idle call actors from memory.
type Sweeper struct {
	scheduler *cron.Cron
	logger    *zap.Logger
}

// NewSweeper schedules registry sweeps on a cron schedule such as "@every 1m".
func NewSweeper(registry *Registry, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := cron.New(cron.WithLogger(cronLogger{logger: logger.Sugar()}))
	_, err := scheduler.AddFunc(schedule, func() {
		registry.Sweep(time.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("schedule idle sweep %q: %w", schedule, err)
	}
	return &Sweeper{scheduler: scheduler, logger: logger}, nil
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
	s.logger.Info("idle call sweeper started")
}

// Stop halts scheduling and waits for a running sweep until ctx is done.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.scheduler.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Package sched runs recurring maintenance jobs (lock sweeps, rate-limit
// purges) on cron or fixed-interval schedules.
package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "countbot/pkg/logx"
)

type Service struct {
	c   *cron.Cron
	log logx.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		c:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log: log,
		ctx: context.Background(),
	}
}

// AddInterval schedules fn every d. Jobs are panic-isolated; a panicking
// job is logged and the schedule keeps firing.
func (s *Service) AddInterval(name string, d time.Duration, fn func(ctx context.Context)) error {
	if d <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	s.c.Schedule(cron.Every(d), s.wrap(name, fn))
	return nil
}

// AddCron schedules fn on a standard 5-field cron spec.
func (s *Service) AddCron(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.c.AddJob(spec, s.wrap(name, fn))
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	return nil
}

func (s *Service) wrap(name string, fn func(ctx context.Context)) cron.Job {
	return cron.FuncJob(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("maintenance job panicked",
					logx.String("job", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		fn(ctx)
		s.log.Debug("maintenance job ran",
			logx.String("job", name),
			logx.Duration("took", time.Since(started)))
	})
}

// Start begins firing schedules. Jobs observe ctx for cancellation.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx = ctx
	s.started = true
	s.c.Start()
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

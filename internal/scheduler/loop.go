package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Run hosts the scheduling loop for the configured mode until ctx is done.
// Only one Run should be active per scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", zap.String("mode", string(s.opts.Mode)))
	defer s.log.Info("scheduler stopped")

	switch s.opts.Mode {
	case ModeContinuous:
		return s.runContinuous(ctx)
	case ModeBatched:
		return s.runPeriodic(ctx, true)
	case ModeTriggered:
		return s.runTriggered(ctx)
	case ModeSupervised:
		return s.runPeriodic(ctx, false)
	default:
		return fmt.Errorf("unknown scheduling mode %q", s.opts.Mode)
	}
}

// runContinuous runs one task at a time, harvesting whenever the queue is
// empty and idling IdlePoll when harvesting finds nothing.
func (s *Scheduler) runContinuous(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		t, err := s.RunSingleTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("run task", zap.Error(err))
		}

		wait := s.opts.TaskDelay
		if t == nil {
			rep, err := s.Harvest(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return nil
			case err != nil:
				s.log.Error("harvest", zap.Error(err))
				wait = s.opts.IdlePoll
			case rep.Total() == 0:
				wait = s.opts.IdlePoll
			}
		}
		if !s.wait(ctx, wait) {
			return nil
		}
	}
}

// runPeriodic harvests at start and on every Interval tick, and executes a
// batch each time when execute is set. Trigger forces an early cycle.
func (s *Scheduler) runPeriodic(ctx context.Context, execute bool) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		s.cycle(ctx, execute)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// runTriggered waits for Trigger and then harvests and runs a batch.
func (s *Scheduler) runTriggered(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			s.cycle(ctx, true)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, execute bool) {
	if _, err := s.Harvest(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("harvest", zap.Error(err))
	}
	if !execute {
		return
	}
	rep, err := s.RunBatch(ctx, s.opts.BatchSize)
	if err != nil && ctx.Err() == nil {
		s.log.Error("run batch", zap.Error(err))
	}
	if rep != nil && rep.Attempted > 0 {
		s.log.Info("batch finished",
			zap.Int("attempted", rep.Attempted),
			zap.Int("succeeded", rep.Succeeded),
			zap.Int("failed", rep.Failed))
	}
}

// wait pauses for d or until a trigger arrives. It reports false when ctx
// is done.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-s.trigger:
	}
	return true
}

// Package scheduler drives the periodic work: remote pulls at a configurable
// interval and queue drains at a short fixed one. Ticks that land while the
// previous tick's work is still in flight are absorbed by the engine's own
// guards, so the scheduler never tracks overlap itself.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marksync/marksync/internal/engine"
)

type Options struct {
	PullInterval  time.Duration // default 5m
	DrainInterval time.Duration // default 15s
}

type Scheduler struct {
	engine *engine.Engine
	opts   Options
	logger zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func New(eng *engine.Engine, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.PullInterval <= 0 {
		opts.PullInterval = 5 * time.Minute
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 15 * time.Second
	}
	return &Scheduler{
		engine: eng,
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		done:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.loop(ctx, s.opts.PullInterval, s.pullTick)
		go s.loop(ctx, s.opts.DrainInterval, s.drainTick)
	})
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (s *Scheduler) pullTick(ctx context.Context) {
	_, err := s.engine.Pull(ctx)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrInProgress):
		// Previous pass still running; this tick is a no-op.
	case errors.Is(err, engine.ErrNotSignedIn), errors.Is(err, engine.ErrSyncDisabled):
		s.logger.Debug().Err(err).Msg("pull skipped")
	default:
		s.logger.Warn().Err(err).Msg("periodic pull failed")
	}
}

func (s *Scheduler) drainTick(ctx context.Context) {
	result, err := s.engine.DrainQueue(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue drain failed")
		return
	}
	if result.Processed > 0 {
		s.logger.Info().Int("processed", result.Processed).Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).Msg("queue drained")
	}
}

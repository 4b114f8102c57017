// Package workers
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"guildstats/internal/logger"
)

type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

type runOptions struct {
	immediate bool
}

type RunOption func(*runOptions)

// RunImmediately makes the first run happen as soon as the worker is
// scheduled instead of one interval later.
func RunImmediately() RunOption {
	return func(o *runOptions) { o.immediate = true }
}

type Scheduler struct {
	log logger.Logger
	wg  sync.WaitGroup
}

func NewScheduler(log logger.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// RunByDuration runs worker every dur until ctx is done. Runs never overlap,
// and a panicking run is logged without stopping the loop.
func (s *Scheduler) RunByDuration(ctx context.Context, dur time.Duration, worker Worker, opts ...RunOption) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if o.immediate {
			s.run(ctx, worker)
		}

		ticker := time.NewTicker(dur)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.log.Debug("worker: stopped", "name", worker.Name())
				return
			case <-ticker.C:
				s.run(ctx, worker)
			}
		}
	}()
}

// Wait blocks until every scheduled worker loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, worker Worker) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker: panicked", "name", worker.Name(), "panic", fmt.Sprint(r))
		}
	}()

	if err := worker.Run(ctx); err != nil {
		s.log.Error("worker: failed", "name", worker.Name(), "error", err)
	}

	s.log.Debug("worker: finished", "name", worker.Name(), "time", time.Since(start))
}

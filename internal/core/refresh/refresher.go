// Package refresh runs the compute-then-publish cycle for the broadcast path.
//
// Cycles never overlap: triggers that arrive while a cycle is running are
// coalesced into a single follow-up cycle, so subscribers always observe
// records in the order they were computed and the newest state wins.
package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"guildstats/internal/domain"
	"guildstats/internal/logger"
	"guildstats/internal/metrics"
)

type Computer interface {
	Compute(ctx context.Context) (domain.ServerStats, error)
}

type Publisher interface {
	Publish(stats domain.ServerStats)
}

type Refresher struct {
	computer  Computer
	publisher Publisher
	log       logger.Logger
	metrics   *metrics.Metrics

	trigger chan struct{}
	force   atomic.Bool

	mu   sync.Mutex
	last *domain.ServerStats

	now func() time.Time
}

func New(computer Computer, publisher Publisher, log logger.Logger, m *metrics.Metrics) *Refresher {
	return &Refresher{
		computer:  computer,
		publisher: publisher,
		log:       log,
		metrics:   m,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Trigger schedules a cycle and never blocks. A forced cycle publishes even
// when the stats did not change.
func (r *Refresher) Trigger(reason string, force bool) {
	if force {
		r.force.Store(true)
	}

	select {
	case r.trigger <- struct{}{}:
		r.log.Debug("refresh: scheduled", "reason", reason, "force", force)
	default:
		r.log.Debug("refresh: coalesced", "reason", reason, "force", force)
	}
}

// Run processes triggers until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	r.log.Info("refresh: loop started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("refresh: loop stopped")
			return nil
		case <-r.trigger:
			r.cycle(ctx)
		}
	}
}

func (r *Refresher) cycle(ctx context.Context) {
	force := r.force.Swap(false)

	stats, err := r.computer.Compute(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.metrics.RefreshTotal.WithLabelValues("failed").Inc()
		r.log.Error("refresh: compute failed, nothing broadcast", "error", err, "class", domain.FailureClass(err))
		return
	}

	r.mu.Lock()
	unchanged := r.last != nil && r.last.SameAs(stats)
	r.mu.Unlock()

	if unchanged && !force {
		r.metrics.RefreshTotal.WithLabelValues("unchanged").Inc()
		r.log.Debug("refresh: stats unchanged, broadcast skipped")
		return
	}

	stamped := stats.Stamped(r.now())
	r.publisher.Publish(stamped)

	r.mu.Lock()
	r.last = &stamped
	r.mu.Unlock()

	r.metrics.RefreshTotal.WithLabelValues("published").Inc()
	r.log.Info("refresh: broadcast stats",
		"total", stamped.TotalMembers,
		"online", stamped.OnlineMembers,
		"forced", force,
	)
}

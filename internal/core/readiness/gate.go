// Package readiness shares one upstream connection attempt between every
// caller that needs the guild source to be ready.
package readiness

import (
	"context"
	"sync"
	"time"

	"guildstats/internal/domain"
	"guildstats/internal/logger"
	"guildstats/internal/metrics"

	"golang.org/x/sync/singleflight"
)

const flightKey = "connect"

type Gate struct {
	source   domain.GuildStatsSource
	timeout  time.Duration
	cooldown time.Duration
	log      logger.Logger
	metrics  *metrics.Metrics

	group singleflight.Group

	mu       sync.Mutex
	ready    bool
	lastErr  error
	failedAt time.Time
	fired    bool
	hooks    []func()

	now func() time.Time
}

func NewGate(source domain.GuildStatsSource, timeout, cooldown time.Duration, log logger.Logger, m *metrics.Metrics) *Gate {
	return &Gate{
		source:   source,
		timeout:  timeout,
		cooldown: cooldown,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// OnFirstReady runs fn once the source first becomes ready, or right away if
// it already has.
func (g *Gate) OnFirstReady(fn func()) {
	g.mu.Lock()
	if !g.fired {
		g.hooks = append(g.hooks, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	fn()
}

// Ensure blocks until the source is ready. Concurrent callers share a single
// connection attempt. A failed attempt is reported to every waiter and is
// returned as-is to later callers until the retry cooldown elapses.
func (g *Gate) Ensure(ctx context.Context) error {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return nil
	}
	if g.lastErr != nil && g.now().Sub(g.failedAt) < g.cooldown {
		err := g.lastErr
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	if g.source.IsReady() {
		g.markReady()
		return nil
	}

	ch := g.group.DoChan(flightKey, func() (any, error) {
		return nil, g.connect()
	})

	select {
	case <-ctx.Done():
		return &domain.ConnectionError{Reason: "wait canceled", Err: ctx.Err()}
	case res := <-ch:
		return res.Err
	}
}

func (g *Gate) connect() error {
	readyCh := make(chan struct{})
	var once sync.Once
	cancel := g.source.OnReady(func() {
		once.Do(func() { close(readyCh) })
	})
	defer cancel()

	if g.source.IsReady() {
		g.markReady()
		return nil
	}

	// Detached from any caller so one abandoned wait does not kill the
	// attempt the others are sharing.
	ctx, cancelCtx := context.WithTimeout(context.Background(), g.timeout)
	defer cancelCtx()

	g.log.Info("readiness: connecting to guild source", "timeout", g.timeout)

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.source.Connect(ctx)
	}()

	for {
		select {
		case <-readyCh:
			g.markReady()
			return nil

		case err := <-errCh:
			if err != nil {
				return g.fail(&domain.ConnectionError{Reason: "failed", Err: err})
			}
			errCh = nil

		case <-ctx.Done():
			return g.fail(&domain.ConnectionError{Reason: "timeout", Err: domain.ErrTimeout})
		}
	}
}

func (g *Gate) markReady() {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}
	g.ready = true
	g.lastErr = nil

	var hooks []func()
	if !g.fired {
		g.fired = true
		hooks = g.hooks
		g.hooks = nil
	}
	g.mu.Unlock()

	g.metrics.ReadinessAttempts.WithLabelValues("ready").Inc()
	g.log.Info("readiness: guild source ready")

	for _, fn := range hooks {
		fn()
	}
}

func (g *Gate) fail(err *domain.ConnectionError) error {
	g.mu.Lock()
	g.lastErr = err
	g.failedAt = g.now()
	g.mu.Unlock()

	g.metrics.ReadinessAttempts.WithLabelValues(err.Reason).Inc()
	g.log.Error("readiness: connection attempt failed", "reason", err.Reason, "error", err.Err, "retry_after", g.cooldown)

	return err
}

// Package watcher turns guild membership and presence changes into stats refreshes.
package watcher

import (
	"context"
	"time"

	"guildstats/internal/domain"
	"guildstats/internal/logger"
	"guildstats/internal/workers"
)

type Triggerer interface {
	Trigger(reason string, force bool)
}

type Watcher struct {
	source    domain.GuildStatsSource
	guildID   string
	refresher Triggerer
	scheduler *workers.Scheduler
	interval  time.Duration
	log       logger.Logger
}

func New(source domain.GuildStatsSource, guildID string, refresher Triggerer, scheduler *workers.Scheduler, interval time.Duration, log logger.Logger) *Watcher {
	return &Watcher{
		source:    source,
		guildID:   guildID,
		refresher: refresher,
		scheduler: scheduler,
		interval:  interval,
		log:       log,
	}
}

// Start subscribes to guild events and schedules the backstop refresh. The
// returned func unsubscribes from events; the backstop stops with ctx.
func (w *Watcher) Start(ctx context.Context) func() {
	cancel := w.source.Subscribe(w.handle)
	w.scheduler.RunByDuration(ctx, w.interval, &backstopWorker{refresher: w.refresher}, workers.RunImmediately())

	w.log.Info("watcher: listening for guild events", "guild_id", w.guildID, "backstop", w.interval)
	return cancel
}

func (w *Watcher) handle(ev domain.GuildEvent) {
	if ev.GuildID != w.guildID {
		return
	}

	switch ev.Kind {
	case domain.EventMemberJoined:
		w.log.Info("watcher: member joined", "user", ev.UserTag)
	case domain.EventMemberLeft:
		w.log.Info("watcher: member left", "user", ev.UserTag)
	case domain.EventPresenceUpdated:
		w.log.Debug("watcher: presence updated", "user", ev.UserTag, "status", ev.NewStatus)
	case domain.EventMemberUpdated:
		if ev.OldStatus == ev.NewStatus {
			return
		}
		w.log.Debug("watcher: member status changed", "user", ev.UserTag, "from", ev.OldStatus, "to", ev.NewStatus)
	default:
		return
	}

	w.refresher.Trigger(string(ev.Kind), false)
}

// backstopWorker forces a refresh on start and then every interval. The
// scheduler never overlaps runs, so started needs no lock.
type backstopWorker struct {
	refresher Triggerer
	started   bool
}

func (b *backstopWorker) Name() string { return "stats-backstop" }

func (b *backstopWorker) Run(context.Context) error {
	reason := "timer"
	if !b.started {
		b.started = true
		reason = "startup"
	}

	b.refresher.Trigger(reason, true)
	return nil
}

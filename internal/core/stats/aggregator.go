// Package stats turns raw guild and channel state into a ServerStats record.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guildstats/internal/domain"
	"guildstats/internal/logger"
	"guildstats/internal/metrics"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

const PlaceholderNotes = "configuration in progress"

const (
	reasonChannelMissing = "channel not found"
	reasonNotVoice       = "channel is not a voice channel"
	reasonNoCount        = "no count detected in channel name"
)

// errCallerGone marks a fetch cut short by its caller's context. It says
// nothing about upstream health, so the breaker does not count it.
var errCallerGone = errors.New("caller gone")

type Readier interface {
	Ensure(ctx context.Context) error
}

type Settings struct {
	GuildID         string
	FocusChannelID  string
	FallbackTotal   int
	PlaceholderName string
	FetchTimeout    time.Duration
}

type Aggregator struct {
	source   domain.GuildStatsSource
	gate     Readier
	settings Settings
	breaker  *gobreaker.CircuitBreaker
	members  singleflight.Group
	log      logger.Logger
	metrics  *metrics.Metrics
}

func NewAggregator(source domain.GuildStatsSource, gate Readier, settings Settings, log logger.Logger, m *metrics.Metrics) *Aggregator {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "guild-source",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("stats: circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Aggregator{
		source:   source,
		gate:     gate,
		settings: settings,
		breaker:  breaker,
		log:      log,
		metrics:  m,
	}
}

// population is what the online count was taken over.
type population struct {
	total  int
	online int
	notes  string
}

// Compute produces one fresh record. It fails only when readiness or the
// guild itself cannot be resolved; every later stage degrades to fallback data.
func (a *Aggregator) Compute(ctx context.Context) (domain.ServerStats, error) {
	start := time.Now()
	defer func() {
		a.metrics.ComputeDuration.Observe(time.Since(start).Seconds())
	}()

	if err := a.gate.Ensure(ctx); err != nil {
		return domain.ServerStats{}, err
	}

	var guild domain.Guild
	err := a.fetch(ctx, domain.StageGuild, a.settings.GuildID, func(ctx context.Context) error {
		g, err := a.source.FetchGuild(ctx, a.settings.GuildID)
		guild = g
		return err
	})
	if err != nil {
		return domain.ServerStats{}, err
	}

	var pop population
	if a.settings.FocusChannelID != "" {
		pop = a.channelPopulation(ctx)
	} else {
		pop = a.guildPopulation(ctx, guild)
	}

	return domain.ServerStats{
		ServerName:    guild.Name,
		Status:        domain.StatusOnline,
		TotalMembers:  max(pop.total, 0),
		OnlineMembers: max(pop.online, 0),
		Notes:         pop.notes,
	}, nil
}

// Placeholder is served when the guild cannot be resolved at all.
func (a *Aggregator) Placeholder() domain.ServerStats {
	return domain.ServerStats{
		ServerName:    a.settings.PlaceholderName,
		Status:        domain.StatusOnline,
		TotalMembers:  a.settings.FallbackTotal,
		OnlineMembers: 0,
		Notes:         PlaceholderNotes,
	}
}

func (a *Aggregator) guildPopulation(ctx context.Context, guild domain.Guild) population {
	online, err := a.guildOnline(ctx)
	if err != nil {
		return population{
			total: guild.MemberCount,
			notes: fmt.Sprintf("Serving %d members; online count unavailable (%s).", guild.MemberCount, failureClass(err)),
		}
	}

	return population{
		total:  guild.MemberCount,
		online: online,
		notes:  fmt.Sprintf("Serving %d members; %d active across the guild.", guild.MemberCount, online),
	}
}

func (a *Aggregator) channelPopulation(ctx context.Context) population {
	id := a.settings.FocusChannelID

	var ch domain.Channel
	err := a.fetch(ctx, domain.StageChannel, id, func(ctx context.Context) error {
		c, err := a.source.FetchChannel(ctx, id)
		ch = c
		return err
	})

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return a.fallback(ctx, reasonChannelMissing)
	case err != nil:
		return a.fallback(ctx, fmt.Sprintf("channel fetch failed (%s)", failureClass(err)))
	case !ch.Kind.Populated():
		return a.fallback(ctx, reasonNotVoice)
	}

	online := domain.CountActive(ch.Members)

	total, ok := ExtractCount(ch.Name)
	if !ok {
		a.metrics.FallbackTotal.WithLabelValues(reasonNoCount).Inc()
		return population{
			total:  a.settings.FallbackTotal,
			online: online,
			notes: fmt.Sprintf("Using fallback total (%d): %s %q; %d active in voice channel.",
				a.settings.FallbackTotal, reasonNoCount, ch.Name, online),
		}
	}

	return population{
		total:  total,
		online: online,
		notes:  fmt.Sprintf("Voice channel %q reports %d members; %d active in channel.", ch.Name, total, online),
	}
}

// fallback is used when the focus channel cannot supply a population, so the
// online count is taken over the whole guild instead.
func (a *Aggregator) fallback(ctx context.Context, reason string) population {
	a.metrics.FallbackTotal.WithLabelValues(reason).Inc()
	a.log.Warn("stats: using fallback total", "channel_id", a.settings.FocusChannelID, "reason", reason)

	pop := population{total: a.settings.FallbackTotal}

	online, err := a.guildOnline(ctx)
	if err != nil {
		pop.notes = fmt.Sprintf("Using fallback total (%d): %s; online count unavailable (%s).",
			a.settings.FallbackTotal, reason, failureClass(err))
		return pop
	}

	pop.online = online
	pop.notes = fmt.Sprintf("Using fallback total (%d): %s; %d active across the guild.",
		a.settings.FallbackTotal, reason, online)
	return pop
}

// guildOnline fetches the full member list. Concurrent callers share one
// fetch since it is the most expensive upstream call, so the fetch outlives
// the caller that started it and is bounded by the fetch timeout alone.
func (a *Aggregator) guildOnline(ctx context.Context) (int, error) {
	id := a.settings.GuildID

	ch := a.members.DoChan(id, func() (any, error) {
		var members []domain.Member
		err := a.fetch(context.WithoutCancel(ctx), domain.StageMembers, id, func(ctx context.Context) error {
			m, err := a.source.FetchMembers(ctx, id)
			members = m
			return err
		})
		if err != nil {
			return 0, err
		}
		return domain.CountActive(members), nil
	})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	}
}

// fetch runs one upstream call under the fetch timeout and the circuit
// breaker, wrapping any failure in a FetchError.
func (a *Aggregator) fetch(ctx context.Context, stage domain.FetchStage, id string, call func(ctx context.Context) error) error {
	fetchCtx, cancel := context.WithTimeout(ctx, a.settings.FetchTimeout)
	defer cancel()

	_, err := a.breaker.Execute(func() (any, error) {
		err := call(fetchCtx)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return nil, err
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, errCallerGone) {
		a.log.Debug("stats: fetch abandoned by caller", "stage", stage, "id", id, "error", err)
		return &domain.FetchError{Stage: stage, ID: id, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", domain.ErrTimeout, a.settings.FetchTimeout, err)
	}

	fetchErr := &domain.FetchError{Stage: stage, ID: id, Err: err}
	if !errors.Is(err, domain.ErrNotFound) {
		a.log.Error("stats: fetch failed", "stage", stage, "id", id, "error", err)
	}

	return fetchErr
}

func failureClass(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "circuit open"
	}
	return domain.FailureClass(err)
}

package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"guildstats/internal/adapters/sourcetest"
	"guildstats/internal/domain"
	"guildstats/internal/logger"
	"guildstats/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	guildID   = "100"
	channelID = "200"
)

type stubGate struct{ err error }

func (g stubGate) Ensure(context.Context) error { return g.err }

func fiveMembers() []domain.Member {
	return []domain.Member{
		{Tag: "a", Status: domain.PresenceOnline},
		{Tag: "b", Status: domain.PresenceDND},
		{Tag: "c", Status: domain.PresenceIdle},
		{Tag: "d", Status: domain.PresenceOffline},
		{Tag: "e", Status: domain.PresenceInvisible},
		{Tag: "helper-bot", Bot: true, Status: domain.PresenceOnline},
	}
}

func newAggregator(src domain.GuildStatsSource, gate Readier, focus string) (*Aggregator, *metrics.Metrics) {
	m := metrics.New(nil)
	agg := NewAggregator(src, gate, Settings{
		GuildID:         guildID,
		FocusChannelID:  focus,
		FallbackTotal:   269,
		PlaceholderName: "Community Server",
		FetchTimeout:    100 * time.Millisecond,
	}, logger.Nop(), m)
	return agg, m
}

func newSource() *sourcetest.Source {
	src := sourcetest.New(domain.Guild{ID: guildID, Name: "Guild", MemberCount: 230})
	src.SetMembers(fiveMembers())
	return src
}

func TestCompute_WholeGuild(t *testing.T) {
	agg, _ := newAggregator(newSource(), stubGate{}, "")

	stats, err := agg.Compute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Guild", stats.ServerName)
	assert.Equal(t, domain.StatusOnline, stats.Status)
	assert.Equal(t, 230, stats.TotalMembers)
	assert.Equal(t, 3, stats.OnlineMembers)
	assert.Equal(t, "Serving 230 members; 3 active across the guild.", stats.Notes)
	assert.Nil(t, stats.Timestamp)
}

func TestCompute_WholeGuildMembersFail(t *testing.T) {
	src := newSource()
	src.FailMembers(errors.New("rate limited"))
	agg, _ := newAggregator(src, stubGate{}, "")

	stats, err := agg.Compute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 230, stats.TotalMembers)
	assert.Equal(t, 0, stats.OnlineMembers)
	assert.Contains(t, stats.Notes, "online count unavailable (upstream error)")
}

func TestCompute_FocusChannelCount(t *testing.T) {
	src := newSource()
	src.SetChannel(domain.Channel{
		ID:   channelID,
		Name: "🔊 General (15/50)",
		Kind: domain.ChannelVoice,
		Members: []domain.Member{
			{Tag: "a", Status: domain.PresenceOnline},
			{Tag: "b", Status: domain.PresenceOffline},
			{Tag: "music-bot", Bot: true, Status: domain.PresenceOnline},
		},
	})
	agg, _ := newAggregator(src, stubGate{}, channelID)

	stats, err := agg.Compute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 15, stats.TotalMembers)
	assert.Equal(t, 1, stats.OnlineMembers)
	assert.Contains(t, stats.Notes, "Voice channel")
	assert.Contains(t, stats.Notes, "reports 15 members")
	assert.Contains(t, stats.Notes, "active in channel")
	assert.Equal(t, 0, src.MemberFetches(), "channel population needs no member list")
}

func TestCompute_FocusChannelFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(src *sourcetest.Source)
		wantReason string
		wantOnline int
	}{
		{
			name: "fetch throws",
			setup: func(src *sourcetest.Source) {
				src.FailChannel(channelID, errors.New("503 service unavailable"))
			},
			wantReason: "channel fetch failed (upstream error)",
			wantOnline: 3,
		},
		{
			name:       "channel absent",
			setup:      func(src *sourcetest.Source) {},
			wantReason: "channel not found",
			wantOnline: 3,
		},
		{
			name: "text channel",
			setup: func(src *sourcetest.Source) {
				src.SetChannel(domain.Channel{ID: channelID, Name: "rules-42", Kind: domain.ChannelText})
			},
			wantReason: "channel is not a voice channel",
			wantOnline: 3,
		},
		{
			name: "no digits",
			setup: func(src *sourcetest.Source) {
				src.SetChannel(domain.Channel{
					ID:      channelID,
					Name:    "Lobby",
					Kind:    domain.ChannelVoice,
					Members: []domain.Member{{Tag: "a", Status: domain.PresenceIdle}},
				})
			},
			wantReason: "no count detected",
			wantOnline: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSource()
			tt.setup(src)
			agg, m := newAggregator(src, stubGate{}, channelID)

			stats, err := agg.Compute(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 269, stats.TotalMembers)
			assert.Equal(t, tt.wantOnline, stats.OnlineMembers)
			assert.Contains(t, stats.Notes, "fallback total (269)")
			assert.Contains(t, stats.Notes, tt.wantReason)

			var fallbacks float64
			for _, r := range []string{tt.wantReason, reasonNoCount} {
				fallbacks += testutil.ToFloat64(m.FallbackTotal.WithLabelValues(r))
			}
			assert.Equal(t, float64(1), fallbacks)
		})
	}
}

func TestCompute_ChannelFetchTimeoutFallsBack(t *testing.T) {
	src := newSource()
	src.SetChannel(domain.Channel{ID: channelID, Name: "General (15/50)", Kind: domain.ChannelVoice})
	src.ChannelDelay(200 * time.Millisecond)
	agg, m := newAggregator(src, stubGate{}, channelID)
	agg.settings.FetchTimeout = 20 * time.Millisecond

	start := time.Now()
	stats, err := agg.Compute(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	assert.Equal(t, 269, stats.TotalMembers)
	assert.Equal(t, 3, stats.OnlineMembers)
	assert.Contains(t, stats.Notes, "Using fallback total (269): channel fetch failed (timeout)")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FallbackTotal.WithLabelValues("channel fetch failed (timeout)")))
}

func TestCompute_GuildFetchTimeout(t *testing.T) {
	src := newSource()
	agg, _ := newAggregator(src, stubGate{}, channelID)
	agg.settings.FetchTimeout = 20 * time.Millisecond

	// Guild and channel both stall past the timeout; the guild stage fails first.
	src.FetchDelay(200 * time.Millisecond)

	_, err := agg.Compute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFetch)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	var fe *domain.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, domain.StageGuild, fe.Stage)
	assert.Equal(t, guildID, fe.ID)
}

func TestCompute_GateFailure(t *testing.T) {
	src := newSource()
	gateErr := &domain.ConnectionError{Reason: "timeout", Err: domain.ErrTimeout}
	agg, _ := newAggregator(src, stubGate{err: gateErr}, "")

	_, err := agg.Compute(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Equal(t, 0, src.GuildFetches())
}

func TestCompute_GuildFetchFailure(t *testing.T) {
	src := newSource()
	src.FailGuild(errors.New("unknown guild"))
	agg, _ := newAggregator(src, stubGate{}, "")

	_, err := agg.Compute(context.Background())
	assert.ErrorIs(t, err, domain.ErrFetch)
}

func TestCompute_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	src := newSource()
	src.FailGuild(errors.New("gateway 502"))
	agg, _ := newAggregator(src, stubGate{}, "")

	for range 5 {
		_, err := agg.Compute(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 5, src.GuildFetches())

	_, err := agg.Compute(context.Background())
	require.Error(t, err)
	assert.Equal(t, 5, src.GuildFetches(), "open breaker short-circuits the fetch")
	assert.Equal(t, "circuit open", failureClass(err))
}

func TestCompute_AbandonedCallsDoNotTripBreaker(t *testing.T) {
	src := newSource()
	src.FetchDelay(50 * time.Millisecond)
	agg, _ := newAggregator(src, stubGate{}, "")

	abandon := []func() (context.Context, context.CancelFunc){
		func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(5*time.Millisecond, cancel)
			return ctx, cancel
		},
		func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 5*time.Millisecond)
		},
	}

	for range 4 {
		for _, newCtx := range abandon {
			ctx, cancel := newCtx()
			_, err := agg.Compute(ctx)
			cancel()
			require.Error(t, err)
			assert.NotEqual(t, "circuit open", failureClass(err))
		}
	}

	src.FetchDelay(0)
	stats, err := agg.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 230, stats.TotalMembers)
	assert.Equal(t, 3, stats.OnlineMembers)
}

func TestCompute_SharedMemberFetchOutlivesAbandonedCaller(t *testing.T) {
	src := newSource()
	src.MembersDelay(100 * time.Millisecond)
	agg, _ := newAggregator(src, stubGate{}, "")
	agg.settings.FetchTimeout = time.Second

	first, cancel := context.WithCancel(context.Background())
	defer cancel()

	abandoned := make(chan struct{})
	go func() {
		defer close(abandoned)
		_, _ = agg.Compute(first)
	}()
	require.Eventually(t, func() bool { return src.MemberFetches() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-abandoned

	stats, err := agg.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.OnlineMembers)
	assert.Equal(t, 1, src.MemberFetches(), "second caller joins the fetch still in flight")
}

func TestCompute_NotFoundDoesNotTripBreaker(t *testing.T) {
	src := newSource()
	agg, _ := newAggregator(src, stubGate{}, channelID)

	for range 8 {
		stats, err := agg.Compute(context.Background())
		require.NoError(t, err)
		assert.Contains(t, stats.Notes, "channel not found")
	}
}

func TestCompute_MemberListSharedAcrossConcurrentCalls(t *testing.T) {
	src := newSource()
	agg, _ := newAggregator(src, stubGate{}, "")
	agg.settings.FetchTimeout = time.Second
	src.FetchDelay(50 * time.Millisecond)

	const callers = 10
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := agg.Compute(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 3, stats.OnlineMembers)
		}()
	}
	wg.Wait()

	assert.Less(t, src.MemberFetches(), callers)
}

func TestPlaceholder(t *testing.T) {
	agg, _ := newAggregator(newSource(), stubGate{}, "")

	p := agg.Placeholder()
	assert.Equal(t, "Community Server", p.ServerName)
	assert.Equal(t, domain.StatusOnline, p.Status)
	assert.Equal(t, 269, p.TotalMembers)
	assert.Equal(t, 0, p.OnlineMembers)
	assert.Equal(t, PlaceholderNotes, p.Notes)
}

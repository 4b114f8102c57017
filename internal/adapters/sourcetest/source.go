// Package sourcetest provides an in-memory GuildStatsSource for tests.
package sourcetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"guildstats/internal/domain"
	"guildstats/internal/event"
	"guildstats/internal/logger"
)

const (
	topicReady = "ready"
	topicGuild = "guild_event"
)

var _ domain.GuildStatsSource = (*Source)(nil)

type Source struct {
	mu  sync.Mutex
	bus *event.Bus

	ready        bool
	neverReady   bool
	connectErr   error
	connectDelay time.Duration
	fetchDelay   time.Duration
	channelDelay time.Duration
	membersDelay time.Duration

	guild      domain.Guild
	guildErr   error
	channels   map[string]domain.Channel
	channelErr map[string]error
	members    []domain.Member
	membersErr error

	connectCalls  atomic.Int32
	guildFetches  atomic.Int32
	memberFetches atomic.Int32
	closed        atomic.Bool
}

func New(guild domain.Guild) *Source {
	return &Source{
		bus:        event.New(logger.Nop()),
		guild:      guild,
		channels:   make(map[string]domain.Channel),
		channelErr: make(map[string]error),
	}
}

// NeverReady makes Connect succeed without the ready signal ever arriving.
func (s *Source) NeverReady() *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neverReady = true
	return s
}

func (s *Source) FailConnect(err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
	return s
}

func (s *Source) ConnectDelay(d time.Duration) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectDelay = d
	return s
}

// FetchDelay stalls every fetch for d or until its context ends.
func (s *Source) FetchDelay(d time.Duration) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchDelay = d
	return s
}

// ChannelDelay stalls channel fetches only, on top of FetchDelay.
func (s *Source) ChannelDelay(d time.Duration) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelDelay = d
	return s
}

// MembersDelay stalls member list fetches only, on top of FetchDelay.
func (s *Source) MembersDelay(d time.Duration) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membersDelay = d
	return s
}

func (s *Source) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()

	if ready {
		s.bus.Publish(topicReady, nil)
	}
}

func (s *Source) SetGuild(g domain.Guild) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guild = g
}

func (s *Source) FailGuild(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guildErr = err
}

func (s *Source) SetChannel(ch domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
}

func (s *Source) FailChannel(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelErr[id] = err
}

func (s *Source) SetMembers(members []domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append([]domain.Member(nil), members...)
}

func (s *Source) FailMembers(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membersErr = err
}

// Emit delivers ev to every subscriber on the caller's goroutine.
func (s *Source) Emit(ev domain.GuildEvent) {
	s.bus.Publish(topicGuild, ev)
}

func (s *Source) ConnectCalls() int  { return int(s.connectCalls.Load()) }
func (s *Source) GuildFetches() int  { return int(s.guildFetches.Load()) }
func (s *Source) MemberFetches() int { return int(s.memberFetches.Load()) }
func (s *Source) Subscribers() int   { return s.bus.Count(topicGuild) }
func (s *Source) Closed() bool       { return s.closed.Load() }

func (s *Source) Connect(ctx context.Context) error {
	s.connectCalls.Add(1)

	s.mu.Lock()
	delay, connectErr, never := s.connectDelay, s.connectErr, s.neverReady
	s.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if connectErr != nil {
		return connectErr
	}
	if never {
		return nil
	}

	go s.SetReady(true)
	return nil
}

func (s *Source) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Source) OnReady(fn func()) func() {
	return s.bus.Subscribe(topicReady, func(any) { fn() })
}

func (s *Source) FetchGuild(ctx context.Context, guildID string) (domain.Guild, error) {
	s.guildFetches.Add(1)
	if err := s.wait(ctx, 0); err != nil {
		return domain.Guild{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.guildErr != nil {
		return domain.Guild{}, s.guildErr
	}
	if guildID != s.guild.ID {
		return domain.Guild{}, domain.ErrNotFound
	}
	return s.guild, nil
}

func (s *Source) FetchChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	if err := s.wait(ctx, s.stageDelay(&s.channelDelay)); err != nil {
		return domain.Channel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.channelErr[channelID]; err != nil {
		return domain.Channel{}, err
	}
	ch, ok := s.channels[channelID]
	if !ok {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	ch.Members = append([]domain.Member(nil), ch.Members...)
	return ch, nil
}

func (s *Source) FetchMembers(ctx context.Context, guildID string) ([]domain.Member, error) {
	s.memberFetches.Add(1)
	if err := s.wait(ctx, s.stageDelay(&s.membersDelay)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.membersErr != nil {
		return nil, s.membersErr
	}
	return append([]domain.Member(nil), s.members...), nil
}

func (s *Source) Subscribe(fn func(domain.GuildEvent)) func() {
	return s.bus.Subscribe(topicGuild, func(e any) {
		if ev, ok := e.(domain.GuildEvent); ok {
			fn(ev)
		}
	})
}

func (s *Source) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Source) stageDelay(d *time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *d
}

func (s *Source) wait(ctx context.Context, extra time.Duration) error {
	s.mu.Lock()
	d := s.fetchDelay + extra
	s.mu.Unlock()
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

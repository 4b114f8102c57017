// Package discord implements domain.GuildStatsSource on top of a discordgo
// gateway session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"guildstats/internal/domain"
	"guildstats/internal/event"
	"guildstats/internal/logger"

	"github.com/bwmarrin/discordgo"
)

const (
	topicReady = "ready"
	topicGuild = "guild_event"

	membersPageSize = 1000
)

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildPresences |
	discordgo.IntentsGuildVoiceStates

var _ domain.GuildStatsSource = (*Source)(nil)

type Source struct {
	session *discordgo.Session
	bus     *event.Bus
	log     logger.Logger

	ready atomic.Bool

	mu       sync.Mutex
	statuses map[string]domain.PresenceStatus

	removers []func()
}

func New(token string, log logger.Logger) (*Source, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = intents
	session.StateEnabled = true

	discordgo.Logger = gatewayLogger(log.With("component", "discordgo"))

	s := &Source{
		session:  session,
		bus:      event.New(log),
		log:      log,
		statuses: make(map[string]domain.PresenceStatus),
	}

	s.removers = []func(){
		session.AddHandler(s.onReady),
		session.AddHandler(s.onDisconnect),
		session.AddHandler(s.onMemberAdd),
		session.AddHandler(s.onMemberRemove),
		session.AddHandler(s.onMemberUpdate),
		session.AddHandler(s.onPresenceUpdate),
	}

	return s, nil
}

// Connect opens the gateway. Readiness is signalled separately through
// OnReady once the Ready event arrives.
func (s *Source) Connect(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.session.Open()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, discordgo.ErrWSAlreadyOpen) {
			return nil
		}
		return err
	}
}

func (s *Source) IsReady() bool {
	return s.ready.Load()
}

func (s *Source) OnReady(fn func()) func() {
	return s.bus.Subscribe(topicReady, func(any) { fn() })
}

func (s *Source) FetchGuild(ctx context.Context, guildID string) (domain.Guild, error) {
	if g, err := s.session.State.Guild(guildID); err == nil && g.MemberCount > 0 {
		return domain.Guild{ID: g.ID, Name: g.Name, MemberCount: g.MemberCount}, nil
	}

	g, err := s.session.GuildWithCounts(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return domain.Guild{}, restErr(err)
	}

	count := g.MemberCount
	if count == 0 {
		count = g.ApproximateMemberCount
	}

	return domain.Guild{ID: g.ID, Name: g.Name, MemberCount: count}, nil
}

func (s *Source) FetchChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	ch, err := s.session.State.Channel(channelID)
	if err != nil {
		ch, err = s.session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return domain.Channel{}, restErr(err)
		}
	}

	out := domain.Channel{
		ID:      ch.ID,
		GuildID: ch.GuildID,
		Name:    ch.Name,
		Kind:    channelKind(ch.Type),
	}
	if out.Kind.Populated() {
		out.Members = s.voiceMembers(ch.GuildID, ch.ID)
	}

	return out, nil
}

// FetchMembers pages through the full member list. Presence comes from the
// gateway state since the REST listing carries none.
func (s *Source) FetchMembers(ctx context.Context, guildID string) ([]domain.Member, error) {
	var (
		out   []domain.Member
		after string
	)

	for {
		page, err := s.session.GuildMembers(guildID, after, membersPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, restErr(err)
		}

		for _, m := range page {
			if m.User == nil {
				continue
			}
			out = append(out, s.member(guildID, m.User))
		}

		if len(page) < membersPageSize {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (s *Source) Subscribe(fn func(domain.GuildEvent)) func() {
	return s.bus.Subscribe(topicGuild, func(e any) {
		if ev, ok := e.(domain.GuildEvent); ok {
			fn(ev)
		}
	})
}

func (s *Source) Close() error {
	for _, remove := range s.removers {
		remove()
	}
	s.ready.Store(false)
	return s.session.Close()
}

func (s *Source) voiceMembers(guildID, channelID string) []domain.Member {
	g, err := s.session.State.Guild(guildID)
	if err != nil {
		return nil
	}

	var out []domain.Member
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}

		user := &discordgo.User{ID: vs.UserID}
		if vs.Member != nil && vs.Member.User != nil {
			user = vs.Member.User
		} else if m, err := s.session.State.Member(guildID, vs.UserID); err == nil && m.User != nil {
			user = m.User
		}
		out = append(out, s.member(guildID, user))
	}

	return out
}

func (s *Source) member(guildID string, user *discordgo.User) domain.Member {
	status := domain.PresenceOffline
	if p, err := s.session.State.Presence(guildID, user.ID); err == nil {
		status = presenceStatus(p.Status)
	}

	return domain.Member{
		UserID: user.ID,
		Tag:    userTag(user),
		Bot:    user.Bot,
		Status: status,
	}
}

func (s *Source) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	s.ready.Store(true)
	s.log.Info("discord: gateway ready", "session_id", r.SessionID, "guilds", len(r.Guilds))
	s.bus.Publish(topicReady, struct{}{})
}

func (s *Source) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	s.ready.Store(false)
	s.log.Warn("discord: gateway disconnected")
}

func (s *Source) onMemberAdd(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
	s.emit(memberEvent(domain.EventMemberJoined, e.Member))
}

func (s *Source) onMemberRemove(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
	s.emit(memberEvent(domain.EventMemberLeft, e.Member))
}

// Member updates carry no presence, so the last status seen is reported on
// both sides.
func (s *Source) onMemberUpdate(_ *discordgo.Session, e *discordgo.GuildMemberUpdate) {
	ev := memberEvent(domain.EventMemberUpdated, e.Member)
	if e.Member != nil && e.Member.User != nil {
		status := s.lastStatus(e.Member.User.ID)
		ev.OldStatus, ev.NewStatus = status, status
	}
	s.emit(ev)
}

func (s *Source) onPresenceUpdate(_ *discordgo.Session, e *discordgo.PresenceUpdate) {
	if e.User == nil {
		return
	}

	next := presenceStatus(e.Status)

	s.mu.Lock()
	prev := s.statuses[e.User.ID]
	s.statuses[e.User.ID] = next
	s.mu.Unlock()

	s.emit(domain.GuildEvent{
		Kind:      domain.EventPresenceUpdated,
		GuildID:   e.GuildID,
		UserTag:   userTag(e.User),
		OldStatus: prev,
		NewStatus: next,
	})
}

func (s *Source) lastStatus(userID string) domain.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[userID]
}

func (s *Source) emit(ev domain.GuildEvent) {
	s.bus.Publish(topicGuild, ev)
}

func memberEvent(kind domain.GuildEventKind, m *discordgo.Member) domain.GuildEvent {
	ev := domain.GuildEvent{Kind: kind}
	if m == nil {
		return ev
	}
	ev.GuildID = m.GuildID
	ev.UserTag = userTag(m.User)
	return ev
}

func presenceStatus(s discordgo.Status) domain.PresenceStatus {
	switch s {
	case discordgo.StatusOnline:
		return domain.PresenceOnline
	case discordgo.StatusDoNotDisturb:
		return domain.PresenceDND
	case discordgo.StatusIdle:
		return domain.PresenceIdle
	case discordgo.StatusInvisible:
		return domain.PresenceInvisible
	case discordgo.StatusOffline:
		return domain.PresenceOffline
	default:
		return domain.PresenceUnset
	}
}

func channelKind(t discordgo.ChannelType) domain.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildVoice:
		return domain.ChannelVoice
	case discordgo.ChannelTypeGuildStageVoice:
		return domain.ChannelStage
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return domain.ChannelText
	default:
		return domain.ChannelOther
	}
}

func userTag(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	switch {
	case u.Username == "":
		return u.ID
	case u.Discriminator == "" || u.Discriminator == "0":
		// Migrated accounts and partial users carry no discriminator.
		return u.Username
	default:
		return u.Username + "#" + u.Discriminator
	}
}

// restErr maps REST failures onto the domain sentinels.
func restErr(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", domain.ErrConnection, err)
		}
	}
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	return err
}

// gatewayLogger routes discordgo's printf-style logging through our logger.
func gatewayLogger(log logger.Logger) func(msgL, caller int, format string, a ...any) {
	return func(msgL, _ int, format string, a ...any) {
		msg := "discord: " + fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogError:
			log.Error(msg)
		case discordgo.LogWarning:
			log.Warn(msg)
		case discordgo.LogInformational:
			log.Info(msg)
		default:
			log.Debug(msg)
		}
	}
}

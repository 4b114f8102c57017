package domain

import "context"

type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceDND       PresenceStatus = "dnd"
	PresenceIdle      PresenceStatus = "idle"
	PresenceOffline   PresenceStatus = "offline"
	PresenceInvisible PresenceStatus = "invisible"
	PresenceUnset     PresenceStatus = ""
)

// Active reports whether the status counts toward online members.
func (p PresenceStatus) Active() bool {
	switch p {
	case PresenceOnline, PresenceDND, PresenceIdle:
		return true
	default:
		return false
	}
}

type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
	ChannelStage ChannelKind = "stage"
	ChannelOther ChannelKind = "other"
)

// Populated reports whether members can be present in the channel.
func (k ChannelKind) Populated() bool {
	return k == ChannelVoice || k == ChannelStage
}

type Guild struct {
	ID          string
	Name        string
	MemberCount int
}

type Member struct {
	UserID string
	Tag    string
	Bot    bool
	Status PresenceStatus
}

type Channel struct {
	ID      string
	GuildID string
	Name    string
	Kind    ChannelKind
	Members []Member
}

// CountActive counts non-bot members whose presence is active.
func CountActive(members []Member) int {
	n := 0
	for _, m := range members {
		if !m.Bot && m.Status.Active() {
			n++
		}
	}
	return n
}

type GuildEventKind string

const (
	EventMemberJoined    GuildEventKind = "member_joined"
	EventMemberLeft      GuildEventKind = "member_left"
	EventPresenceUpdated GuildEventKind = "presence_updated"
	EventMemberUpdated   GuildEventKind = "member_updated"
)

type GuildEvent struct {
	Kind      GuildEventKind
	GuildID   string
	UserTag   string
	OldStatus PresenceStatus
	NewStatus PresenceStatus
}

// GuildStatsSource is the upstream guild client. One instance is shared by
// the whole process.
type GuildStatsSource interface {
	Connect(ctx context.Context) error
	IsReady() bool
	OnReady(fn func()) (cancel func())
	FetchGuild(ctx context.Context, guildID string) (Guild, error)
	FetchChannel(ctx context.Context, channelID string) (Channel, error)
	FetchMembers(ctx context.Context, guildID string) ([]Member, error)
	Subscribe(fn func(GuildEvent)) (cancel func())
	Close() error
}

package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is a platform-neutral inbound chat message.
//
// IDs are opaque strings: Discord snowflakes stay as-is, Telegram numeric
// ids are formatted to decimal. GuildID is empty for direct messages and
// for platforms without a guild concept.
type Message struct {
	ID          string
	ChannelID   string
	ChannelName string
	GuildID     string
	FromID      string
	FromName    string
	Text        string

	// FromRoles carries the sender's role identifiers when the platform
	// exposes them (Discord). Used for role-gated permission mode.
	FromRoles []string

	// IsModerator is the adapter's best mapping of "may administer the bot
	// in this channel" (Discord: kick-members permission; Telegram: chat
	// admin). Owner ids from config extend this, never restrict it.
	IsModerator bool
}

type ChatRef struct {
	ChannelID string
}

type MessageRef struct {
	ChannelID string
	MessageID string
}

type SendOptions struct {
	// Silent suppresses platform notification sounds where supported.
	Silent bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatRef, text string, opt *SendOptions) (MessageRef, error)
}

// ChannelInfo describes one text channel known to the platform.
type ChannelInfo struct {
	ID   string
	Name string
}

// ChannelDirectory is an optional adapter interface used to validate
// allow/disallow targets against channels that actually exist.
type ChannelDirectory interface {
	ListChannels(ctx context.Context, guildID string) ([]ChannelInfo, error)
}

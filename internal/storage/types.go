package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (one JSON document per guild)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// GuildRecord is the persisted permission state for one guild (server).
type GuildRecord struct {
	GuildID   string          `json:"guild_id"`
	Mode      string          `json:"mode"` // "", "open", "role", "list"
	RoleID    string          `json:"role_id,omitempty"`
	Channels  []ChannelRecord `json:"channels,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ChannelRecord is one allow-listed channel. Name is kept for readable
// admin listings even if the live channel was renamed or deleted.
type ChannelRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name,omitempty"`
	GuildID   string    `json:"guild_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Error     string    `json:"error,omitempty"`
}

package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Transport TransportConfig            `json:"transport"`
	Owners    []string                   `json:"owners,omitempty"`
	Logging   LoggingConfig              `json:"logging"`
	Storage   *StorageConfig             `json:"storage,omitempty"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

// TransportConfig selects and configures the chat platform driver.
//
// Driver is one of "discord" or "telegram". Changing the driver or its
// token requires a restart; the reload validator rejects such edits.
type TransportConfig struct {
	Driver   string          `json:"driver"`
	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards WARN+ log lines to an ops channel on the platform.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./countbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so stale keys are caught early
// during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

package config

import (
	"fmt"
	"strings"
)

// Validate checks the static invariants of a parsed config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	switch driver {
	case "discord":
		if cfg.Transport.Discord == nil || strings.TrimSpace(cfg.Transport.Discord.Token) == "" {
			return fmt.Errorf("transport.discord.token is required for driver=discord")
		}
	case "telegram":
		if cfg.Transport.Telegram == nil || strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
			return fmt.Errorf("transport.telegram.token is required for driver=telegram")
		}
		if cfg.Transport.Telegram != nil {
			if _, err := ParseDurationField("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("transport.driver must be \"discord\" or \"telegram\", got %q", cfg.Transport.Driver)
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver must be \"file\" or \"sqlite\", got %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Logging.Chat.ChannelID) == "" {
		return fmt.Errorf("logging.chat.channel_id is required when logging.chat.enabled")
	}

	return nil
}

// ReloadValidator returns the validation hook installed on the watch loop.
// Besides static validation it rejects edits that cannot apply without a
// restart (transport driver or token changes).
func ReloadValidator(running *Config) func(cfg *Config) error {
	return func(cfg *Config) error {
		if err := Validate(cfg); err != nil {
			return err
		}
		if running == nil {
			return nil
		}
		if !strings.EqualFold(strings.TrimSpace(cfg.Transport.Driver), strings.TrimSpace(running.Transport.Driver)) {
			return fmt.Errorf("transport.driver change requires a restart")
		}
		if tokenOf(cfg.Transport) != tokenOf(running.Transport) {
			return fmt.Errorf("transport token change requires a restart")
		}
		return nil
	}
}

func tokenOf(t TransportConfig) string {
	switch strings.ToLower(strings.TrimSpace(t.Driver)) {
	case "discord":
		if t.Discord != nil {
			return t.Discord.Token
		}
	case "telegram":
		if t.Telegram != nil {
			return t.Telegram.Token
		}
	}
	return ""
}

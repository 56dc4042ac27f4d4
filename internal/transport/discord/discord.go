// Package discord adapts the Discord gateway to the transport kit.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	kit "countbot/internal/transport"
	logx "countbot/pkg/logx"
)

type Adapter struct {
	token string
	log   logx.Logger

	mu      sync.Mutex
	session *discordgo.Session
	out     chan<- kit.Update
	selfID  string

	// Discord enforces roughly 5 messages per 5 seconds per channel; stay
	// under the global ceiling so countdown ticks don't trip the API.
	limiter *rate.Limiter
}

func New(token string, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		token:   token,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(20), 5),
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if strings.TrimSpace(a.token) == "" {
		return errors.New("discord token is empty")
	}

	s, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	s.StateEnabled = true

	a.mu.Lock()
	a.session = s
	a.out = out
	a.mu.Unlock()

	s.AddHandler(func(sess *discordgo.Session, m *discordgo.MessageCreate) {
		a.onMessage(ctx, sess, m)
	})

	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}

	if s.State != nil && s.State.User != nil {
		a.mu.Lock()
		a.selfID = s.State.User.ID
		a.mu.Unlock()
		a.log.Info("discord connected", logx.String("user", s.State.User.Username))
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (a *Adapter) onMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	self := a.selfID
	out := a.out
	a.mu.Unlock()
	if out == nil || m.Author.ID == self {
		return
	}

	msg := &kit.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		FromID:    m.Author.ID,
		FromName:  m.Author.Username,
		Text:      m.Content,
	}
	if ch, err := s.State.Channel(m.ChannelID); err == nil && ch != nil {
		msg.ChannelName = ch.Name
	}
	if m.Member != nil {
		msg.FromRoles = append(msg.FromRoles, m.Member.Roles...)
	}
	if m.GuildID != "" {
		if perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID); err == nil {
			msg.IsModerator = perms&discordgo.PermissionKickMembers != 0 ||
				perms&discordgo.PermissionAdministrator != 0
		}
	}

	select {
	case <-ctx.Done():
	case out <- kit.Update{Kind: kit.UpdateMessage, Message: msg}:
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatRef, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return kit.MessageRef{}, errors.New("discord session not started")
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return kit.MessageRef{}, err
	}

	send := &discordgo.MessageSend{Content: text}
	if opt != nil && opt.Silent {
		send.Flags = discordgo.MessageFlagsSuppressNotifications
	}
	msg, err := s.ChannelMessageSendComplex(to.ChannelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("send to %s: %w", to.ChannelID, err)
	}
	return kit.MessageRef{ChannelID: to.ChannelID, MessageID: msg.ID}, nil
}

// ListChannels enumerates the guild's text channels for allow/disallow
// target validation.
func (a *Adapter) ListChannels(ctx context.Context, guildID string) ([]kit.ChannelInfo, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return nil, errors.New("discord session not started")
	}

	chans, err := s.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list channels of %s: %w", guildID, err)
	}
	out := make([]kit.ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		out = append(out, kit.ChannelInfo{ID: ch.ID, Name: ch.Name})
	}
	return out, nil
}

var _ kit.Adapter = (*Adapter)(nil)
var _ kit.ChannelDirectory = (*Adapter)(nil)

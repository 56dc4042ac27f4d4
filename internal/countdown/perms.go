package countdown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"countbot/internal/storage"
	logx "countbot/pkg/logx"
)

// Mode is the per-guild permission mode. Mode is authoritative and checked
// first; the allow-list is consulted only when the mode requires it.
type Mode int

const (
	ModeUnconfigured Mode = iota
	ModeOpen
	ModeRoleGated
	ModeAllowList
)

func (m Mode) String() string {
	switch m {
	case ModeOpen:
		return "open"
	case ModeRoleGated:
		return "role"
	case ModeAllowList:
		return "list"
	case ModeUnconfigured:
		return "unconfigured"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the wire form used in config, storage and commands.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unconfigured":
		return ModeUnconfigured, nil
	case "open":
		return ModeOpen, nil
	case "role", "role-gated", "rolegated":
		return ModeRoleGated, nil
	case "list", "allow-list", "allowlist":
		return ModeAllowList, nil
	default:
		return ModeUnconfigured, fmt.Errorf("unknown permission mode %q", s)
	}
}

var (
	// ErrAlreadyAllowed means the allow target is already on the list.
	ErrAlreadyAllowed = errors.New("channel already allowed")
	// ErrNotAllowed means the disallow target is not on the list.
	ErrNotAllowed = errors.New("channel not on the allow list")
)

// Channel identifies one text channel by platform id plus display name.
type Channel struct {
	ID   string
	Name string
}

// Requester carries the caller identity attributes the gates need.
type Requester struct {
	ID          string
	Name        string
	Roles       []string
	IsModerator bool
}

// ChannelLister validates allow/disallow targets against channels that
// actually exist on the platform.
type ChannelLister interface {
	ListChannels(ctx context.Context, guildID string) ([]Channel, error)
}

// PermissionStore holds per-guild permission state, loaded from storage at
// startup and persisted write-through on every mutation. In-memory state is
// only committed after the durable write succeeds.
type PermissionStore struct {
	mu     sync.Mutex
	store  storage.Store // nil means memory-only
	lister ChannelLister
	log    logx.Logger
	guilds map[string]*guildPerm
}

type guildPerm struct {
	mode     Mode
	roleID   string
	channels []Channel // insertion order, for readable listings
}

func NewPermissionStore(store storage.Store, lister ChannelLister, log logx.Logger) *PermissionStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PermissionStore{
		store:  store,
		lister: lister,
		log:    log,
		guilds: map[string]*guildPerm{},
	}
}

// Load replaces in-memory state with the persisted records.
func (p *PermissionStore) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	recs, err := p.store.LoadGuilds(ctx)
	if err != nil {
		return fmt.Errorf("load guild permissions: %w", err)
	}

	guilds := make(map[string]*guildPerm, len(recs))
	for _, rec := range recs {
		mode, err := ParseMode(rec.Mode)
		if err != nil {
			p.log.Warn("guild record has unknown mode; treating as unconfigured",
				logx.String("guild", rec.GuildID), logx.String("mode", rec.Mode))
			mode = ModeUnconfigured
		}
		g := &guildPerm{mode: mode, roleID: rec.RoleID}
		for _, ch := range rec.Channels {
			g.channels = append(g.channels, Channel{ID: ch.ID, Name: ch.Name})
		}
		guilds[rec.GuildID] = g
	}

	p.mu.Lock()
	p.guilds = guilds
	p.mu.Unlock()
	p.log.Info("guild permissions loaded", logx.Int("guilds", len(guilds)))
	return nil
}

// IsAllowed decides whether the requester may start a countdown in the
// channel. Default-deny: unconfigured guilds refuse everyone.
func (p *PermissionStore) IsAllowed(guildID, channelID string, req Requester) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	g := p.guilds[guildID]
	if g == nil {
		return false
	}

	switch g.mode {
	case ModeUnconfigured:
		return false
	case ModeOpen:
		return true
	case ModeRoleGated:
		if g.roleID == "" {
			return false
		}
		for _, r := range req.Roles {
			if r == g.roleID {
				return true
			}
		}
		return false
	case ModeAllowList:
		for _, ch := range g.channels {
			if ch.ID == channelID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Allow adds a channel to the guild's allow list, validating the target
// against the live channel listing first. An unconfigured guild switches to
// allow-list mode on its first successful Allow.
func (p *PermissionStore) Allow(ctx context.Context, guildID, target string) (Channel, error) {
	ch, err := p.resolve(ctx, guildID, target)
	if err != nil {
		return Channel{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	g := p.guilds[guildID]
	if g == nil {
		g = &guildPerm{}
	}
	for _, have := range g.channels {
		if have.ID == ch.ID {
			return have, ErrAlreadyAllowed
		}
	}

	next := g.clone()
	next.channels = append(next.channels, ch)
	if next.mode == ModeUnconfigured {
		next.mode = ModeAllowList
	}
	if err := p.persistLocked(ctx, guildID, next); err != nil {
		return Channel{}, err
	}
	p.guilds[guildID] = next
	return ch, nil
}

// Disallow removes a channel from the allow list. Targets that exist on
// the platform but are not listed fail with ErrNotAllowed; targets unknown
// to both the list and the platform fail with UnknownChannelError.
func (p *PermissionStore) Disallow(ctx context.Context, guildID, target string) (Channel, error) {
	p.mu.Lock()
	g := p.guilds[guildID]
	idx := -1
	var ch Channel
	if g != nil {
		idx, ch = findChannel(g.channels, target)
	}
	if idx >= 0 {
		next := g.clone()
		next.channels = append(next.channels[:idx:idx], next.channels[idx+1:]...)
		if err := p.persistLocked(ctx, guildID, next); err != nil {
			p.mu.Unlock()
			return Channel{}, err
		}
		p.guilds[guildID] = next
		p.mu.Unlock()
		return ch, nil
	}
	p.mu.Unlock()

	// Not listed. Distinguish "exists but not allowed" from "no such channel".
	if _, err := p.resolve(ctx, guildID, target); err != nil {
		return Channel{}, err
	}
	return Channel{}, ErrNotAllowed
}

// ListAllowed returns the allow list in insertion order.
func (p *PermissionStore) ListAllowed(guildID string) []Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.guilds[guildID]
	if g == nil {
		return nil
	}
	return append([]Channel(nil), g.channels...)
}

// Purge resets the guild to unconfigured and drops its persisted record.
func (p *PermissionStore) Purge(ctx context.Context, guildID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		if err := p.store.DeleteGuild(ctx, guildID); err != nil {
			return fmt.Errorf("purge guild %s: %w", guildID, err)
		}
	}
	delete(p.guilds, guildID)
	return nil
}

// SetMode switches the guild's permission mode.
func (p *PermissionStore) SetMode(ctx context.Context, guildID string, mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	g := p.guilds[guildID]
	if g == nil {
		g = &guildPerm{}
	}
	next := g.clone()
	next.mode = mode
	if err := p.persistLocked(ctx, guildID, next); err != nil {
		return err
	}
	p.guilds[guildID] = next
	return nil
}

// SetRole designates the role for role-gated mode. Setting a role on an
// unconfigured guild switches it to role-gated.
func (p *PermissionStore) SetRole(ctx context.Context, guildID, roleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	g := p.guilds[guildID]
	if g == nil {
		g = &guildPerm{}
	}
	next := g.clone()
	next.roleID = roleID
	if next.mode == ModeUnconfigured {
		next.mode = ModeRoleGated
	}
	if err := p.persistLocked(ctx, guildID, next); err != nil {
		return err
	}
	p.guilds[guildID] = next
	return nil
}

// GuildMode returns the guild's current mode.
func (p *PermissionStore) GuildMode(guildID string) Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g := p.guilds[guildID]; g != nil {
		return g.mode
	}
	return ModeUnconfigured
}

func (p *PermissionStore) persistLocked(ctx context.Context, guildID string, g *guildPerm) error {
	if p.store == nil {
		return nil
	}
	rec := storage.GuildRecord{
		GuildID: guildID,
		Mode:    g.mode.String(),
		RoleID:  g.roleID,
	}
	if rec.Mode == ModeUnconfigured.String() {
		rec.Mode = ""
	}
	for _, ch := range g.channels {
		rec.Channels = append(rec.Channels, storage.ChannelRecord{ID: ch.ID, Name: ch.Name})
	}
	if err := p.store.SaveGuild(ctx, rec); err != nil {
		return fmt.Errorf("persist guild %s: %w", guildID, err)
	}
	return nil
}

// resolve matches target (channel name, "#name", or raw id) against the
// live channel listing.
func (p *PermissionStore) resolve(ctx context.Context, guildID, target string) (Channel, error) {
	name := strings.TrimPrefix(strings.TrimSpace(target), "#")
	if name == "" {
		return Channel{}, &UnknownChannelError{Name: target}
	}
	if p.lister == nil {
		// No live listing available (e.g. platform without channel
		// enumeration). Accept the target as an opaque id.
		return Channel{ID: name, Name: name}, nil
	}
	chans, err := p.lister.ListChannels(ctx, guildID)
	if err != nil {
		return Channel{}, fmt.Errorf("list channels for %s: %w", guildID, err)
	}
	for _, ch := range chans {
		if ch.ID == name || strings.EqualFold(ch.Name, name) {
			return ch, nil
		}
	}
	return Channel{}, &UnknownChannelError{Name: name}
}

func (g *guildPerm) clone() *guildPerm {
	cp := &guildPerm{mode: g.mode, roleID: g.roleID}
	cp.channels = append(cp.channels, g.channels...)
	return cp
}

func findChannel(chans []Channel, target string) (int, Channel) {
	name := strings.TrimPrefix(strings.TrimSpace(target), "#")
	for i, ch := range chans {
		if ch.ID == name || strings.EqualFold(ch.Name, name) {
			return i, ch
		}
	}
	return -1, Channel{}
}

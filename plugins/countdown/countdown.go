// Package countdown is the countdown bot's command surface: it wires the
// countdown engine, permission store and rate limiter to chat commands.
package countdown

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"countbot/internal/config"
	core "countbot/internal/countdown"
	"countbot/internal/plugin"
	"countbot/internal/storage"
	kit "countbot/internal/transport"
	"countbot/internal/transport/router"
	logx "countbot/pkg/logx"
)

const pluginName = "countdown"

// Config is the plugins.countdown.config blob. Durations are Go duration
// strings.
type Config struct {
	Min              int      `json:"min,omitempty"`
	Max              int      `json:"max,omitempty"`
	DefaultStart     int      `json:"default_start,omitempty"`
	Tick             string   `json:"tick,omitempty"`
	SafetyMultiplier float64  `json:"safety_multiplier,omitempty"`
	MaxStarts        int      `json:"max_starts,omitempty"`
	Window           string   `json:"window,omitempty"`
	SweepInterval    string   `json:"sweep_interval,omitempty"`
	GoMessages       []string `json:"go_messages,omitempty"`
	DigitEmoji       []string `json:"digit_emoji,omitempty"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) == 0 {
		return c, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return c, err
	}
	if len(c.DigitEmoji) != 0 && len(c.DigitEmoji) != 10 {
		return c, fmt.Errorf("digit_emoji must list exactly 10 entries, got %d", len(c.DigitEmoji))
	}
	return c, nil
}

func (c Config) engineConfig() (core.Config, time.Duration, error) {
	tick, err := config.ParseDurationOrDefault("tick", c.Tick, time.Second)
	if err != nil {
		return core.Config{}, 0, err
	}
	window, err := config.ParseDurationOrDefault("window", c.Window, 6*time.Hour)
	if err != nil {
		return core.Config{}, 0, err
	}
	sweep, err := config.ParseDurationOrDefault("sweep_interval", c.SweepInterval, time.Minute)
	if err != nil {
		return core.Config{}, 0, err
	}
	return core.Config{
		Min:              c.Min,
		Max:              c.Max,
		DefaultStart:     c.DefaultStart,
		Tick:             tick,
		SafetyMultiplier: c.SafetyMultiplier,
		MaxStarts:        c.MaxStarts,
		Window:           window,
	}, sweep, nil
}

type Plugin struct {
	log  logx.Logger
	deps plugin.Deps

	mu     sync.Mutex
	cfg    Config
	engine *core.Engine
	perms  *core.PermissionStore

	sweepOnce  sync.Once
	sweepEvery time.Duration
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return pluginName }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps, raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return fmt.Errorf("countdown config: %w", err)
	}
	ecfg, sweep, err := cfg.engineConfig()
	if err != nil {
		return fmt.Errorf("countdown config: %w", err)
	}

	p.log = deps.Logger.With(logx.String("plugin", pluginName))
	p.deps = deps
	p.cfg = cfg
	p.sweepEvery = sweep

	var lister core.ChannelLister
	if dir, ok := deps.Adapter.(kit.ChannelDirectory); ok {
		lister = &directoryLister{dir: dir}
	}
	p.perms = core.NewPermissionStore(deps.Store, lister, p.log)
	if err := p.perms.Load(ctx); err != nil {
		return err
	}

	p.engine = core.NewEngine(ecfg, core.Deps{
		Send: func(ctx context.Context, channelID, text string) error {
			_, err := deps.Adapter.SendText(ctx, kit.ChatRef{ChannelID: channelID}, text, nil)
			return err
		},
		Perms:  p.perms,
		Render: core.NewRenderer(cfg.DigitEmoji, cfg.GoMessages),
		Bus:    deps.Bus,
		Log:    p.log,
	})
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	_ = ctx
	if p.deps.Sched != nil {
		p.sweepOnce.Do(func() {
			_ = p.deps.Sched.AddInterval("countdown.sweep", p.sweepEvery, func(ctx context.Context) {
				now := time.Now()
				locks := p.engine.Locks().Sweep(now)
				users := p.engine.Rate().Purge(now)
				if locks > 0 || users > 0 {
					p.log.Info("maintenance sweep",
						logx.Int("stale_locks", locks),
						logx.Int("stale_rate_records", users))
				}
			})
		})
	}
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	if p.engine == nil {
		return nil
	}
	return p.engine.Close(ctx)
}

// OnConfigChange validates the new blob. Engine pacing and bounds are
// fixed at Init, so changes are staged for the next restart rather than
// applied to in-flight sessions.
func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	_ = ctx
	cfg, err := parseConfig(raw)
	if err != nil {
		return err
	}
	if _, _, err := cfg.engineConfig(); err != nil {
		return err
	}
	p.mu.Lock()
	changed := fmt.Sprintf("%+v", cfg) != fmt.Sprintf("%+v", p.cfg)
	p.mu.Unlock()
	if changed {
		p.log.Info("countdown config changed; takes effect after restart")
	}
	return nil
}

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Description: "start a countdown",
			Usage:       "/start [seconds]",
			Access:      router.AccessEveryone,
			Handle:      p.cmdStart,
		},
		{
			Name:        "stop",
			Description: "stop your own countdown",
			Usage:       "/stop",
			Access:      router.AccessEveryone,
			Handle:      p.cmdStop,
		},
		{
			Name:        "halt",
			Description: "stop any countdown in this channel",
			Usage:       "/halt",
			Access:      router.AccessModerator,
			Handle:      p.cmdHalt,
		},
		{
			Name:        "allow",
			Description: "allow countdowns in a channel",
			Usage:       "/allow <channel>",
			Access:      router.AccessModerator,
			Handle:      p.cmdAllow,
		},
		{
			Name:        "disallow",
			Description: "remove a channel from the allow list",
			Usage:       "/disallow <channel>",
			Access:      router.AccessModerator,
			Handle:      p.cmdDisallow,
		},
		{
			Name:        "list_channels",
			Description: "list allowed channels",
			Usage:       "/list_channels",
			Access:      router.AccessModerator,
			Handle:      p.cmdListChannels,
		},
		{
			Name:        "purge_channel_list",
			Description: "clear the allow list",
			Usage:       "/purge_channel_list",
			Access:      router.AccessModerator,
			Handle:      p.cmdPurge,
		},
		{
			Name:        "reset_rate_limits",
			Description: "clear all countdown rate limits",
			Usage:       "/reset_rate_limits",
			Access:      router.AccessModerator,
			Handle:      p.cmdResetRateLimits,
		},
		{
			Name:        "set_mode",
			Description: "set the permission mode",
			Usage:       "/set_mode <open|role|list>",
			Access:      router.AccessModerator,
			Handle:      p.cmdSetMode,
		},
		{
			Name:        "set_role",
			Description: "set the role for role-gated mode",
			Usage:       "/set_role <role id>",
			Access:      router.AccessModerator,
			Handle:      p.cmdSetRole,
		},
		{
			Name:        "help",
			Aliases:     []string{"h"},
			Description: "show help",
			Usage:       "/help",
			Access:      router.AccessEveryone,
			Handle:      p.cmdHelp,
		},
	}
}

func (p *Plugin) reply(ctx context.Context, req *router.Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func (p *Plugin) cmdStart(ctx context.Context, req *router.Request) error {
	cfg := p.engine.Config()
	from := cfg.DefaultStart
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil {
			return p.reply(ctx, req, fmt.Sprintf("Couldn't interpret %s as a number...", req.Args[0]))
		}
		from = n
	}

	_, err := p.engine.Start(ctx, core.StartRequest{
		GuildID:   req.Msg.GuildID,
		ChannelID: req.Msg.ChannelID,
		Requester: core.Requester{
			ID:          req.Msg.FromID,
			Name:        req.Msg.FromName,
			Roles:       req.Msg.FromRoles,
			IsModerator: req.Msg.IsModerator,
		},
		StartValue: from,
	})
	if err == nil {
		return nil
	}

	var oor *core.OutOfRangeError
	var busy *core.BusyError
	switch {
	case errors.As(err, &oor):
		if oor.Value < oor.Min {
			return p.reply(ctx, req, fmt.Sprintf("%d is too damn low. %d is the minimum.", oor.Value, oor.Min))
		}
		return p.reply(ctx, req, fmt.Sprintf("%d is too damn high. %d is the maximum.", oor.Value, oor.Max))
	case errors.Is(err, core.ErrNotPermitted):
		return p.reply(ctx, req, "I'm not allowed to count here.")
	case errors.Is(err, core.ErrRateLimited):
		return p.reply(ctx, req, "Why you need so many counters \U0001f914")
	case errors.As(err, &busy):
		secs := int(busy.Remaining.Round(time.Second) / time.Second)
		return p.reply(ctx, req, fmt.Sprintf("I'm already counting here. Try again in %ds.", secs))
	default:
		return err
	}
}

func (p *Plugin) cmdStop(ctx context.Context, req *router.Request) error {
	// Silent by contract: a stop from a non-owner, or with nothing
	// running, gets no reply at all.
	_ = ctx
	_ = p.engine.Stop(req.Msg.ChannelID, req.Msg.FromID)
	return nil
}

func (p *Plugin) cmdHalt(ctx context.Context, req *router.Request) error {
	if err := p.engine.Halt(req.Msg.ChannelID); errors.Is(err, core.ErrSessionNotFound) {
		return p.reply(ctx, req, "Nothing to halt here.")
	}
	p.audit(ctx, req, "halt", req.Msg.ChannelID, nil)
	return nil
}

func (p *Plugin) cmdAllow(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return p.reply(ctx, req, "Usage: /allow <channel>")
	}
	target := req.Args[0]
	ch, err := p.perms.Allow(ctx, req.Msg.GuildID, target)
	p.audit(ctx, req, "allow", target, err)

	var unknown *core.UnknownChannelError
	switch {
	case err == nil:
		return p.reply(ctx, req, fmt.Sprintf("Successfully added `%s`.", ch.Name))
	case errors.Is(err, core.ErrAlreadyAllowed):
		return p.reply(ctx, req, fmt.Sprintf("I'm already allowed in %s.", ch.Name))
	case errors.As(err, &unknown):
		return p.reply(ctx, req, fmt.Sprintf("Couldn't find the channel `%s`.", unknown.Name))
	default:
		return err
	}
}

func (p *Plugin) cmdDisallow(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return p.reply(ctx, req, "Usage: /disallow <channel>")
	}
	target := req.Args[0]
	ch, err := p.perms.Disallow(ctx, req.Msg.GuildID, target)
	p.audit(ctx, req, "disallow", target, err)

	var unknown *core.UnknownChannelError
	switch {
	case err == nil:
		return p.reply(ctx, req, fmt.Sprintf("Successfully removed `%s`.", ch.Name))
	case errors.Is(err, core.ErrNotAllowed):
		return p.reply(ctx, req, fmt.Sprintf("I'm already not allowed in `%s`.", strings.TrimPrefix(target, "#")))
	case errors.As(err, &unknown):
		return p.reply(ctx, req, fmt.Sprintf("Couldn't find the channel `%s`.", unknown.Name))
	default:
		return err
	}
}

func (p *Plugin) cmdListChannels(ctx context.Context, req *router.Request) error {
	chans := p.perms.ListAllowed(req.Msg.GuildID)
	if len(chans) == 0 {
		return p.reply(ctx, req, "I'm not allowed to run in any channels here.")
	}
	names := make([]string, 0, len(chans))
	for _, ch := range chans {
		names = append(names, ch.Name)
	}
	return p.reply(ctx, req, "I'm allowed to run in "+humanJoin(names)+".")
}

func (p *Plugin) cmdPurge(ctx context.Context, req *router.Request) error {
	err := p.perms.Purge(ctx, req.Msg.GuildID)
	p.audit(ctx, req, "purge_channel_list", req.Msg.GuildID, err)
	if err != nil {
		return err
	}
	return p.reply(ctx, req, "Purged list of allowed channels.")
}

func (p *Plugin) cmdResetRateLimits(ctx context.Context, req *router.Request) error {
	p.engine.Rate().ResetAll()
	p.audit(ctx, req, "reset_rate_limits", "", nil)
	return p.reply(ctx, req, "Reset all limits successfully.")
}

func (p *Plugin) cmdSetMode(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return p.reply(ctx, req, "Usage: /set_mode <open|role|list>")
	}
	mode, err := core.ParseMode(req.Args[0])
	if err != nil {
		return p.reply(ctx, req, fmt.Sprintf("`%s` is not a mode I know. Try open, role or list.", req.Args[0]))
	}
	err = p.perms.SetMode(ctx, req.Msg.GuildID, mode)
	p.audit(ctx, req, "set_mode", mode.String(), err)
	if err != nil {
		return err
	}
	return p.reply(ctx, req, fmt.Sprintf("Permission mode set to `%s`.", mode))
}

func (p *Plugin) cmdSetRole(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return p.reply(ctx, req, "Usage: /set_role <role id>")
	}
	role := req.Args[0]
	err := p.perms.SetRole(ctx, req.Msg.GuildID, role)
	p.audit(ctx, req, "set_role", role, err)
	if err != nil {
		return err
	}
	return p.reply(ctx, req, "Counting role updated.")
}

func (p *Plugin) cmdHelp(ctx context.Context, req *router.Request) error {
	cfg := p.engine.Config()

	var b strings.Builder
	b.WriteString("I count down for you.\n\n")
	b.WriteString(fmt.Sprintf("/start [n] - start a countdown from n (default %d, between %d and %d)\n", cfg.DefaultStart, cfg.Min, cfg.Max))
	b.WriteString("/stop - stop your own countdown\n")
	b.WriteString("/help - this message\n")
	b.WriteString(fmt.Sprintf("\nYou can start %d countdowns every %s.\n", cfg.MaxStarts, humanDuration(cfg.Window)))

	if req.IsModerator() {
		b.WriteString("\nModerator commands:\n")
		b.WriteString("/halt - stop any countdown in this channel\n")
		b.WriteString("/allow <channel> - allow countdowns in a channel\n")
		b.WriteString("/disallow <channel> - remove a channel from the allow list\n")
		b.WriteString("/list_channels - list allowed channels\n")
		b.WriteString("/purge_channel_list - clear the allow list\n")
		b.WriteString("/set_mode <open|role|list> - set the permission mode\n")
		b.WriteString("/set_role <role id> - set the role for role-gated mode\n")
		b.WriteString("/reset_rate_limits - clear all rate limits\n")
	}
	return p.reply(ctx, req, b.String())
}

func (p *Plugin) audit(ctx context.Context, req *router.Request, action, target string, opErr error) {
	if p.deps.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:        time.Now(),
		ActorID:   req.Msg.FromID,
		ActorName: req.Msg.FromName,
		GuildID:   req.Msg.GuildID,
		ChannelID: req.Msg.ChannelID,
		Action:    action,
		Target:    target,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := p.deps.Store.AppendAudit(ctx, e); err != nil {
		p.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

// humanJoin renders ["a"], ["a","b"], ["a","b","c"] as "a", "a and b",
// "a, b and c".
func humanJoin(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

// humanDuration drops trailing zero units, e.g. "6h0m0s" -> "6h".
func humanDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}

type directoryLister struct {
	dir kit.ChannelDirectory
}

func (l *directoryLister) ListChannels(ctx context.Context, guildID string) ([]core.Channel, error) {
	infos, err := l.dir.ListChannels(ctx, guildID)
	if err != nil {
		return nil, err
	}
	out := make([]core.Channel, 0, len(infos))
	for _, ci := range infos {
		out = append(out, core.Channel{ID: ci.ID, Name: ci.Name})
	}
	return out, nil
}

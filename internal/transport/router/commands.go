package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	supervisor "countbot/internal/runtime/supervisor"
	kit "countbot/internal/transport"
	logx "countbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessModerator admits platform moderators and configured owners.
	AccessModerator
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Msg     *kit.Message
	Chat    kit.ChatRef
	Command string
	Args    []string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
	Owners  []string
}

// IsOwner reports whether the sender is a configured owner.
func (r *Request) IsOwner() bool { return isOwner(r.Msg.FromID, r.Owners) }

// IsModerator reports whether the sender may administer the bot here:
// platform moderator flag or configured owner.
func (r *Request) IsModerator() bool { return r.Msg.IsModerator || r.IsOwner() }

// Manager routes inbound messages to registered commands through a bounded
// worker pool. Commands are flat (single token); unknown commands are
// ignored silently since the prefix is shared with other bots on the
// platform.
type Manager struct {
	mu     sync.RWMutex
	byName map[string]*Command
	names  []string // registration order, for help listings

	owners []string

	log     logx.Logger
	adapter kit.Adapter

	jobs chan func()
}

func NewManager(log logx.Logger, adapter kit.Adapter, owners []string) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		byName:  map[string]*Command{},
		log:     log,
		adapter: adapter,
		owners:  append([]string(nil), owners...),
		jobs:    make(chan func(), 256),
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (m *Manager) SetOwners(owners []string) {
	cp := append([]string(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) ownersSnapshot() []string {
	m.mu.RLock()
	cp := append([]string(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

// SetRegistry replaces the command set.
func (m *Manager) SetRegistry(cmds []Command) {
	byName := map[string]*Command{}
	var names []string
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || strings.Contains(name, " ") || c.Handle == nil {
			continue
		}
		cc := c
		if _, dup := byName[name]; !dup {
			names = append(names, name)
		}
		byName[name] = &cc
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = &cc
			}
		}
	}

	m.mu.Lock()
	m.byName = byName
	m.names = names
	m.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.names))
	for _, n := range m.names {
		if c := m.byName[n]; c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "router"))),
		supervisor.WithCancelOnError(false),
	)

	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	var closeOnce sync.Once
	closeJobs := func() { closeOnce.Do(func() { close(m.jobs) }) }

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Middleware already recovers; keep the worker alive
					// even if a job slips through.
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job",
									logx.Any("panic", r),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *Manager) routeUpdate(root context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	cmdPtr := m.byName[word]
	m.mu.RUnlock()
	if cmdPtr == nil {
		return
	}
	cmd := *cmdPtr

	owners := m.ownersSnapshot()
	chat := kit.ChatRef{ChannelID: msg.ChannelID}

	switch cmd.Access {
	case AccessOwnerOnly:
		if !isOwner(msg.FromID, owners) {
			return
		}
	case AccessModerator:
		if !msg.IsModerator && !isOwner(msg.FromID, owners) {
			_, _ = m.adapter.SendText(root, chat, "You are not allowed to do that.", nil)
			return
		}
	}

	rid := newReqID()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.String("channel", msg.ChannelID),
		logx.String("from", msg.FromID),
		logx.String("cmd", cmd.Name),
	)

	req := &Request{
		Update:  up,
		Msg:     msg,
		Chat:    chat,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger:  reqLog,
		Owners:  owners,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, chat, "Busy, try again in a moment.", nil)
	}
}

func isOwner(id string, owners []string) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

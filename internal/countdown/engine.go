package countdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"countbot/internal/eventbus"
	logx "countbot/pkg/logx"
)

// Config bounds and paces countdown sessions.
type Config struct {
	Min          int
	Max          int
	DefaultStart int

	// Tick is the interval between countdown messages.
	Tick time.Duration

	// SafetyMultiplier stretches the channel lock past the nominal session
	// length to tolerate transport latency.
	SafetyMultiplier float64

	// MaxStarts per Window is the per-user rate limit.
	MaxStarts int
	Window    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Min <= 0 {
		c.Min = 1
	}
	if c.Max < c.Min {
		c.Max = 60
	}
	if c.DefaultStart < c.Min || c.DefaultStart > c.Max {
		c.DefaultStart = 10
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.SafetyMultiplier < 1 {
		c.SafetyMultiplier = 2
	}
	if c.MaxStarts <= 0 {
		c.MaxStarts = 5
	}
	if c.Window <= 0 {
		c.Window = 6 * time.Hour
	}
	return c
}

// SendFunc delivers one message to a channel. Best effort; the engine
// never retries and a failure never kills the session.
type SendFunc func(ctx context.Context, channelID, text string) error

// Outcome is the terminal state of a finished session.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
)

// Session is one in-flight countdown bound to a single channel.
type Session struct {
	ID         string
	GuildID    string
	ChannelID  string
	OwnerID    string
	StartValue int
	CreatedAt  time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	outcome    Outcome
}

func (s *Session) requestCancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

func (s *Session) cancelRequested() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome is valid once Done is closed.
func (s *Session) Outcome() Outcome { return s.outcome }

// StartRequest carries everything the gates need to decide.
type StartRequest struct {
	GuildID    string
	ChannelID  string
	Requester  Requester
	StartValue int
}

// Deps are the engine's collaborators.
type Deps struct {
	Clock  Clock
	Send   SendFunc
	Perms  *PermissionStore
	Rate   *RateLimiter
	Locks  *ChannelLock
	Render *Renderer
	Bus    eventbus.Bus
	Log    logx.Logger
}

// Engine runs countdown sessions: it gates start requests
// (permission, rate limit, channel lock, in that order), drives the
// drift-corrected timed loop, and owns session lifecycle.
type Engine struct {
	cfg    Config
	clock  Clock
	send   SendFunc
	perms  *PermissionStore
	rate   *RateLimiter
	locks  *ChannelLock
	render *Renderer
	bus    eventbus.Bus
	log    logx.Logger

	mu       sync.Mutex
	sessions map[string]*Session // keyed by channel id
	closed   bool
	wg       sync.WaitGroup
}

const sendTimeout = 10 * time.Second

func NewEngine(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Render == nil {
		deps.Render = NewRenderer(nil, nil)
	}
	if deps.Rate == nil {
		deps.Rate = NewRateLimiter(cfg.MaxStarts, cfg.Window)
	}
	if deps.Locks == nil {
		deps.Locks = NewChannelLock(cfg.SafetyMultiplier)
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg,
		clock:    deps.Clock,
		send:     deps.Send,
		perms:    deps.Perms,
		rate:     deps.Rate,
		locks:    deps.Locks,
		render:   deps.Render,
		bus:      deps.Bus,
		log:      deps.Log,
		sessions: map[string]*Session{},
	}
}

func (e *Engine) Config() Config          { return e.cfg }
func (e *Engine) Rate() *RateLimiter      { return e.rate }
func (e *Engine) Locks() *ChannelLock     { return e.locks }
func (e *Engine) Perms() *PermissionStore { return e.perms }

// Start validates the request against every gate and, on success, launches
// the timed loop in its own goroutine. Gate order is fixed: bounds, then
// permission, then rate limit, then channel lock. Bound violations mutate
// nothing.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Session, error) {
	_ = ctx

	if req.StartValue < e.cfg.Min || req.StartValue > e.cfg.Max {
		return nil, &OutOfRangeError{Value: req.StartValue, Min: e.cfg.Min, Max: e.cfg.Max}
	}

	if e.perms != nil && !e.perms.IsAllowed(req.GuildID, req.ChannelID, req.Requester) {
		return nil, ErrNotPermitted
	}

	now := e.clock()
	if !e.rate.Approve(req.Requester.ID, now) {
		return nil, ErrRateLimited
	}

	// Nominal session length: one tick gap per message plus the terminal.
	length := time.Duration(req.StartValue+1) * e.cfg.Tick
	if err := e.locks.TryAcquire(req.ChannelID, length, now); err != nil {
		return nil, err
	}

	s := &Session{
		ID:         uuid.NewString(),
		GuildID:    req.GuildID,
		ChannelID:  req.ChannelID,
		OwnerID:    req.Requester.ID,
		StartValue: req.StartValue,
		CreatedAt:  now,
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.locks.Release(req.ChannelID)
		return nil, errors.New("engine is shut down")
	}
	e.sessions[req.ChannelID] = s
	e.wg.Add(1)
	e.mu.Unlock()

	e.publish(eventbus.TypeCountdownStarted, s)
	e.log.Info("countdown started",
		logx.String("session", s.ID),
		logx.String("channel", s.ChannelID),
		logx.String("owner", s.OwnerID),
		logx.Int("from", s.StartValue))

	go e.run(s)
	return s, nil
}

// Stop requests cancellation on behalf of the session owner. A stop from
// anyone else is silently ignored (moderators use Halt). Returns
// ErrSessionNotFound when the channel has no running session.
func (e *Engine) Stop(channelID, requesterID string) error {
	e.mu.Lock()
	s := e.sessions[channelID]
	e.mu.Unlock()
	if s == nil {
		return ErrSessionNotFound
	}
	if s.OwnerID != requesterID {
		return nil
	}
	s.requestCancel()
	return nil
}

// Halt cancels whatever session runs in the channel, regardless of owner.
func (e *Engine) Halt(channelID string) error {
	e.mu.Lock()
	s := e.sessions[channelID]
	e.mu.Unlock()
	if s == nil {
		return ErrSessionNotFound
	}
	s.requestCancel()
	return nil
}

// Active reports whether the channel currently has a running session.
func (e *Engine) Active(channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[channelID] != nil
}

// Close cancels all sessions and waits for their loops to exit.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, s := range e.sessions {
		s.requestCancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (e *Engine) run(s *Session) {
	outcome := OutcomeCompleted
	defer func() {
		e.mu.Lock()
		if e.sessions[s.ChannelID] == s {
			delete(e.sessions, s.ChannelID)
		}
		e.mu.Unlock()
		e.locks.Release(s.ChannelID)

		s.outcome = outcome
		close(s.done)
		e.wg.Done()

		switch outcome {
		case OutcomeCancelled:
			e.publish(eventbus.TypeCountdownCancelled, s)
			e.log.Info("countdown cancelled", logx.String("session", s.ID), logx.String("channel", s.ChannelID))
		default:
			e.publish(eventbus.TypeCountdownCompleted, s)
			e.log.Info("countdown completed", logx.String("session", s.ID), logx.String("channel", s.ChannelID))
		}
	}()

	// Drift correction: each deadline is the previous deadline plus one
	// tick, never "now" plus one tick, so send latency can't accumulate.
	next := e.clock()
	for v := s.StartValue; v >= 0; v-- {
		if s.cancelRequested() {
			outcome = OutcomeCancelled
			return
		}
		e.deliver(s, e.render.Number(v))
		next = next.Add(e.cfg.Tick)
		if !e.sleepUntil(s, next) {
			outcome = OutcomeCancelled
			return
		}
	}
	if s.cancelRequested() {
		outcome = OutcomeCancelled
		return
	}
	e.deliver(s, e.render.Terminal())
}

// deliver sends one message, logging failures instead of aborting: a
// flaky transport costs a tick, not the session.
func (e *Engine) deliver(s *Session, text string) {
	if e.send == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := e.send(ctx, s.ChannelID, text); err != nil {
		e.log.Warn("countdown send failed",
			logx.String("session", s.ID),
			logx.String("channel", s.ChannelID),
			logx.Err(err))
	}
}

// sleepUntil blocks until the deadline or a cancellation request.
// Returns false when the session was cancelled.
func (e *Engine) sleepUntil(s *Session, deadline time.Time) bool {
	wait := deadline.Sub(e.clock())
	if wait <= 0 {
		return !s.cancelRequested()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return !s.cancelRequested()
	case <-s.cancelCh:
		return false
	}
}

func (e *Engine) publish(typ string, s *Session) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: typ,
		Data: map[string]any{
			"session_id": s.ID,
			"guild_id":   s.GuildID,
			"channel_id": s.ChannelID,
			"owner_id":   s.OwnerID,
			"from":       s.StartValue,
		},
	})
}

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"countbot/internal/config"
	"countbot/internal/transport/router"
	logx "countbot/pkg/logx"
)

// Manager owns plugin lifecycle: it starts plugins the config enables,
// stops the ones it disables, forwards live config changes, and keeps the
// router's command registry in sync.
type Manager struct {
	log    logx.Logger
	deps   Deps
	router *router.Manager

	mu         sync.Mutex
	registered []Plugin
	running    map[string]Plugin
}

func NewManager(log logx.Logger, deps Deps, rt *router.Manager) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:     log,
		deps:    deps,
		router:  rt,
		running: map[string]Plugin{},
	}
}

// Register adds a plugin to the known set. Call before the first Reconcile.
func (m *Manager) Register(p Plugin) {
	if p == nil {
		return
	}
	m.mu.Lock()
	m.registered = append(m.registered, p)
	m.mu.Unlock()
}

// Reconcile brings running plugins in line with the config: starts newly
// enabled ones, stops disabled ones, and forwards config blobs to running
// plugins that accept live changes.
func (m *Manager) Reconcile(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.registered {
		name := p.Name()
		pc, declared := cfg.Plugins[name]
		enabled := declared && pc.Enabled
		_, isRunning := m.running[name]

		switch {
		case enabled && !isRunning:
			if err := m.startLocked(ctx, p, pc.Config); err != nil {
				m.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
				continue
			}
			m.running[name] = p
			m.log.Info("plugin started", logx.String("plugin", name))

		case !enabled && isRunning:
			m.stopLocked(ctx, p)
			delete(m.running, name)
			m.log.Info("plugin stopped", logx.String("plugin", name))

		case enabled && isRunning:
			if c, ok := p.(Configurable); ok {
				if err := safeCall(func() error { return c.OnConfigChange(ctx, pc.Config) }); err != nil {
					m.log.Warn("plugin config change rejected", logx.String("plugin", name), logx.Err(err))
				}
			}
		}
	}

	m.syncCommandsLocked()
}

// StopAll stops every running plugin, in reverse registration order.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.registered) - 1; i >= 0; i-- {
		p := m.registered[i]
		if _, ok := m.running[p.Name()]; !ok {
			continue
		}
		m.stopLocked(ctx, p)
		delete(m.running, p.Name())
	}
	m.syncCommandsLocked()
}

func (m *Manager) startLocked(ctx context.Context, p Plugin, raw json.RawMessage) error {
	if err := safeCall(func() error { return p.Init(ctx, m.deps, raw) }); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := safeCall(func() error { return p.Start(ctx) }); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, p Plugin) {
	if err := safeCall(func() error { return p.Stop(ctx) }); err != nil {
		m.log.Warn("plugin stop failed", logx.String("plugin", p.Name()), logx.Err(err))
	}
}

func (m *Manager) syncCommandsLocked() {
	if m.router == nil {
		return
	}
	var cmds []router.Command
	for _, p := range m.registered {
		if _, ok := m.running[p.Name()]; !ok {
			continue
		}
		cmds = append(cmds, p.Commands()...)
	}
	m.router.SetRegistry(cmds)
}

// safeCall shields the manager from a panicking plugin.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

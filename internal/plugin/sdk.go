// Package plugin defines the in-process plugin contract and its runtime
// manager.
package plugin

import (
	"context"
	"encoding/json"

	"countbot/internal/eventbus"
	"countbot/internal/sched"
	"countbot/internal/storage"
	kit "countbot/internal/transport"
	"countbot/internal/transport/router"
	logx "countbot/pkg/logx"
)

// Deps are the shared services handed to every plugin at Init.
type Deps struct {
	Logger  logx.Logger
	Adapter kit.Adapter
	Bus     eventbus.Bus
	Store   storage.Store // may be nil when storage is disabled
	Sched   *sched.Service
	Owners  []string
}

// Plugin is the lifecycle contract. Init receives the raw JSON blob from
// plugins.<name>.config; unknown fields should be rejected.
type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps, cfg json.RawMessage) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// Configurable is implemented by plugins that can apply config changes
// without a restart.
type Configurable interface {
	OnConfigChange(ctx context.Context, cfg json.RawMessage) error
}

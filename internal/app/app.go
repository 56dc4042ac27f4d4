// Package app assembles the bot: config, logging, storage, transport,
// router, scheduler and plugins, with hot config reload and ordered
// shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"countbot/internal/config"
	"countbot/internal/eventbus"
	"countbot/internal/plugin"
	"countbot/internal/runtime/supervisor"
	"countbot/internal/sched"
	"countbot/internal/storage"
	kit "countbot/internal/transport"
	"countbot/internal/transport/discord"
	"countbot/internal/transport/router"
	"countbot/internal/transport/telegram"
	logx "countbot/pkg/logx"
	cdplugin "countbot/plugins/countdown"
)

const shutdownGrace = 10 * time.Second

type Options struct {
	ConfigPath string
	// Ready is called once startup is complete, before the run loop
	// blocks. Used for sd_notify.
	Ready func()
}

// Run starts the bot and blocks until ctx is cancelled or startup fails.
func Run(ctx context.Context, opts Options) error {
	cfgMgr := config.NewManager(opts.ConfigPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config %s: %w", opts.ConfigPath, err)
	}

	// The adapter exists before the log service because the chat log sink
	// sends through it; until then it logs to a plain console logger.
	bootLog := logx.NewConsole(cfg.Logging.Level)
	adapter, err := buildAdapter(cfg, bootLog)
	if err != nil {
		return fmt.Errorf("build %s adapter: %w", cfg.Transport.Driver, err)
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging), adapter)
	defer logSvc.Close()
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	reloadCheck := config.ReloadValidator(cfg)
	cfgMgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return reloadCheck(c)
	})

	store, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	bus := eventbus.New()
	schedSvc := sched.New(log.With(logx.String("comp", "sched")))
	rt := router.NewManager(log.With(logx.String("comp", "router")), adapter, cfg.Owners)

	plugins := plugin.NewManager(log.With(logx.String("comp", "plugins")), plugin.Deps{
		Logger:  log,
		Adapter: adapter,
		Bus:     bus,
		Store:   store,
		Sched:   schedSvc,
		Owners:  cfg.Owners,
	}, rt)
	plugins.Register(cdplugin.New())

	sup := supervisor.New(ctx,
		supervisor.WithLogger(log.With(logx.String("comp", "app"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := sup.Context()

	updates := make(chan kit.Update, 256)
	if err := adapter.Start(runCtx, updates); err != nil {
		sup.Cancel()
		return fmt.Errorf("start %s adapter: %w", cfg.Transport.Driver, err)
	}

	plugins.Reconcile(runCtx, cfg)
	schedSvc.Start(runCtx)

	sup.Go("router.dispatch", func(c context.Context) error {
		return rt.DispatchLoop(c, updates)
	})
	sup.Go("config.watch", cfgMgr.Watch)

	reloads := cfgMgr.Subscribe(4)
	sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-reloads:
				if !ok {
					return
				}
				applyReload(c, next, logSvc, rt, plugins, log)
			}
		}
	})

	log.Info("bot started",
		logx.String("driver", strings.ToLower(cfg.Transport.Driver)),
		logx.Int("owners", len(cfg.Owners)))
	if opts.Ready != nil {
		opts.Ready()
	}

	<-runCtx.Done()
	log.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	plugins.StopAll(shCtx)
	if err := schedSvc.Stop(shCtx); err != nil {
		log.Warn("scheduler stop", logx.Err(err))
	}
	if err := adapter.Stop(shCtx); err != nil {
		log.Warn("adapter stop", logx.Err(err))
	}

	sup.Cancel()
	if err := sup.Wait(shCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("shutdown incomplete", logx.Err(err))
	}

	if err := sup.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	return nil
}

// applyReload pushes a validated config change into the running services.
// Transport driver and token changes never reach here; the reload
// validator rejects them.
func applyReload(ctx context.Context, cfg *config.Config, logSvc *logx.Service, rt *router.Manager, plugins *plugin.Manager, log logx.Logger) {
	logSvc.Apply(logxConfig(cfg.Logging))
	rt.SetOwners(cfg.Owners)
	plugins.Reconcile(ctx, cfg)
	log.Info("config change applied")
}

func buildAdapter(cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "discord":
		return discord.New(cfg.Transport.Discord.Token, log.With(logx.String("comp", "discord"))), nil
	case "telegram":
		pollTimeout, err := config.ParseDurationField("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Transport.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

func logxConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			ChannelID:  lc.Chat.ChannelID,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		busy = 0
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

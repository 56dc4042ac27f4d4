package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"countbot/internal/app"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("countbot", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdogLoop(ctx, interval)
	}

	err := app.Run(ctx, app.Options{
		ConfigPath: *configPath,
		Ready: func() {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		},
	})
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		fmt.Fprintln(os.Stderr, "countbot:", err)
		os.Exit(1)
	}
}

func watchdogLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

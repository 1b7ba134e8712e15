package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bdobrica/roombot/common/version"
	"github.com/bdobrica/roombot/internal/roombot/app"
	"github.com/bdobrica/roombot/internal/roombot/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("roombot", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default $ROOMBOT_CONFIG or "+config.DefaultPath+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("roombot %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	safe := cfg.Redacted()
	slog.Info("starting roombot",
		"version", version.Version,
		"commit", version.GitCommit,
		"server", safe.Server,
		"jid", safe.JID,
		"pass", safe.Pass,
		"access_token", safe.AccessToken,
		"room", safe.HomeRoom(),
		"probe_rooms", safe.ProbeRooms(),
		"graphite", safe.GraphiteAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize roombot: %w", err)
	}
	defer bot.Close()

	return bot.Run(ctx)
}

// Command storysyncd runs the session relay service.
//
// Configuration comes from the environment (STORYSYNC_* variables) with
// command-line flags taking precedence.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/storycraft/storysync/pkg/logger"
	"github.com/storycraft/storysync/pkg/relay"
	"github.com/storycraft/storysync/pkg/storage"
)

type config struct {
	Addr    string `env:"STORYSYNC_ADDR" envDefault:"127.0.0.1:4600"`
	DataDir string `env:"STORYSYNC_DATA_DIR"`
	LogPath string `env:"STORYSYNC_LOG_PATH"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	flagSet := pflag.NewFlagSet("storysyncd", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flagSet.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir,
		"directory for persisting discarded-session documents; empty disables persistence")
	flagSet.StringVar(&cfg.LogPath, "log-path", cfg.LogPath,
		"append the process log to this file instead of stdout")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	build := logger.NewBuild()
	if cfg.LogPath != "" {
		build = build.FromPath(cfg.LogPath)
	}
	zlog, logFile, err := build.Make()
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	var store storage.Store
	if cfg.DataDir != "" {
		fs, err := storage.NewFSStore(cfg.DataDir)
		if err != nil {
			return err
		}
		store = fs
	}

	svc := relay.NewService(relay.ServiceOptions{
		Addr:   cfg.Addr,
		Logger: logger.New(slog.NewJSONHandler(os.Stdout, nil)),
		Store:  store,
	})
	if err := svc.Start(); err != nil {
		return err
	}
	zlog.Info().Str("addr", svc.Address()).Msg("relay listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	zlog.Info().Msg("shutting down")
	return svc.Stop()
}

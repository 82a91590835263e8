// Copyright 2024-2026 Aiku AI

// Command roost-discord-bridge relays messages between a Roost deployment
// and Discord. It maintains one persistent gateway connection per platform,
// translates messages (replies, attachments, display names) in both
// directions and reconciles missed history after downtime.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/roost-discord-bridge/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).
		With().Timestamp().Logger()

	log.Info().Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).
		Msg("Starting roost-discord-bridge")

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := bridge.NewStore(ctx, cfg.Database.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cross-reference store")
	}
	defer store.Close()

	br, err := bridge.New(cfg, store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to construct bridge")
	}
	if err := br.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	br.Stop()
}

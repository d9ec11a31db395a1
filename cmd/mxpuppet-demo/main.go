// Copyright 2024-2026 Aiku AI

// Command mxpuppet-demo wires the sync core to a real homeserver and a
// SQLite database. It is the reference integration: a protocol connector
// would replace the event-log consumer with actual remote traffic feeding
// RemoteRoom and RemoteUser observations into the engines.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mxpuppet/pkg/bridge"
	"github.com/aiku/mxpuppet/pkg/matrix"
	"github.com/aiku/mxpuppet/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "config.yaml", "path to the bridge config, created from the example on first run")
		dbPath        = flag.String("db", "mxpuppet.db", "path to the SQLite database")
		homeserverURL = flag.String("homeserver", "http://localhost:8008", "homeserver client-server API URL")
		asToken       = flag.String("as-token", os.Getenv("MXPUPPET_AS_TOKEN"), "application service token")
		botLocalpart  = flag.String("bot", "_myproto_bot", "localpart of the bridge bot account")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).
		Msg("Starting mxpuppet-demo")

	var cfg bridge.Config
	_, _, upgrader := bridge.ConfigUpgrader(&cfg)
	data, _, err := configupgrade.Do(*configPath, true, upgrader)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to upgrade config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse config")
	}

	db, err := store.NewSQLite(*dbPath, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("Failed to open database")
	}
	defer db.Close()

	botMXID := id.NewUserID(*botLocalpart, cfg.HomeserverDomain)
	provider := matrix.NewProvider(*homeserverURL, *asToken, botMXID, nil, log)

	br, err := bridge.New(&cfg, log, provider, db.Stores())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}

	go func() {
		for evt := range br.Events() {
			log.Info().Str("kind", evt.Kind.String()).Int("puppet_id", evt.PuppetID).
				Str("remote_id", evt.RemoteID).Str("room_mxid", evt.RoomMXID.String()).
				Str("ghost_mxid", evt.GhostMXID.String()).Msg("Bridge event")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := br.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Background tasks did not drain in time")
	}
}

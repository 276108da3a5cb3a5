package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"relaychat/bridge"
	"relaychat/config"
	"relaychat/engine"
	"relaychat/storage"
	"relaychat/transport"
)

func main() {
	app := &cli.App{
		Name:  "relaychat",
		Usage: "peer-to-peer encrypted chat client over a pub/sub relay network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "override the data directory",
				EnvVars: []string{"RELAYCHAT_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "zerolog level (trace, debug, info, warn, error)",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the client until interrupted",
				Action: runClient,
			},
			{
				Name:   "bridge",
				Usage:  "serve the line-delimited JSON automation protocol on stdin/stdout",
				Action: runBridge,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context, console bool) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}

	var log zerolog.Logger
	if console {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger(), nil
}

// startClient wires config, storage, transport and the engine. The returned
// cleanup stops everything in reverse order.
func startClient(c *cli.Context, log zerolog.Logger) (*engine.Engine, func(), error) {
	if dir := c.String("data-dir"); dir != "" {
		if err := os.Setenv("RELAYCHAT_DATA_DIR", dir); err != nil {
			return nil, nil, fmt.Errorf("apply data directory override: %w", err)
		}
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)
	log.Info().
		Str("device_id", cfg.DeviceID).
		Str("config", cfgPath).
		Msg("configuration loaded")

	store, dbPath, err := storage.Open(filepath.Join(dataDir, "storage"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	log.Info().Str("database", dbPath).Msg("storage ready")

	// The production crypto provider is an external native library; until it
	// is linked in, each process hosts its own in-memory fabric, which keeps
	// the full pipeline exercisable end to end.
	identity, err := transport.LoadOrCreateIdentity(cfg.OwnerKeyPath)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}
	fabric := transport.NewFabric(cfg.Relays...)
	provider, err := fabric.NewClientWithIdentity(identity)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("initialize transport: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Store:    store,
		Provider: provider,
		Bus:      provider,
		Logger:   log,
		OnMessage: func(msg storage.Message) {
			log.Info().
				Str("chat_id", msg.ChatID).
				Str("direction", msg.Direction).
				Str("status", msg.Status).
				Msg("message")
		},
	})
	if err != nil {
		_ = provider.Close()
		_ = store.Close()
		return nil, nil, fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		_ = eng.Close()
		_ = provider.Close()
		_ = store.Close()
		return nil, nil, fmt.Errorf("start engine: %w", err)
	}

	cleanup := func() {
		if err := eng.Close(); err != nil {
			log.Error().Err(err).Msg("engine shutdown failed")
		}
		_ = provider.Close()
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("database close failed")
		}
	}
	return eng, cleanup, nil
}

func runClient(c *cli.Context) error {
	log, err := newLogger(c, true)
	if err != nil {
		return err
	}

	eng, cleanup, err := startClient(c, log)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info().Str("pubkey", eng.OwnerKey()).Msg("client running, press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	return nil
}

func runBridge(c *cli.Context) error {
	log, err := newLogger(c, false)
	if err != nil {
		return err
	}

	eng, cleanup, err := startClient(c, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := bridge.New(eng, os.Stdin, os.Stdout, log)
	return server.Run(ctx)
}

// Command shellsync-relay runs the Shell Sync relay: a WebSocket hub that
// fans out ciphertext between a group's machines and durably persists every
// accepted write, without ever holding a group's symmetric key. Its main
// wiring follows the same shape as the adapted server commands
// (cmd/explorer, cmd/dexserver): load config, open a store, build a
// server, run until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"shellsync/internal/config"
	"shellsync/internal/discovery"
	"shellsync/internal/relayapi"
	"shellsync/internal/relayhub"
	"shellsync/internal/relaystore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shellsync-relay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	zlog, err := zap.NewProduction()
	if err != nil {
		zlog = zap.NewNop()
	}
	defer zlog.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	st, err := relaystore.Open(cfg.DataDir + "/server.db")
	if err != nil {
		return err
	}
	defer st.Close()

	hub := relayhub.NewHub(st, zlog)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := relayapi.NewServer(addr, st, hub, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := discovery.Advertise(ctx, cfg.MachineID, "local", cfg.Port); err != nil {
		log.WithError(err).Warn("mdns advertise failed, continuing without it")
	}

	log.WithField("addr", addr).Info("shellsync-relay listening")
	return srv.Start(ctx)
}

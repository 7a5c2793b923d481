// Command shellsyncd is the per-machine Shell Sync daemon: it owns the
// local store, the machine's keys, the Unix-socket history ingest
// listener, and the WebSocket session with the relay, and regenerates
// aliases.sh every 10 seconds; regeneration is not triggered by individual
// alias changes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"shellsync/internal/config"
	"shellsync/internal/discovery"
	"shellsync/internal/ingest"
	"shellsync/internal/keymanager"
	"shellsync/internal/model"
	"shellsync/internal/shellwriter"
	"shellsync/internal/store"
	"shellsync/internal/syncdaemon"
	"shellsync/internal/wireproto"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shellsyncd:", err)
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

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "client.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := keymanager.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer keys.Close()

	defaultGroup := ""
	if len(cfg.Groups) > 0 {
		defaultGroup = cfg.Groups[0]
		if !keys.HasGroupKey(defaultGroup) {
			if err := keys.CreateGroup(defaultGroup); err != nil {
				return err
			}
		}
	}

	newEntries := make(chan struct{}, 1)
	socketPath := filepath.Join(cfg.DataDir, "ingest.sock")
	lst := ingest.New(socketPath, defaultGroup, keys.GroupKey, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := lst.Start(ctx); err != nil {
		return err
	}
	defer lst.Close()

	serverURL := cfg.ServerURL
	if serverURL == "" {
		browseCtx, cancelBrowse := context.WithTimeout(ctx, 3*time.Second)
		found, err := discovery.Browse(browseCtx)
		cancelBrowse()
		if err == nil && len(found) > 0 {
			serverURL = fmt.Sprintf("ws://%s:%d/api/ws", found[0].Host, found[0].Port)
		}
	}
	if serverURL == "" {
		return fmt.Errorf("shellsyncd: no server_url configured and none discovered")
	}

	daemon := syncdaemon.New(serverURL, cfg.MachineID, cfg.AuthToken, cfg.Groups, st, keys, log, newEntries)

	go drainIngestLoop(ctx, lst, st, newEntries)
	go regenerateAliasesLoop(ctx, st, keys, cfg, defaultGroup, log)

	log.WithField("server_url", serverURL).Info("shellsyncd connecting")
	return daemon.Run(ctx)
}

// drainIngestLoop moves parsed history entries from the ingest queue into
// the durable store's outbound pending queue.
func drainIngestLoop(ctx context.Context, lst *ingest.Listener, st *store.Store, newEntries chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lst.Signal():
		case <-time.After(time.Second):
		}
		entries := lst.Drain(256)
		for _, h := range entries {
			if err := st.AppendHistory(ctx, h); err != nil {
				continue
			}
			payload, err := json.Marshal(historyWire(h))
			if err != nil {
				continue
			}
			_ = st.EnqueueHistoryPending(ctx, h.ID, payload, time.Now().UnixMilli())
		}
		if len(entries) > 0 {
			select {
			case newEntries <- struct{}{}:
			default:
			}
		}
	}
}

func historyWire(h model.HistoryEntry) wireproto.HistoryWire {
	return wireproto.HistoryWire{
		ID: h.ID, Group: h.Group, MachineID: h.MachineID, SessionID: h.SessionID,
		Timestamp: h.Timestamp, Shell: h.Shell,
		CommandCT: h.CommandCT, CommandN: h.CommandN,
		CwdCT: h.CwdCT, CwdN: h.CwdN,
		HostnameCT: h.HostnameCT, HostnameN: h.HostnameN,
		ExitCodeCT: h.ExitCodeCT, ExitCodeN: h.ExitCodeN,
		DurationCT: h.DurationCT, DurationN: h.DurationN,
		Tombstone: h.Tombstone,
	}
}

// regenerateAliasesLoop rewrites aliases.sh for defaultGroup on a fixed
// tick, atomically, whenever that group's key is available.
func regenerateAliasesLoop(ctx context.Context, st *store.Store, keys *keymanager.Manager, cfg *config.Config, defaultGroup string, log *logrus.Logger) {
	if defaultGroup == "" {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	path := filepath.Join(cfg.DataDir, "aliases.sh")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		key, err := keys.GroupKey(defaultGroup)
		if err != nil {
			continue
		}
		aliases, err := st.ListAliases(ctx, defaultGroup)
		if err != nil {
			log.WithError(err).Warn("list aliases for regeneration failed")
			continue
		}
		if err := shellwriter.Write(path, aliases, key, defaultGroup); err != nil {
			log.WithError(err).Warn("regenerate aliases.sh failed")
		}
	}
}

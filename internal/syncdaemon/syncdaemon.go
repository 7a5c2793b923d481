// Package syncdaemon is the per-machine WebSocket client that keeps the
// local store converged with the relay. It reconnects with exponential
// backoff, flushes the offline queue, and applies inbound frames in
// alias-before-history order. Its fixed set of cooperative goroutines
// (connection loop, flush loop, inbound dispatch) is coordinated with
// golang.org/x/sync/errgroup, reached for whenever a fixed worker set
// must all stop together.
package syncdaemon

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"shellsync/internal/apperr"
	"shellsync/internal/conflict"
	"shellsync/internal/cryptoprim"
	"shellsync/internal/keymanager"
	"shellsync/internal/model"
	"shellsync/internal/store"
	"shellsync/internal/wireproto"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
	flushPeriod = 5 * time.Second
	historyBatchMax = 50
)

// Daemon owns one machine's WebSocket session with the relay.
type Daemon struct {
	serverURL string
	machineID string
	authToken string
	groups    []string

	store *store.Store
	keys  *keymanager.Manager
	log   *logrus.Logger

	newEntries <-chan struct{}

	seq uint64
}

// New constructs a Daemon. newEntries is signaled by cmd/shellsyncd after it
// moves newly ingested history into the pending queue; a signal triggers an
// immediate alias flush between ticks. History, and alias writes queued by
// the CLI (a separate process), are flushed on the fixed tick.
func New(serverURL, machineID, authToken string, groups []string, st *store.Store, keys *keymanager.Manager, log *logrus.Logger, newEntries <-chan struct{}) *Daemon {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Daemon{
		serverURL: serverURL, machineID: machineID, authToken: authToken, groups: groups,
		store: st, keys: keys, log: log, newEntries: newEntries,
	}
	return d
}

// Run connects, reconnecting with jittered exponential backoff on failure,
// until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn, err := d.dial(ctx)
		if err != nil {
			d.log.WithError(err).Warn("connect failed, backing off")
			if !sleepCtx(ctx, jitter(backoff)) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffBase

		if err := d.session(ctx, conn); err != nil {
			d.log.WithError(err).Warn("session ended")
		}
		conn.Close()

		if !sleepCtx(ctx, jitter(backoff)) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * 0.2)
	if delta <= 0 {
		return d
	}
	return d - delta + time.Duration(rand.Int63n(int64(2*delta)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Daemon) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.authToken)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.serverURL, header)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "dial relay")
	}
	return conn, nil
}

func (d *Daemon) nextSeq() uint64 {
	d.seq++
	return d.seq
}

// session runs one connected lifetime: request snapshots/deltas for every
// configured group, then run the flush and inbound-dispatch loops until the
// connection drops or ctx is cancelled.
func (d *Daemon) session(ctx context.Context, conn *websocket.Conn) error {
	for _, g := range d.groups {
		if err := d.requestSync(conn, g); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.inboundLoop(gctx, conn) })
	g.Go(func() error { return d.flushLoop(gctx, conn) })
	return g.Wait()
}

func (d *Daemon) requestSync(conn *websocket.Conn, group string) error {
	// A brand-new group (no local rows yet) asks for a full snapshot; an
	// already-populated one asks for a delta since its last known alias
	// version and history timestamp.
	aliases, err := d.store.ListAliases(context.Background(), group)
	if err != nil {
		return err
	}
	if len(aliases) == 0 {
		frame, err := wireproto.Encode(wireproto.KindSnapshotRequest, d.nextSeq(), wireproto.SnapshotRequestPayload{Group: group})
		if err != nil {
			return err
		}
		return conn.WriteJSON(frame)
	}

	var sinceVersion uint64
	for _, a := range aliases {
		if a.Version > sinceVersion {
			sinceVersion = a.Version
		}
	}
	hist, err := d.store.ListHistory(context.Background(), group, 1)
	var sinceTS int64
	if err == nil && len(hist) > 0 {
		sinceTS = hist[len(hist)-1].Timestamp
	}
	frame, err := wireproto.Encode(wireproto.KindDeltaRequest, d.nextSeq(), wireproto.DeltaRequestPayload{
		Group: group, SinceAliasVersion: sinceVersion, SinceHistoryTimestamp: sinceTS,
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// inboundLoop dispatches frames the relay sends, applying aliases before
// history within any single batch.
func (d *Daemon) inboundLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var frame wireproto.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return apperr.Wrap(apperr.Transient, err, "read frame")
		}
		if err := d.applyFrame(ctx, conn, frame); err != nil {
			d.log.WithError(err).Warn("failed to apply inbound frame")
		}
	}
}

func (d *Daemon) applyFrame(ctx context.Context, conn *websocket.Conn, frame wireproto.Frame) error {
	switch frame.Kind {
	case wireproto.KindSnapshot:
		var p wireproto.SnapshotPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		if err := d.applyAliases(ctx, p.Group, p.Aliases); err != nil {
			return err
		}
		return d.applyHistory(ctx, p.Group, p.History)

	case wireproto.KindAliasWrite:
		var p wireproto.AliasWritePayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		return d.applyAliases(ctx, p.Alias.Group, []wireproto.AliasWire{p.Alias})

	case wireproto.KindHistoryBatch:
		var p wireproto.HistoryBatchPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		if len(p.Entries) == 0 {
			return nil
		}
		return d.applyHistory(ctx, p.Entries[0].Group, p.Entries)

	case wireproto.KindAliasAck, wireproto.KindHistoryAck:
		return d.applyAck(ctx, frame)

	case wireproto.KindKeyRequest:
		var p wireproto.KeyRequestPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		resp, err := d.keys.AnswerKeyRequest(p)
		if err != nil {
			return err
		}
		out, err := wireproto.Encode(wireproto.KindKeyResponse, d.nextSeq(), resp)
		if err != nil {
			return err
		}
		return conn.WriteJSON(out)

	case wireproto.KindKeyResponse:
		var p wireproto.KeyResponsePayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		return d.keys.AcceptKeyResponse(p)

	case wireproto.KindKeyUpdate:
		var p wireproto.KeyUpdatePayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		for _, resp := range p.WrappedPerKB {
			if resp.JoinerMachineID == d.machineID {
				return d.keys.AcceptKeyResponse(resp)
			}
		}
		return nil

	case wireproto.KindThrottle:
		var p wireproto.ThrottlePayload
		_ = frame.Decode(&p)
		d.log.WithField("retry_after_ms", p.RetryAfterMS).Warn("relay throttled this connection")
		return nil

	case wireproto.KindError:
		var p wireproto.ErrorPayload
		_ = frame.Decode(&p)
		d.log.WithFields(logrus.Fields{"kind": p.Kind}).Warn(p.Message)
		return nil
	}
	return nil
}

func (d *Daemon) applyAliases(ctx context.Context, group string, wires []wireproto.AliasWire) error {
	for _, w := range wires {
		a := model.Alias{
			Group: w.Group, Name: w.Name, CommandCT: w.CommandCT, Nonce: w.Nonce,
			Version: w.Version, UpdatedBy: w.UpdatedBy, UpdatedAt: w.UpdatedAt, Tombstone: w.Tombstone,
		}
		result, err := d.store.UpsertAlias(ctx, a)
		if err != nil {
			return err
		}
		if result == store.Accepted {
			continue
		}
		if err := d.detectConflict(ctx, group, a); err != nil {
			d.log.WithError(err).Warn("conflict bookkeeping failed")
		}
	}
	return nil
}

func (d *Daemon) detectConflict(ctx context.Context, group string, incoming model.Alias) error {
	current, err := d.store.GetAlias(ctx, group, incoming.Name)
	if err != nil {
		return nil
	}
	if !conflict.Detect(current, incoming) {
		return nil
	}
	key, err := d.keys.GroupKey(group)
	if err != nil {
		return err
	}
	curPlain, err1 := cryptoprim.OpenField(key, group, current.CommandCT, current.Nonce)
	incPlain, err2 := cryptoprim.OpenField(key, group, incoming.CommandCT, incoming.Nonce)
	if err1 != nil || err2 != nil {
		return nil
	}
	if !conflict.DetectPlaintext(string(curPlain), string(incPlain)) {
		return nil
	}
	return d.store.CreateConflict(ctx, model.Conflict{
		ID: group + ":" + incoming.Name + ":" + time.Now().Format(time.RFC3339Nano),
		Group: group, Name: incoming.Name,
		LocalCT: current.CommandCT, LocalNonce: current.Nonce,
		RemoteCT: incoming.CommandCT, RemoteNonce: incoming.Nonce,
		LocalMachine: current.UpdatedBy, LocalUpdatedAt: current.UpdatedAt,
		RemoteMachine: incoming.UpdatedBy, RemoteUpdatedAt: incoming.UpdatedAt,
		CreatedAt: time.Now().UnixMilli(),
	})
}

func (d *Daemon) applyHistory(ctx context.Context, group string, wires []wireproto.HistoryWire) error {
	for _, w := range wires {
		h := model.HistoryEntry{
			ID: w.ID, Group: w.Group, MachineID: w.MachineID, SessionID: w.SessionID,
			Timestamp: w.Timestamp, Shell: w.Shell,
			CommandCT: w.CommandCT, CommandN: w.CommandN,
			CwdCT: w.CwdCT, CwdN: w.CwdN,
			HostnameCT: w.HostnameCT, HostnameN: w.HostnameN,
			ExitCodeCT: w.ExitCodeCT, ExitCodeN: w.ExitCodeN,
			DurationCT: w.DurationCT, DurationN: w.DurationN,
			Tombstone: w.Tombstone,
		}
		if err := d.store.AppendHistory(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) applyAck(ctx context.Context, frame wireproto.Frame) error {
	switch frame.Kind {
	case wireproto.KindAliasAck:
		var p wireproto.AliasAckPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		return d.store.AckAliasPending(ctx, p.PendingID)
	case wireproto.KindHistoryAck:
		var p wireproto.HistoryAckPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		return d.store.AckHistoryPending(ctx, p.PendingIDs)
	}
	return nil
}

// flushLoop drains the outbound pending queues on a fixed tick: aliases one
// at a time (each is small and latency-sensitive), history in batches of up
// to 50.
func (d *Daemon) flushLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.flushAliases(ctx, conn); err != nil {
				return err
			}
			if err := d.flushHistory(ctx, conn); err != nil {
				return err
			}
		case <-d.newEntries:
			if err := d.flushAliases(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (d *Daemon) flushAliases(ctx context.Context, conn *websocket.Conn) error {
	pending, err := d.store.ListPendingAliases(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		wire := wireproto.AliasWire{
			Group: p.Alias.Group, Name: p.Alias.Name, CommandCT: p.Alias.CommandCT, Nonce: p.Alias.Nonce,
			Version: p.Alias.Version, UpdatedBy: p.Alias.UpdatedBy, UpdatedAt: p.Alias.UpdatedAt, Tombstone: p.Alias.Tombstone,
		}
		frame, err := wireproto.Encode(wireproto.KindAliasWrite, d.nextSeq(), wireproto.AliasWritePayload{
			PendingID: p.ID, Alias: wire,
		})
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(frame); err != nil {
			return apperr.Wrap(apperr.Transient, err, "flush alias write")
		}
	}
	return nil
}

func (d *Daemon) flushHistory(ctx context.Context, conn *websocket.Conn) error {
	pending, err := d.store.ListPendingHistory(ctx, historyBatchMax)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	var ids []string
	var entries []wireproto.HistoryWire
	for _, p := range pending {
		var w wireproto.HistoryWire
		if err := json.Unmarshal(p.Payload, &w); err != nil {
			continue
		}
		ids = append(ids, p.ID)
		entries = append(entries, w)
	}
	frame, err := wireproto.Encode(wireproto.KindHistoryBatch, d.nextSeq(), wireproto.HistoryBatchPayload{
		PendingIDs: ids, Entries: entries,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		return apperr.Wrap(apperr.Transient, err, "flush history batch")
	}
	return nil
}

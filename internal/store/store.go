// Package store implements the client-side embedded SQL store (client.db)
// on top of github.com/ncruces/go-sqlite3, a pure-Go SQLite driver
// (grounded on other_examples/untoldecay-BeadsLog, the only file in the
// reference corpus that ships a SQLite schema). It is the sole authority
// for what this machine believes: durable, single-writer, serializable,
// with transactional multi-op APIs for the sync daemon.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"shellsync/internal/apperr"
	"shellsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS aliases (
	grp         TEXT NOT NULL,
	name        TEXT NOT NULL,
	command_ct  BLOB NOT NULL,
	nonce       BLOB NOT NULL,
	version     INTEGER NOT NULL,
	updated_by  TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	tombstone   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (grp, name)
);

CREATE TABLE IF NOT EXISTS history (
	id          TEXT PRIMARY KEY,
	grp         TEXT NOT NULL,
	machine_id  TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	shell       TEXT NOT NULL,
	command_ct  BLOB, command_n BLOB,
	cwd_ct      BLOB, cwd_n BLOB,
	hostname_ct BLOB, hostname_n BLOB,
	exit_code_ct BLOB, exit_code_n BLOB,
	duration_ct BLOB, duration_n BLOB,
	tombstone   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_group_ts ON history(grp, timestamp);

CREATE TABLE IF NOT EXISTS conflicts (
	id                TEXT PRIMARY KEY,
	grp               TEXT NOT NULL,
	name              TEXT NOT NULL,
	local_ct          BLOB NOT NULL,
	local_nonce       BLOB NOT NULL,
	remote_ct         BLOB NOT NULL,
	remote_nonce      BLOB NOT NULL,
	local_machine     TEXT NOT NULL,
	local_updated_at  INTEGER NOT NULL,
	remote_machine    TEXT NOT NULL,
	remote_updated_at INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	resolution        TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_conflicts_group_name ON conflicts(grp, name);

CREATE TABLE IF NOT EXISTS alias_pending (
	id          TEXT PRIMARY KEY,
	grp         TEXT NOT NULL,
	name        TEXT NOT NULL,
	command_ct  BLOB NOT NULL,
	nonce       BLOB NOT NULL,
	version     INTEGER NOT NULL,
	updated_by  TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	tombstone   INTEGER NOT NULL DEFAULT 0,
	originated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS history_pending (
	id          TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	originated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  INTEGER NOT NULL,
	action     TEXT NOT NULL,
	alias_name TEXT NOT NULL,
	grp        TEXT NOT NULL,
	machine_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS quarantine (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	identity    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	quarantined_at INTEGER NOT NULL
);
`

// UpsertResult is the tagged outcome of UpsertAlias.
type UpsertResult int

const (
	Accepted UpsertResult = iota
	Stale
	ConflictDetected
)

// Store is the client-side local store: durable, single-writer,
// serializable, backed by SQLite. Writes are serialized through mu; the
// connection pool holds a single connection, so reads are serialized too.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the client database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, err, "open client.db")
	}
	db.SetMaxOpenConns(1) // single-writer per ; SQLite serializes anyway
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Fatal, err, "migrate client.db schema")
	}
	s := &Store{db: db}
	if err := s.ensureSchemaVersion(1); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchemaVersion(v int) error {
	var count int
	if err := s.db.QueryRow(`SELECT count(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, v)
		return err
	}
	return nil
}

// UpsertAlias accepts the write only when version is strictly greater than
// the current row's version, or the row is absent. All writes append the
// sync-history audit row in the same transaction.
func (s *Store) UpsertAlias(ctx context.Context, a model.Alias) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Accepted, apperr.Wrap(apperr.Transient, err, "begin tx")
	}
	defer tx.Rollback()

	var curVersion int64
	var curTombstone bool
	err = tx.QueryRow(`SELECT version, tombstone FROM aliases WHERE grp=? AND name=?`, a.Group, a.Name).
		Scan(&curVersion, &curTombstone)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// absent: accept unconditionally
	case err != nil:
		return Accepted, apperr.Wrap(apperr.Transient, err, "read current alias")
	default:
		if a.Version <= uint64(curVersion) {
			return Stale, nil
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO aliases (grp, name, command_ct, nonce, version, updated_by, updated_at, tombstone)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(grp, name) DO UPDATE SET
			command_ct=excluded.command_ct, nonce=excluded.nonce, version=excluded.version,
			updated_by=excluded.updated_by, updated_at=excluded.updated_at, tombstone=excluded.tombstone
	`, a.Group, a.Name, a.CommandCT, a.Nonce, a.Version, a.UpdatedBy, a.UpdatedAt, boolInt(a.Tombstone)); err != nil {
		return Accepted, apperr.Wrap(apperr.Fatal, err, "upsert alias")
	}

	action := model.ActionUpdate
	if errors.Is(err, sql.ErrNoRows) {
		action = model.ActionAdd
	}
	if a.Tombstone {
		action = model.ActionDelete
	}
	if err := appendSyncEventTx(tx, a.UpdatedAt, action, a.Name, a.Group, a.UpdatedBy); err != nil {
		return Accepted, err
	}

	if err := tx.Commit(); err != nil {
		return Accepted, apperr.Wrap(apperr.Transient, err, "commit upsert")
	}
	_ = s.TrimSyncHistory(ctx, model.SyncHistoryRetention)
	return Accepted, nil
}

// DeleteAlias writes a tombstone at the given version; lower-or-equal
// versions are stale.
func (s *Store) DeleteAlias(ctx context.Context, group, name, by string, version uint64, at int64) (UpsertResult, error) {
	return s.UpsertAlias(ctx, model.Alias{
		Group: group, Name: name, UpdatedBy: by, Version: version, UpdatedAt: at, Tombstone: true,
	})
}

// GetAlias returns the current row for (group, name), or sql.ErrNoRows if absent.
func (s *Store) GetAlias(ctx context.Context, group, name string) (model.Alias, error) {
	var a model.Alias
	var tomb int
	err := s.db.QueryRowContext(ctx, `
		SELECT grp, name, command_ct, nonce, version, updated_by, updated_at, tombstone
		FROM aliases WHERE grp=? AND name=?`, group, name).
		Scan(&a.Group, &a.Name, &a.CommandCT, &a.Nonce, &a.Version, &a.UpdatedBy, &a.UpdatedAt, &tomb)
	a.Tombstone = tomb != 0
	return a, err
}

// ListAliases returns all live rows, optionally filtered to a single group.
func (s *Store) ListAliases(ctx context.Context, group string) ([]model.Alias, error) {
	q := `SELECT grp, name, command_ct, nonce, version, updated_by, updated_at, tombstone FROM aliases`
	args := []any{}
	if group != "" {
		q += ` WHERE grp=?`
		args = append(args, group)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Alias
	for rows.Next() {
		var a model.Alias
		var tomb int
		if err := rows.Scan(&a.Group, &a.Name, &a.CommandCT, &a.Nonce, &a.Version, &a.UpdatedBy, &a.UpdatedAt, &tomb); err != nil {
			return nil, err
		}
		a.Tombstone = tomb != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendHistory is idempotent on id.
func (s *Store) AppendHistory(ctx context.Context, h model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO history (
			id, grp, machine_id, session_id, timestamp, shell,
			command_ct, command_n, cwd_ct, cwd_n, hostname_ct, hostname_n,
			exit_code_ct, exit_code_n, duration_ct, duration_n, tombstone
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, h.ID, h.Group, h.MachineID, h.SessionID, h.Timestamp, h.Shell,
		h.CommandCT, h.CommandN, h.CwdCT, h.CwdN, h.HostnameCT, h.HostnameN,
		h.ExitCodeCT, h.ExitCodeN, h.DurationCT, h.DurationN, boolInt(h.Tombstone))
	return err
}

// ListHistory returns up to limit history rows for group, most recent first.
func (s *Store) ListHistory(ctx context.Context, group string, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, grp, machine_id, session_id, timestamp, shell,
		       command_ct, command_n, cwd_ct, cwd_n, hostname_ct, hostname_n,
		       exit_code_ct, exit_code_n, duration_ct, duration_n, tombstone
		FROM history WHERE grp=?
		ORDER BY timestamp DESC, machine_id DESC, id DESC
		LIMIT ?`, group, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		var tomb int
		if err := rows.Scan(&h.ID, &h.Group, &h.MachineID, &h.SessionID, &h.Timestamp, &h.Shell,
			&h.CommandCT, &h.CommandN, &h.CwdCT, &h.CwdN, &h.HostnameCT, &h.HostnameN,
			&h.ExitCodeCT, &h.ExitCodeN, &h.DurationCT, &h.DurationN, &tomb); err != nil {
			return nil, err
		}
		h.Tombstone = tomb != 0
		out = append(out, h)
	}
	return out, rows.Err()
}

// EnqueueAliasPending adds a to the outbound alias queue.
func (s *Store) EnqueueAliasPending(ctx context.Context, id string, a model.Alias, originatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alias_pending (id, grp, name, command_ct, nonce, version, updated_by, updated_at, tombstone, originated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		id, a.Group, a.Name, a.CommandCT, a.Nonce, a.Version, a.UpdatedBy, a.UpdatedAt, boolInt(a.Tombstone), originatedAt)
	return err
}

// PendingAlias is one row of the alias_pending outbound queue.
type PendingAlias struct {
	ID    string
	Alias model.Alias
}

// ListPendingAliases returns the outbound alias queue in FIFO order.
func (s *Store) ListPendingAliases(ctx context.Context) ([]PendingAlias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, grp, name, command_ct, nonce, version, updated_by, updated_at, tombstone
		FROM alias_pending ORDER BY originated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingAlias
	for rows.Next() {
		var p PendingAlias
		var tomb int
		if err := rows.Scan(&p.ID, &p.Alias.Group, &p.Alias.Name, &p.Alias.CommandCT, &p.Alias.Nonce,
			&p.Alias.Version, &p.Alias.UpdatedBy, &p.Alias.UpdatedAt, &tomb); err != nil {
			return nil, err
		}
		p.Alias.Tombstone = tomb != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// AckAliasPending removes an acknowledged row by id.
func (s *Store) AckAliasPending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alias_pending WHERE id=?`, id)
	return err
}

// EnqueueHistoryPending stores the raw wire payload for later batch flush.
func (s *Store) EnqueueHistoryPending(ctx context.Context, id string, payload []byte, originatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history_pending (id, payload, originated_at) VALUES (?,?,?)`, id, payload, originatedAt)
	return err
}

// PendingHistory is one row of the history_pending outbound queue.
type PendingHistory struct {
	ID      string
	Payload []byte
}

// ListPendingHistory returns up to limit rows in FIFO order.
func (s *Store) ListPendingHistory(ctx context.Context, limit int) ([]PendingHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload FROM history_pending ORDER BY originated_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingHistory
	for rows.Next() {
		var p PendingHistory
		if err := rows.Scan(&p.ID, &p.Payload); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AckHistoryPending removes acknowledged rows by id.
func (s *Store) AckHistoryPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM history_pending WHERE id=?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateConflict records a new pending conflict.
func (s *Store) CreateConflict(ctx context.Context, c model.Conflict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, grp, name, local_ct, local_nonce, remote_ct, remote_nonce,
			local_machine, local_updated_at, remote_machine, remote_updated_at, created_at, resolution)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Group, c.Name, c.LocalCT, c.LocalNonce, c.RemoteCT, c.RemoteNonce,
		c.LocalMachine, c.LocalUpdatedAt, c.RemoteMachine, c.RemoteUpdatedAt, c.CreatedAt, string(model.ResolutionPending))
	if err == nil {
		_ = s.appendSyncEvent(ctx, c.CreatedAt, model.ActionConflict, c.Name, c.Group, c.RemoteMachine)
	}
	return err
}

// UpdateConflictSide replaces one side's snapshot on an already-pending
// conflict, preserving the most recent evidence for that side.
func (s *Store) UpdateConflictSide(ctx context.Context, group, name, side string, ct, nonce []byte, machine string, updatedAt int64) error {
	var q string
	switch side {
	case "local":
		q = `UPDATE conflicts SET local_ct=?, local_nonce=?, local_machine=?, local_updated_at=? WHERE grp=? AND name=? AND resolution='pending'`
	case "remote":
		q = `UPDATE conflicts SET remote_ct=?, remote_nonce=?, remote_machine=?, remote_updated_at=? WHERE grp=? AND name=? AND resolution='pending'`
	default:
		return fmt.Errorf("store: unknown conflict side %q", side)
	}
	_, err := s.db.ExecContext(ctx, q, ct, nonce, machine, updatedAt, group, name)
	return err
}

// GetPendingConflict returns the pending conflict for (group, name), if any.
func (s *Store) GetPendingConflict(ctx context.Context, group, name string) (model.Conflict, error) {
	var c model.Conflict
	var res string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, grp, name, local_ct, local_nonce, remote_ct, remote_nonce,
		       local_machine, local_updated_at, remote_machine, remote_updated_at, created_at, resolution
		FROM conflicts WHERE grp=? AND name=? AND resolution='pending'`, group, name).
		Scan(&c.ID, &c.Group, &c.Name, &c.LocalCT, &c.LocalNonce, &c.RemoteCT, &c.RemoteNonce,
			&c.LocalMachine, &c.LocalUpdatedAt, &c.RemoteMachine, &c.RemoteUpdatedAt, &c.CreatedAt, &res)
	c.Resolution = model.ConflictResolution(res)
	return c, err
}

// ListConflicts returns all conflicts (any resolution state).
func (s *Store) ListConflicts(ctx context.Context) ([]model.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, grp, name, local_ct, local_nonce, remote_ct, remote_nonce,
		       local_machine, local_updated_at, remote_machine, remote_updated_at, created_at, resolution
		FROM conflicts ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var res string
		if err := rows.Scan(&c.ID, &c.Group, &c.Name, &c.LocalCT, &c.LocalNonce, &c.RemoteCT, &c.RemoteNonce,
			&c.LocalMachine, &c.LocalUpdatedAt, &c.RemoteMachine, &c.RemoteUpdatedAt, &c.CreatedAt, &res); err != nil {
			return nil, err
		}
		c.Resolution = model.ConflictResolution(res)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict marks a conflict terminal.
func (s *Store) ResolveConflict(ctx context.Context, id string, resolution model.ConflictResolution) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conflicts SET resolution=? WHERE id=?`, string(resolution), id)
	return err
}

func (s *Store) appendSyncEvent(ctx context.Context, at int64, action model.SyncEventAction, name, group, machine string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_events (timestamp, action, alias_name, grp, machine_id) VALUES (?,?,?,?,?)`,
		at, string(action), name, group, machine)
	if err != nil {
		return err
	}
	return s.TrimSyncHistory(ctx, model.SyncHistoryRetention)
}

func appendSyncEventTx(tx *sql.Tx, at int64, action model.SyncEventAction, name, group, machine string) error {
	_, err := tx.Exec(`
		INSERT INTO sync_events (timestamp, action, alias_name, grp, machine_id) VALUES (?,?,?,?,?)`,
		at, string(action), name, group, machine)
	return err
}

// TrimSyncHistory enforces the retention-by-count rule from // (default 10000), deleting the oldest rows once the table exceeds keep.
func (s *Store) TrimSyncHistory(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_events WHERE id IN (
			SELECT id FROM sync_events ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, keep)
	return err
}

// ListSyncHistory returns the most recent audit rows, newest first.
func (s *Store) ListSyncHistory(ctx context.Context, limit int) ([]model.SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, action, alias_name, grp, machine_id FROM sync_events
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SyncEvent
	for rows.Next() {
		var e model.SyncEvent
		var action string
		if err := rows.Scan(&e.ID, &e.Timestamp, &action, &e.AliasName, &e.Group, &e.MachineID); err != nil {
			return nil, err
		}
		e.Action = model.SyncEventAction(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Quarantine records an integrity failure: the row is
// quarantined, never silently dropped.
func (s *Store) Quarantine(ctx context.Context, kind, identity, reason string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine (kind, identity, reason, quarantined_at) VALUES (?,?,?,?)`,
		kind, identity, reason, at)
	return err
}

// QuarantinedRow is one quarantine table entry.
type QuarantinedRow struct {
	ID            int64
	Kind          string
	Identity      string
	Reason        string
	QuarantinedAt int64
}

// ListQuarantine returns all quarantined rows, newest first, so the CLI can
// surface them to the user on next invocation.
func (s *Store) ListQuarantine(ctx context.Context) ([]QuarantinedRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, identity, reason, quarantined_at FROM quarantine ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QuarantinedRow
	for rows.Next() {
		var r QuarantinedRow
		if err := rows.Scan(&r.ID, &r.Kind, &r.Identity, &r.Reason, &r.QuarantinedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package relaystore implements the relay's own durable ciphertext store
// (server.db), built the same way as internal/store on
// github.com/ncruces/go-sqlite3. The relay never decrypts; it only keeps
// every accepted alias write (indexed by group+version) and every history
// entry (indexed by group+id) so it can replay a deterministic delta to a
// member that reconnects after being offline.
package relaystore

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"shellsync/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS machines (
	id          TEXT PRIMARY KEY,
	hostname    TEXT NOT NULL,
	os          TEXT NOT NULL,
	groups      TEXT NOT NULL, -- comma-joined
	auth_token  TEXT NOT NULL UNIQUE,
	public_key  BLOB,
	last_seen   INTEGER NOT NULL DEFAULT 0,
	revoked     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS alias_writes (
	grp         TEXT NOT NULL,
	name        TEXT NOT NULL,
	version     INTEGER NOT NULL,
	command_ct  BLOB NOT NULL,
	nonce       BLOB NOT NULL,
	updated_by  TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	tombstone   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (grp, name, version)
);
CREATE INDEX IF NOT EXISTS idx_alias_writes_group_version ON alias_writes(grp, version);

CREATE TABLE IF NOT EXISTS history_entries (
	id          TEXT NOT NULL,
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
	tombstone   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (grp, id)
);
CREATE INDEX IF NOT EXISTS idx_history_group_ts ON history_entries(grp, timestamp);

CREATE TABLE IF NOT EXISTS conflicts (
	id                TEXT PRIMARY KEY,
	grp               TEXT NOT NULL,
	name              TEXT NOT NULL,
	local_ct          BLOB NOT NULL,
	local_nonce       BLOB NOT NULL,
	local_machine     TEXT NOT NULL,
	local_updated_at  INTEGER NOT NULL,
	local_version     INTEGER NOT NULL,
	remote_ct         BLOB NOT NULL,
	remote_nonce      BLOB NOT NULL,
	remote_machine    TEXT NOT NULL,
	remote_updated_at INTEGER NOT NULL,
	remote_version    INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	resolution        TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_conflicts_group ON conflicts(grp);
`

// Store is the relay's durable ciphertext store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the relay database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, err, "open server.db")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Fatal, err, "migrate server.db schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RegisterMachine enrolls a new machine with a fresh id/token.
func (s *Store) RegisterMachine(ctx context.Context, id, hostname, os, groupsCSV, token string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, hostname, os, groups, auth_token, last_seen) VALUES (?,?,?,?,?,?)`,
		id, hostname, os, groupsCSV, token, at)
	return err
}

// MachineRow mirrors model.Machine as persisted by the relay (no private keys).
type MachineRow struct {
	ID        string
	Hostname  string
	OS        string
	GroupsCSV string
	AuthToken string
	PublicKey []byte
	LastSeen  int64
	Revoked   bool
}

// AuthenticateToken returns the machine bound to token, or an Auth error if
// none exists or it has been revoked.
func (s *Store) AuthenticateToken(ctx context.Context, token string) (MachineRow, error) {
	var m MachineRow
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, os, groups, auth_token, public_key, last_seen, revoked
		FROM machines WHERE auth_token=?`, token).
		Scan(&m.ID, &m.Hostname, &m.OS, &m.GroupsCSV, &m.AuthToken, &m.PublicKey, &m.LastSeen, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return MachineRow{}, apperr.New(apperr.Auth, "unknown token")
	}
	if err != nil {
		return MachineRow{}, apperr.Wrap(apperr.Transient, err, "lookup token")
	}
	m.Revoked = revoked != 0
	if m.Revoked {
		return MachineRow{}, apperr.New(apperr.Auth, "revoked machine")
	}
	return m, nil
}

// TouchLastSeen updates a machine's last_seen timestamp.
func (s *Store) TouchLastSeen(ctx context.Context, machineID string, at int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET last_seen=? WHERE id=?`, at, machineID)
	return err
}

// RevokeMachine retires a machine's id and auth_token atomically.
func (s *Store) RevokeMachine(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET revoked=1 WHERE id=?`, machineID)
	return err
}

// SetPublicKey stores a machine's X25519 identity public key.
func (s *Store) SetPublicKey(ctx context.Context, machineID string, pub []byte) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET public_key=? WHERE id=?`, pub, machineID)
	return err
}

// ListMachines returns every known (non-revoked) machine.
func (s *Store) ListMachines(ctx context.Context) ([]MachineRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, os, groups, auth_token, public_key, last_seen, revoked FROM machines WHERE revoked=0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MachineRow
	for rows.Next() {
		var m MachineRow
		var revoked int
		if err := rows.Scan(&m.ID, &m.Hostname, &m.OS, &m.GroupsCSV, &m.AuthToken, &m.PublicKey, &m.LastSeen, &revoked); err != nil {
			return nil, err
		}
		m.Revoked = revoked != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// AliasWriteRow is one durable alias write at the relay.
type AliasWriteRow struct {
	Group     string
	Name      string
	Version   uint64
	CommandCT []byte
	Nonce     []byte
	UpdatedBy string
	UpdatedAt int64
	Tombstone bool
}

// ErrVersionConflict is returned by PersistAliasWrite when version is not
// strictly greater than the relay's durable copy (mapped to HTTP 409).
var ErrVersionConflict = errors.New("relaystore: version conflict")

// PersistAliasWrite durably stores a write, returning ErrVersionConflict
// if version does not strictly dominate the relay's last-known version for
// this identity.
func (s *Store) PersistAliasWrite(ctx context.Context, w AliasWriteRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxVersion sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT max(version) FROM alias_writes WHERE grp=? AND name=?`, w.Group, w.Name).
		Scan(&maxVersion); err != nil {
		return apperr.Wrap(apperr.Transient, err, "read max version")
	}
	if maxVersion.Valid && w.Version <= uint64(maxVersion.Int64) {
		return ErrVersionConflict
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alias_writes (grp, name, version, command_ct, nonce, updated_by, updated_at, tombstone)
		VALUES (?,?,?,?,?,?,?,?)`,
		w.Group, w.Name, w.Version, w.CommandCT, w.Nonce, w.UpdatedBy, w.UpdatedAt, boolInt(w.Tombstone))
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "persist alias write")
	}
	return nil
}

// GetLatestAliasWrite returns the relay's current durable copy of
// (group, name), or a Validation error if it has never seen that identity.
func (s *Store) GetLatestAliasWrite(ctx context.Context, group, name string) (AliasWriteRow, error) {
	var w AliasWriteRow
	var tomb int
	err := s.db.QueryRowContext(ctx, `
		SELECT grp, name, version, command_ct, nonce, updated_by, updated_at, tombstone
		FROM alias_writes WHERE grp=? AND name=? ORDER BY version DESC LIMIT 1`, group, name).
		Scan(&w.Group, &w.Name, &w.Version, &w.CommandCT, &w.Nonce, &w.UpdatedBy, &w.UpdatedAt, &tomb)
	if errors.Is(err, sql.ErrNoRows) {
		return AliasWriteRow{}, apperr.New(apperr.Validation, "unknown alias")
	}
	if err != nil {
		return AliasWriteRow{}, apperr.Wrap(apperr.Transient, err, "read latest alias write")
	}
	w.Tombstone = tomb != 0
	return w, nil
}

// ListAliasDelta replays writes for group with version > since, in
// ascending version order.
func (s *Store) ListAliasDelta(ctx context.Context, group string, since uint64) ([]AliasWriteRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT grp, name, version, command_ct, nonce, updated_by, updated_at, tombstone
		FROM alias_writes WHERE grp=? AND version>? ORDER BY version ASC`, group, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AliasWriteRow
	for rows.Next() {
		var w AliasWriteRow
		var tomb int
		if err := rows.Scan(&w.Group, &w.Name, &w.Version, &w.CommandCT, &w.Nonce, &w.UpdatedBy, &w.UpdatedAt, &tomb); err != nil {
			return nil, err
		}
		w.Tombstone = tomb != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListAliasSnapshot returns the latest write per (group, name) — the
// current-state dump for a fresh connect.
func (s *Store) ListAliasSnapshot(ctx context.Context, group string) ([]AliasWriteRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aw.grp, aw.name, aw.version, aw.command_ct, aw.nonce, aw.updated_by, aw.updated_at, aw.tombstone
		FROM alias_writes aw
		JOIN (SELECT grp, name, max(version) AS v FROM alias_writes WHERE grp=? GROUP BY grp, name) latest
		  ON aw.grp = latest.grp AND aw.name = latest.name AND aw.version = latest.v
		WHERE aw.grp=?`, group, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AliasWriteRow
	for rows.Next() {
		var w AliasWriteRow
		var tomb int
		if err := rows.Scan(&w.Group, &w.Name, &w.Version, &w.CommandCT, &w.Nonce, &w.UpdatedBy, &w.UpdatedAt, &tomb); err != nil {
			return nil, err
		}
		w.Tombstone = tomb != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// HistoryEntryRow is one durable history entry at the relay.
type HistoryEntryRow struct {
	ID, Group, MachineID, SessionID, Shell                          string
	Timestamp                                                        int64
	CommandCT, CommandN, CwdCT, CwdN, HostnameCT, HostnameN         []byte
	ExitCodeCT, ExitCodeN, DurationCT, DurationN                    []byte
	Tombstone                                                        bool
}

// PersistHistoryEntry is idempotent on (group, id).
func (s *Store) PersistHistoryEntry(ctx context.Context, h HistoryEntryRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO history_entries (
			id, grp, machine_id, session_id, timestamp, shell,
			command_ct, command_n, cwd_ct, cwd_n, hostname_ct, hostname_n,
			exit_code_ct, exit_code_n, duration_ct, duration_n, tombstone
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.Group, h.MachineID, h.SessionID, h.Timestamp, h.Shell,
		h.CommandCT, h.CommandN, h.CwdCT, h.CwdN, h.HostnameCT, h.HostnameN,
		h.ExitCodeCT, h.ExitCodeN, h.DurationCT, h.DurationN, boolInt(h.Tombstone))
	return err
}

// ListHistoryDelta replays history for group with timestamp > since, in
// ascending (timestamp, machine_id, id) order.
func (s *Store) ListHistoryDelta(ctx context.Context, group string, since int64) ([]HistoryEntryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, grp, machine_id, session_id, timestamp, shell,
		       command_ct, command_n, cwd_ct, cwd_n, hostname_ct, hostname_n,
		       exit_code_ct, exit_code_n, duration_ct, duration_n, tombstone
		FROM history_entries WHERE grp=? AND timestamp>?
		ORDER BY timestamp ASC, machine_id ASC, id ASC`, group, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntryRow
	for rows.Next() {
		var h HistoryEntryRow
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

// ConflictRow is a version-conflicting pair of alias writes as recorded by
// the relay: ciphertext only, since the relay never decrypts, merges, or
// resolves content. Resolving one of these picks between the two recorded
// ciphertexts; it does not re-encrypt, unlike the client's conflict engine.
type ConflictRow struct {
	ID              string
	Group           string
	Name            string
	LocalCT         []byte
	LocalNonce      []byte
	LocalMachine    string
	LocalUpdatedAt  int64
	LocalVersion    uint64
	RemoteCT        []byte
	RemoteNonce     []byte
	RemoteMachine   string
	RemoteUpdatedAt int64
	RemoteVersion   uint64
	CreatedAt       int64
	Resolution      string
}

// CreateConflict records a version-conflicting write pair.
func (s *Store) CreateConflict(ctx context.Context, c ConflictRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, grp, name, local_ct, local_nonce, local_machine, local_updated_at, local_version,
			remote_ct, remote_nonce, remote_machine, remote_updated_at, remote_version, created_at, resolution)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Group, c.Name, c.LocalCT, c.LocalNonce, c.LocalMachine, c.LocalUpdatedAt, c.LocalVersion,
		c.RemoteCT, c.RemoteNonce, c.RemoteMachine, c.RemoteUpdatedAt, c.RemoteVersion, c.CreatedAt, "pending")
	return err
}

// GetConflict returns one conflict row by id.
func (s *Store) GetConflict(ctx context.Context, id string) (ConflictRow, error) {
	var c ConflictRow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, grp, name, local_ct, local_nonce, local_machine, local_updated_at, local_version,
		       remote_ct, remote_nonce, remote_machine, remote_updated_at, remote_version, created_at, resolution
		FROM conflicts WHERE id=?`, id).
		Scan(&c.ID, &c.Group, &c.Name, &c.LocalCT, &c.LocalNonce, &c.LocalMachine, &c.LocalUpdatedAt, &c.LocalVersion,
			&c.RemoteCT, &c.RemoteNonce, &c.RemoteMachine, &c.RemoteUpdatedAt, &c.RemoteVersion, &c.CreatedAt, &c.Resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRow{}, apperr.New(apperr.Validation, "unknown conflict id")
	}
	return c, err
}

// ListConflicts returns conflicts for group, most recent first. An empty
// group returns conflicts across every group.
func (s *Store) ListConflicts(ctx context.Context, group string) ([]ConflictRow, error) {
	query := `
		SELECT id, grp, name, local_ct, local_nonce, local_machine, local_updated_at, local_version,
		       remote_ct, remote_nonce, remote_machine, remote_updated_at, remote_version, created_at, resolution
		FROM conflicts`
	var args []any
	if group != "" {
		query += ` WHERE grp=?`
		args = append(args, group)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConflictRow
	for rows.Next() {
		var c ConflictRow
		if err := rows.Scan(&c.ID, &c.Group, &c.Name, &c.LocalCT, &c.LocalNonce, &c.LocalMachine, &c.LocalUpdatedAt, &c.LocalVersion,
			&c.RemoteCT, &c.RemoteNonce, &c.RemoteMachine, &c.RemoteUpdatedAt, &c.RemoteVersion, &c.CreatedAt, &c.Resolution); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict marks a conflict terminal.
func (s *Store) ResolveConflict(ctx context.Context, id, resolution string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conflicts SET resolution=? WHERE id=?`, resolution, id)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

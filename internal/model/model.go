// Package model defines the shared data types replicated between a Shell
// Sync client and the relay: aliases, machines, groups, history entries,
// conflicts, and the sync-history audit trail.
package model

// Alias is identified by (Group, Name). CommandCT is the AEAD-sealed
// command string; Version is a strictly-increasing Lamport-style counter
// per identity.
type Alias struct {
	Group       string
	Name        string
	CommandCT   []byte
	Nonce       []byte
	Version     uint64
	UpdatedBy   string // machine_id
	UpdatedAt   int64  // unix-millis
	Tombstone   bool
}

// Machine is one installation, identified by a stable UUID.
type Machine struct {
	ID        string // UUID
	Hostname  string
	OS        string
	Groups    []string
	AuthToken string
	PublicKey []byte // X25519, 32 bytes
	LastSeen  int64  // unix-millis
}

// HistoryEntry is an append-only shell history record. Routing fields are
// plaintext; the rest is AEAD-sealed independently under the group key.
type HistoryEntry struct {
	ID          string // UUID, client-assigned
	Group       string
	MachineID   string
	SessionID   string
	Timestamp   int64
	Shell       string
	CommandCT   []byte
	CommandN    []byte
	CwdCT       []byte
	CwdN        []byte
	HostnameCT  []byte
	HostnameN   []byte
	ExitCodeCT  []byte
	ExitCodeN   []byte
	DurationCT  []byte
	DurationN   []byte
	Tombstone   bool
}

// ConflictResolution is a tagged variant over the terminal states of a
// Conflict row.
type ConflictResolution string

const (
	ResolutionPending     ConflictResolution = "pending"
	ResolutionKeepLocal   ConflictResolution = "keep_local"
	ResolutionKeepRemote  ConflictResolution = "keep_remote"
)

// Conflict records two incomparable alias writes for the same identity.
type Conflict struct {
	ID              string
	Group           string
	Name            string
	LocalCT         []byte
	LocalNonce      []byte
	RemoteCT        []byte
	RemoteNonce     []byte
	LocalMachine    string
	LocalUpdatedAt  int64
	RemoteMachine   string
	RemoteUpdatedAt int64
	CreatedAt       int64
	Resolution      ConflictResolution
}

// SyncEventAction is a tagged variant of audit-row kinds.
type SyncEventAction string

const (
	ActionAdd      SyncEventAction = "add"
	ActionUpdate   SyncEventAction = "update"
	ActionDelete   SyncEventAction = "delete"
	ActionConflict SyncEventAction = "conflict"
)

// SyncEvent is an append-only audit row, retained by count.
type SyncEvent struct {
	ID        int64
	Timestamp int64
	Action    SyncEventAction
	AliasName string
	Group     string
	MachineID string
}

// SyncHistoryRetention is the default retention count for SyncEvent rows.
const SyncHistoryRetention = 10000

// Package wireproto defines the WebSocket frame envelope exchanged between
// a Shell Sync client and the relay. Each frame is one JSON message
// carrying a monotonic per-connection Seq and a Kind tag; dispatch on Kind
// is an exhaustive switch, matching this codebase's tagged-variant idiom
// for dynamic dispatch.
package wireproto

import "encoding/json"

// Kind tags the payload a Frame carries.
type Kind string

const (
	KindSnapshotRequest Kind = "snapshot_request"
	KindSnapshot        Kind = "snapshot"
	KindDeltaRequest    Kind = "delta_request"
	KindAliasWrite      Kind = "alias_write"
	KindAliasAck        Kind = "alias_ack"
	KindHistoryBatch    Kind = "history_batch"
	KindHistoryAck      Kind = "history_ack"
	KindKeyRequest      Kind = "key_request"
	KindKeyResponse     Kind = "key_response"
	KindKeyUpdate       Kind = "key_update"
	KindThrottle        Kind = "throttle"
	KindError           Kind = "error"
)

// Frame is the envelope for every message on the wire: a Kind tag, a
// monotonic per-connection sequence number for debugging, and a
// Kind-specific JSON payload carried opaquely until dispatch.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals payload into a Frame of the given kind and sequence.
func Encode(kind Kind, seq uint64, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Seq: seq, Payload: raw}, nil
}

// Decode unmarshals a Frame's payload into dst.
func (f Frame) Decode(dst any) error {
	return json.Unmarshal(f.Payload, dst)
}

// SnapshotRequestPayload asks for a full current-state dump of a group.
type SnapshotRequestPayload struct {
	Group string `json:"group"`
}

// SnapshotPayload is the complete current-state dump delivered on first
// connect to a group.
type SnapshotPayload struct {
	Group    string           `json:"group"`
	Aliases  []AliasWire      `json:"aliases"`
	History  []HistoryWire    `json:"history"`
	AsOf     int64            `json:"as_of"`
}

// DeltaRequestPayload asks for incremental updates since a known version
// (per alias identity) and timestamp (for history).
type DeltaRequestPayload struct {
	Group               string `json:"group"`
	SinceAliasVersion    uint64 `json:"since_alias_version"`
	SinceHistoryTimestamp int64 `json:"since_history_timestamp"`
}

// AliasWire is the wire representation of model.Alias.
type AliasWire struct {
	ID        string `json:"id"`
	Group     string `json:"group"`
	Name      string `json:"name"`
	CommandCT []byte `json:"command_ct"`
	Nonce     []byte `json:"nonce"`
	Version   uint64 `json:"version"`
	UpdatedBy string `json:"updated_by_machine"`
	UpdatedAt int64  `json:"updated_at"`
	Tombstone bool   `json:"tombstone"`
}

// AliasWritePayload is a single alias mutation flushed from the pending queue.
type AliasWritePayload struct {
	PendingID string    `json:"pending_id"`
	Alias     AliasWire `json:"alias"`
}

// AliasAckPayload acknowledges a durable alias_write by PendingID.
type AliasAckPayload struct {
	PendingID string `json:"pending_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// HistoryWire is the wire representation of model.HistoryEntry.
type HistoryWire struct {
	ID         string `json:"id"`
	Group      string `json:"group"`
	MachineID  string `json:"machine_id"`
	SessionID  string `json:"session_id"`
	Timestamp  int64  `json:"timestamp"`
	Shell      string `json:"shell"`
	CommandCT  []byte `json:"command_ct"`
	CommandN   []byte `json:"command_n"`
	CwdCT      []byte `json:"cwd_ct"`
	CwdN       []byte `json:"cwd_n"`
	HostnameCT []byte `json:"hostname_ct"`
	HostnameN  []byte `json:"hostname_n"`
	ExitCodeCT []byte `json:"exit_code_ct"`
	ExitCodeN  []byte `json:"exit_code_n"`
	DurationCT []byte `json:"duration_ct"`
	DurationN  []byte `json:"duration_n"`
	Tombstone  bool   `json:"tombstone"`
}

// HistoryBatchPayload flushes up to 50 history entries.
type HistoryBatchPayload struct {
	PendingIDs []string      `json:"pending_ids"`
	Entries    []HistoryWire `json:"entries"`
}

// HistoryAckPayload acknowledges a batch of history entries by PendingIDs.
type HistoryAckPayload struct {
	PendingIDs []string `json:"pending_ids"`
}

// KeyRequestPayload is sent by a joiner to request the group key.
type KeyRequestPayload struct {
	Group           string `json:"group"`
	JoinerMachineID string `json:"joiner_machine_id"`
	JoinerPublicKey []byte `json:"joiner_public_key"`
}

// KeyResponsePayload carries a wrapped group key back to the joiner.
type KeyResponsePayload struct {
	Group           string `json:"group"`
	JoinerMachineID string `json:"joiner_machine_id"`
	EphemeralPublic []byte `json:"ephemeral_public"`
	WrapNonce       []byte `json:"wrap_nonce"`
	WrappedKey      []byte `json:"wrapped_key"`
}

// KeyUpdatePayload distributes a rotated group key to every known member.
type KeyUpdatePayload struct {
	Group        string                `json:"group"`
	WrappedPerKB []KeyResponsePayload `json:"wrapped_per_recipient"`
}

// ThrottlePayload notifies a client it has exceeded a rate guard.
type ThrottlePayload struct {
	Reason        string `json:"reason"`
	RetryAfterMS  int64  `json:"retry_after_ms"`
}

// ErrorPayload carries a Kind-tagged error message (see internal/apperr).
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

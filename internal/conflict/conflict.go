// Package conflict detects and resolves alias conflicts:
// two writes to the same (group, name) where neither Lamport-style version
// dominates the other and whose decrypted command strings actually differ.
// Racing writes of identical text are not a conflict.
package conflict

import (
	"context"

	"shellsync/internal/apperr"
	"shellsync/internal/cryptoprim"
	"shellsync/internal/model"
	"shellsync/internal/store"
)

// Detect reports whether incoming conflicts with current for the same
// identity: true when neither version is greater than the other and the
// two are not already identical writes (same updater, same version).
func Detect(current, incoming model.Alias) bool {
	if current.Version == incoming.Version {
		return current.UpdatedBy != incoming.UpdatedBy
	}
	// A strictly greater version always wins outright; that is not a
	// conflict, it is an ordinary update. Detect only fires when the
	// caller cannot establish a before/after relationship, which for a
	// single Lamport counter reduces to equal versions from different
	// writers. Callers comparing two fully independent pending writes
	// (both offline-queued) should pre-check overlapping version ranges
	// before calling Detect.
	return false
}

// DetectPlaintext re-checks two sides that Detect flagged, after
// decryption: it reports true only when the decrypted commands differ, so
// identical text written under racing versions is not recorded as a
// conflict.
func DetectPlaintext(localPlain, remotePlain string) bool {
	return localPlain != remotePlain
}

// Resolve applies resolution to a pending conflict: keep_local or
// keep_remote re-encrypts the winning side's plaintext and writes it back
// as a fresh version built on top of whatever this machine currently has
// stored, so the resolution itself becomes the new authoritative version
// other members will converge on.
func Resolve(ctx context.Context, st *store.Store, groupKey []byte, c model.Conflict, resolution model.ConflictResolution, by string, at int64) (model.Alias, error) {
	if resolution != model.ResolutionKeepLocal && resolution != model.ResolutionKeepRemote {
		return model.Alias{}, apperr.New(apperr.Validation, "resolution must be keep_local or keep_remote")
	}

	var ct, nonce []byte
	switch resolution {
	case model.ResolutionKeepLocal:
		ct, nonce = c.LocalCT, c.LocalNonce
	case model.ResolutionKeepRemote:
		ct, nonce = c.RemoteCT, c.RemoteNonce
	}
	plain, err := cryptoprim.OpenField(groupKey, c.Group, ct, nonce)
	if err != nil {
		return model.Alias{}, err
	}
	newCT, newNonce, err := cryptoprim.SealField(groupKey, c.Group, plain)
	if err != nil {
		return model.Alias{}, err
	}

	current, err := st.GetAlias(ctx, c.Group, c.Name)
	nextVersion := uint64(1)
	if err == nil {
		nextVersion = current.Version + 1
	}
	alias := model.Alias{
		Group:     c.Group,
		Name:      c.Name,
		CommandCT: newCT,
		Nonce:     newNonce,
		Version:   nextVersion,
		UpdatedBy: by,
		UpdatedAt: at,
	}
	if _, err := st.UpsertAlias(ctx, alias); err != nil {
		return model.Alias{}, err
	}
	if err := st.ResolveConflict(ctx, c.ID, resolution); err != nil {
		return model.Alias{}, err
	}
	return alias, nil
}

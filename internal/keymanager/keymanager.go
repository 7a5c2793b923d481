// Package keymanager owns a machine's X25519 identity and the symmetric
// group keys used to encrypt alias and history fields. Key material never
// leaves the device except wrapped to a specific recipient's public key,
// mirroring core/security.go's convention of writing private key material
// to 0600 files under a data directory rather than a keystore service.
package keymanager

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"shellsync/internal/apperr"
	"shellsync/internal/cryptoprim"
	"shellsync/internal/wireproto"
)

const (
	identityFileName = "identity.key"
	groupKeyDirName  = "groupkeys"
)

// Manager holds one machine's identity key pair and the set of group keys
// it currently holds, all backed by files under dataDir.
type Manager struct {
	dataDir string

	mu        sync.RWMutex
	identity  *cryptoprim.IdentityKeyPair
	groupKeys map[string][]byte
}

// Open loads (or creates, on first run) the machine identity under dataDir
// and loads any group keys already persisted there.
func Open(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, groupKeyDirName), 0o700); err != nil {
		return nil, apperr.Wrap(apperr.Fatal, err, "create groupkeys dir")
	}
	m := &Manager{dataDir: dataDir, groupKeys: make(map[string][]byte)}

	identity, err := loadOrCreateIdentity(dataDir)
	if err != nil {
		return nil, err
	}
	m.identity = identity

	entries, err := os.ReadDir(filepath.Join(dataDir, groupKeyDirName))
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, err, "list groupkeys")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		group := e.Name()
		key, err := cryptoprim.ReadKeyFile(filepath.Join(dataDir, groupKeyDirName, group))
		if err != nil {
			return nil, err
		}
		m.groupKeys[group] = key
	}
	return m, nil
}

func loadOrCreateIdentity(dataDir string) (*cryptoprim.IdentityKeyPair, error) {
	path := filepath.Join(dataDir, identityFileName)
	priv, err := cryptoprim.ReadKeyFile(path)
	if err == nil {
		return cryptoprim.IdentityFromPrivate(priv)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err := cryptoprim.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := cryptoprim.WritePrivateKeyFile(path, id.Private[:]); err != nil {
		return nil, err
	}
	return id, nil
}

// PublicKey returns this machine's X25519 public identity key.
func (m *Manager) PublicKey() [32]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.Public
}

// HasGroupKey reports whether the group key for group is already held.
func (m *Manager) HasGroupKey(group string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groupKeys[group]
	return ok
}

// GroupKey returns the symmetric key for group, or an Auth error if this
// machine has not yet joined it ("a client without the group
// key cannot decrypt any field").
func (m *Manager) GroupKey(group string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.groupKeys[group]
	if !ok {
		return nil, apperr.New(apperr.Auth, "no group key for "+group)
	}
	return key, nil
}

// CreateGroup generates a fresh group key for a brand-new group ("the first machine to declare a group generates its symmetric key")
// and persists it.
func (m *Manager) CreateGroup(group string) error {
	key, err := cryptoprim.GenerateGroupKey()
	if err != nil {
		return err
	}
	if err := cryptoprim.SelfTest(key); err != nil {
		return err
	}
	return m.setGroupKey(group, key)
}

func (m *Manager) setGroupKey(group string, key []byte) error {
	if err := cryptoprim.WritePrivateKeyFile(filepath.Join(m.dataDir, groupKeyDirName, group), key); err != nil {
		return err
	}
	m.mu.Lock()
	m.groupKeys[group] = key
	m.mu.Unlock()
	return nil
}

// BuildKeyRequest produces the payload a joining machine sends to request a
// group's key from an existing member.
func (m *Manager) BuildKeyRequest(group, machineID string) wireproto.KeyRequestPayload {
	pub := m.PublicKey()
	return wireproto.KeyRequestPayload{
		Group:           group,
		JoinerMachineID: machineID,
		JoinerPublicKey: pub[:],
	}
}

// AnswerKeyRequest wraps this machine's held group key to the requester's
// public key, for an existing member to send back as a key_response frame.
func (m *Manager) AnswerKeyRequest(req wireproto.KeyRequestPayload) (wireproto.KeyResponsePayload, error) {
	key, err := m.GroupKey(req.Group)
	if err != nil {
		return wireproto.KeyResponsePayload{}, err
	}
	var joinerPub [32]byte
	if len(req.JoinerPublicKey) != 32 {
		return wireproto.KeyResponsePayload{}, apperr.New(apperr.Validation, "malformed joiner public key")
	}
	copy(joinerPub[:], req.JoinerPublicKey)

	wrapped, err := cryptoprim.WrapGroupKey(key, joinerPub)
	if err != nil {
		return wireproto.KeyResponsePayload{}, err
	}
	return wireproto.KeyResponsePayload{
		Group:           req.Group,
		JoinerMachineID: req.JoinerMachineID,
		EphemeralPublic: wrapped.EphemeralPublic[:],
		WrapNonce:       wrapped.Nonce,
		WrappedKey:      wrapped.Ciphertext,
	}, nil
}

// AcceptKeyResponse unwraps a key_response addressed to this machine,
// self-tests it, and persists it before returning.
func (m *Manager) AcceptKeyResponse(resp wireproto.KeyResponsePayload) error {
	if len(resp.EphemeralPublic) != 32 {
		return apperr.New(apperr.Validation, "malformed ephemeral public key")
	}
	var ephPub [32]byte
	copy(ephPub[:], resp.EphemeralPublic)

	wrapped := &cryptoprim.WrappedKey{
		EphemeralPublic: ephPub,
		Nonce:           resp.WrapNonce,
		Ciphertext:      resp.WrappedKey,
	}
	m.mu.RLock()
	priv := m.identity.Private
	m.mu.RUnlock()

	key, err := cryptoprim.UnwrapGroupKey(wrapped, priv)
	if err != nil {
		return err
	}
	if err := cryptoprim.SelfTest(key); err != nil {
		return apperr.Wrap(apperr.Integrity, err, "group key failed self-test")
	}
	return m.setGroupKey(resp.Group, key)
}

// RotateGroupKey generates a new key for group and wraps it for every
// recipient's public key, returning the per-recipient key_response payloads
// to bundle into a key_update frame. The new key is stored locally before
// the payload is returned; distributing the bundle is left to the caller.
func (m *Manager) RotateGroupKey(ctx context.Context, group string, recipients map[string][32]byte) (wireproto.KeyUpdatePayload, error) {
	newKey, err := cryptoprim.GenerateGroupKey()
	if err != nil {
		return wireproto.KeyUpdatePayload{}, err
	}
	if err := cryptoprim.SelfTest(newKey); err != nil {
		return wireproto.KeyUpdatePayload{}, err
	}

	update := wireproto.KeyUpdatePayload{Group: group}
	for machineID, pub := range recipients {
		wrapped, err := cryptoprim.WrapGroupKey(newKey, pub)
		if err != nil {
			return wireproto.KeyUpdatePayload{}, err
		}
		update.WrappedPerKB = append(update.WrappedPerKB, wireproto.KeyResponsePayload{
			Group:           group,
			JoinerMachineID: machineID,
			EphemeralPublic: wrapped.EphemeralPublic[:],
			WrapNonce:       wrapped.Nonce,
			WrappedKey:      wrapped.Ciphertext,
		})
	}
	if err := m.setGroupKey(group, newKey); err != nil {
		return wireproto.KeyUpdatePayload{}, err
	}
	return update, nil
}

// Close zeroes the in-memory identity private key.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity != nil {
		m.identity.Zero()
	}
}

package conflict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"shellsync/internal/cryptoprim"
	"shellsync/internal/model"
	"shellsync/internal/store"
	"shellsync/internal/testutil"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	st, err := store.Open(sb.Path("client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDetectFiresOnlyOnEqualVersionDifferentWriter(t *testing.T) {
	current := model.Alias{Group: "default", Name: "gs", Version: 2, UpdatedBy: "a"}

	sameWriter := current
	require.False(t, Detect(current, sameWriter))

	diffWriter := current
	diffWriter.UpdatedBy = "b"
	require.True(t, Detect(current, diffWriter))

	newer := current
	newer.Version = 3
	newer.UpdatedBy = "b"
	require.False(t, Detect(current, newer))
}

func TestDetectPlaintext(t *testing.T) {
	require.False(t, DetectPlaintext("ls -la", "ls -la"))
	require.True(t, DetectPlaintext("ls -la", "ls -lah"))
}

func TestResolveKeepLocalWritesNewVersionAndClearsConflict(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	key := make([]byte, 32)

	localCT, localNonce, err := cryptoprim.SealField(key, "default", []byte("git status"))
	require.NoError(t, err)
	remoteCT, remoteNonce, err := cryptoprim.SealField(key, "default", []byte("git st"))
	require.NoError(t, err)

	_, err = st.UpsertAlias(ctx, model.Alias{
		Group: "default", Name: "gs", CommandCT: localCT, Nonce: localNonce,
		Version: 3, UpdatedBy: "m1", UpdatedAt: 1,
	})
	require.NoError(t, err)

	c := model.Conflict{
		ID: "c1", Group: "default", Name: "gs",
		LocalCT: localCT, LocalNonce: localNonce,
		RemoteCT: remoteCT, RemoteNonce: remoteNonce,
		LocalMachine: "m1", RemoteMachine: "m2", CreatedAt: 1,
	}
	require.NoError(t, st.CreateConflict(ctx, c))

	alias, err := Resolve(ctx, st, key, c, model.ResolutionKeepLocal, "m1", 42)
	require.NoError(t, err)
	require.Equal(t, uint64(4), alias.Version)

	plain, err := cryptoprim.OpenField(key, "default", alias.CommandCT, alias.Nonce)
	require.NoError(t, err)
	require.Equal(t, "git status", string(plain))

	_, err = st.GetPendingConflict(ctx, "default", "gs")
	require.Error(t, err)
}

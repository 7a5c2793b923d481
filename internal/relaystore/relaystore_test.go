package relaystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"shellsync/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	st, err := Open(sb.Path("server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRegisterAndAuthenticateMachine(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RegisterMachine(ctx, "m1", "laptop", "linux", "default,work", "tok1", 100))

	m, err := st.AuthenticateToken(ctx, "tok1")
	require.NoError(t, err)
	require.Equal(t, "m1", m.ID)
	require.Equal(t, "default,work", m.GroupsCSV)

	_, err = st.AuthenticateToken(ctx, "unknown")
	require.Error(t, err)
}

func TestRevokedMachineFailsAuthentication(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RegisterMachine(ctx, "m1", "laptop", "linux", "default", "tok1", 100))
	require.NoError(t, st.RevokeMachine(ctx, "m1"))

	_, err := st.AuthenticateToken(ctx, "tok1")
	require.Error(t, err)
}

func TestPersistAliasWriteRejectsNonIncreasingVersion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	w := AliasWriteRow{Group: "default", Name: "gs", Version: 1, CommandCT: []byte("ct"), Nonce: []byte("n"), UpdatedBy: "m1", UpdatedAt: 1}
	require.NoError(t, st.PersistAliasWrite(ctx, w))

	stale := w
	stale.Version = 1
	require.ErrorIs(t, st.PersistAliasWrite(ctx, stale), ErrVersionConflict)

	w2 := w
	w2.Version = 2
	require.NoError(t, st.PersistAliasWrite(ctx, w2))

	snapshot, err := st.ListAliasSnapshot(ctx, "default")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	require.Equal(t, uint64(2), snapshot[0].Version)
}

func TestListAliasDeltaOrdersByVersion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, st.PersistAliasWrite(ctx, AliasWriteRow{
			Group: "default", Name: "gs", Version: v, UpdatedBy: "m1", UpdatedAt: int64(v),
		}))
	}
	delta, err := st.ListAliasDelta(ctx, "default", 1)
	require.NoError(t, err)
	require.Len(t, delta, 2)
	require.Equal(t, uint64(2), delta[0].Version)
	require.Equal(t, uint64(3), delta[1].Version)
}

func TestPersistHistoryEntryIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	h := HistoryEntryRow{ID: "h1", Group: "default", MachineID: "m1", Timestamp: 10}
	require.NoError(t, st.PersistHistoryEntry(ctx, h))
	require.NoError(t, st.PersistHistoryEntry(ctx, h))

	delta, err := st.ListHistoryDelta(ctx, "default", 0)
	require.NoError(t, err)
	require.Len(t, delta, 1)
}

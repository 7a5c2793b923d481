package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"shellsync/internal/model"
	"shellsync/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	st, err := Open(sb.Path("client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestUpsertAliasAcceptsNewAndRejectsStale(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := model.Alias{Group: "default", Name: "gs", CommandCT: []byte("ct"), Nonce: []byte("n"), Version: 1, UpdatedBy: "m1", UpdatedAt: 1}
	result, err := st.UpsertAlias(ctx, a)
	require.NoError(t, err)
	require.Equal(t, Accepted, result)

	stale := a
	stale.Version = 1
	result, err = st.UpsertAlias(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, Stale, result)

	newer := a
	newer.Version = 2
	newer.CommandCT = []byte("ct2")
	result, err = st.UpsertAlias(ctx, newer)
	require.NoError(t, err)
	require.Equal(t, Accepted, result)

	got, err := st.GetAlias(ctx, "default", "gs")
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)
	require.Equal(t, []byte("ct2"), got.CommandCT)
}

func TestAppendHistoryIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	h := model.HistoryEntry{ID: "h1", Group: "default", MachineID: "m1", SessionID: "s1", Timestamp: 100}
	require.NoError(t, st.AppendHistory(ctx, h))
	require.NoError(t, st.AppendHistory(ctx, h))

	entries, err := st.ListHistory(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPendingAliasQueueFIFO(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a1 := model.Alias{Group: "default", Name: "a", Version: 1, UpdatedBy: "m1", UpdatedAt: 1}
	a2 := model.Alias{Group: "default", Name: "b", Version: 1, UpdatedBy: "m1", UpdatedAt: 2}
	require.NoError(t, st.EnqueueAliasPending(ctx, "p1", a1, 1))
	require.NoError(t, st.EnqueueAliasPending(ctx, "p2", a2, 2))

	pending, err := st.ListPendingAliases(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "p1", pending[0].ID)

	require.NoError(t, st.AckAliasPending(ctx, "p1"))
	pending, err = st.ListPendingAliases(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "p2", pending[0].ID)
}

func TestTrimSyncHistoryEnforcesRetention(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.appendSyncEvent(ctx, int64(i), model.ActionAdd, "a", "default", "m1"))
	}
	require.NoError(t, st.TrimSyncHistory(ctx, 2))

	events, err := st.ListSyncHistory(ctx, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestConflictLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	c := model.Conflict{
		ID: "c1", Group: "default", Name: "gs",
		LocalCT: []byte("l"), LocalNonce: []byte("ln"),
		RemoteCT: []byte("r"), RemoteNonce: []byte("rn"),
		LocalMachine: "m1", RemoteMachine: "m2", CreatedAt: 1,
	}
	require.NoError(t, st.CreateConflict(ctx, c))

	pending, err := st.GetPendingConflict(ctx, "default", "gs")
	require.NoError(t, err)
	require.Equal(t, model.ResolutionPending, pending.Resolution)

	require.NoError(t, st.ResolveConflict(ctx, "c1", model.ResolutionKeepLocal))
	_, err = st.GetPendingConflict(ctx, "default", "gs")
	require.Error(t, err)
}

func TestQuarantine(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Quarantine(ctx, "alias", "default/gs", "aead open failed", 1))
	rows, err := st.ListQuarantine(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "alias", rows[0].Kind)
}

package syncdaemon

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"shellsync/internal/keymanager"
	"shellsync/internal/model"
	"shellsync/internal/store"
	"shellsync/internal/testutil"
	"shellsync/internal/wireproto"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	cur := backoffBase
	for i := 0; i < 20; i++ {
		cur = nextBackoff(cur)
	}
	require.Equal(t, backoffCap, cur)
}

func TestJitterStaysWithinTwentyPercent(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		require.GreaterOrEqual(t, got, base-2*time.Second)
		require.LessOrEqual(t, got, base+2*time.Second)
	}
}

func newTestDaemon(t *testing.T) (*Daemon, *store.Store) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	st, err := store.Open(sb.Path("client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	keys, err := keymanager.Open(sb.Path("keys"))
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })
	require.NoError(t, keys.CreateGroup("default"))

	log := logrus.New()
	log.SetOutput(io.Discard)
	d := New("ws://unused", "m1", "tok", []string{"default"}, st, keys, log, nil)
	return d, st
}

func TestApplyAliasesAcceptsNewAlias(t *testing.T) {
	d, st := newTestDaemon(t)
	ctx := context.Background()

	err := d.applyAliases(ctx, "default", []wireproto.AliasWire{
		{Group: "default", Name: "gs", CommandCT: []byte("ct"), Nonce: []byte("n"), Version: 1, UpdatedBy: "m2", UpdatedAt: 1},
	})
	require.NoError(t, err)

	got, err := st.GetAlias(ctx, "default", "gs")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Version)
}

func TestApplyHistoryAppendsEntries(t *testing.T) {
	d, st := newTestDaemon(t)
	ctx := context.Background()

	err := d.applyHistory(ctx, "default", []wireproto.HistoryWire{
		{ID: "h1", Group: "default", MachineID: "m2", Timestamp: 100},
	})
	require.NoError(t, err)

	hist, err := st.ListHistory(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, "h1", hist[0].ID)
}

func TestApplyAckAcknowledgesPendingAlias(t *testing.T) {
	d, st := newTestDaemon(t)
	ctx := context.Background()

	a := model.Alias{Group: "default", Name: "gs", CommandCT: []byte("ct"), Nonce: []byte("n"), Version: 1, UpdatedBy: "m1", UpdatedAt: 1}
	require.NoError(t, st.EnqueueAliasPending(ctx, "p1", a, 1))

	frame, err := wireproto.Encode(wireproto.KindAliasAck, 1, wireproto.AliasAckPayload{PendingID: "p1", Accepted: true})
	require.NoError(t, err)
	require.NoError(t, d.applyAck(ctx, frame))

	pending, err := st.ListPendingAliases(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestApplyFrameSnapshotAppliesAliasesThenHistory(t *testing.T) {
	d, st := newTestDaemon(t)
	ctx := context.Background()

	frame, err := wireproto.Encode(wireproto.KindSnapshot, 1, wireproto.SnapshotPayload{
		Group: "default",
		Aliases: []wireproto.AliasWire{
			{Group: "default", Name: "gs", CommandCT: []byte("ct"), Nonce: []byte("n"), Version: 1, UpdatedBy: "m2", UpdatedAt: 1},
		},
		History: []wireproto.HistoryWire{
			{ID: "h1", Group: "default", MachineID: "m2", Timestamp: 100},
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.applyFrame(ctx, nil, frame))

	alias, err := st.GetAlias(ctx, "default", "gs")
	require.NoError(t, err)
	require.Equal(t, uint64(1), alias.Version)

	hist, err := st.ListHistory(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestFlushAliasesSendsPendingWrites(t *testing.T) {
	d, st := newTestDaemon(t)
	ctx := context.Background()

	a := model.Alias{Group: "default", Name: "gs", CommandCT: []byte("ct"), Nonce: []byte("n"), Version: 1, UpdatedBy: "m1", UpdatedAt: 1}
	require.NoError(t, st.EnqueueAliasPending(ctx, "p1", a, 1))

	serverConn := make(chan *websocket.Conn, 1)
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })
	sc := <-serverConn
	t.Cleanup(func() { sc.Close() })

	require.NoError(t, d.flushAliases(ctx, clientConn))

	sc.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got wireproto.Frame
	require.NoError(t, sc.ReadJSON(&got))
	require.Equal(t, wireproto.KindAliasWrite, got.Kind)

	var payload wireproto.AliasWritePayload
	require.NoError(t, got.Decode(&payload))
	require.Equal(t, "p1", payload.PendingID)
	require.Equal(t, "gs", payload.Alias.Name)
}

func TestDialSendsBearerAuthorizationHeader(t *testing.T) {
	var gotAuth string
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	d := New(wsURL, "m1", "secret-token", nil, nil, nil, nil, nil)
	conn, err := d.dial(context.Background())
	require.NoError(t, err)
	conn.Close()

	require.Equal(t, "Bearer secret-token", gotAuth)
}

package relayhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"shellsync/internal/relaystore"
	"shellsync/internal/testutil"
	"shellsync/internal/wireproto"
)

var upgrader = websocket.Upgrader{}

func newHubAndStore(t *testing.T) *Hub {
	t.Helper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	st, err := relaystore.Open(sb.Path("server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewHub(st, nil)
}

func dialInto(t *testing.T, hub *Hub, machineID string, groups []string) (*websocket.Conn, *Client) {
	t.Helper()
	clientCh := make(chan *Client, 1)
	// r.Context() ends when the handler returns, which would unregister the
	// client at once; the connection lives for the test instead.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		clientCh <- hub.Register(ctx, conn, machineID, groups)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, <-clientCh
}

func TestBroadcastToGroupExcludesSender(t *testing.T) {
	hub := newHubAndStore(t)
	connA, clientA := dialInto(t, hub, "a", []string{"default"})
	connB, _ := dialInto(t, hub, "b", []string{"default"})

	frame, err := wireproto.Encode(wireproto.KindAliasWrite, 1, wireproto.AliasWritePayload{PendingID: "p1"})
	require.NoError(t, err)
	hub.BroadcastToGroup("default", frame, clientA)

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got wireproto.Frame
	require.NoError(t, connB.ReadJSON(&got))
	require.Equal(t, wireproto.KindAliasWrite, got.Kind)

	connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	require.Error(t, connA.ReadJSON(&wireproto.Frame{}))
}

func TestBroadcastToGroupDoesNotCrossGroups(t *testing.T) {
	hub := newHubAndStore(t)
	_, clientA := dialInto(t, hub, "a", []string{"default"})
	connB, _ := dialInto(t, hub, "b", []string{"other"})

	frame, err := wireproto.Encode(wireproto.KindAliasWrite, 1, wireproto.AliasWritePayload{PendingID: "p1"})
	require.NoError(t, err)
	hub.BroadcastToGroup("default", frame, clientA)

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	require.Error(t, connB.ReadJSON(&wireproto.Frame{}))
}

func TestFindByMachineIDReturnsConnectedClient(t *testing.T) {
	hub := newHubAndStore(t)
	_, clientA := dialInto(t, hub, "a", []string{"default"})

	found := hub.FindByMachineID("default", "a")
	require.Equal(t, clientA, found)
	require.Nil(t, hub.FindByMachineID("default", "unknown"))
	require.Nil(t, hub.FindByMachineID("other-group", "a"))
}

func TestSendToDeliversToSingleClient(t *testing.T) {
	hub := newHubAndStore(t)
	connA, clientA := dialInto(t, hub, "a", []string{"default"})

	frame, err := wireproto.Encode(wireproto.KindKeyResponse, 1, wireproto.KeyResponsePayload{Group: "default"})
	require.NoError(t, err)
	hub.SendTo(clientA, frame)

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got wireproto.Frame
	require.NoError(t, connA.ReadJSON(&got))
	require.Equal(t, wireproto.KindKeyResponse, got.Kind)
}

func TestAllowEnforcesPerMachineFrameRate(t *testing.T) {
	hub := newHubAndStore(t)
	var lastOK bool
	for i := 0; i < framesBurst+5; i++ {
		lastOK, _ = hub.Allow("m1", 10)
	}
	require.False(t, lastOK)
}

func TestAllowTracksMachinesIndependently(t *testing.T) {
	hub := newHubAndStore(t)
	for i := 0; i < framesBurst; i++ {
		ok, _ := hub.Allow("m1", 10)
		require.True(t, ok)
	}
	ok, _ := hub.Allow("m2", 10)
	require.True(t, ok)
}

func TestNextSeqIsMonotonic(t *testing.T) {
	hub := newHubAndStore(t)
	_, client := dialInto(t, hub, "a", []string{"default"})
	require.Equal(t, uint64(1), client.NextSeq())
	require.Equal(t, uint64(2), client.NextSeq())
}

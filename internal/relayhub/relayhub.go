// Package relayhub implements the relay's WebSocket fan-out: bearer-token
// authenticated connections grouped by group membership, fan-out of frames
// that its callers (internal/relayapi) have already persisted to
// internal/relaystore, and a per-machine rate guard. The client/hub/
// register/unregister/send-channel shape is adapted from
// other_examples' streamspace-dev-streamspace websocket hub (itself built
// on gorilla/websocket); group-scoped membership maps guarded by
// sync.RWMutex instead of channel-serialized access follow
// core/network.go's peer-map convention, and per-connection logging uses
// zap to match core/storage.go's logging choice for the hot path.
package relayhub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shellsync/internal/relaystore"
	"shellsync/internal/wireproto"
)

const (
	sendQueueCapacity = 256
	framesPerSecond   = 20
	framesBurst       = 40
	bytesPerSecond    = 256 * 1024
	bytesBurst        = 512 * 1024

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Hub tracks every authenticated connection, indexed by the groups each
// machine belongs to, and fans frames out to them; it does not persist
// frames itself.
type Hub struct {
	store *relaystore.Store
	log   *zap.Logger

	mu      sync.RWMutex
	byGroup map[string]map[*Client]bool

	limMu    sync.Mutex
	limiters map[string]*machineLimiter
}

type machineLimiter struct {
	frames *rate.Limiter
	bytes  *rate.Limiter
}

// NewHub builds a Hub backed by store, logging through log (or a no-op
// logger if nil).
func NewHub(store *relaystore.Store, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		store:    store,
		log:      log,
		byGroup:  make(map[string]map[*Client]bool),
		limiters: make(map[string]*machineLimiter),
	}
}

// Client is one authenticated WebSocket connection to a single machine.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan wireproto.Frame
	MachineID string
	Groups    []string
	seq       uint64
}

// Register adds client to every group it belongs to and starts its
// read/write pumps. ctx controls the connection's lifetime.
func (h *Hub) Register(ctx context.Context, conn *websocket.Conn, machineID string, groups []string) *Client {
	c := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan wireproto.Frame, sendQueueCapacity),
		MachineID: machineID,
		Groups:    groups,
	}
	h.mu.Lock()
	for _, g := range groups {
		if h.byGroup[g] == nil {
			h.byGroup[g] = make(map[*Client]bool)
		}
		h.byGroup[g][c] = true
	}
	h.mu.Unlock()

	h.log.Info("client registered", zap.String("machine_id", machineID), zap.Strings("groups", groups))

	go c.writePump()
	go c.readPump(ctx)
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	for _, g := range c.Groups {
		if set, ok := h.byGroup[g]; ok {
			if _, present := set[c]; present {
				delete(set, c)
				close(c.send)
			}
			if len(set) == 0 {
				delete(h.byGroup, g)
			}
		}
	}
	h.mu.Unlock()
	h.log.Info("client unregistered", zap.String("machine_id", c.MachineID))
}

// BroadcastToGroup durably persists nothing itself (callers persist first)
// and fans frame out to every connected member of group except exclude.
func (h *Hub) BroadcastToGroup(group string, frame wireproto.Frame, exclude *Client) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.byGroup[group] {
		if c == exclude {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if set, ok := h.byGroup[group]; ok {
			if _, present := set[c]; present {
				delete(set, c)
				close(c.send)
				h.log.Warn("dropping slow consumer", zap.String("machine_id", c.MachineID), zap.String("group", group))
			}
		}
	}
	h.mu.Unlock()
}

// SendTo delivers frame to a single client's outbound queue, dropping it if
// the client is a slow consumer (used for key_response routing).
func (h *Hub) SendTo(c *Client, frame wireproto.Frame) {
	select {
	case c.send <- frame:
	default:
		h.log.Warn("dropping frame for slow consumer", zap.String("machine_id", c.MachineID))
	}
}

// FindByMachineID returns a connected client for machineID within group, if any.
func (h *Hub) FindByMachineID(group, machineID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byGroup[group] {
		if c.MachineID == machineID {
			return c
		}
	}
	return nil
}

// ActiveCount returns the number of distinct connected clients across every
// group (a client in several groups is counted once).
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Client]bool)
	for _, clients := range h.byGroup {
		for c := range clients {
			seen[c] = true
		}
	}
	return len(seen)
}

// Allow applies the per-machine frames/sec and bytes/sec rate guard. It
// returns ok=false and a retry-after duration when the caller should emit
// a throttle frame instead of processing the message.
func (h *Hub) Allow(machineID string, frameBytes int) (ok bool, retryAfter time.Duration) {
	h.limMu.Lock()
	lim, exists := h.limiters[machineID]
	if !exists {
		lim = &machineLimiter{
			frames: rate.NewLimiter(rate.Limit(framesPerSecond), framesBurst),
			bytes:  rate.NewLimiter(rate.Limit(bytesPerSecond), bytesBurst),
		}
		h.limiters[machineID] = lim
	}
	h.limMu.Unlock()

	frameRes := lim.frames.ReserveN(time.Now(), 1)
	bytesRes := lim.bytes.ReserveN(time.Now(), frameBytes)
	if !frameRes.OK() || !bytesRes.OK() {
		frameRes.Cancel()
		bytesRes.Cancel()
		return false, 0
	}
	delay := frameRes.Delay()
	if bytesRes.Delay() > delay {
		delay = bytesRes.Delay()
	}
	if delay > 0 {
		frameRes.Cancel()
		bytesRes.Cancel()
		return false, delay
	}
	return true, 0
}

// NextSeq returns the next monotonic sequence number for this connection.
func (c *Client) NextSeq() uint64 {
	c.seq++
	return c.seq
}

// Send enqueues frame for delivery to this client.
func (c *Client) Send(frame wireproto.Frame) {
	select {
	case c.send <- frame:
	default:
		c.hub.log.Warn("dropping frame, client send queue full", zap.String("machine_id", c.MachineID))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump is driven by the caller's dispatch loop via ReadFrame; it only
// maintains liveness deadlines here. Frame dispatch (alias_write,
// history_batch, key_request, ...) lives in internal/relayapi, which owns
// protocol semantics the hub itself stays agnostic to.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	<-ctx.Done()
}

// ReadFrame blocks for the next inbound frame from this client.
func (c *Client) ReadFrame() (wireproto.Frame, error) {
	var f wireproto.Frame
	err := c.conn.ReadJSON(&f)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return f, err
}

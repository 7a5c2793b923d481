// Package ingest runs the local Unix-domain socket listener shell hooks
// write history entries to. It follows core/network.go's shape for a
// listen/accept loop logged through logrus, cut down from a libp2p peer
// transport to a single local socket that only this user can reach.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shellsync/internal/apperr"
	"shellsync/internal/cryptoprim"
	"shellsync/internal/model"
)

// Envelope is the newline-delimited JSON record a shell hook writes to the
// socket for one executed command.
type Envelope struct {
	Kind       string `json:"kind"` // always "exec"
	Command    string `json:"command"`
	Cwd        string `json:"cwd"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	SessionID  string `json:"session_id"`
	Shell      string `json:"shell"`
	Timestamp  int64  `json:"timestamp"`
	Group      string `json:"group,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
}

// queueCapacity bounds the number of parsed entries buffered between the
// socket readers and the consumer; requires dropping the
// oldest entry rather than blocking the shell when the consumer falls behind.
const queueCapacity = 512

// Listener accepts exec envelopes over a Unix socket and feeds them, already
// converted to model.HistoryEntry with fields encrypted, to a bounded queue.
type Listener struct {
	socketPath string
	defaultGrp string
	log        *logrus.Logger

	groupKey func(group string) ([]byte, error)

	mu      sync.Mutex
	queue   []model.HistoryEntry
	dropped uint64
	signal  chan struct{}

	ln net.Listener
}

// New constructs a Listener. groupKey resolves a group name to its current
// symmetric key (internal/keymanager.Manager.GroupKey); defaultGroup is used
// for envelopes that omit Group.
func New(socketPath, defaultGroup string, groupKey func(string) ([]byte, error), log *logrus.Logger) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Listener{
		socketPath: socketPath,
		defaultGrp: defaultGroup,
		groupKey:   groupKey,
		log:        log,
		signal:     make(chan struct{}, 1),
	}
}

// Start binds the Unix socket (mode 0600) and begins accepting connections
// in the background. Call Close to stop.
func (l *Listener) Start(ctx context.Context) error {
	_ = os.Remove(l.socketPath)
	ln, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "listen on ingest socket")
	}
	if err := os.Chmod(l.socketPath, 0o600); err != nil {
		ln.Close()
		return apperr.Wrap(apperr.Fatal, err, "chmod ingest socket")
	}
	l.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go l.acceptLoop()
	return nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.log.WithError(err).Debug("ingest listener stopped accepting")
			return
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			l.log.WithError(err).Warn("ingest: dropping malformed envelope")
			continue
		}
		if err := l.accept(env); err != nil {
			l.log.WithError(err).Warn("ingest: dropping invalid envelope")
		}
	}
	if err := scanner.Err(); err != nil {
		l.log.WithError(err).Debug("ingest connection read error")
	}
}

func (l *Listener) accept(env Envelope) error {
	if env.Kind != "" && env.Kind != "exec" {
		return apperr.New(apperr.Validation, "unknown envelope kind "+env.Kind)
	}
	group := env.Group
	if group == "" {
		group = l.defaultGrp
	}
	if group == "" {
		return apperr.New(apperr.Validation, "no group configured for ingest")
	}
	key, err := l.groupKey(group)
	if err != nil {
		return err
	}

	h := model.HistoryEntry{
		ID:        uuid.NewString(),
		Group:     group,
		SessionID: env.SessionID,
		Timestamp: env.Timestamp,
		Shell:     env.Shell,
	}
	if h.Timestamp == 0 {
		h.Timestamp = time.Now().UnixMilli()
	}

	fields := map[string]string{
		"command":  env.Command,
		"cwd":      env.Cwd,
		"hostname": env.Hostname,
	}
	sealed := map[string][2][]byte{}
	for name, plain := range fields {
		ct, nonce, err := cryptoprim.SealField(key, group, []byte(plain))
		if err != nil {
			return apperr.Wrap(apperr.Fatal, err, "seal "+name)
		}
		sealed[name] = [2][]byte{ct, nonce}
	}
	exitCT, exitN, err := cryptoprim.SealField(key, group, []byte(strconv.Itoa(env.ExitCode)))
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "seal exit_code")
	}
	durCT, durN, err := cryptoprim.SealField(key, group, []byte(strconv.FormatInt(env.DurationMS, 10)))
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "seal duration")
	}

	h.CommandCT, h.CommandN = sealed["command"][0], sealed["command"][1]
	h.CwdCT, h.CwdN = sealed["cwd"][0], sealed["cwd"][1]
	h.HostnameCT, h.HostnameN = sealed["hostname"][0], sealed["hostname"][1]
	h.ExitCodeCT, h.ExitCodeN = exitCT, exitN
	h.DurationCT, h.DurationN = durCT, durN

	l.push(h)
	return nil
}

// push enqueues h, dropping the oldest queued entry if the queue is full.
func (l *Listener) push(h model.HistoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) >= queueCapacity {
		l.queue = l.queue[1:]
		l.dropped++
		l.log.WithField("dropped_total", l.dropped).Warn("ingest queue full, dropping oldest entry")
	}
	l.queue = append(l.queue, h)
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Drain removes and returns up to max queued entries.
func (l *Listener) Drain(max int) []model.HistoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if max <= 0 || max > len(l.queue) {
		max = len(l.queue)
	}
	out := make([]model.HistoryEntry, max)
	copy(out, l.queue[:max])
	l.queue = l.queue[max:]
	return out
}

// Signal returns a channel readable once whenever new entries are queued.
func (l *Listener) Signal() <-chan struct{} { return l.signal }

// Dropped returns the cumulative count of entries dropped for queue overflow.
func (l *Listener) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close stops accepting connections and removes the socket file.
func (l *Listener) Close() error {
	if l.ln != nil {
		l.ln.Close()
	}
	return os.Remove(l.socketPath)
}

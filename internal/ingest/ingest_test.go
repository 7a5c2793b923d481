package ingest

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shellsync/internal/cryptoprim"
	"shellsync/internal/testutil"
)

func newTestListener(t *testing.T, groupKey func(string) ([]byte, error)) (*Listener, string) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup() })

	socketPath := sb.Path("ingest.sock")
	l := New(socketPath, "default", groupKey, nil)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l, socketPath
}

func writeEnvelope(t *testing.T, socketPath string, env Envelope) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	line, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)
}

func waitForQueue(t *testing.T, l *Listener, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		l.mu.Lock()
		got := len(l.queue)
		l.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-l.Signal():
		case <-deadline:
			t.Fatalf("timed out waiting for %d queued entries, got %d", n, got)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestAcceptQueuesEncryptedEntry(t *testing.T) {
	key, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)

	l, sock := newTestListener(t, func(group string) ([]byte, error) { return key, nil })
	writeEnvelope(t, sock, Envelope{
		Kind:      "exec",
		Command:   "git status",
		Cwd:       "/home/u",
		ExitCode:  0,
		SessionID: "s1",
		Shell:     "bash",
		Group:     "default",
	})
	waitForQueue(t, l, 1)

	entries := l.Drain(10)
	require.Len(t, entries, 1)
	require.Equal(t, "default", entries[0].Group)
	require.NotEmpty(t, entries[0].CommandCT)

	plain, err := cryptoprim.OpenField(key, "default", entries[0].CommandCT, entries[0].CommandN)
	require.NoError(t, err)
	require.Equal(t, "git status", string(plain))
}

func TestAcceptUsesDefaultGroupWhenOmitted(t *testing.T) {
	key, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)

	l, sock := newTestListener(t, func(group string) ([]byte, error) { return key, nil })
	writeEnvelope(t, sock, Envelope{Kind: "exec", Command: "ls", SessionID: "s1"})
	waitForQueue(t, l, 1)

	entries := l.Drain(10)
	require.Len(t, entries, 1)
	require.Equal(t, "default", entries[0].Group)
}

func TestAcceptRejectsUnknownKind(t *testing.T) {
	l, sock := newTestListener(t, func(group string) ([]byte, error) {
		key, _ := cryptoprim.GenerateGroupKey()
		return key, nil
	})
	writeEnvelope(t, sock, Envelope{Kind: "weird", Command: "ls"})

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, l.Drain(10))
}

func TestAcceptIgnoresMalformedJSON(t *testing.T) {
	l, sock := newTestListener(t, func(group string) ([]byte, error) {
		key, _ := cryptoprim.GenerateGroupKey()
		return key, nil
	})

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, l.Drain(10))
}

func TestPushDropsOldestWhenQueueFull(t *testing.T) {
	key, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)
	l, sock := newTestListener(t, func(group string) ([]byte, error) { return key, nil })

	for i := 0; i < queueCapacity+5; i++ {
		writeEnvelope(t, sock, Envelope{Kind: "exec", Command: "c", SessionID: "s", Group: "default"})
	}
	waitForQueue(t, l, queueCapacity)

	require.Equal(t, uint64(5), l.Dropped())
	entries := l.Drain(queueCapacity + 5)
	require.Len(t, entries, queueCapacity)
}

func TestDrainRespectsMax(t *testing.T) {
	key, err := cryptoprim.GenerateGroupKey()
	require.NoError(t, err)
	l, sock := newTestListener(t, func(group string) ([]byte, error) { return key, nil })

	for i := 0; i < 5; i++ {
		writeEnvelope(t, sock, Envelope{Kind: "exec", Command: "c", SessionID: "s", Group: "default"})
	}
	waitForQueue(t, l, 5)

	first := l.Drain(2)
	require.Len(t, first, 2)
	rest := l.Drain(10)
	require.Len(t, rest, 3)
}

// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
)

// loopback is 127.0.0.1 in host order.
const loopback uint32 = 0x7f000001

// asyncTimeout bounds every asynchronous expectation.
const asyncTimeout = time.Second

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. Workers log from their own goroutines: inspect the slice
// only after Close has joined them.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var (
		mu      sync.Mutex
		records []slog.Record
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordAttrs flattens the attributes of a record into a map.
func recordAttrs(record slog.Record) map[string]slog.Value {
	attrs := make(map[string]slog.Value)
	record.Attrs(func(attr slog.Attr) bool {
		attrs[attr.Key] = attr.Value
		return true
	})
	return attrs
}

// recordMessages returns the messages of the given records in order.
func recordMessages(records []slog.Record) []string {
	var out []string
	for _, record := range records {
		out = append(out, record.Message)
	}
	return out
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network].
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.UDPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.UDPAddr{} },
	}
}

// inbox collects the bytes and events a Connection delivers to its callbacks.
type inbox struct {
	mu     sync.Mutex
	data   []byte
	broken chan struct{}
	once   sync.Once
}

func newInbox() *inbox {
	return &inbox{broken: make(chan struct{})}
}

// onMessage is a [MessageFunc].
func (b *inbox) onMessage(data []byte) {
	b.mu.Lock()
	b.data = append(b.data, data...)
	b.mu.Unlock()
}

// onBroken is a [BrokenFunc] that fails the test if called twice.
func (b *inbox) onBroken() {
	called := true
	b.once.Do(func() {
		called = false
		close(b.broken)
	})
	if called {
		panic("onBroken called twice")
	}
}

// bytes returns a copy of the received bytes.
func (b *inbox) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// waitBroken fails the test unless onBroken fires within asyncTimeout.
func (b *inbox) waitBroken(t *testing.T) {
	t.Helper()
	select {
	case <-b.broken:
	case <-time.After(asyncTimeout):
		t.Fatal("onBroken was not called in time")
	}
}

// isBroken reports whether onBroken was called.
func (b *inbox) isBroken() bool {
	select {
	case <-b.broken:
		return true
	default:
		return false
	}
}

// waitBytes fails the test unless at least n bytes arrive within asyncTimeout.
func (b *inbox) waitBytes(t *testing.T, n int) []byte {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(b.bytes()) >= n
	}, asyncTimeout, time.Millisecond)
	return b.bytes()
}

// startListener opens a Connection-mode endpoint on loopback with an
// ephemeral port and returns it along with a channel of accepted connections.
func startListener(t *testing.T) (*Endpoint, chan *Connection) {
	t.Helper()
	accepted := make(chan *Connection, 16)
	ep := NewEndpoint(NewConfig(), DefaultSLogger())
	err := ep.Open(func(conn *Connection) {
		accepted <- conn
	}, nil, ModeConnection, loopback, 0, 0)
	require.NoError(t, err)
	t.Cleanup(ep.Close)
	require.NotZero(t, ep.BoundPort())
	return ep, accepted
}

// acceptOne waits for one connection to be accepted.
func acceptOne(t *testing.T, accepted chan *Connection) *Connection {
	t.Helper()
	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close(false) })
		return conn
	case <-time.After(asyncTimeout):
		t.Fatal("no connection accepted in time")
		return nil
	}
}

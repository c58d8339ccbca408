// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A read event enumerated by a write-only wait is reported by the next
// read wait instead of being lost.
func TestPollerKeepsReadAcrossWriteWait(t *testing.T) {
	server, client := newConnectedPair(t)

	// Data is already queued when the poller first enumerates events.
	n, err := Send(server, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	time.Sleep(50 * time.Millisecond)

	signal, err := NewSignal()
	require.NoError(t, err)
	defer signal.Close()
	poller, err := NewPoller(client, signal)
	require.NoError(t, err)
	defer poller.Close()

	ready, err := poller.Wait(InterestWrite)
	require.NoError(t, err)
	require.True(t, ready.Writable)

	results := make(chan Ready, 1)
	go func() {
		ready, err := poller.Wait(InterestRead)
		assert.NoError(t, err)
		results <- ready
	}()
	select {
	case ready = <-results:
	case <-time.After(time.Second):
		signal.Set()
		t.Fatal("read event lost by the write wait")
	}
	assert.True(t, ready.Readable)

	buf := make([]byte, 16)
	n, err = Recv(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

// A peer close stays reported until the reader sees end of stream.
func TestPollerCloseStaysPending(t *testing.T) {
	server, client := newConnectedPair(t)

	signal, err := NewSignal()
	require.NoError(t, err)
	defer signal.Close()
	poller, err := NewPoller(client, signal)
	require.NoError(t, err)
	defer poller.Close()

	_, err = Send(server, []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, ShutdownWrite(server))

	buf := make([]byte, 16)
	var got []byte
	require.Eventually(t, func() bool {
		ready, err := poller.Wait(InterestRead)
		require.NoError(t, err)
		if !ready.Readable {
			return false
		}
		n, err := Recv(client, buf)
		if IsWouldBlock(err) {
			return false
		}
		require.NoError(t, err)
		got = append(got, buf[:n]...)
		return n == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "bye", string(got))
}

// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopback = 0x7f000001

// newConnectedPair returns a listener-accepted server socket and its client.
func newConnectedPair(t *testing.T) (FD, FD) {
	listener, err := NewStream()
	require.NoError(t, err)
	t.Cleanup(func() { Close(listener) })
	require.NoError(t, PrepareListener(listener))
	require.NoError(t, Bind(listener, loopback, 0))
	require.NoError(t, Listen(listener, 8))
	_, port, err := LocalAddr(listener)
	require.NoError(t, err)
	require.NotZero(t, port)

	client, err := NewStream()
	require.NoError(t, err)
	t.Cleanup(func() { Close(client) })
	if err := StartConnect(client, loopback, port); err != nil {
		require.True(t, IsInProgress(err), "unexpected connect error: %v", err)
	}

	var server FD = Invalid
	require.Eventually(t, func() bool {
		fd, address, _, err := Accept(listener)
		if IsWouldBlock(err) {
			return false
		}
		require.NoError(t, err)
		assert.Equal(t, uint32(loopback), address)
		server = fd
		return true
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { Close(server) })
	return server, client
}

// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/bassosimone/nbnet/internal/sockio"
	"github.com/bassosimone/safeconn"
)

// ErrNotAdoptable is returned by [AdoptConn] for connections that do not
// wrap an IPv4 TCP socket.
var ErrNotAdoptable = errors.New("nbnet: connection cannot be adopted")

// AdoptConn turns an established TCP connection (e.g., from [net.Dial])
// into an already connected [*Connection] ready for [*Connection.Process].
//
// The socket is duplicated and conn is closed, so the returned connection
// is the only owner of the socket. On failure, conn is left untouched.
// Adoption is not available on windows.
func AdoptConn(cfg *Config, logger SLogger, conn net.Conn) (*Connection, error) {
	c := NewConnection(cfg, logger)
	t0 := c.TimeNow()
	spanID := NewSpanID()
	sess, err := c.adopt(conn, spanID)
	c.logAdoptDone(conn, spanID, t0, err)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.install(sess)
	c.mu.Unlock()
	conn.Close()
	return c, nil
}

func (c *Connection) adopt(conn net.Conn, spanID string) (*connSession, error) {
	// 1. Make sure we are dealing with a TCP socket
	if network := safeconn.Network(conn); network != "tcp" {
		return nil, fmt.Errorf("%w: network %q", ErrNotAdoptable, network)
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no file descriptor", ErrNotAdoptable, conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	// 2. Duplicate the socket
	sock := sockio.Invalid
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		sock, dupErr = sockio.Dup(fd)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("dup: %w", dupErr)
	}

	// 3. Read back the addresses, which must be IPv4
	boundAddress, boundPort, err := sockio.LocalAddr(sock)
	if err != nil {
		sockio.Close(sock)
		return nil, fmt.Errorf("%w: %w", ErrNotAdoptable, err)
	}
	peerAddress, peerPort, err := sockio.PeerAddr(sock)
	if err != nil {
		sockio.Close(sock)
		return nil, fmt.Errorf("%w: %w", ErrNotAdoptable, err)
	}

	// 4. Attach the poller
	sess, err := newSession(sock, spanID)
	if err != nil {
		sockio.Close(sock)
		return nil, err
	}
	sess.localAddr = addrPortString(boundAddress, boundPort)
	sess.remoteAddr = addrPortString(peerAddress, peerPort)

	c.mu.Lock()
	c.peerAddress, c.peerPort = peerAddress, peerPort
	c.boundAddress, c.boundPort = boundAddress, boundPort
	c.mu.Unlock()
	return sess, nil
}

func (c *Connection) logAdoptDone(conn net.Conn, spanID string, t0 time.Time, err error) {
	c.Logger.Info(
		"adoptDone",
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.String("spanID", spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
}

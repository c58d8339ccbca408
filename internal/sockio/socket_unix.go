//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/Psiphon-Labs/psiphon-tunnel-core/blob/master/psiphon/TCPConn_bind.go
//

package sockio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// FD is an OS socket descriptor.
type FD int

// Invalid is the sentinel for "no socket".
const Invalid FD = -1

// NewStream creates a non-blocking IPv4 TCP socket.
func NewStream() (FD, error) {
	return newSocket(unix.SOCK_STREAM)
}

// NewDatagram creates a non-blocking IPv4 UDP socket.
func NewDatagram() (FD, error) {
	return newSocket(unix.SOCK_DGRAM)
}

func newSocket(sotype int) (FD, error) {
	fd, err := unix.Socket(unix.AF_INET, sotype, 0)
	if err != nil {
		return Invalid, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return Invalid, err
	}
	return FD(fd), nil
}

// Dup duplicates a descriptor owned by someone else (e.g. a [net.Conn])
// into a non-blocking descriptor owned by the caller.
func Dup(fd uintptr) (FD, error) {
	nfd, err := unix.Dup(int(fd))
	if err != nil {
		return Invalid, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return Invalid, err
	}
	return FD(nfd), nil
}

func sockaddr(address uint32, port uint16) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(port), Addr: addrBytes(address)}
}

func fromSockaddr(sa unix.Sockaddr) (uint32, uint16, error) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, 0, ErrNotIPv4
	}
	return addrFromBytes(sa4.Addr), uint16(sa4.Port), nil
}

// Bind binds the socket to the given address and port (zero means any).
func Bind(fd FD, address uint32, port uint16) error {
	return unix.Bind(int(fd), sockaddr(address, port))
}

// PrepareListener sets the options a listening socket needs before bind.
func PrepareListener(fd FD) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// Listen marks the socket as accepting connections.
func Listen(fd FD, backlog int) error {
	return unix.Listen(int(fd), backlog)
}

// StartConnect begins a non-blocking connect. A nil return means the
// connection is established. An error for which [IsInProgress] is true
// means the caller must wait for writability and then call [SocketError].
func StartConnect(fd FD, address uint32, port uint16) error {
	return unix.Connect(int(fd), sockaddr(address, port))
}

// SocketError fetches and clears the socket's pending error. After a
// non-blocking connect, this is the outcome of the connect.
func SocketError(fd FD) error {
	value, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if value != 0 {
		return unix.Errno(value)
	}
	return nil
}

// Accept accepts a pending connection and returns its non-blocking
// descriptor along with the peer address and port.
func Accept(fd FD) (FD, uint32, uint16, error) {
	nfd, sa, err := unix.Accept(int(fd))
	if err != nil {
		return Invalid, 0, 0, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return Invalid, 0, 0, err
	}
	address, port, err := fromSockaddr(sa)
	if err != nil {
		unix.Close(nfd)
		return Invalid, 0, 0, err
	}
	return FD(nfd), address, port, nil
}

// LocalAddr returns the address and port the socket is bound to.
func LocalAddr(fd FD) (uint32, uint16, error) {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return 0, 0, err
	}
	return fromSockaddr(sa)
}

// PeerAddr returns the address and port of the connected peer.
func PeerAddr(fd FD) (uint32, uint16, error) {
	sa, err := unix.Getpeername(int(fd))
	if err != nil {
		return 0, 0, err
	}
	return fromSockaddr(sa)
}

// Recv reads from a connected socket. A zero count with a nil error
// means the peer closed its sending direction.
func Recv(fd FD, buf []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Send writes to a connected socket and returns the number of bytes the
// kernel accepted.
func Send(fd FD, buf []byte) (int, error) {
	for {
		n, err := unix.Write(int(fd), buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// RecvFrom reads one datagram and returns its sender.
func RecvFrom(fd FD, buf []byte) (int, uint32, uint16, error) {
	for {
		n, sa, err := unix.Recvfrom(int(fd), buf, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, 0, 0, err
		}
		address, port, err := fromSockaddr(sa)
		if err != nil {
			return 0, 0, 0, err
		}
		return n, address, port, nil
	}
}

// SendTo sends buf as a single datagram.
func SendTo(fd FD, buf []byte, address uint32, port uint16) error {
	for {
		err := unix.Sendto(int(fd), buf, 0, sockaddr(address, port))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// ShutdownWrite half-closes the socket's sending direction.
func ShutdownWrite(fd FD) error {
	return unix.Shutdown(int(fd), unix.SHUT_WR)
}

// Close releases the descriptor.
func Close(fd FD) error {
	return unix.Close(int(fd))
}

// SetReuseAddr allows several sockets to bind the same port.
func SetReuseAddr(fd FD) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetMulticastInterface selects the interface outgoing multicast uses.
func SetMulticastInterface(fd FD, iface uint32) error {
	return unix.SetsockoptInet4Addr(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_IF, addrBytes(iface))
}

// SetMulticastLoopback controls whether outgoing multicast is looped back.
func SetMulticastLoopback(fd FD, enabled bool) error {
	var value byte
	if enabled {
		value = 1
	}
	return unix.SetsockoptByte(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, value)
}

// JoinGroup joins the multicast group on the interface with the given address.
func JoinGroup(fd FD, group, iface uint32) error {
	mreq := &unix.IPMreq{Multiaddr: addrBytes(group), Interface: addrBytes(iface)}
	return unix.SetsockoptIPMreq(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
}

// IsWouldBlock reports whether err means "not ready, wait and retry".
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsInProgress reports whether a [StartConnect] error means "pending".
func IsInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EINTR)
}

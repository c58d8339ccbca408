//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// FD is an OS socket handle.
type FD windows.Handle

// Invalid is the sentinel for "no socket".
const Invalid = FD(windows.InvalidHandle)

var (
	modws2_32                = windows.NewLazySystemDLL("ws2_32.dll")
	procAccept               = modws2_32.NewProc("accept")
	procWSAEventSelect       = modws2_32.NewProc("WSAEventSelect")
	procWSAEnumNetworkEvents = modws2_32.NewProc("WSAEnumNetworkEvents")
)

// ErrUnsupported is returned by operations windows cannot provide.
var ErrUnsupported = errors.New("sockio: operation not supported on windows")

// NewStream creates an IPv4 TCP socket. The socket becomes non-blocking
// once a [Poller] is attached to it.
func NewStream() (FD, error) {
	fd, err := windows.Socket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	return FD(fd), err
}

// NewDatagram creates an IPv4 UDP socket. The socket becomes non-blocking
// once a [Poller] is attached to it.
func NewDatagram() (FD, error) {
	fd, err := windows.Socket(windows.AF_INET, windows.SOCK_DGRAM, windows.IPPROTO_UDP)
	return FD(fd), err
}

// Dup is not available on windows: duplicating a socket owned by the Go
// runtime requires WSADuplicateSocket and a process round trip.
func Dup(fd uintptr) (FD, error) {
	return Invalid, ErrUnsupported
}

func sockaddr(address uint32, port uint16) *windows.SockaddrInet4 {
	return &windows.SockaddrInet4{Port: int(port), Addr: addrBytes(address)}
}

func fromSockaddr(sa windows.Sockaddr) (uint32, uint16, error) {
	sa4, ok := sa.(*windows.SockaddrInet4)
	if !ok {
		return 0, 0, ErrNotIPv4
	}
	return addrFromBytes(sa4.Addr), uint16(sa4.Port), nil
}

// Bind binds the socket to the given address and port (zero means any).
func Bind(fd FD, address uint32, port uint16) error {
	return windows.Bind(windows.Handle(fd), sockaddr(address, port))
}

// PrepareListener sets the options a listening socket needs before bind.
//
// SO_REUSEADDR on windows allows stealing a bound port, so listeners
// are left with the default options.
func PrepareListener(fd FD) error {
	return nil
}

// Listen marks the socket as accepting connections.
func Listen(fd FD, backlog int) error {
	return windows.Listen(windows.Handle(fd), backlog)
}

// StartConnect begins a non-blocking connect. A nil return means the
// connection is established. An error for which [IsInProgress] is true
// means the caller must wait for writability and then call [SocketError].
func StartConnect(fd FD, address uint32, port uint16) error {
	return windows.Connect(windows.Handle(fd), sockaddr(address, port))
}

// SocketError fetches and clears the socket's pending error. After a
// non-blocking connect, this is the outcome of the connect.
func SocketError(fd FD) error {
	value, err := windows.GetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_ERROR)
	if err != nil {
		return err
	}
	if value != 0 {
		return syscall.Errno(value)
	}
	return nil
}

// Accept accepts a pending connection and returns its handle along with
// the peer address and port. The accepted socket inherits the listener's
// non-blocking mode.
func Accept(fd FD) (FD, uint32, uint16, error) {
	var rsa windows.RawSockaddrInet4
	size := int32(unsafe.Sizeof(rsa))
	r1, _, e1 := procAccept.Call(uintptr(fd), uintptr(unsafe.Pointer(&rsa)), uintptr(unsafe.Pointer(&size)))
	nfd := FD(r1)
	if nfd == Invalid {
		return Invalid, 0, 0, e1
	}
	if rsa.Family != windows.AF_INET {
		windows.Closesocket(windows.Handle(nfd))
		return Invalid, 0, 0, ErrNotIPv4
	}
	port := uint16(rsa.Port>>8) | uint16(rsa.Port<<8)
	return nfd, addrFromBytes(rsa.Addr), port, nil
}

// LocalAddr returns the address and port the socket is bound to.
func LocalAddr(fd FD) (uint32, uint16, error) {
	sa, err := windows.Getsockname(windows.Handle(fd))
	if err != nil {
		return 0, 0, err
	}
	return fromSockaddr(sa)
}

// PeerAddr returns the address and port of the connected peer.
func PeerAddr(fd FD) (uint32, uint16, error) {
	sa, err := windows.Getpeername(windows.Handle(fd))
	if err != nil {
		return 0, 0, err
	}
	return fromSockaddr(sa)
}

// Recv reads from a connected socket. A zero count with a nil error
// means the peer closed its sending direction.
func Recv(fd FD, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	wsabuf := windows.WSABuf{Len: uint32(len(buf)), Buf: &buf[0]}
	var received, flags uint32
	if err := windows.WSARecv(windows.Handle(fd), &wsabuf, 1, &received, &flags, nil, nil); err != nil {
		return 0, err
	}
	return int(received), nil
}

// Send writes to a connected socket and returns the number of bytes the
// kernel accepted.
func Send(fd FD, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	wsabuf := windows.WSABuf{Len: uint32(len(buf)), Buf: &buf[0]}
	var sent uint32
	if err := windows.WSASend(windows.Handle(fd), &wsabuf, 1, &sent, 0, nil, nil); err != nil {
		return 0, err
	}
	return int(sent), nil
}

// RecvFrom reads one datagram and returns its sender.
func RecvFrom(fd FD, buf []byte) (int, uint32, uint16, error) {
	n, sa, err := windows.Recvfrom(windows.Handle(fd), buf, 0)
	if err != nil {
		return 0, 0, 0, err
	}
	address, port, err := fromSockaddr(sa)
	if err != nil {
		return 0, 0, 0, err
	}
	return n, address, port, nil
}

// SendTo sends buf as a single datagram.
func SendTo(fd FD, buf []byte, address uint32, port uint16) error {
	return windows.Sendto(windows.Handle(fd), buf, 0, sockaddr(address, port))
}

// ShutdownWrite half-closes the socket's sending direction.
func ShutdownWrite(fd FD) error {
	return windows.Shutdown(windows.Handle(fd), windows.SHUT_WR)
}

// Close releases the socket.
func Close(fd FD) error {
	return windows.Closesocket(windows.Handle(fd))
}

// SetReuseAddr allows several sockets to bind the same port.
func SetReuseAddr(fd FD) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// SetMulticastInterface selects the interface outgoing multicast uses.
func SetMulticastInterface(fd FD, iface uint32) error {
	value := addrBytes(iface)
	return windows.Setsockopt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_MULTICAST_IF,
		&value[0], int32(len(value)))
}

// SetMulticastLoopback controls whether outgoing multicast is looped back.
func SetMulticastLoopback(fd FD, enabled bool) error {
	var value int
	if enabled {
		value = 1
	}
	return windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_MULTICAST_LOOP, value)
}

// JoinGroup joins the multicast group on the interface with the given address.
func JoinGroup(fd FD, group, iface uint32) error {
	mreq := windows.IPMreq{Multiaddr: addrBytes(group), Interface: addrBytes(iface)}
	return windows.Setsockopt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_ADD_MEMBERSHIP,
		(*byte)(unsafe.Pointer(&mreq)), int32(unsafe.Sizeof(mreq)))
}

// IsWouldBlock reports whether err means "not ready, wait and retry".
func IsWouldBlock(err error) bool {
	return errors.Is(err, windows.WSAEWOULDBLOCK)
}

// IsInProgress reports whether a [StartConnect] error means "pending".
func IsInProgress(err error) bool {
	return errors.Is(err, windows.WSAEWOULDBLOCK)
}

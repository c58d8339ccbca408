// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

// received is a datagram captured by a packetSink.
type received struct {
	address uint32
	port    uint16
	data    string
}

// packetSink collects the datagrams an Endpoint delivers.
type packetSink struct {
	mu      sync.Mutex
	packets []received
}

// onPacket is a [PacketFunc].
func (s *packetSink) onPacket(address uint32, port uint16, data []byte) {
	s.mu.Lock()
	s.packets = append(s.packets, received{address, port, string(data)})
	s.mu.Unlock()
}

// wait fails the test unless n datagrams arrive within asyncTimeout.
func (s *packetSink) wait(t *testing.T, n int) []received {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.packets) >= n
	}, asyncTimeout, time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.packets...)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "datagram", ModeDatagram.String())
	assert.Equal(t, "connection", ModeConnection.String())
	assert.Equal(t, "multicastSend", ModeMulticastSend.String())
	assert.Equal(t, "multicastReceive", ModeMulticastReceive.String())
	assert.Equal(t, "Mode(42)", Mode(42).String())
}

// NewEndpoint populates all fields from Config and the provided logger.
func TestNewEndpoint(t *testing.T) {
	ep := NewEndpoint(NewConfig(), DefaultSLogger())

	require.NotNil(t, ep)
	assert.Equal(t, "endpoint", ep.Diagnostics.Name())
	assert.NotNil(t, ep.ErrClassifier)
	assert.NotNil(t, ep.Logger)
	assert.NotNil(t, ep.TimeNow)
	assert.Zero(t, ep.BoundPort())
}

// Port zero is replaced by the port the system picked.
func TestEndpointEphemeralPort(t *testing.T) {
	for _, mode := range []Mode{ModeConnection, ModeDatagram} {
		t.Run(mode.String(), func(t *testing.T) {
			logger, records := newCapturingLogger()
			ep := NewEndpoint(NewConfig(), logger)
			require.NoError(t, ep.Open(nil, nil, mode, loopback, 0, 0))

			assert.NotZero(t, ep.BoundPort())
			assert.Equal(t, loopback, ep.BoundAddress())
			assert.Equal(t, mode, ep.Mode())

			ep.Close()
			assert.Zero(t, ep.BoundPort())
			assert.Equal(t, []string{"openStart", "openDone", "closeStart", "closeDone"},
				recordMessages(*records))
		})
	}
}

// Datagrams flow both ways between an Endpoint and a plain UDP socket.
func TestEndpointDatagramRoundTrip(t *testing.T) {
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	peerPort := netip.MustParseAddrPort(peer.LocalAddr().String()).Port()

	sink := &packetSink{}
	ep := NewEndpoint(NewConfig(), DefaultSLogger())
	require.NoError(t, ep.Open(nil, sink.onPacket, ModeDatagram, loopback, 0, 0))
	defer ep.Close()

	// Endpoint to peer: the peer sees the endpoint's bound address as source
	ep.SendPacket(loopback, peerPort, []byte("hello"))
	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(asyncTimeout))
	n, from, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	source := netip.MustParseAddrPort(from.String())
	assert.Equal(t, ep.BoundPort(), source.Port())
	assert.Equal(t, ep.BoundAddress(), IPv4FromAddr(source.Addr()))

	// Peer to endpoint
	_, err = peer.WriteTo([]byte("world"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(ep.BoundPort())})
	require.NoError(t, err)
	got := sink.wait(t, 1)
	assert.Equal(t, []received{{loopback, peerPort, "world"}}, got)
}

// Packets queued by SendPacket leave in order.
func TestEndpointDatagramOrder(t *testing.T) {
	sink := &packetSink{}
	receiver := NewEndpoint(NewConfig(), DefaultSLogger())
	require.NoError(t, receiver.Open(nil, sink.onPacket, ModeDatagram, loopback, 0, 0))
	defer receiver.Close()

	sender := NewEndpoint(NewConfig(), DefaultSLogger())
	require.NoError(t, sender.Open(nil, nil, ModeDatagram, loopback, 0, 0))
	defer sender.Close()

	body := []byte("0")
	for i := range 10 {
		body[0] = byte('0' + i)
		sender.SendPacket(loopback, receiver.BoundPort(), body)
	}

	got := sink.wait(t, 10)
	for i, pkt := range got {
		assert.Equal(t, string(rune('0'+i)), pkt.data)
		assert.Equal(t, sender.BoundPort(), pkt.port)
	}
}

// SendPacket drops packets when closed or in a mode that does not send.
func TestEndpointSendPacketMisuse(t *testing.T) {
	ep := NewEndpoint(NewConfig(), DefaultSLogger())
	fn, records := newDiagnosticsRecorder()
	ep.Diagnostics.Subscribe(fn, LevelWarning)

	ep.SendPacket(loopback, 9, []byte("closed"))

	require.NoError(t, ep.Open(nil, nil, ModeConnection, loopback, 0, 0))
	ep.SendPacket(loopback, 9, []byte("listener"))
	ep.Close()

	require.Len(t, *records, 2)
	assert.Contains(t, (*records)[0].message, "not open")
	assert.Contains(t, (*records)[1].message, "connection mode")
}

// A second Open warns and keeps the first socket; after Close, Open works again.
func TestEndpointReopen(t *testing.T) {
	ep := NewEndpoint(NewConfig(), DefaultSLogger())
	fn, records := newDiagnosticsRecorder()
	ep.Diagnostics.Subscribe(fn, LevelWarning)

	require.NoError(t, ep.Open(nil, nil, ModeDatagram, loopback, 0, 0))
	port := ep.BoundPort()
	require.NoError(t, ep.Open(nil, nil, ModeConnection, loopback, 0, 0))
	assert.Equal(t, port, ep.BoundPort())
	assert.Equal(t, ModeDatagram, ep.Mode())
	require.Len(t, *records, 1)

	ep.Close()
	ep.Close()
	require.NoError(t, ep.Open(nil, nil, ModeConnection, loopback, 0, 0))
	assert.Equal(t, ModeConnection, ep.Mode())
	assert.NotZero(t, ep.BoundPort())
	ep.Close()
}

// Open fails cleanly for unknown modes and unusable addresses.
func TestEndpointOpenErrors(t *testing.T) {
	ep := NewEndpoint(NewConfig(), DefaultSLogger())
	fn, records := newDiagnosticsRecorder()
	ep.Diagnostics.Subscribe(fn, LevelError)

	assert.ErrorIs(t, ep.Open(nil, nil, Mode(42), loopback, 0, 0), ErrInvalidMode)

	// 192.0.2.1 (TEST-NET-1) is not a local address
	require.Error(t, ep.Open(nil, nil, ModeDatagram, 0xc0000201, 0, 0))
	assert.Zero(t, ep.BoundPort())
	assert.Len(t, *records, 2)

	// The endpoint is still usable
	require.NoError(t, ep.Open(nil, nil, ModeDatagram, loopback, 0, 0))
	ep.Close()
}

// Binding a port in use fails without leaving state behind.
func TestEndpointPortInUse(t *testing.T) {
	first := NewEndpoint(NewConfig(), DefaultSLogger())
	require.NoError(t, first.Open(nil, nil, ModeDatagram, loopback, 0, 0))
	defer first.Close()

	second := NewEndpoint(NewConfig(), DefaultSLogger())
	err := second.Open(nil, nil, ModeDatagram, loopback, 0, first.BoundPort())
	require.Error(t, err)
	assert.Zero(t, second.BoundPort())
	second.Close()
}

// Diagnostics of accepted connections reach the endpoint's subscribers.
func TestEndpointChainsConnectionDiagnostics(t *testing.T) {
	ep, accepted := startListener(t)
	fn, records := newDiagnosticsRecorder()
	var mu sync.Mutex
	ep.Diagnostics.Subscribe(func(sender string, level int, message string) {
		mu.Lock()
		defer mu.Unlock()
		fn(sender, level, message)
	}, LevelWarning)

	client := NewConnection(NewConfig(), DefaultSLogger())
	require.NoError(t, client.Connect(loopback, ep.BoundPort()))
	defer client.Close(false)
	server := acceptOne(t, accepted)

	require.NoError(t, server.Process(nil, nil))
	require.NoError(t, server.Process(nil, nil))
	server.Close(false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *records, 1)
	assert.Equal(t, "connection", (*records)[0].sender)
	assert.Equal(t, LevelWarning, (*records)[0].level)
}

// A callback may close its own endpoint without deadlocking.
func TestEndpointCloseFromCallback(t *testing.T) {
	ep := NewEndpoint(NewConfig(), DefaultSLogger())
	closed := make(chan struct{})
	require.NoError(t, ep.Open(nil, func(uint32, uint16, []byte) {
		ep.Close()
		close(closed)
	}, ModeDatagram, loopback, 0, 0))
	port := ep.BoundPort()

	sender := NewEndpoint(NewConfig(), DefaultSLogger())
	require.NoError(t, sender.Open(nil, nil, ModeDatagram, loopback, 0, 0))
	defer sender.Close()
	sender.SendPacket(loopback, port, []byte("stop"))

	select {
	case <-closed:
	case <-time.After(asyncTimeout):
		t.Fatal("callback not invoked in time")
	}
	assert.Zero(t, ep.BoundPort())

	// Open joins the exited worker and starts over
	require.NoError(t, ep.Open(nil, nil, ModeDatagram, loopback, 0, 0))
	ep.Close()
}

// Multicast packets sent through an interface reach a group receiver.
func TestEndpointMulticast(t *testing.T) {
	iface, err := nettest.RoutedInterface("ip4", net.FlagUp|net.FlagMulticast)
	if err != nil {
		t.Skip("no multicast-capable interface:", err)
	}
	var source uint32
	addrs, err := iface.Addrs()
	require.NoError(t, err)
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(ipnet.IP); ok && ip.Unmap().Is4() {
				source = IPv4FromAddr(ip)
				break
			}
		}
	}
	if source == 0 {
		t.Skip("multicast interface has no IPv4 address")
	}

	const group = 0xeffe0102 // 239.254.1.2
	sink := &packetSink{}
	receiver := NewEndpoint(NewConfig(), DefaultSLogger())
	require.NoError(t, receiver.Open(nil, sink.onPacket, ModeMulticastReceive, 0, group, 0))
	defer receiver.Close()
	require.NotZero(t, receiver.BoundPort())

	sender := NewEndpoint(NewConfig(), DefaultSLogger())
	require.NoError(t, sender.Open(nil, nil, ModeMulticastSend, source, 0, 0))
	defer sender.Close()

	// Multicast is lossy: resend until the receiver sees something
	require.Eventually(t, func() bool {
		sender.SendPacket(group, receiver.BoundPort(), []byte("beacon"))
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.packets) > 0
	}, asyncTimeout, 50*time.Millisecond)
	got := sink.wait(t, 1)
	assert.Equal(t, "beacon", got[0].data)
	assert.Equal(t, sender.BoundPort(), got[0].port)
}

// Accepted connections default to being closed when no callback is set.
func TestEndpointNilNewConnectionCallback(t *testing.T) {
	ep := NewEndpoint(NewConfig(), DefaultSLogger())
	require.NoError(t, ep.Open(nil, nil, ModeConnection, loopback, 0, 0))
	defer ep.Close()

	client := NewConnection(NewConfig(), DefaultSLogger())
	require.NoError(t, client.Connect(loopback, ep.BoundPort()))
	defer client.Close(false)

	in := newInbox()
	require.NoError(t, client.Process(in.onMessage, in.onBroken))
	in.waitBroken(t)
}

// A fatal send error stops the endpoint silently: BoundPort drops to zero
// and a later Open works again.
func TestEndpointFatalErrorStops(t *testing.T) {
	ep := NewEndpoint(NewConfig(), DefaultSLogger())
	defer ep.Close()
	stopped := make(chan string, 4)
	ep.Diagnostics.Subscribe(func(_ string, _ int, message string) {
		stopped <- message
	}, LevelError)

	require.NoError(t, ep.Open(nil, nil, ModeDatagram, 0, 0, 0))
	require.NotZero(t, ep.BoundPort())

	// Broadcasting without SO_BROADCAST is refused by the kernel
	ep.SendPacket(0xffffffff, 9, []byte("x"))

	select {
	case message := <-stopped:
		assert.Contains(t, message, "endpoint stopped")
	case <-time.After(asyncTimeout):
		t.Fatal("endpoint did not stop")
	}
	assert.Zero(t, ep.BoundPort())

	// Sending on the stopped endpoint drops the packet
	ep.SendPacket(loopback, 9, []byte("x"))

	// Open reaps the stopped worker and starts a new one
	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	peerPort := netip.MustParseAddrPort(peer.LocalAddr().String()).Port()

	require.NoError(t, ep.Open(nil, nil, ModeDatagram, loopback, 0, 0))
	require.NotZero(t, ep.BoundPort())
	ep.SendPacket(loopback, peerPort, []byte("again"))

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(asyncTimeout))
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "again", string(buf[:n]))
}

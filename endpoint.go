// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/nbnet/internal/sockio"
	"github.com/eapache/queue"
)

// ListenBacklog is the backlog of [ModeConnection] listening sockets.
const ListenBacklog = 128

// ErrInvalidMode is returned by [*Endpoint.Open] for an unknown [Mode].
var ErrInvalidMode = errors.New("nbnet: invalid endpoint mode")

// Mode selects what an [*Endpoint] does with its socket.
type Mode int

const (
	// ModeDatagram binds a UDP socket that sends and receives packets.
	ModeDatagram Mode = iota

	// ModeConnection listens for TCP connections.
	ModeConnection

	// ModeMulticastSend sends UDP packets through a chosen interface.
	ModeMulticastSend

	// ModeMulticastReceive receives the packets of a multicast group.
	ModeMulticastReceive
)

// String implements [fmt.Stringer].
func (m Mode) String() string {
	switch m {
	case ModeDatagram:
		return "datagram"
	case ModeConnection:
		return "connection"
	case ModeMulticastSend:
		return "multicastSend"
	case ModeMulticastReceive:
		return "multicastReceive"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// protocol returns the transport protocol used by the mode.
func (m Mode) protocol() string {
	if m == ModeConnection {
		return "tcp"
	}
	return "udp"
}

// NewConnectionFunc receives a connection accepted by an [*Endpoint].
//
// The connection is not processing yet: the callee owns it and must call
// [*Connection.Process] and eventually [*Connection.Close].
type NewConnectionFunc func(conn *Connection)

// PacketFunc receives a datagram and its sender. The slice is owned by the callee.
type PacketFunc func(address uint32, port uint16, data []byte)

// Endpoint is a bound socket served by a dedicated worker goroutine that
// either accepts connections or exchanges datagrams.
//
// Construct with [NewEndpoint], then call [*Endpoint.Open]. Always call
// [*Endpoint.Close] when done: there is no finalizer.
//
// The exported fields are safe to modify after construction but before the
// first Open. All methods are safe for concurrent use, except that Open
// must not race with itself.
type Endpoint struct {
	// Diagnostics receives the endpoint's diagnostic messages and, chained,
	// those of the connections it accepts.
	//
	// Set by [NewEndpoint] to a sender named "endpoint".
	Diagnostics *DiagnosticsSender

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewEndpoint] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewEndpoint] to the user-provided logger.
	Logger SLogger

	// Resolver is handed to the connections the endpoint accepts.
	//
	// Set by [NewEndpoint] from [Config.Resolver].
	Resolver Resolver

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewEndpoint] from [Config.TimeNow].
	TimeNow func() time.Time

	// mu guards all the fields below.
	mu sync.Mutex

	// sess is the open socket or nil.
	sess *connSession

	mode         Mode
	boundAddress uint32
	boundPort    uint16

	// packets holds *outPacket values waiting to be sent.
	packets *queue.Queue

	onNewConnection NewConnectionFunc
	onPacket        PacketFunc

	// worker is the running or exited-but-not-joined worker.
	worker *endpointWorker
}

// outPacket is a datagram waiting to be sent.
type outPacket struct {
	address uint32
	port    uint16
	body    []byte
}

// endpointWorker tracks one worker goroutine.
type endpointWorker struct {
	done chan struct{}
	goid atomic.Uint64

	// stop is guarded by Endpoint.mu.
	stop bool
}

// NewEndpoint returns a new, closed [*Endpoint].
//
// The cfg argument contains the common configuration for nbnet objects.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewEndpoint(cfg *Config, logger SLogger) *Endpoint {
	return &Endpoint{
		Diagnostics:   NewDiagnosticsSender("endpoint"),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Resolver:      cfg.Resolver,
		TimeNow:       cfg.TimeNow,
	}
}

// Open creates the socket for mode and starts the worker.
//
//   - [ModeConnection] binds localAddress:port, listens and calls
//     onNewConnection for every accepted connection.
//   - [ModeDatagram] binds localAddress:port and calls onPacket for every
//     received datagram; [*Endpoint.SendPacket] sends.
//   - [ModeMulticastSend] sends through the interface with address
//     localAddress, from port (or an ephemeral one), with loopback enabled.
//   - [ModeMulticastReceive] binds port on all interfaces with address reuse,
//     joins groupAddress on every multicast-capable interface that is up and
//     calls onPacket for every received datagram.
//
// Addresses are host-order IPv4 and zero means "any". With port zero, the
// port picked by the system is available through [*Endpoint.BoundPort].
// Callbacks run on the worker goroutine; nil means "ignore".
//
// On failure, the error is also published at [LevelError] and no socket
// survives. Calling Open while open logs a warning and returns nil.
func (ep *Endpoint) Open(onNewConnection NewConnectionFunc, onPacket PacketFunc,
	mode Mode, localAddress, groupAddress uint32, port uint16) error {
	// 1. Refuse to reopen and reap a worker that stopped on its own
	ep.mu.Lock()
	if ep.sess != nil {
		spanID, current := ep.sess.spanID, ep.mode
		ep.mu.Unlock()
		ep.Logger.Warn("openAlreadyOpen", slog.String("mode", current.String()), slog.String("spanID", spanID))
		ep.Diagnostics.Publishf(LevelWarning, "open: already open in %s mode", current)
		return nil
	}
	w := ep.worker
	ep.worker = nil
	ep.mu.Unlock()
	if w != nil && w.goid.Load() != goroutineID() {
		<-w.done
	}

	// 2. Validate
	switch mode {
	case ModeDatagram, ModeConnection, ModeMulticastSend, ModeMulticastReceive:
	default:
		ep.Diagnostics.Publishf(LevelError, "open: %s", mode)
		return ErrInvalidMode
	}
	if onNewConnection == nil {
		onNewConnection = func(conn *Connection) { conn.Close(false) }
	}
	if onPacket == nil {
		onPacket = func(uint32, uint16, []byte) {}
	}

	// 3. Create the socket
	t0 := ep.TimeNow()
	spanID := NewSpanID()
	localAddr := addrPortString(localAddress, port)
	ep.logOpenStart(mode, spanID, localAddr, t0)
	sess, boundAddress, boundPort, err := ep.open(mode, localAddress, groupAddress, port, spanID)
	if err != nil {
		ep.logOpenDone(mode, spanID, localAddr, t0, err)
		ep.Diagnostics.Publishf(LevelError, "open %s on %s: %s", mode, localAddr, err)
		return err
	}
	ep.logOpenDone(mode, spanID, sess.localAddr, t0, nil)

	// 4. Start the worker
	ep.mu.Lock()
	ep.sess = sess
	ep.mode = mode
	ep.boundAddress = boundAddress
	ep.boundPort = boundPort
	ep.packets = queue.New()
	ep.onNewConnection = onNewConnection
	ep.onPacket = onPacket
	w = &endpointWorker{done: make(chan struct{})}
	ep.worker = w
	go ep.run(w, sess, mode)
	ep.mu.Unlock()

	ep.Diagnostics.Publishf(LevelInfo, "opened %s on %s", mode, sess.localAddr)
	return nil
}

func (ep *Endpoint) open(mode Mode, localAddress, groupAddress uint32,
	port uint16, spanID string) (*connSession, uint32, uint16, error) {
	// 1. Create and configure the socket
	var (
		sock sockio.FD
		err  error
	)
	switch mode {
	case ModeConnection:
		sock, err = ep.openListener(localAddress, port)
	case ModeDatagram:
		sock, err = ep.openDatagram(localAddress, port)
	case ModeMulticastSend:
		sock, err = ep.openMulticastSend(localAddress, port)
	case ModeMulticastReceive:
		sock, err = ep.openMulticastReceive(groupAddress, port)
	}
	if err != nil {
		return nil, 0, 0, err
	}

	// 2. Attach the poller
	sess, err := newSession(sock, spanID)
	if err != nil {
		sockio.Close(sock)
		return nil, 0, 0, err
	}

	// 3. Read back the bound address and port
	boundAddress, boundPort, err := sockio.LocalAddr(sock)
	if err != nil {
		sess.close()
		return nil, 0, 0, fmt.Errorf("getsockname: %w", err)
	}
	sess.localAddr = addrPortString(boundAddress, boundPort)
	return sess, boundAddress, boundPort, nil
}

// setup runs the given configuration steps on a new socket, closing the
// socket if any of them fails.
func setup(newSocket func() (sockio.FD, error), steps ...func(sockio.FD) error) (sockio.FD, error) {
	sock, err := newSocket()
	if err != nil {
		return sockio.Invalid, fmt.Errorf("socket: %w", err)
	}
	for _, step := range steps {
		if err := step(sock); err != nil {
			sockio.Close(sock)
			return sockio.Invalid, err
		}
	}
	return sock, nil
}

func bindStep(address uint32, port uint16) func(sockio.FD) error {
	return func(sock sockio.FD) error {
		if err := sockio.Bind(sock, address, port); err != nil {
			return fmt.Errorf("bind: %w", err)
		}
		return nil
	}
}

func (ep *Endpoint) openListener(localAddress uint32, port uint16) (sockio.FD, error) {
	return setup(sockio.NewStream,
		func(sock sockio.FD) error {
			if err := sockio.PrepareListener(sock); err != nil {
				return fmt.Errorf("setsockopt: %w", err)
			}
			return nil
		},
		bindStep(localAddress, port),
		func(sock sockio.FD) error {
			if err := sockio.Listen(sock, ListenBacklog); err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		},
	)
}

func (ep *Endpoint) openDatagram(localAddress uint32, port uint16) (sockio.FD, error) {
	return setup(sockio.NewDatagram, bindStep(localAddress, port))
}

func (ep *Endpoint) openMulticastSend(localAddress uint32, port uint16) (sockio.FD, error) {
	return setup(sockio.NewDatagram,
		func(sock sockio.FD) error {
			if err := sockio.SetMulticastInterface(sock, localAddress); err != nil {
				return fmt.Errorf("multicast interface: %w", err)
			}
			if err := sockio.SetMulticastLoopback(sock, true); err != nil {
				return fmt.Errorf("multicast loopback: %w", err)
			}
			return nil
		},
		bindStep(0, port),
	)
}

func (ep *Endpoint) openMulticastReceive(groupAddress uint32, port uint16) (sockio.FD, error) {
	return setup(sockio.NewDatagram,
		func(sock sockio.FD) error {
			if err := sockio.SetReuseAddr(sock); err != nil {
				return fmt.Errorf("reuse address: %w", err)
			}
			return nil
		},
		bindStep(0, port),
		func(sock sockio.FD) error {
			return ep.joinGroup(sock, groupAddress)
		},
	)
}

// joinGroup joins groupAddress on every multicast-capable interface,
// or on the default interface when there is none.
func (ep *Endpoint) joinGroup(sock sockio.FD, groupAddress uint32) error {
	ifaces := multicastInterfaceAddresses()
	if len(ifaces) == 0 {
		ifaces = []uint32{0}
	}
	group := IPv4ToAddr(groupAddress)
	ep.Diagnostics.PushContext("join " + group.String())
	defer ep.Diagnostics.PopContext()
	for _, iface := range ifaces {
		if err := sockio.JoinGroup(sock, groupAddress, iface); err != nil {
			return fmt.Errorf("join %s on %s: %w", group, IPv4ToAddr(iface), err)
		}
		ep.Diagnostics.Publishf(LevelInfo, "joined on %s", IPv4ToAddr(iface))
	}
	return nil
}

// SendPacket queues a copy of body for address:port and wakes the worker.
//
// It never blocks. Only [ModeDatagram] and [ModeMulticastSend] endpoints
// send: otherwise, or when the endpoint is not open, the packet is
// dropped with a warning.
func (ep *Endpoint) SendPacket(address uint32, port uint16, body []byte) {
	ep.mu.Lock()
	if ep.sess == nil || (ep.mode != ModeDatagram && ep.mode != ModeMulticastSend) {
		open, mode := ep.sess != nil, ep.mode
		ep.mu.Unlock()
		if !open {
			ep.Diagnostics.Publishf(LevelWarning, "send: dropping packet for %s: not open",
				addrPortString(address, port))
			return
		}
		ep.Diagnostics.Publishf(LevelWarning, "send: dropping packet for %s: %s mode does not send",
			addrPortString(address, port), mode)
		return
	}
	ep.packets.Add(&outPacket{address: address, port: port, body: bytes.Clone(body)})
	ep.sess.signal.Set()
	ep.mu.Unlock()
}

// Close stops the worker and releases the socket. Queued packets are
// discarded. Close is idempotent and the endpoint may be opened again.
//
// When called from a callback, Close does not join the worker, which exits
// once the callback returns.
func (ep *Endpoint) Close() {
	ep.mu.Lock()
	w := ep.worker
	ep.worker = nil
	if w != nil {
		w.stop = true
	}
	sess := ep.sess
	ep.sess = nil
	ep.boundPort = 0
	ep.packets = nil
	if sess != nil {
		sess.signal.Set()
	}
	ep.mu.Unlock()

	if w != nil && w.goid.Load() != goroutineID() {
		<-w.done
	}
	if sess != nil {
		ep.release(sess)
		ep.Diagnostics.Publish(LevelInfo, "closed")
	}
}

// Mode returns the mode given to the last successful Open.
func (ep *Endpoint) Mode() Mode {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.mode
}

// BoundAddress returns the host-order IPv4 address the socket is bound to.
func (ep *Endpoint) BoundAddress() uint32 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.boundAddress
}

// BoundPort returns the port the socket is bound to, or zero when the
// endpoint is not open.
func (ep *Endpoint) BoundPort() uint16 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.boundPort
}

// run is the worker goroutine.
func (ep *Endpoint) run(w *endpointWorker, sess *connSession, mode Mode) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	w.goid.Store(goroutineID())
	defer close(w.done)

	err := ep.loop(w, sess, mode)
	ep.teardown(w, sess, err)
}

func (ep *Endpoint) stopped(w *endpointWorker) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return w.stop
}

// loop serves the socket until Close stops it (nil) or a hard error.
func (ep *Endpoint) loop(w *endpointWorker, sess *connSession, mode Mode) error {
	buf := make([]byte, MaxChunkSize)
	for {
		// 1. Wait for readability, writability with pending packets, or a wakeup
		ep.mu.Lock()
		if w.stop {
			ep.mu.Unlock()
			return nil
		}
		var interest sockio.Interest
		if mode != ModeMulticastSend {
			interest |= sockio.InterestRead
		}
		if ep.packets.Length() > 0 {
			interest |= sockio.InterestWrite
		}
		ep.mu.Unlock()

		ready, err := sess.poller.Wait(interest)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		if ready.Woken {
			sess.signal.Clear()
		}
		if ep.stopped(w) {
			return nil
		}

		// 2. Clear errors no I/O call below would collect
		if ready.Failed && interest&sockio.InterestRead == 0 {
			if err := sockio.SocketError(sess.sock); err != nil {
				ep.Diagnostics.Publishf(LevelWarning, "socket error: %s", err)
			}
		}

		// 3. Accept or receive
		if ready.Readable {
			switch mode {
			case ModeConnection:
				ep.accept(sess)
			default:
				if err := ep.receive(sess, buf); err != nil {
					return err
				}
			}
			if ep.stopped(w) {
				return nil
			}
		}

		// 4. Send queued packets
		if err := ep.flush(w, sess); err != nil {
			return err
		}
	}
}

func (ep *Endpoint) accept(sess *connSession) {
	t0 := ep.TimeNow()
	sock, peerAddress, peerPort, err := sockio.Accept(sess.sock)
	if err != nil && sockio.IsWouldBlock(err) {
		return
	}
	if err != nil {
		ep.logAcceptDone(sess, "", t0, err)
		ep.Diagnostics.Publishf(LevelWarning, "accept: %s", err)
		return
	}
	conn, err := ep.newConnection(sock, peerAddress, peerPort)
	if err != nil {
		sockio.Close(sock)
		ep.logAcceptDone(sess, addrPortString(peerAddress, peerPort), t0, err)
		ep.Diagnostics.Publishf(LevelWarning, "accept: %s", err)
		return
	}
	ep.logAcceptDone(sess, conn.sess.remoteAddr, t0, nil)

	ep.mu.Lock()
	onNewConnection := ep.onNewConnection
	ep.mu.Unlock()
	onNewConnection(conn)
}

// newConnection wraps an accepted socket into a connected [*Connection]
// whose diagnostics are chained into the endpoint's.
//
// On failure, the caller still owns sock.
func (ep *Endpoint) newConnection(sock sockio.FD, peerAddress uint32, peerPort uint16) (*Connection, error) {
	boundAddress, boundPort, err := sockio.LocalAddr(sock)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	sess, err := newSession(sock, NewSpanID())
	if err != nil {
		return nil, err
	}
	sess.localAddr = addrPortString(boundAddress, boundPort)
	sess.remoteAddr = addrPortString(peerAddress, peerPort)

	conn := &Connection{
		Diagnostics:   NewDiagnosticsSender("connection"),
		ErrClassifier: ep.ErrClassifier,
		Logger:        ep.Logger,
		Resolver:      ep.Resolver,
		TimeNow:       ep.TimeNow,
		peerAddress:   peerAddress,
		peerPort:      peerPort,
		boundAddress:  boundAddress,
		boundPort:     boundPort,
	}
	conn.Diagnostics.Subscribe(ep.Diagnostics.Chain(), LevelInfo)
	conn.install(sess)
	return conn, nil
}

func (ep *Endpoint) receive(sess *connSession, buf []byte) error {
	t0 := ep.TimeNow()
	count, address, port, err := sockio.RecvFrom(sess.sock, buf)
	if err != nil && sockio.IsWouldBlock(err) {
		return nil
	}
	ep.logPacket("recvFromDone", sess, addrPortString(address, port), t0, count, err)
	if err != nil {
		return fmt.Errorf("recvfrom: %w", err)
	}
	ep.mu.Lock()
	onPacket := ep.onPacket
	ep.mu.Unlock()
	onPacket(address, port, bytes.Clone(buf[:count]))
	return nil
}

func (ep *Endpoint) flush(w *endpointWorker, sess *connSession) error {
	for {
		ep.mu.Lock()
		if w.stop || ep.packets.Length() <= 0 {
			ep.mu.Unlock()
			return nil
		}
		pkt := ep.packets.Peek().(*outPacket)
		ep.mu.Unlock()

		t0 := ep.TimeNow()
		err := sockio.SendTo(sess.sock, pkt.body, pkt.address, pkt.port)
		if err != nil && sockio.IsWouldBlock(err) {
			return nil
		}
		remoteAddr := addrPortString(pkt.address, pkt.port)
		ep.logPacket("sendToDone", sess, remoteAddr, t0, len(pkt.body), err)
		if err != nil {
			return fmt.Errorf("sendto %s: %w", remoteAddr, err)
		}

		ep.mu.Lock()
		if !w.stop {
			ep.packets.Remove()
		}
		ep.mu.Unlock()
	}
}

// teardown releases the socket after a hard error. It does nothing when
// Close stopped the worker, since Close then owns the socket.
func (ep *Endpoint) teardown(w *endpointWorker, sess *connSession, err error) {
	ep.mu.Lock()
	if w.stop {
		ep.mu.Unlock()
		return
	}
	w.stop = true
	ep.sess = nil
	ep.boundPort = 0
	ep.packets = nil
	ep.mu.Unlock()

	ep.release(sess)
	ep.Diagnostics.Publishf(LevelError, "endpoint stopped: %s", err)
}

// release closes the socket resources and logs the close span.
func (ep *Endpoint) release(sess *connSession) {
	t0 := ep.TimeNow()
	ep.logCloseStart(sess, t0)
	err := sess.close()
	ep.logCloseDone(sess, t0, err)
}

func (ep *Endpoint) logOpenStart(mode Mode, spanID, localAddr string, t0 time.Time) {
	ep.Logger.Info(
		"openStart",
		slog.String("localAddr", localAddr),
		slog.String("mode", mode.String()),
		slog.String("protocol", mode.protocol()),
		slog.String("spanID", spanID),
		slog.Time("t", t0),
	)
}

func (ep *Endpoint) logOpenDone(mode Mode, spanID, localAddr string, t0 time.Time, err error) {
	ep.Logger.Info(
		"openDone",
		slog.Any("err", err),
		slog.String("errClass", ep.ErrClassifier.Classify(err)),
		slog.String("localAddr", localAddr),
		slog.String("mode", mode.String()),
		slog.String("protocol", mode.protocol()),
		slog.String("spanID", spanID),
		slog.Time("t0", t0),
		slog.Time("t", ep.TimeNow()),
	)
}

func (ep *Endpoint) logAcceptDone(sess *connSession, remoteAddr string, t0 time.Time, err error) {
	ep.Logger.Info(
		"acceptDone",
		slog.Any("err", err),
		slog.String("errClass", ep.ErrClassifier.Classify(err)),
		slog.String("localAddr", sess.localAddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", remoteAddr),
		slog.String("spanID", sess.spanID),
		slog.Time("t0", t0),
		slog.Time("t", ep.TimeNow()),
	)
}

func (ep *Endpoint) logPacket(msg string, sess *connSession, remoteAddr string, t0 time.Time, count int, err error) {
	ep.Logger.Debug(
		msg,
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", ep.ErrClassifier.Classify(err)),
		slog.String("localAddr", sess.localAddr),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", remoteAddr),
		slog.String("spanID", sess.spanID),
		slog.Time("t0", t0),
		slog.Time("t", ep.TimeNow()),
	)
}

func (ep *Endpoint) logCloseStart(sess *connSession, t0 time.Time) {
	ep.Logger.Info(
		"closeStart",
		slog.String("localAddr", sess.localAddr),
		slog.String("spanID", sess.spanID),
		slog.Time("t", t0),
	)
}

func (ep *Endpoint) logCloseDone(sess *connSession, t0 time.Time, err error) {
	ep.Logger.Info(
		"closeDone",
		slog.Any("err", err),
		slog.String("errClass", ep.ErrClassifier.Classify(err)),
		slog.String("localAddr", sess.localAddr),
		slog.String("spanID", sess.spanID),
		slog.Time("t0", t0),
		slog.Time("t", ep.TimeNow()),
	)
}

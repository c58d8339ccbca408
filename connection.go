// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/nbnet/internal/sockio"
)

// MaxChunkSize is the largest number of bytes a worker receives or sends
// with a single system call.
const MaxChunkSize = 64 << 10

// ErrNotConnected is returned by [*Connection.Process] when there is no
// connected socket.
var ErrNotConnected = errors.New("nbnet: not connected")

// ErrNoAddress is returned by [*Connection.ConnectHost] when the name
// does not resolve to any IPv4 address.
var ErrNoAddress = errors.New("nbnet: no IPv4 address for host")

// errPeerClosed marks a zero-byte receive.
var errPeerClosed = errors.New("peer closed the connection")

// MessageFunc receives bytes read from a [*Connection]. The slice is owned
// by the callee.
type MessageFunc func(data []byte)

// BrokenFunc is called once when a [*Connection] stops working.
type BrokenFunc func()

// Connection is a TCP byte stream served by a dedicated worker goroutine.
//
// Construct with [NewConnection] and then either call [*Connection.Connect]
// or obtain an already connected instance from an [*Endpoint] or [AdoptConn].
// Call [*Connection.Process] to start the worker and [*Connection.Close] to
// release the socket: there is no finalizer.
//
// The exported fields are safe to modify after construction but before the
// first Connect or Process. All methods are safe for concurrent use, except
// that Connect must not race with itself.
type Connection struct {
	// Diagnostics receives the connection's diagnostic messages.
	//
	// Set by [NewConnection] to a sender named "connection".
	Diagnostics *DiagnosticsSender

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnection] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConnection] to the user-provided logger.
	Logger SLogger

	// Resolver resolves the names passed to [*Connection.ConnectHost].
	//
	// Set by [NewConnection] from [Config.Resolver].
	Resolver Resolver

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnection] from [Config.TimeNow].
	TimeNow func() time.Time

	// mu guards all the fields below.
	mu sync.Mutex

	// sess is the connected socket or nil.
	sess *connSession

	peerAddress  uint32
	peerPort     uint16
	boundAddress uint32
	boundPort    uint16

	// out holds bytes waiting to be sent by the worker.
	out ByteQueue

	closing        bool
	shutdownSent   bool
	peerClosed     bool
	brokenReported bool

	onMessage MessageFunc
	onBroken  BrokenFunc

	// processed is true once Process installed the callbacks.
	processed bool

	// worker is the running or exited-but-not-joined worker.
	worker *connWorker
}

// connSession is the per-socket state of a [*Connection].
type connSession struct {
	sock       sockio.FD
	signal     *sockio.Signal
	poller     *sockio.Poller
	spanID     string
	localAddr  string
	remoteAddr string
}

// connWorker tracks one worker goroutine.
type connWorker struct {
	done chan struct{}
	goid atomic.Uint64

	// stop is guarded by Connection.mu.
	stop bool
}

// NewConnection returns a new, unconnected [*Connection].
//
// The cfg argument contains the common configuration for nbnet objects.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnection(cfg *Config, logger SLogger) *Connection {
	return &Connection{
		Diagnostics:   NewDiagnosticsSender("connection"),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Resolver:      cfg.Resolver,
		TimeNow:       cfg.TimeNow,
	}
}

// newSession wraps sock with its wake signal and poller.
//
// On failure, the caller still owns sock.
func newSession(sock sockio.FD, spanID string) (*connSession, error) {
	signal, err := sockio.NewSignal()
	if err != nil {
		return nil, fmt.Errorf("signal: %w", err)
	}
	poller, err := sockio.NewPoller(sock, signal)
	if err != nil {
		signal.Close()
		return nil, fmt.Errorf("poller: %w", err)
	}
	return &connSession{sock: sock, signal: signal, poller: poller, spanID: spanID}, nil
}

// close releases the poller, the socket and the signal.
func (s *connSession) close() error {
	return errors.Join(s.poller.Close(), sockio.Close(s.sock), s.signal.Close())
}

// Connect is like [*Connection.ConnectContext] with [context.Background].
func (c *Connection) Connect(address uint32, port uint16) error {
	return c.ConnectContext(context.Background(), address, port)
}

// ConnectHost resolves name using [*Connection.Resolver] and then connects
// like [*Connection.ConnectContext]. Dotted quads skip the resolver. When
// name has no IPv4 address, the error wraps [ErrNoAddress] and is also
// published at [LevelError].
func (c *Connection) ConnectHost(ctx context.Context, name string, port uint16) error {
	address := LookupAddressOfHost(ctx, c.Resolver, name)
	if address == 0 {
		err := fmt.Errorf("%w: %s", ErrNoAddress, name)
		c.Diagnostics.Publishf(LevelError, "connect to %s: %s", name, err)
		return err
	}
	return c.ConnectContext(ctx, address, port)
}

// ConnectContext connects to the given host-order IPv4 address and port.
//
// Any previous session is closed immediately first. The local port is
// ephemeral. On failure, the error is also published at [LevelError] and the
// connection is left unconnected and ready for another attempt. When ctx is
// done before the connection is established, the error is ctx.Err().
func (c *Connection) ConnectContext(ctx context.Context, address uint32, port uint16) error {
	c.Close(false)

	t0 := c.TimeNow()
	spanID := NewSpanID()
	remoteAddr := addrPortString(address, port)
	deadline, _ := ctx.Deadline()
	c.logConnectStart(spanID, remoteAddr, t0, deadline)
	sess, err := c.connect(ctx, address, port, spanID)
	if err != nil {
		c.logConnectDone(spanID, "", remoteAddr, t0, deadline, err)
		c.Diagnostics.Publishf(LevelError, "connect to %s: %s", remoteAddr, err)
		return err
	}
	c.logConnectDone(spanID, sess.localAddr, remoteAddr, t0, deadline, nil)

	c.mu.Lock()
	c.install(sess)
	c.mu.Unlock()

	c.Diagnostics.Publishf(LevelInfo, "connected to %s from %s", remoteAddr, sess.localAddr)
	return nil
}

func (c *Connection) connect(ctx context.Context, address uint32, port uint16, spanID string) (*connSession, error) {
	// 1. Create the socket and bind an ephemeral port
	sock, err := sockio.NewStream()
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := sockio.Bind(sock, 0, 0); err != nil {
		sockio.Close(sock)
		return nil, fmt.Errorf("bind: %w", err)
	}

	// 2. Attach the poller before connecting since it may switch the
	// socket to non-blocking mode
	sess, err := newSession(sock, spanID)
	if err != nil {
		sockio.Close(sock)
		return nil, err
	}

	// 3. Connect and wait for the outcome
	if err := c.startConnect(ctx, sess, address, port); err != nil {
		sess.close()
		return nil, err
	}

	// 4. Read back the addresses
	boundAddress, boundPort, err := sockio.LocalAddr(sock)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	c.mu.Lock()
	c.peerAddress, c.peerPort = address, port
	c.boundAddress, c.boundPort = boundAddress, boundPort
	c.mu.Unlock()
	sess.localAddr = addrPortString(boundAddress, boundPort)
	sess.remoteAddr = addrPortString(address, port)
	return sess, nil
}

func (c *Connection) startConnect(ctx context.Context, sess *connSession, address uint32, port uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := sockio.StartConnect(sess.sock, address, port)
	if err == nil {
		return nil
	}
	if !sockio.IsInProgress(err) {
		return fmt.Errorf("connect: %w", err)
	}

	// Wake the wait below as soon as the context is done
	stop := afterFuncSync(ctx, sess.signal.Set)
	defer sess.signal.Clear()
	defer stop()

	for {
		ready, err := sess.poller.Wait(sockio.InterestWrite)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		if ready.Woken {
			if err := ctx.Err(); err != nil {
				return err
			}
			sess.signal.Clear()
		}
		if !ready.Writable {
			continue
		}
		if err := sockio.SocketError(sess.sock); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if _, _, err := sockio.PeerAddr(sess.sock); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}
}

// afterFuncSync is like [context.AfterFunc] except that the returned
// stop function waits for fn when it has already started. Once stop
// returns, fn is not running and never will.
func afterFuncSync(ctx context.Context, fn func()) (stop func()) {
	done := make(chan struct{})
	unregister := context.AfterFunc(ctx, func() {
		defer close(done)
		fn()
	})
	return func() {
		if !unregister() {
			<-done
		}
	}
}

// install makes sess the current session. The caller holds c.mu.
func (c *Connection) install(sess *connSession) {
	c.sess = sess
	c.out.Reset()
	c.closing = false
	c.shutdownSent = false
	c.peerClosed = false
	c.brokenReported = false
	c.onMessage = nil
	c.onBroken = nil
	c.processed = false
}

// Process registers the callbacks and starts the worker.
//
// Both callbacks run on the worker goroutine; nil means "ignore". Calling
// Process again logs a warning and returns nil, keeping the first callbacks.
// After a graceful Close, the callbacks are installed into the worker that
// is still flushing. Without a connected socket, Process returns
// [ErrNotConnected].
func (c *Connection) Process(onMessage MessageFunc, onBroken BrokenFunc) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		c.Diagnostics.Publish(LevelError, "process: not connected")
		return ErrNotConnected
	}
	if c.processed {
		spanID := c.sess.spanID
		c.mu.Unlock()
		c.Logger.Warn("processAlreadyRunning", slog.String("spanID", spanID))
		c.Diagnostics.Publish(LevelWarning, "process: worker already running")
		return nil
	}
	if onMessage == nil {
		onMessage = func([]byte) {}
	}
	if onBroken == nil {
		onBroken = func() {}
	}
	c.onMessage = onMessage
	c.onBroken = onBroken
	c.processed = true
	if c.worker == nil {
		c.startWorkerLocked()
	}
	c.mu.Unlock()
	return nil
}

// startWorkerLocked starts the worker for the current session. The
// caller holds c.mu.
func (c *Connection) startWorkerLocked() {
	w := &connWorker{done: make(chan struct{})}
	c.worker = w
	go c.run(w, c.sess)
}

// SendMessage queues a copy of data for sending and wakes the worker.
//
// It never blocks. Data queued before Process is sent once the worker
// starts. Data is dropped, with a warning, when there is no connected
// socket or a graceful close is in progress.
func (c *Connection) SendMessage(data []byte) {
	c.mu.Lock()
	if c.sess == nil || c.closing || c.shutdownSent {
		c.mu.Unlock()
		c.Diagnostics.Publishf(LevelWarning, "send: dropping %d bytes: not connected or closing", len(data))
		return
	}
	c.out.Append(data)
	c.sess.signal.Set()
	c.mu.Unlock()
}

// Close closes the connection.
//
// With graceful false, the socket is released before Close returns and
// onBroken is called synchronously unless it was already reported. When
// Close runs on the worker itself (from a callback), the worker is not
// joined and exits once the callback returns.
//
// With graceful true, Close returns immediately: the worker (started with
// no-op callbacks if Process was never called) sends the queued bytes,
// half-closes the socket and releases it when the peer closes its side.
//
// Close is idempotent and the connection may be reused with Connect.
func (c *Connection) Close(graceful bool) {
	if graceful {
		c.closeGraceful()
		return
	}

	// 1. Detach everything under the lock
	c.mu.Lock()
	w := c.worker
	c.worker = nil
	if w != nil {
		w.stop = true
	}
	sess := c.sess
	c.sess = nil
	fire := sess != nil && !c.brokenReported && !c.peerClosed && c.onBroken != nil
	onBroken := c.onBroken
	c.out.Reset()
	c.closing = false
	c.shutdownSent = false
	c.peerClosed = false
	c.brokenReported = false
	c.onMessage = nil
	c.onBroken = nil
	c.processed = false
	if sess != nil {
		sess.signal.Set()
	}
	c.mu.Unlock()

	// 2. Join the worker unless we are the worker
	if w != nil && w.goid.Load() != goroutineID() {
		<-w.done
	}

	// 3. Release the socket and report
	if sess != nil {
		c.release(sess)
		c.Diagnostics.Publish(LevelInfo, "closed")
	}
	if fire {
		onBroken()
	}
}

func (c *Connection) closeGraceful() {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		c.Close(false)
		return
	}
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if c.worker == nil {
		c.onMessage = func([]byte) {}
		c.onBroken = func() {}
		c.startWorkerLocked()
	}
	c.sess.signal.Set()
	c.mu.Unlock()
	c.Diagnostics.Publish(LevelInfo, "graceful close started")
}

// release closes the session resources and logs the close span.
func (c *Connection) release(sess *connSession) {
	t0 := c.TimeNow()
	c.logCloseStart(sess, t0)
	err := sess.close()
	c.logCloseDone(sess, t0, err)
}

// IsConnected reports whether the connection has a connected socket.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// PeerAddress returns the host-order IPv4 address of the peer.
func (c *Connection) PeerAddress() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddress
}

// PeerPort returns the port of the peer.
func (c *Connection) PeerPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerPort
}

// BoundAddress returns the host-order local IPv4 address.
func (c *Connection) BoundAddress() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundAddress
}

// BoundPort returns the local port.
func (c *Connection) BoundPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundPort
}

// run is the worker goroutine.
func (c *Connection) run(w *connWorker, sess *connSession) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	w.goid.Store(goroutineID())
	defer close(w.done)

	err := c.loop(w, sess)
	c.teardown(w, sess, err)
}

// stopped reports whether Close asked w to exit.
func (c *Connection) stopped(w *connWorker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return w.stop
}

// loop serves the socket until Close stops it (nil) or the link ends.
func (c *Connection) loop(w *connWorker, sess *connSession) error {
	inbuf := make([]byte, MaxChunkSize)
	outbuf := make([]byte, MaxChunkSize)
	for {
		// 1. Wait for readability, writability with pending data, or a wakeup
		c.mu.Lock()
		if w.stop {
			c.mu.Unlock()
			return nil
		}
		interest := sockio.InterestRead
		if c.out.Len() > 0 {
			interest |= sockio.InterestWrite
		}
		c.mu.Unlock()

		ready, err := sess.poller.Wait(interest)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		if ready.Woken {
			sess.signal.Clear()
		}
		if c.stopped(w) {
			return nil
		}

		// 2. Receive and deliver
		if ready.Readable {
			if err := c.receive(w, sess, inbuf); err != nil {
				return err
			}
			if c.stopped(w) {
				return nil
			}
		}

		// 3. Send what we can
		if err := c.flush(w, sess, outbuf); err != nil {
			return err
		}

		// 4. Half-close once a graceful close has drained the queue
		if err := c.maybeShutdown(sess); err != nil {
			return err
		}
	}
}

func (c *Connection) receive(w *connWorker, sess *connSession, buf []byte) error {
	t0 := c.TimeNow()
	count, err := sockio.Recv(sess.sock, buf)
	if err != nil && sockio.IsWouldBlock(err) {
		return nil
	}
	c.logIO("recvDone", sess, t0, count, err)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}
	if count == 0 {
		// Record it now so that a racing Close does not report onBroken
		c.mu.Lock()
		if !w.stop {
			c.peerClosed = true
		}
		c.mu.Unlock()
		return errPeerClosed
	}
	c.mu.Lock()
	onMessage := c.onMessage
	c.mu.Unlock()
	onMessage(bytes.Clone(buf[:count]))
	return nil
}

func (c *Connection) flush(w *connWorker, sess *connSession, buf []byte) error {
	for {
		c.mu.Lock()
		if w.stop {
			c.mu.Unlock()
			return nil
		}
		count := c.out.Peek(buf)
		c.mu.Unlock()
		if count <= 0 {
			return nil
		}

		t0 := c.TimeNow()
		sent, err := sockio.Send(sess.sock, buf[:count])
		if err != nil && sockio.IsWouldBlock(err) {
			return nil
		}
		c.logIO("sendDone", sess, t0, sent, err)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		c.mu.Lock()
		c.out.Consume(sent)
		c.mu.Unlock()
		if sent < count {
			return nil
		}
	}
}

func (c *Connection) maybeShutdown(sess *connSession) error {
	c.mu.Lock()
	shutdown := c.closing && !c.shutdownSent && c.out.Len() == 0
	if shutdown {
		c.shutdownSent = true
	}
	c.mu.Unlock()
	if !shutdown {
		return nil
	}
	t0 := c.TimeNow()
	err := sockio.ShutdownWrite(sess.sock)
	c.logShutdownDone(sess, t0, err)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// teardown releases the session after the link ended on its own and
// reports onBroken once. It does nothing when Close stopped the worker,
// since Close then owns the session.
func (c *Connection) teardown(w *connWorker, sess *connSession, err error) {
	c.mu.Lock()
	if w.stop {
		c.mu.Unlock()
		return
	}
	w.stop = true
	c.sess = nil
	peerClosed := errors.Is(err, errPeerClosed)
	c.peerClosed = peerClosed
	fire := !c.brokenReported
	c.brokenReported = true
	onBroken := c.onBroken
	c.out.Reset()
	c.closing = false
	c.shutdownSent = false
	c.mu.Unlock()

	c.release(sess)
	if peerClosed {
		c.Diagnostics.Publish(LevelInfo, "peer closed the connection")
	} else {
		c.Diagnostics.Publishf(LevelError, "connection broken: %s", err)
	}
	if fire && onBroken != nil {
		onBroken()
	}
}

func (c *Connection) logConnectStart(spanID, remoteAddr string, t0 time.Time, deadline time.Time) {
	c.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", remoteAddr),
		slog.String("spanID", spanID),
		slog.Time("t", t0),
	)
}

func (c *Connection) logConnectDone(
	spanID, localAddr, remoteAddr string, t0 time.Time, deadline time.Time, err error) {
	c.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", localAddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", remoteAddr),
		slog.String("spanID", spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
}

func (c *Connection) logIO(msg string, sess *connSession, t0 time.Time, count int, err error) {
	c.Logger.Debug(
		msg,
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", sess.localAddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", sess.remoteAddr),
		slog.String("spanID", sess.spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
}

func (c *Connection) logShutdownDone(sess *connSession, t0 time.Time, err error) {
	c.Logger.Info(
		"shutdownDone",
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", sess.localAddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", sess.remoteAddr),
		slog.String("spanID", sess.spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
}

func (c *Connection) logCloseStart(sess *connSession, t0 time.Time) {
	c.Logger.Info(
		"closeStart",
		slog.String("localAddr", sess.localAddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", sess.remoteAddr),
		slog.String("spanID", sess.spanID),
		slog.Time("t", t0),
	)
}

func (c *Connection) logCloseDone(sess *connSession, t0 time.Time, err error) {
	c.Logger.Info(
		"closeDone",
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", sess.localAddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", sess.remoteAddr),
		slog.String("spanID", sess.spanID),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
}

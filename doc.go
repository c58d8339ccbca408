// SPDX-License-Identifier: GPL-3.0-or-later

// Package nbnet implements non-blocking IPv4 stream and datagram networking
// on raw OS sockets, with one worker goroutine per socket.
//
// # Core Types
//
// A [*Connection] is a TCP byte stream. Obtain one with
// [*Connection.Connect], from an [*Endpoint] in [ModeConnection], or by
// adopting a [net.Conn] with [AdoptConn]. Then:
//
//   - [*Connection.Process] registers the callbacks and starts the worker
//   - [*Connection.SendMessage] queues bytes for the worker to send
//   - [*Connection.Close] closes immediately or gracefully
//
// An [*Endpoint] is a bound socket in one of four modes:
//
//   - [ModeConnection]: listens and hands accepted connections to a callback
//   - [ModeDatagram]: sends and receives UDP packets
//   - [ModeMulticastSend]: sends UDP packets through a chosen interface
//   - [ModeMulticastReceive]: receives the packets of a multicast group
//
// Addresses are host-order uint32 values and ports are host-order uint16
// values. Use [IPv4ToAddr] and [IPv4FromAddr] to convert from and to
// [netip.Addr], [AddressOfHost] to resolve names and [InterfaceAddresses]
// to enumerate local addresses.
//
// # Workers
//
// Each Connection and Endpoint owns one worker goroutine, locked to its OS
// thread, that waits for socket readiness or for a wakeup and then performs
// non-blocking I/O. Callers never block: SendMessage and SendPacket queue
// under a short lock and wake the worker.
//
// Callbacks run on the worker. A slow callback stalls that socket's I/O. A
// callback may close its own Connection or Endpoint: Close detects that it
// runs on the worker and does not wait for it.
//
// # Close Semantics
//
// An immediate close releases the socket before returning and reports
// onBroken once, unless the peer already closed. A graceful close lets the
// worker send the queued bytes, half-close the socket and wait for the
// peer to close its side. There are no finalizers: always call Close.
//
// # Diagnostics and Logging
//
// Failures are never panics. Setup failures are returned as errors, and
// every failure is also published to the object's [*DiagnosticsSender]
// using levels [LevelInfo], [LevelWarning] and [LevelError]. Subscribe
// [SLogDiagnostics] to route them to a logger.
//
// All types support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled. Events come as span pairs
// (connectStart/connectDone, openStart/openDone, closeStart/closeDone) plus
// acceptDone and shutdownDone at [slog.LevelInfo], while per-I/O events
// (recvDone, sendDone, recvFromDone, sendToDone) use [slog.LevelDebug].
// All the events of one socket share a spanID generated with [NewSpanID].
// Errors are classified via [ErrClassifier].
//
// # Name Resolution
//
// [LookupAddressOfHost] accepts any [Resolver]: the system resolver
// ([NewSystemResolver]) or a [*DNSOverUDPResolver] querying a given server.
package nbnet

// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockio is the platform adapter underneath nbnet.
//
// It exposes IPv4 sockets as plain descriptors ([FD]) together with three
// primitives the platform-neutral workers are written against:
//
//   - non-blocking socket calls (accept, recv, send, recvfrom, sendto...)
//     whose transient failures are recognized by [IsWouldBlock];
//   - a [Signal], a payload-free cross-goroutine wake source;
//   - a [Poller], which blocks until a socket is readable, writable (when
//     asked for) or its [Signal] has been set.
//
// On unix systems the poller uses poll(2) and the signal is an eventfd
// (linux) or a self-pipe (everything else). On windows the poller waits on
// a WSAEventSelect event object plus the signal's own event object.
//
// Addresses and ports cross this boundary in host byte order.
package sockio

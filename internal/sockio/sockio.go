// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import "errors"

// Interest selects the socket conditions a [Poller] waits for.
//
// The poller always also waits for its [Signal] and for error or hangup
// conditions, which are reported as readable and/or writable.
type Interest uint8

const (
	// InterestRead waits for the socket to become readable (or acceptable).
	InterestRead Interest = 1 << iota

	// InterestWrite waits for the socket to become writable (or connected).
	InterestWrite
)

// Ready reports the conditions that ended a [Poller.Wait].
type Ready struct {
	// Readable means a receive or accept will not block.
	Readable bool

	// Writable means a send will not block or a pending connect completed.
	Writable bool

	// Woken means the [Signal] was set; clear it with [Signal.Clear].
	Woken bool

	// Failed means the socket has a pending error or hangup condition.
	// Use [SocketError] to fetch (and clear) the pending error when no
	// I/O call is going to surface it.
	Failed bool
}

// ErrNotIPv4 indicates that a socket address is not an IPv4 address.
var ErrNotIPv4 = errors.New("sockio: not an IPv4 socket address")

// addrBytes converts a host-order IPv4 address to its wire representation.
func addrBytes(address uint32) [4]byte {
	return [4]byte{byte(address >> 24), byte(address >> 16), byte(address >> 8), byte(address)}
}

// addrFromBytes is the inverse of addrBytes.
func addrFromBytes(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

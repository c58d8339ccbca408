//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Poller waits for readiness of one socket and one [Signal].
//
// A Poller is owned by a single goroutine and is not safe for concurrent use.
type Poller struct {
	fd     FD
	signal *Signal
	fds    [2]unix.PollFd
}

// NewPoller returns a [*Poller] watching fd and signal.
func NewPoller(fd FD, signal *Signal) (*Poller, error) {
	return &Poller{fd: fd, signal: signal}, nil
}

// Wait blocks until the socket satisfies interest or the signal is set.
//
// Error and hangup conditions on the socket are reported as readable
// and/or writable (according to interest) so that the following I/O call
// surfaces the actual error. A wait interrupted by a signal handler
// returns an empty [Ready] and a nil error.
func (p *Poller) Wait(interest Interest) (Ready, error) {
	var events int16
	if interest&InterestRead != 0 {
		events |= unix.POLLIN
	}
	if interest&InterestWrite != 0 {
		events |= unix.POLLOUT
	}
	p.fds[0] = unix.PollFd{Fd: int32(p.fd), Events: events}
	p.fds[1] = unix.PollFd{Fd: int32(p.signal.readFd), Events: unix.POLLIN}

	_, err := unix.Poll(p.fds[:], -1)
	if errors.Is(err, unix.EINTR) {
		return Ready{}, nil
	}
	if err != nil {
		return Ready{}, err
	}

	revents := p.fds[0].Revents
	failed := revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
	ready := Ready{
		Readable: interest&InterestRead != 0 && (revents&unix.POLLIN != 0 || failed),
		Writable: interest&InterestWrite != 0 && (revents&unix.POLLOUT != 0 || failed),
		Woken:    p.fds[1].Revents&unix.POLLIN != 0,
		Failed:   failed,
	}
	return ready, nil
}

// Close releases the poller. It does not close the socket or the signal.
func (p *Poller) Close() error {
	return nil
}

//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// Network event bits used by WSAEventSelect and WSAEnumNetworkEvents.
const (
	fdRead    = 1 << 0
	fdWrite   = 1 << 1
	fdAccept  = 1 << 3
	fdConnect = 1 << 4
	fdClose   = 1 << 5
)

const (
	readEvents  = fdRead | fdAccept | fdClose
	writeEvents = fdWrite | fdConnect
)

// wsaNetworkEvents mirrors WSANETWORKEVENTS.
type wsaNetworkEvents struct {
	NetworkEvents int32
	ErrorCode     [10]int32
}

// Poller waits for readiness of one socket and one [Signal].
//
// Attaching a poller switches the socket to non-blocking mode. FD_WRITE is
// edge triggered on windows: callers must attempt their sends whenever they
// have data and treat would-block as "wait for the next event".
//
// Enumerating network events resets all of them, and winsock only posts
// them again once the matching call (recv, send, accept) is made. Events
// the caller was not interested in thus stay pending inside the Poller
// until a Wait reports them. FD_CLOSE stays pending forever.
//
// A Poller is owned by a single goroutine and is not safe for concurrent use.
type Poller struct {
	fd     FD
	signal *Signal
	event  windows.Handle

	// pending holds enumerated events not reported yet.
	pending int32
}

// NewPoller associates a new event object with fd.
func NewPoller(fd FD, signal *Signal) (*Poller, error) {
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, err
	}
	mask := uintptr(fdRead | fdWrite | fdAccept | fdConnect | fdClose)
	r1, _, e1 := procWSAEventSelect.Call(uintptr(fd), uintptr(event), mask)
	if r1 != 0 {
		windows.CloseHandle(event)
		return nil, e1
	}
	return &Poller{fd: fd, signal: signal, event: event}, nil
}

// Wait blocks until the socket reports a network event or the signal is set.
//
// Wait does not block when an event matching interest is already pending.
func (p *Poller) Wait(interest Interest) (Ready, error) {
	timeout := uint32(windows.INFINITE)
	if p.reportable(interest) {
		timeout = 0
	}
	handles := []windows.Handle{p.event, p.signal.event}
	index, err := windows.WaitForMultipleObjects(handles, false, timeout)
	if err != nil {
		return Ready{}, err
	}
	var ready Ready
	ready.Woken = index == windows.WAIT_OBJECT_0+1

	// Always enumerate: it resets the socket event and tells us what fired.
	var ne wsaNetworkEvents
	r1, _, e1 := procWSAEnumNetworkEvents.Call(uintptr(p.fd), uintptr(p.event), uintptr(unsafe.Pointer(&ne)))
	if r1 != 0 {
		return Ready{}, e1
	}
	p.pending |= ne.NetworkEvents
	ready.Failed = p.pending&fdClose != 0
	if interest&InterestRead != 0 && p.pending&readEvents != 0 {
		ready.Readable = true
		p.pending &^= fdRead | fdAccept
	}
	if interest&InterestWrite != 0 && p.pending&writeEvents != 0 {
		ready.Writable = true
		p.pending &^= writeEvents
	}
	return ready, nil
}

// reportable tells whether a pending event already satisfies interest.
func (p *Poller) reportable(interest Interest) bool {
	return (interest&InterestRead != 0 && p.pending&readEvents != 0) ||
		(interest&InterestWrite != 0 && p.pending&writeEvents != 0)
}

// Close releases the event object. It does not close the socket or the signal.
func (p *Poller) Close() error {
	return windows.CloseHandle(p.event)
}

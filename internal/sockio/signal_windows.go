//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import "golang.org/x/sys/windows"

// Signal is a payload-free, cross-goroutine wake source for a [Poller].
//
// Set may be called from any goroutine. Clear and the poller's wait must
// only be called by the goroutine that owns the poller.
type Signal struct {
	event windows.Handle
}

// NewSignal creates a cleared [Signal] backed by a manual-reset event.
func NewSignal() (*Signal, error) {
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, err
	}
	return &Signal{event: event}, nil
}

// Set wakes the poller waiting on this signal. Setting an already set
// signal is a no-op.
func (s *Signal) Set() {
	_ = windows.SetEvent(s.event)
}

// Clear consumes all pending wakeups.
func (s *Signal) Clear() {
	_ = windows.ResetEvent(s.event)
}

// Close releases the event object.
func (s *Signal) Close() error {
	return windows.CloseHandle(s.event)
}

//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Signal is a payload-free, cross-goroutine wake source for a [Poller].
//
// Set may be called from any goroutine. Clear and the poller's wait must
// only be called by the goroutine that owns the poller.
type Signal struct {
	readFd  int
	writeFd int
}

// NewSignal creates a cleared [Signal].
func NewSignal() (*Signal, error) {
	rfd, wfd, err := createWakeFds()
	if err != nil {
		return nil, err
	}
	return &Signal{readFd: rfd, writeFd: wfd}, nil
}

// Set wakes the poller waiting on this signal. Setting an already set
// signal is a no-op.
func (s *Signal) Set() {
	// eventfd wants a native-endian uint64; a pipe accepts any bytes.
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	// EAGAIN means a wakeup is already pending.
	_, _ = unix.Write(s.writeFd, one[:])
}

// Clear consumes all pending wakeups.
func (s *Signal) Clear() {
	var buf [64]byte
	for {
		_, err := unix.Read(s.readFd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return
		}
	}
}

// Close releases the signal's descriptors.
func (s *Signal) Close() error {
	err := unix.Close(s.readFd)
	if s.writeFd != s.readFd {
		err = errors.Join(err, unix.Close(s.writeFd))
	}
	return err
}

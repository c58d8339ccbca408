//go:build unix && !linux

// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import "golang.org/x/sys/unix"

// createWakeFds creates a non-blocking self-pipe and returns the read end
// and the write end.
func createWakeFds() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}

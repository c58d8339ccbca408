//go:build linux

// SPDX-License-Identifier: GPL-3.0-or-later

package sockio

import "golang.org/x/sys/unix"

// createWakeFds creates an eventfd and returns it as both ends.
func createWakeFds() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

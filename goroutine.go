//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/joeycumines/go-utilpkg/blob/main/eventloop/loop.go
//

package nbnet

import "runtime"

// goroutineID returns the ID of the calling goroutine.
//
// Workers record their own ID on startup so that Close can tell whether it
// is running on the worker it would otherwise join.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack trace starts with "goroutine NNN ["
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

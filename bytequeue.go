// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import "bytes"

// ByteQueue is a FIFO of bytes with append at the tail and consume at the head.
//
// The zero value is an empty queue ready to use. A ByteQueue is not safe for
// concurrent use: [*Connection] guards its queue with its own mutex.
type ByteQueue struct {
	buf bytes.Buffer
}

// Append copies data at the tail of the queue.
func (q *ByteQueue) Append(data []byte) {
	q.buf.Write(data)
}

// Len returns the number of queued bytes.
func (q *ByteQueue) Len() int {
	return q.buf.Len()
}

// Peek copies up to len(dst) bytes from the head of the queue into dst
// without removing them and returns the number of bytes copied.
func (q *ByteQueue) Peek(dst []byte) int {
	return copy(dst, q.buf.Bytes())
}

// Consume removes up to n bytes from the head of the queue.
func (q *ByteQueue) Consume(n int) {
	q.buf.Next(n)
}

// Reset discards all queued bytes.
func (q *ByteQueue) Reset() {
	q.buf.Reset()
}

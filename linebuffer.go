package main

import (
	"bytes"
	"errors"

	"golang.org/x/sys/unix"
)

// lineBufferCapacity is the fixed capacity of a LineBuffer.
const lineBufferCapacity = 1024

// LineBuffer accumulates bytes read from one of the child's pipe ends and
// flushes complete, newline-terminated lines as log records. The invariant
// length < capacity holds after every Flush.
type LineBuffer struct {
	buf [lineBufferCapacity]byte
	len int
}

// Fill reads up to capacity-length bytes from fd into the buffer's tail.
// EAGAIN is not an error (the fd is non-blocking and simply had nothing
// ready); any other read error is reported to the caller so it can be
// logged at error priority, and the buffer is left unchanged. Partial
// reads are accepted as-is.
func (b *LineBuffer) Fill(fd int) (n int, err error) {
	room := len(b.buf) - b.len
	if room <= 0 {
		// Caller is expected to Flush before calling Fill again once the
		// buffer is full; treat this defensively as "nothing to do".
		return 0, nil
	}

	n, err = unix.Read(fd, b.buf[b.len:b.len+room])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, err
	}
	b.len += n
	return n, nil
}

// Sink receives one emitted log record at a time. *logger implements it;
// tests substitute a recorder to assert on emitted lines without needing
// a real syslog handle.
type Sink interface {
	Relay(priority Priority, line string)
}

// Flush emits each \n-terminated prefix of the buffer as one log record at
// the given priority, dropping the newline, and advances past it. If the
// buffer fills completely without ever containing a newline, the entire
// buffer is emitted as a single record and cleared, guaranteeing forward
// progress on pathological lines.
func (b *LineBuffer) Flush(priority Priority, log Sink) {
	start := 0
	for {
		idx := bytes.IndexByte(b.buf[start:b.len], '\n')
		if idx < 0 {
			break
		}
		log.Relay(priority, string(b.buf[start:start+idx]))
		start += idx + 1
	}

	remaining := b.len - start
	if remaining == len(b.buf) {
		// Full buffer, no newline anywhere: forced flush.
		log.Relay(priority, string(b.buf[:b.len]))
		b.len = 0
		return
	}

	copy(b.buf[:remaining], b.buf[start:b.len])
	b.len = remaining
}

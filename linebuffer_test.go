package main

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// recorder is a Sink that remembers every emitted line, in order, so
// tests can assert on LineBuffer's flush behavior without a real syslog
// handle.
type recorder struct {
	lines []string
}

func (r *recorder) Relay(_ Priority, line string) { r.lines = append(r.lines, line) }

func writeAll(t *testing.T, fd int, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		data = data[n:]
	}
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestLineBufferFillFlushCompleteLines(t *testing.T) {
	r, w := newPipe(t)
	writeAll(t, w, []byte("alpha\nbeta\ngamma"))

	var buf LineBuffer
	if _, err := buf.Fill(r); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	rec := &recorder{}
	buf.Flush(PriInfo, rec)

	want := []string{"alpha", "beta"}
	if len(rec.lines) != len(want) {
		t.Fatalf("got %v, want %v", rec.lines, want)
	}
	for i, w := range want {
		if rec.lines[i] != w {
			t.Fatalf("line %d: got %q, want %q", i, rec.lines[i], w)
		}
	}
	if buf.len != len("gamma") {
		t.Fatalf("expected %q left buffered, got length %d", "gamma", buf.len)
	}
}

func TestLineBufferFillEAGAINIsNotError(t *testing.T) {
	r, _ := newPipe(t)
	var buf LineBuffer
	n, err := buf.Fill(r)
	if err != nil {
		t.Fatalf("expected EAGAIN to be swallowed, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes read, got %d", n)
	}
}

func TestLineBufferForcedFlushOnFullNoNewline(t *testing.T) {
	var buf LineBuffer
	line := strings.Repeat("x", lineBufferCapacity)
	copy(buf.buf[:], line)
	buf.len = lineBufferCapacity

	rec := &recorder{}
	buf.Flush(PriNotice, rec)

	if len(rec.lines) != 1 || rec.lines[0] != line {
		t.Fatalf("expected one forced record of length %d, got %d records", lineBufferCapacity, len(rec.lines))
	}
	if buf.len != 0 {
		t.Fatalf("expected buffer emptied after forced flush, len=%d", buf.len)
	}
}

func TestLineBufferInvariantAfterFlush(t *testing.T) {
	r, w := newPipe(t)
	writeAll(t, w, []byte("one\ntwo\nthree\n"))

	var buf LineBuffer
	if _, err := buf.Fill(r); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	buf.Flush(PriInfo, &recorder{})

	if buf.len >= lineBufferCapacity {
		t.Fatalf("invariant violated: len=%d capacity=%d", buf.len, lineBufferCapacity)
	}
	if buf.len != 0 {
		t.Fatalf("expected no trailing bytes after a fully newline-terminated stream, got %d", buf.len)
	}
}

func TestLineBufferReproducesStreamMinusNewlines(t *testing.T) {
	r, w := newPipe(t)
	input := "first\nsecond\nthird\npartial"
	writeAll(t, w, []byte(input))

	var buf LineBuffer
	if _, err := buf.Fill(r); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	rec := &recorder{}
	buf.Flush(PriInfo, rec)

	got := strings.Join(rec.lines, "\n")
	want := "first\nsecond\nthird"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// infoSignal stands in for the BSD-only SIGINFO on platforms (Linux
// included) that don't define one. SIGWINCH is otherwise meaningless to a
// daemon with no controlling-terminal concept of its own, so it is bound
// to status reporting instead.
const infoSignal = syscall.SIGWINCH

// sigSlot indexes the fixed pending-flag array kept by SignalInbox, in
// the fixed drain priority: info, hangup, user-1, user-2,
// interrupt/terminate, child-exited.
type sigSlot int

const (
	slotInfo sigSlot = iota
	slotHangup
	slotUser1
	slotUser2
	slotInterrupt
	slotTerminate
	slotChildExited
	numSlots
)

// SignalInbox is a process-wide array of one-bit pending flags, set by a
// dedicated signal-reading goroutine (the async-signal-safe capture point
// in a Go program: the runtime itself marshals true signal delivery into
// that goroutine) and drained by the main loop outside of signal context.
//
// A self-pipe accompanies the flag array: every set also writes one byte
// to selfPipeW, waking whatever unix.Poll call the main loop is blocked
// in. This lets one wait primitive cover both pipe readability and signal
// arrival without a platform-specific atomic mask-and-wait call.
type SignalInbox struct {
	pending   [numSlots]int32
	ch        chan os.Signal
	selfPipeR int
	selfPipeW int
}

// NewSignalInbox subscribes to every signal of interest and starts the
// capture goroutine. The inbox's self-pipe read fd (SelfPipeFD) should be
// added to the set the supervisor loop polls.
func NewSignalInbox() (*SignalInbox, error) {
	var pipefds [2]int
	if err := unix.Pipe2(pipefds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}

	ib := &SignalInbox{
		ch:        make(chan os.Signal, 64),
		selfPipeR: pipefds[0],
		selfPipeW: pipefds[1],
	}

	signal.Notify(ib.ch,
		syscall.SIGCHLD,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		infoSignal,
	)

	go ib.capture()
	return ib, nil
}

func (ib *SignalInbox) capture() {
	for sig := range ib.ch {
		slot, ok := slotFor(sig)
		if !ok {
			continue
		}
		atomic.StoreInt32(&ib.pending[slot], 1)
		// Best-effort wakeup; a full pipe means a wakeup is already
		// pending, which is just as good.
		_, _ = unix.Write(ib.selfPipeW, []byte{0})
	}
}

func slotFor(sig os.Signal) (sigSlot, bool) {
	switch sig {
	case infoSignal:
		return slotInfo, true
	case syscall.SIGHUP:
		return slotHangup, true
	case syscall.SIGUSR1:
		return slotUser1, true
	case syscall.SIGUSR2:
		return slotUser2, true
	case syscall.SIGINT:
		return slotInterrupt, true
	case syscall.SIGTERM:
		return slotTerminate, true
	case syscall.SIGCHLD:
		return slotChildExited, true
	default:
		return 0, false
	}
}

// DrainSelfPipe discards any bytes written by the capture goroutine. It
// must be called after every wakeup so the pipe never stays readable.
func (ib *SignalInbox) DrainSelfPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(ib.selfPipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Test clears slot's pending flag and reports whether it had been set.
func (ib *SignalInbox) Test(slot sigSlot) bool {
	return atomic.SwapInt32(&ib.pending[slot], 0) != 0
}

// SelfPipeFD returns the self-pipe's read end, for inclusion in the
// supervisor's poll set.
func (ib *SignalInbox) SelfPipeFD() int { return ib.selfPipeR }

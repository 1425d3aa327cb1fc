package main

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Supervisor is the event loop composing every other component: it
// drains pending signals in a fixed priority order, reaps and reschedules
// the child, relays its output, and waits on a single unix.Poll call
// whose timeout is the remaining restart delay.
type Supervisor struct {
	cfg     Config
	log     *logger
	cm      *ChildManager
	backoff *BackoffState
	inbox   *SignalInbox

	outBuf LineBuffer
	errBuf LineBuffer

	stop          bool
	lastForwarded syscall.Signal // signal just forwarded during shutdown, for exit-notice suppression
}

// NewSupervisor wires up a supervisor ready to Run.
func NewSupervisor(cfg Config, log *logger) (*Supervisor, error) {
	cm, err := NewChildManager(cfg.Command)
	if err != nil {
		return nil, err
	}
	inbox, err := NewSignalInbox()
	if err != nil {
		cm.Close()
		return nil, err
	}

	return &Supervisor{
		cfg:     cfg,
		log:     log,
		cm:      cm,
		backoff: NewBackoffState(cfg),
		inbox:   inbox,
	}, nil
}

// Run spawns the initial child and runs the event loop until stop is set
// (by a terminating signal, or by the child's exit-127 sentinel) and the
// child (if any) has been reaped.
func (sv *Supervisor) Run() error {
	if err := sv.spawn(); err != nil {
		return fmt.Errorf("initial spawn: %w", err)
	}

	for {
		sv.drainSignals()
		if sv.stop && !sv.cm.Alive() {
			break
		}

		timeoutMs := sv.pollTimeout()
		fds := []unix.PollFd{
			{Fd: int32(sv.cm.StdoutFD()), Events: unix.POLLIN},
			{Fd: int32(sv.cm.StderrFD()), Events: unix.POLLIN},
			{Fd: int32(sv.inbox.SelfPipeFD()), Events: unix.POLLIN},
		}

		_, err := unix.Poll(fds, timeoutMs)
		if err != nil && err != unix.EINTR {
			sv.log.Error(fmt.Sprintf("poll: %v", err))
		}
		sv.inbox.DrainSelfPipe()

		if fds[0].Revents&unix.POLLIN != 0 {
			sv.relay(&sv.outBuf, sv.cm.StdoutFD(), PriInfo)
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			sv.relay(&sv.errBuf, sv.cm.StderrFD(), PriNotice)
		}

		if !sv.stop && !sv.cm.Alive() {
			if deadline, ok := sv.backoff.Deadline(); ok && !time.Now().Before(deadline) {
				if err := sv.spawn(); err != nil {
					sv.log.Error(fmt.Sprintf("spawn: %v", err))
				}
			}
		}
	}

	// Final drain of residual pipe contents produced between the child's
	// last write and its exit.
	sv.relay(&sv.outBuf, sv.cm.StdoutFD(), PriInfo)
	sv.relay(&sv.errBuf, sv.cm.StderrFD(), PriNotice)
	sv.cm.Close()
	return nil
}

// drainSignals acts on every pending signal, in the fixed priority order:
// info, hangup, user-1, user-2, interrupt/terminate, child-exited.
func (sv *Supervisor) drainSignals() {
	now := time.Now()

	if sv.inbox.Test(slotInfo) {
		if sv.cm.Alive() {
			child := sv.cm.Current()
			sv.log.Info(fmt.Sprintf("child %d up %s", child.Pid, Interval(now.Sub(child.StartedAt))))
		} else if deadline, ok := sv.backoff.Deadline(); ok {
			sv.log.Info(fmt.Sprintf("restarting in %s", Interval(deadline.Sub(now))))
		}
	}

	if sv.inbox.Test(slotHangup) {
		_ = sv.cm.Forward(syscall.SIGHUP)
	}
	if sv.inbox.Test(slotUser1) {
		_ = sv.cm.Forward(syscall.SIGUSR1)
	}
	if sv.inbox.Test(slotUser2) {
		_ = sv.cm.Forward(syscall.SIGUSR2)
	}

	interrupted := sv.inbox.Test(slotInterrupt)
	terminated := sv.inbox.Test(slotTerminate)
	if interrupted || terminated {
		sv.stop = true
		if sv.cm.Alive() {
			sig := syscall.SIGTERM
			if interrupted {
				sig = syscall.SIGINT
			}
			sv.lastForwarded = sig
			_ = sv.cm.Forward(sig)
		}
	}

	if sv.inbox.Test(slotChildExited) {
		res := sv.cm.Reap(sv.log)
		if res.Reaped {
			sv.reportExit(res)
			if res.Stop {
				sv.stop = true
			}
			if !sv.stop && !res.Stop {
				delay := sv.backoff.Advance(sv.cfg, time.Now(), res.Uptime)
				sv.log.Info(fmt.Sprintf("restarting in %s", Interval(delay)))
			}
		}
	}
}

// reportExit logs the reaped child's exit condition.
func (sv *Supervisor) reportExit(res ReapResult) {
	switch {
	case res.Signaled:
		if sv.stop && res.Signal == sv.lastForwarded {
			// Termination by the signal we just forwarded during
			// shutdown is expected, not news.
			return
		}
		sv.log.Notice(fmt.Sprintf("child exited on signal %s", res.Signal))
	case res.ExitCode != 0:
		sv.log.Notice(fmt.Sprintf("child exited with code %d", res.ExitCode))
	}
}

// pollTimeout computes the wait timeout: unbounded while the child is
// alive, otherwise the remaining time to the restart deadline (never
// negative).
func (sv *Supervisor) pollTimeout() int {
	if sv.cm.Alive() {
		return -1
	}
	deadline, ok := sv.backoff.Deadline()
	if !ok {
		return 0
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining / time.Millisecond)
}

// relay performs one fill+flush pass on buf against fd, at priority.
func (sv *Supervisor) relay(buf *LineBuffer, fd int, priority Priority) {
	if _, err := buf.Fill(fd); err != nil {
		sv.log.Error(fmt.Sprintf("read: %v", err))
		return
	}
	buf.Flush(priority, sv.log)
}

// spawn starts a new child and clears the pending restart deadline.
func (sv *Supervisor) spawn() error {
	child, err := sv.cm.Spawn()
	if err != nil {
		return err
	}
	sv.backoff.ClearDeadline()
	sv.log.Info(fmt.Sprintf("started %s (pid=%d, pgid=%d)", sv.cfg.Name, child.Pid, child.Pgid))
	return nil
}

package main

import (
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Config holds the supervisor's immutable startup configuration.
type Config struct {
	Name           string
	Command        []string
	Daemonize      bool
	RestartInitial Interval
	Cooloff        Interval
	Maximum        Interval
}

// Child is the currently supervised process. A nil *Child means no child
// is currently running.
type Child struct {
	Pid       int
	Pgid      int
	StartedAt time.Time
}

// ChildManager owns fork/exec, process-group setup, the supervisor's two
// pipe pairs, reap, and signal forwarding. The pipe pairs are created once
// and live for the supervisor's entire lifetime; only the write-end file
// descriptors are handed to each new child.
type ChildManager struct {
	argv0 *byte
	argv  []*byte
	envv  []*byte

	stdoutR, stdoutW int
	stderrR, stderrW int

	child *Child
}

// NewChildManager creates the supervisor's stdout/stderr pipe pairs and
// pre-marshals argv/envp into the flat, nil-terminated pointer arrays
// execve expects. That marshaling happens here, once, well before any
// fork: the path between fork and exec below must not allocate (see
// execChild).
//
// Only the read ends are set non-blocking, via a separate Fcntl after
// Pipe2 rather than as an O_NONBLOCK flag on the pipe itself: O_NONBLOCK
// lives on the shared open file description, not per-descriptor, so
// passing it to Pipe2 would make the write end non-blocking too once
// dup2'd onto the child's fd 1/2. A child that writes a burst larger than
// the pipe buffer would then get EAGAIN and silently lose output.
func NewChildManager(command []string) (*ChildManager, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	var outFds, errFds [2]int
	if err := unix.Pipe2(outFds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := unix.Pipe2(errFds[:], unix.O_CLOEXEC); err != nil {
		unix.Close(outFds[0])
		unix.Close(outFds[1])
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := setNonblock(outFds[0]); err != nil {
		closeFds(outFds[:], errFds[:])
		return nil, fmt.Errorf("stdout read end nonblock: %w", err)
	}
	if err := setNonblock(errFds[0]); err != nil {
		closeFds(outFds[:], errFds[:])
		return nil, fmt.Errorf("stderr read end nonblock: %w", err)
	}

	argv0, err := unix.BytePtrFromString(command[0])
	if err != nil {
		return nil, err
	}
	argv, err := unix.SlicePtrFromStrings(command)
	if err != nil {
		return nil, err
	}
	envv, err := unix.SlicePtrFromStrings(os.Environ())
	if err != nil {
		return nil, err
	}

	return &ChildManager{
		argv0:    argv0,
		argv:     argv,
		envv:     envv,
		stdoutR:  outFds[0],
		stdoutW:  outFds[1],
		stderrR:  errFds[0],
		stderrW:  errFds[1],
	}, nil
}

// setNonblock adds O_NONBLOCK to fd's existing flags without disturbing
// the others.
func setNonblock(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	return err
}

func closeFds(groups ...[]int) {
	for _, g := range groups {
		for _, fd := range g {
			unix.Close(fd)
		}
	}
}

// StdoutFD and StderrFD are the supervisor-owned, non-blocking read ends
// the main loop polls and fills its LineBuffers from.
func (cm *ChildManager) StdoutFD() int { return cm.stdoutR }
func (cm *ChildManager) StderrFD() int { return cm.stderrR }

// Alive reports whether a child is currently tracked.
func (cm *ChildManager) Alive() bool { return cm.child != nil }

// Current returns the tracked child, or nil if none.
func (cm *ChildManager) Current() *Child { return cm.child }

// Spawn forks and execs the configured command. The write ends of both
// pipes become the child's fd 1 and fd 2; the child joins its own process
// group (pgid == pid) before exec, since forwarding to the pid alone would
// miss any descendants the child spawns. On exec failure the child exits
// 127, the sentinel Reap uses to stop supervision.
func (cm *ChildManager) Spawn() (*Child, error) {
	if cm.child != nil {
		return nil, fmt.Errorf("child already running")
	}

	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("fork: %w", errno)
	}
	if pid == 0 {
		cm.execChild()
		panic("unreachable: execChild does not return")
	}

	child := &Child{Pid: int(pid), Pgid: int(pid), StartedAt: time.Now()}
	cm.child = child
	return child, nil
}

// execChild runs in the forked child, between fork and exec. Only raw,
// non-allocating syscalls are safe here: the child is a single-threaded
// snapshot of a multi-threaded Go process, and any other thread's lock
// held at fork time (allocator, scheduler) never gets released in this
// copy. This mirrors the restricted path Go's own os/exec takes
// internally.
func (cm *ChildManager) execChild() {
	_, _, _ = unix.RawSyscall(unix.SYS_SETPGID, 0, 0, 0)

	var empty unix.Sigset_t
	_ = unix.PthreadSigmask(unix.SIG_SETMASK, &empty, nil)

	unix.RawSyscall(unix.SYS_DUP2, uintptr(cm.stdoutW), 1, 0)
	unix.RawSyscall(unix.SYS_DUP2, uintptr(cm.stderrW), 2, 0)

	unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(cm.argv0)),
		uintptr(unsafe.Pointer(&cm.argv[0])),
		uintptr(unsafe.Pointer(&cm.envv[0])))

	// execve only returns on failure.
	unix.RawSyscall(unix.SYS_EXIT, 127, 0, 0)
}

// Forward delivers sig to the child's process group, not just the child
// itself, so any descendants it has spawned also receive it. It is a
// no-op if no child exists.
func (cm *ChildManager) Forward(sig syscall.Signal) error {
	if cm.child == nil {
		return nil
	}
	return unix.Kill(-cm.child.Pgid, unix.Signal(sig))
}

// ReapResult describes the outcome of one Reap call.
type ReapResult struct {
	Reaped    bool
	Stop      bool
	ExitCode  int
	Signaled  bool
	Signal    syscall.Signal
	Uptime    time.Duration
	StartedAt time.Time
}

// Reap collects exactly one terminated child. If the reaped pid is not
// the tracked child it is a stray grandchild: logged and ignored, tracked
// child left untouched. Otherwise the Child slot is cleared and the exit
// status classified.
func (cm *ChildManager) Reap(log *logger) ReapResult {
	var status unix.WaitStatus
	pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
	if err != nil || pid <= 0 {
		return ReapResult{}
	}

	if cm.child == nil || pid != cm.child.Pid {
		log.Notice(fmt.Sprintf("reaped stray pid %d", pid))
		return ReapResult{}
	}

	started := cm.child.StartedAt
	uptime := time.Since(started)
	cm.child = nil

	res := ReapResult{Reaped: true, Uptime: uptime, StartedAt: started}
	switch {
	case status.Exited():
		res.ExitCode = status.ExitStatus()
		if res.ExitCode == 127 {
			res.Stop = true
		}
	case status.Signaled():
		res.Signaled = true
		res.Signal = syscall.Signal(status.Signal())
	}
	return res
}

// Close releases the supervisor's pipe fds. Called once, at supervisor
// exit.
func (cm *ChildManager) Close() {
	unix.Close(cm.stdoutR)
	unix.Close(cm.stdoutW)
	unix.Close(cm.stderrR)
	unix.Close(cm.stderrW)
}

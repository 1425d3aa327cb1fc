package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// daemonize detaches the supervisor from its controlling terminal: the
// classic fork-and-exit-the-parent, setsid, chdir("/"), redirect-stdio
// sequence. This is a peripheral concern — the core supervision loop never
// consults cfg.Daemonize beyond deciding whether to echo logs to stderr.
//
// The fork here happens before any goroutine is started (no
// signal-capture goroutine, no logger) because the forked child goes on
// to run ordinary Go code. ChildManager.Spawn, by contrast, forks from the
// running supervisor and keeps the child to raw syscalls until exec.
func daemonize() error {
	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("fork: %w", errno)
	}
	if pid != 0 {
		os.Exit(0)
	}

	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir: %w", err)
	}

	devNull, err := unix.Open("/dev/null", unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open /dev/null: %w", err)
	}
	for _, fd := range []int{0, 1, 2} {
		if err := unix.Dup2(devNull, fd); err != nil {
			return fmt.Errorf("dup2: %w", err)
		}
	}
	if devNull > 2 {
		unix.Close(devNull)
	}
	return nil
}

package main

import (
	"syscall"
	"testing"
	"time"
)

// waitReap polls cm.Reap until it reports a reaped child or the deadline
// passes. The supervisor normally learns of SIGCHLD through SignalInbox;
// tests poll directly since the point under test is Reap's classification,
// not the wakeup path.
//
// Every test below drives Reap only down paths where the tracked pid
// matches the reaped pid, so Reap never reaches its stray-pid log.Notice
// call; a zero-value *logger (no syslog handle opened) is safe to pass.
func waitReap(t *testing.T, cm *ChildManager, timeout time.Duration) ReapResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	log := &logger{}
	for time.Now().Before(deadline) {
		res := cm.Reap(log)
		if res.Reaped {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for child to be reaped")
	return ReapResult{}
}

func TestChildManagerSpawnAndReapExitCode(t *testing.T) {
	cm, err := NewChildManager([]string{"/bin/sh", "-c", "exit 7"})
	if err != nil {
		t.Fatalf("NewChildManager: %v", err)
	}
	defer cm.Close()

	if _, err := cm.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	res := waitReap(t, cm, 2*time.Second)
	if res.Signaled || res.ExitCode != 7 {
		t.Fatalf("got %+v, want exit code 7", res)
	}
	if res.Stop {
		t.Fatalf("exit code 7 should not set Stop")
	}
}

func TestChildManagerExecFailureStopsSupervision(t *testing.T) {
	cm, err := NewChildManager([]string{"/nonexistent/keepsv-test-helper-binary"})
	if err != nil {
		t.Fatalf("NewChildManager: %v", err)
	}
	defer cm.Close()

	if _, err := cm.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	res := waitReap(t, cm, 2*time.Second)
	if res.ExitCode != 127 || !res.Stop {
		t.Fatalf("got %+v, want exit code 127 with Stop", res)
	}
}

func TestChildManagerForwardDeliversToProcessGroup(t *testing.T) {
	cm, err := NewChildManager([]string{"/bin/sh", "-c", "trap 'exit 33' TERM; while true; do sleep 0.05; done"})
	if err != nil {
		t.Fatalf("NewChildManager: %v", err)
	}
	defer cm.Close()

	if _, err := cm.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// Let the shell install its trap before signaling it.
	time.Sleep(100 * time.Millisecond)

	if err := cm.Forward(syscall.SIGTERM); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	res := waitReap(t, cm, 2*time.Second)
	if res.Signaled {
		t.Fatalf("expected a clean exit(33) from the trap, got signaled %+v", res)
	}
	if res.ExitCode != 33 {
		t.Fatalf("got exit code %d, want 33", res.ExitCode)
	}
}

func TestChildManagerUncaughtSignalReportedAsSignaled(t *testing.T) {
	cm, err := NewChildManager([]string{"/bin/sh", "-c", "while true; do sleep 0.05; done"})
	if err != nil {
		t.Fatalf("NewChildManager: %v", err)
	}
	defer cm.Close()

	if _, err := cm.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := cm.Forward(syscall.SIGKILL); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	res := waitReap(t, cm, 2*time.Second)
	if !res.Signaled || res.Signal != syscall.SIGKILL {
		t.Fatalf("got %+v, want Signaled with SIGKILL", res)
	}
}

func TestChildManagerEmptyReapLeavesTrackedChildAlone(t *testing.T) {
	cm, err := NewChildManager([]string{"/bin/sh", "-c", "while true; do sleep 0.05; done"})
	if err != nil {
		t.Fatalf("NewChildManager: %v", err)
	}
	defer func() {
		if cm.Alive() {
			_ = cm.Forward(syscall.SIGKILL)
			waitReap(t, cm, 2*time.Second)
		}
		cm.Close()
	}()

	if _, err := cm.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	log := &logger{}
	res := cm.Reap(log)
	if res.Reaped {
		t.Fatalf("no pid has exited yet, Reap should report nothing: %+v", res)
	}
	if !cm.Alive() {
		t.Fatalf("tracked child should remain alive after an empty reap")
	}
}

//go:build !windows
// +build !windows

package daemon

import (
	"os/exec"
	"testing"
	"time"
)

func TestLivenessCheckFiresWhenChildExits(t *testing.T) {
	l, err := newLivenessCheck()
	if err != nil {
		t.Fatalf("newLivenessCheck failed: %v", err)
	}
	defer l.cleanup()

	cmd := exec.Command("sh", "-c", "exit 0")
	l.configureCmd(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	ch := l.start(cmd.Process.Pid)
	go cmd.Wait()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("liveness channel still open after the child exited")
	}
}

func TestLivenessCheckClosesOnReadError(t *testing.T) {
	l, err := newLivenessCheck()
	if err != nil {
		t.Fatalf("newLivenessCheck failed: %v", err)
	}
	defer l.cleanup()

	ch := l.start(0)

	if err := l.pr.Close(); err != nil {
		t.Fatalf("failed to close read pipe: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for liveness channel to close")
	}
}

func TestStopChannelNeverFires(t *testing.T) {
	select {
	case <-StopChannel(t.TempDir()):
		t.Fatal("StopChannel fired on a platform that stops through signals")
	case <-time.After(50 * time.Millisecond):
	}
}

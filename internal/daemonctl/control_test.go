package daemonctl

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestProcessInfoUnreachableSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "absent.sock")
	reachable, pid, err := ProcessInfo(socket)
	if err != nil {
		t.Fatalf("process info: %v", err)
	}
	if reachable || pid != 0 {
		t.Fatalf("expected unreachable daemon, got reachable=%v pid=%d", reachable, pid)
	}
}

func TestStopAndTerminateNotRunning(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "absent.sock")
	_, err := StopAndTerminate(socket, time.Second)
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestLaunchRequiresExecutable(t *testing.T) {
	if err := Launch("  ", LaunchOptions{}); err == nil {
		t.Fatal("expected error for empty executable path")
	}
}

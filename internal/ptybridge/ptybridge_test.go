package ptybridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func newTestBridge(t *testing.T, cb Callbacks) *Bridge {
	t.Helper()
	dir := t.TempDir()
	return New(dir, cb)
}

func TestCreateWriteAndExit(t *testing.T) {
	var mu sync.Mutex
	var output []byte
	exited := make(chan struct{})
	var exitCode int

	b := newTestBridge(t, Callbacks{
		OnOutput: func(_ string, data []byte) {
			mu.Lock()
			output = append(output, data...)
			mu.Unlock()
		},
		OnExit: func(_ string, code int, _ string) {
			exitCode = code
			close(exited)
		},
	})

	info, err := b.Create(CreateRequest{ProjectID: "p1", CWD: t.TempDir(), Command: "sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	if !b.Write(info.SessionID, []byte("echo hello\n")) {
		t.Fatal("write returned false for live session")
	}
	if !b.Write(info.SessionID, []byte("exit 0\n")) {
		t.Fatal("write exit returned false")
	}

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit in time")
	}

	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0", exitCode)
	}
	mu.Lock()
	got := string(output)
	mu.Unlock()
	if !strings.Contains(got, "hello") {
		t.Errorf("output %q does not contain 'hello'", got)
	}
}

func TestWriteUnknownSessionReturnsFalse(t *testing.T) {
	b := newTestBridge(t, Callbacks{})
	if b.Write("nope", []byte("x")) {
		t.Error("write to unknown session returned true")
	}
	if b.Resize("nope", 10, 10) {
		t.Error("resize of unknown session returned true")
	}
	if b.Signal("nope", SIGTERM) {
		t.Error("signal to unknown session returned true")
	}
}

func TestStopEscalatesThroughSignalsWhenIgnored(t *testing.T) {
	exited := make(chan struct{})
	b := newTestBridge(t, Callbacks{OnExit: func(_ string, _ int, _ string) { close(exited) }})
	// Compress the wait gates so the test finishes quickly while still
	// exercising all three stages.
	b.escalation = []escalationStage{
		{syscall.SIGINT, 50 * time.Millisecond},
		{syscall.SIGTERM, 50 * time.Millisecond},
		{syscall.SIGKILL, 200 * time.Millisecond},
	}

	info, err := b.Create(CreateRequest{ProjectID: "p1", CWD: t.TempDir(), Command: "sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Ignore SIGINT and SIGTERM so only SIGKILL (unblockable) can end it.
	if !b.Write(info.SessionID, []byte("trap '' INT TERM; while true; do sleep 1; done\n")) {
		t.Fatal("write trap command failed")
	}
	time.Sleep(100 * time.Millisecond) // give the trap time to install

	start := time.Now()
	b.Stop(info.SessionID)
	elapsed := time.Since(start)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("process never exited after Stop")
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("Stop returned after %v, want it to have walked through the escalation gates", elapsed)
	}
}

func TestStopSkipsRemainingStagesOnceProcessExits(t *testing.T) {
	exited := make(chan struct{})
	b := newTestBridge(t, Callbacks{OnExit: func(_ string, _ int, _ string) { close(exited) }})
	b.escalation = []escalationStage{
		{syscall.SIGINT, 5 * time.Second}, // SIGINT is unhandled by plain sh, so it should exit immediately
		{syscall.SIGTERM, 5 * time.Second},
		{syscall.SIGKILL, 5 * time.Second},
	}

	info, err := b.Create(CreateRequest{ProjectID: "p1", CWD: t.TempDir(), Command: "sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	start := time.Now()
	b.Stop(info.SessionID)
	elapsed := time.Since(start)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("process never exited")
	}
	if elapsed >= 5*time.Second {
		t.Errorf("Stop took %v, want it to return as soon as SIGINT killed the process rather than waiting out every gate", elapsed)
	}
}

func TestRecoverOrphansKeepsAliveDropsStale(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, Callbacks{})
	sessDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	alive := recoveryRecord{PID: os.Getpid(), SessionID: "alive-1", ProjectID: "p1", CWD: "/tmp"}
	stale := recoveryRecord{PID: findUnusedPID(t), SessionID: "stale-1", ProjectID: "p1", CWD: "/tmp"}

	writeRecord(t, filepath.Join(sessDir, "alive-1.pid"), alive)
	writeRecord(t, filepath.Join(sessDir, "stale-1.pid"), stale)

	orphans, err := b.RecoverOrphans()
	if err != nil {
		t.Fatalf("recover orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].SessionID != "alive-1" {
		t.Fatalf("orphans = %+v, want exactly alive-1", orphans)
	}

	if _, err := os.Stat(filepath.Join(sessDir, "stale-1.pid")); !os.IsNotExist(err) {
		t.Error("stale recovery file was not deleted")
	}
	if _, err := os.Stat(filepath.Join(sessDir, "alive-1.pid")); err != nil {
		t.Error("alive recovery file should not be deleted by RecoverOrphans")
	}
}

func TestRecoverOrphansNoDirectoryReturnsEmpty(t *testing.T) {
	b := New(t.TempDir(), Callbacks{})
	orphans, err := b.RecoverOrphans()
	if err != nil {
		t.Fatalf("recover orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("orphans = %v, want empty when no recovery dir exists yet", orphans)
	}
}

func writeRecord(t *testing.T, path string, rec recoveryRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// findUnusedPID returns a pid very unlikely to be alive, for simulating a
// stale recovery file from a process that's long gone.
func findUnusedPID(t *testing.T) int {
	t.Helper()
	candidate := 1 << 30
	if err := syscall.Kill(candidate, 0); err != nil {
		return candidate
	}
	// Extremely unlikely fallback.
	return candidate - 1
}

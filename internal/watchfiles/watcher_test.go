package watchfiles

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOnCreateFiresForNewFileInWatchedDir(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var created []string
	done := make(chan struct{}, 1)

	w, err := New(Callbacks{OnCreate: func(path string) {
		mu.Lock()
		created = append(created, path)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}}, dir)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	target := filepath.Join(dir, "abc123.jsonl")
	if err := os.WriteFile(target, []byte("{}"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnCreate never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(created) == 0 || created[0] != target {
		t.Errorf("created = %v, want [%s]", created, target)
	}
}

func TestOnWriteFiresForWatchedFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "status.yaml")
	if err := os.WriteFile(target, []byte("status: idle\n"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	var mu sync.Mutex
	var writes int
	done := make(chan struct{}, 1)

	w, err := New(Callbacks{OnWrite: func(path string) {
		mu.Lock()
		writes++
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	if err := w.AddFile(target); err != nil {
		t.Fatalf("add file: %v", err)
	}

	if err := os.WriteFile(target, []byte("status: working\n"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnWrite never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if writes == 0 {
		t.Error("expected at least one OnWrite callback")
	}
}

func TestDebounceCoalescesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "status.yaml")
	if err := os.WriteFile(target, []byte("a"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var mu sync.Mutex
	var writes int

	w, err := New(Callbacks{OnWrite: func(path string) {
		mu.Lock()
		writes++
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.debounce = 150 * time.Millisecond
	defer w.Stop()

	if err := w.AddFile(target); err != nil {
		t.Fatalf("add file: %v", err)
	}

	for i := 0; i < 5; i++ {
		os.WriteFile(target, []byte{byte('a' + i)}, 0644)
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if writes != 1 {
		t.Errorf("writes = %d, want exactly 1 (five rapid writes should coalesce into one debounced callback)", writes)
	}
}

package repos

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReportsTopLevelDir(t *testing.T) {
	baseDir := t.TempDir()
	repoDir := filepath.Join(baseDir, "myrepo")
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 50 * time.Millisecond

	changes := make(chan string, 10)
	w.SetChangeHandler(func(path string) {
		changes <- path
	})

	w.Start()
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(baseDir, "myrepo", "file.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case path := <-changes:
		// The create event for "myrepo" itself may arrive first depending
		// on timing; either way it maps to the same top-level directory.
		if path != repoDir {
			t.Errorf("got change for %q, want %q", path, repoDir)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for change notification")
	}
}

func TestWatcherIgnoresGitInternals(t *testing.T) {
	w := &Watcher{baseDir: "/base"}

	tests := []struct {
		path string
		want bool
	}{
		{"/base/repo/.git", true},
		{"/base/repo/.git/index.lock", true},
		{"/base/repo/file.txt", false},
		{"/base/repo/file.swp", true},
		{"/base/repo/file.txt~", true},
	}

	for _, tt := range tests {
		if got := w.shouldIgnore(tt.path); got != tt.want {
			t.Errorf("shouldIgnore(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWatcherCoalescesBursts(t *testing.T) {
	baseDir := t.TempDir()
	repoDir := filepath.Join(baseDir, "repo")
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(baseDir)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 200 * time.Millisecond

	changes := make(chan string, 10)
	w.SetChangeHandler(func(path string) {
		changes <- path
	})

	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		name := filepath.Join(repoDir, "f"+string(rune('a'+i)))
		if err := os.WriteFile(name, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// One debounced notification for the whole burst
	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for change notification")
	}

	select {
	case <-changes:
		t.Error("expected burst to coalesce into a single notification")
	case <-time.After(400 * time.Millisecond):
	}
}

package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPIDFilePath(t *testing.T) {
	tests := []struct {
		statePath string
		want      string
	}{
		{"", ""},
		{":memory:", ""},
		{"/var/lib/loader/jobs.db", "/var/lib/loader/jobs.db.pid"},
	}
	for _, tt := range tests {
		if got := pidFilePath(tt.statePath); got != tt.want {
			t.Errorf("pidFilePath(%q) = %q, want %q", tt.statePath, got, tt.want)
		}
	}
}

func TestAcquirePIDFile(t *testing.T) {
	t.Run("WritesAndRemoves", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state", "jobs.db.pid")

		release, err := acquirePIDFile(path)
		if err != nil {
			t.Fatal(err)
		}
		pid, err := readPIDFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if pid != os.Getpid() {
			t.Fatalf("expected PID %d, got %d", os.Getpid(), pid)
		}

		release()
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatal("PID file should be removed on release")
		}
	})

	t.Run("RefusesLiveOwner", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobs.db.pid")
		// The parent process is alive for the duration of the test
		if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600); err != nil {
			t.Fatal(err)
		}

		_, err := acquirePIDFile(path)
		if !errors.Is(err, ErrServerAlreadyRunning) {
			t.Fatalf("expected ErrServerAlreadyRunning, got %v", err)
		}
	})

	t.Run("ReplacesStaleFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobs.db.pid")
		if err := os.WriteFile(path, []byte("not a pid"), 0o600); err != nil {
			t.Fatal(err)
		}

		release, err := acquirePIDFile(path)
		if err != nil {
			t.Fatalf("stale PID file should be replaced: %v", err)
		}
		defer release()

		if pid, _ := readPIDFile(path); pid != os.Getpid() {
			t.Fatalf("expected PID %d, got %d", os.Getpid(), pid)
		}
	})

	t.Run("ReleaseKeepsForeignFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobs.db.pid")
		release, err := acquirePIDFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("999999999"), 0o600); err != nil {
			t.Fatal(err)
		}

		release()
		if _, err := os.Stat(path); err != nil {
			t.Fatal("release should not remove a file owned by another process")
		}
	})

	t.Run("EmptyPathIsNoop", func(t *testing.T) {
		release, err := acquirePIDFile("")
		if err != nil {
			t.Fatal(err)
		}
		release()
	})
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
	if isProcessRunning(0) || isProcessRunning(-1) {
		t.Error("non-positive PIDs are never running")
	}
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrServerAlreadyRunning is returned when another live serve process owns the job store
var ErrServerAlreadyRunning = errors.New("another server is already using this job store")

// pidFilePath places the lock next to the job store. An in-memory store has none.
func pidFilePath(statePath string) string {
	if statePath == "" || statePath == ":memory:" {
		return ""
	}
	return statePath + ".pid"
}

// acquirePIDFile records the current process as owner of path. A file left
// behind by a dead process is replaced. The returned func removes the file.
func acquirePIDFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}

	// An unreadable or garbled file is treated as stale
	if pid, err := readPIDFile(path); err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return nil, fmt.Errorf("%w (pid %d, %s)", ErrServerAlreadyRunning, pid, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	return func() {
		// Only remove a file we still own
		if pid, err := readPIDFile(path); err == nil && pid == os.Getpid() {
			_ = os.Remove(path)
		}
	}, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path derives from the configured state path
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// isProcessRunning sends signal 0, which only checks that the process exists
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
)

const defaultInboxDebounce = 2 * time.Second

// enqueueFunc records a job for a file already placed in the upload directory
type enqueueFunc func(ctx context.Context, path string) (*jobs.Job, error)

// Inbox watches a directory and turns every archive dropped into it into a
// job. A file is picked up once it has not changed for the debounce window.
type Inbox struct {
	dir       string
	uploadDir string
	debounce  time.Duration
	enqueue   enqueueFunc
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	sizes  map[string]int64
}

func NewInbox(dir, uploadDir string, enqueue enqueueFunc, logger *slog.Logger) *Inbox {
	return &Inbox{
		dir:       dir,
		uploadDir: uploadDir,
		debounce:  defaultInboxDebounce,
		enqueue:   enqueue,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
		sizes:     make(map[string]int64),
	}
}

// Run watches the inbox until ctx is cancelled
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", in.dir, err)
	}
	defer in.stopTimers()

	ready := make(chan string)

	// Files dropped while the server was down
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}
	for _, e := range entries {
		in.schedule(ctx, filepath.Join(in.dir, e.Name()), ready)
	}
	in.logger.Info(fmt.Sprintf("📂 Watching inbox %s", in.dir))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0 {
				in.schedule(ctx, event.Name, ready)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn(fmt.Sprintf("File watcher error: %v", err))

		case path := <-ready:
			in.pickUp(ctx, path, ready)
		}
	}
}

// schedule (re)starts the debounce timer for path
func (in *Inbox) schedule(ctx context.Context, path string, ready chan<- string) {
	if ignoredInboxFile(filepath.Base(path)) {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.timers[path]; ok {
		t.Stop()
	}
	in.timers[path] = time.AfterFunc(in.debounce, func() {
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

// pickUp moves path into the upload directory and queues it, unless it is
// still growing
func (in *Inbox) pickUp(ctx context.Context, path string, ready chan<- string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		in.forget(path)
		return
	}

	in.mu.Lock()
	last, seen := in.sizes[path]
	in.sizes[path] = info.Size()
	in.mu.Unlock()
	if !seen || last != info.Size() {
		in.schedule(ctx, path, ready)
		return
	}
	in.forget(path)

	target, err := in.move(path)
	if err != nil {
		in.logger.Error(fmt.Sprintf("❌ Failed to move %s out of the inbox: %v", path, err))
		return
	}
	job, err := in.enqueue(ctx, target)
	if err != nil {
		in.logger.Error(fmt.Sprintf("❌ Failed to queue %s: %v", target, err))
		return
	}
	in.logger.Info(fmt.Sprintf("📥 Inbox file %s queued as job %s", filepath.Base(path), job.ID))
}

func (in *Inbox) forget(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.timers[path]; ok {
		t.Stop()
		delete(in.timers, path)
	}
	delete(in.sizes, path)
}

func (in *Inbox) stopTimers() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for path, t := range in.timers {
		t.Stop()
		delete(in.timers, path)
	}
}

// move renames path into the upload directory, copying when the two
// directories live on different filesystems
func (in *Inbox) move(path string) (string, error) {
	if err := os.MkdirAll(in.uploadDir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(in.uploadDir, fmt.Sprintf("upload-%d-%s", time.Now().UnixMilli(), filepath.Base(path)))
	err := os.Rename(path, target)
	if err == nil {
		return target, nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return "", err
	}
	if err := copyFile(path, target); err != nil {
		_ = os.Remove(target)
		return "", err
	}
	return target, os.Remove(path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ignoredInboxFile skips hidden files and partial downloads
func ignoredInboxFile(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".crdownload")
}

package logging

import (
	"fmt"
	"os"
	"sync"
)

// defaultMaxBytes is the size at which RotatingWriter rolls the active file
// over to a ".1" backup before continuing to append.
const defaultMaxBytes = 8 * 1024 * 1024

// RotatingWriter appends JSONL records to path, rolling path to path+".1"
// (overwriting any previous ".1") once it exceeds MaxBytes. It keeps at most
// two generations on disk: the active file and one backup. No pack example
// carries a log-rotation library, so this is hand-rolled, matching the
// teacher's preference for small dependency-light infra where nothing in
// the corpus addresses the concern.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	MaxBytes int64

	f    *os.File
	size int64
}

// NewRotatingWriter opens (creating if absent) the JSONL file at path for
// append.
func NewRotatingWriter(path string) (*RotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open rotating log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat rotating log %s: %w", path, err)
	}
	return &RotatingWriter{
		path:     path,
		MaxBytes: defaultMaxBytes,
		f:        f,
		size:     info.Size(),
	}, nil
}

// Write appends p as-is (callers are expected to pass a single JSON line
// plus trailing newline) and rotates first if the active file is already
// over the size limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size >= w.MaxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write rotating log %s: %w", w.path, err)
	}
	return n, nil
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close rotating log %s before rotation: %w", w.path, err)
	}

	backup := w.path + ".1"
	_ = os.Remove(backup)
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rotate %s: %w", w.path, err)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen rotating log %s: %w", w.path, err)
	}
	w.f = f
	w.size = 0
	return nil
}

// Close closes the active file handle.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

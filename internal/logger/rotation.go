package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotationOptions controls when a FileWriter rolls its log file over
// and what happens to the rotated copies.
type RotationOptions struct {
	MaxSizeMB  int
	MaxAgeDays int
	Compress   bool
}

// FileWriter appends to a log file and rotates it once it grows past
// the configured size. Rotated copies carry a timestamp suffix and are
// optionally gzipped; copies older than MaxAgeDays are pruned.
type FileWriter struct {
	mu       sync.Mutex
	path     string
	limit    int64
	maxAge   int
	compress bool
	f        *os.File
	written  int64
}

// OpenFileWriter opens (or creates) the log file at path, creating
// parent directories as needed.
func OpenFileWriter(path string, opts RotationOptions) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	w := &FileWriter{
		path:     path,
		limit:    int64(opts.MaxSizeMB) * 1024 * 1024,
		maxAge:   opts.MaxAgeDays,
		compress: opts.Compress,
		f:        f,
		written:  info.Size(),
	}
	go w.prune()
	return w, nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// rotate renames the current file aside and reopens a fresh one.
// Caller holds w.mu.
func (w *FileWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", w.path, time.Now().Format("20060102-150405"))
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.compress {
		go func() { _ = gzipAndRemove(rotated) }()
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.f = f
	w.written = 0

	go w.prune()
	return nil
}

// prune removes rotated copies older than the retention window.
func (w *FileWriter) prune() {
	if w.maxAge <= 0 {
		return
	}

	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path)
			if !strings.HasSuffix(path, ".gz") {
				os.Remove(path + ".gz")
			}
		}
	}
}

// gzipAndRemove replaces path with path.gz.
func gzipAndRemove(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}

	src.Close()
	return os.Remove(path)
}

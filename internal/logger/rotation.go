package logger

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedTimeFormat = "20060102-150405.000000000"

// RotationConfig configures a RotatingWriter.
type RotationConfig struct {
	Filename string
	// MaxBytes triggers rotation before a write would exceed it. Zero rotates
	// before every write to a non-empty file.
	MaxBytes int64
	// MaxAge in days; rotated files older than this are pruned. Zero keeps all.
	MaxAge   int
	Compress bool
}

// RotatingWriter appends to a log file and rotates it by size. Rotated files
// are named <file>.<timestamp> and optionally gzipped in the background.
type RotatingWriter struct {
	cfg RotationConfig
	now func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64

	// background compress and prune jobs
	bg     sync.WaitGroup
	errMu  sync.Mutex
	bgErrs []error
}

// NewRotatingWriter opens (or creates) the log file and prunes expired
// rotations.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log file name is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{cfg: cfg, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.background(w.prune)
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write implements io.Writer. It is safe for concurrent use.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.cfg.MaxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate forces a rotation.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotateLocked()
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.cfg.Filename + "." + w.now().Format(rotatedTimeFormat)
	if err := os.Rename(w.cfg.Filename, rotated); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	if w.cfg.Compress {
		w.background(func() error { return compressFile(rotated) })
	}
	w.background(w.prune)
	return nil
}

func (w *RotatingWriter) background(fn func() error) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if err := fn(); err != nil {
			w.errMu.Lock()
			w.bgErrs = append(w.bgErrs, err)
			w.errMu.Unlock()
		}
	}()
}

// Close waits for background jobs and closes the file. Errors of background
// compress or prune runs are reported here.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.bg.Wait()
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return errors.Join(append([]error{err}, w.bgErrs...)...)
}

// Rotated lists rotated files, oldest first.
func (w *RotatingWriter) Rotated() ([]string, error) {
	files, err := filepath.Glob(w.cfg.Filename + ".*")
	if err != nil {
		return nil, err
	}
	// Timestamps sort lexically; Glob already returns sorted names.
	return files, nil
}

// prune removes rotated files older than MaxAge.
func (w *RotatingWriter) prune() error {
	if w.cfg.MaxAge <= 0 {
		return nil
	}
	files, err := w.Rotated()
	if err != nil {
		return err
	}
	cutoff := w.now().AddDate(0, 0, -w.cfg.MaxAge)
	var errs []error
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// compressFile gzips path into path.gz and removes the original.
func compressFile(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}

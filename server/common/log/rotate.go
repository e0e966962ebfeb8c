package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// rotatingFile is a zapcore.WriteSyncer that renames the active file to
// base_YYYYMMDD_HHMMSS_N.ext once it would grow past maxSizeBytes.
type rotatingFile struct {
	mu           sync.Mutex
	filePath     string
	maxSizeBytes int64
	file         *os.File
}

func newRotatingFile(path string, maxSizeBytes int64) *rotatingFile {
	return &rotatingFile{filePath: path, maxSizeBytes: maxSizeBytes}
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureOpen(); err != nil {
		fmt.Fprintf(os.Stderr, "logger open file error: %v\n", err)
		return 0, err
	}
	if err := r.rotateIfNeeded(int64(len(p))); err != nil {
		fmt.Fprintf(os.Stderr, "logger rotate error: %v\n", err)
		return 0, err
	}
	return r.file.Write(p)
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *rotatingFile) ensureOpen() error {
	if r.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

func (r *rotatingFile) rotateIfNeeded(incomingSize int64) error {
	stat, err := r.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 || stat.Size()+incomingSize <= r.maxSizeBytes {
		return nil
	}

	if err := r.file.Sync(); err != nil {
		return err
	}
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	rotatedPath, err := nextRotatedPath(r.filePath, time.Now())
	if err != nil {
		return err
	}
	if err := os.Rename(r.filePath, rotatedPath); err != nil {
		return err
	}

	f, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

func nextRotatedPath(currentPath string, now time.Time) (string, error) {
	dir := filepath.Dir(currentPath)
	ext := filepath.Ext(currentPath)
	base := strings.TrimSuffix(filepath.Base(currentPath), ext)
	ts := now.Format("20060102_150405")

	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", base, ts, index, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

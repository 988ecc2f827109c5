package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
	"ccbt/pkg/retry"
)

// Options configures an AtomicStore
type Options struct {
	// VerifyAttempts bounds the post-write existence check
	VerifyAttempts int
	// VerifyDelay is the first backoff delay of the existence check
	VerifyDelay time.Duration
	// FileMode for written files
	FileMode os.FileMode
	Logger   logger.Logger
}

// AtomicStore writes and reads whole files with write-fsync-rename semantics
type AtomicStore struct {
	verifyAttempts int
	verifyBackoff  retry.Backoff
	fileMode       os.FileMode
	logger         logger.Logger

	// syncFile is swapped in tests to simulate a crash before fsync
	syncFile func(*os.File) error
}

// NewAtomicStore creates a store with the given options
func NewAtomicStore(opts Options) *AtomicStore {
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = 5
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = 10 * time.Millisecond
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0644
	}

	return &AtomicStore{
		verifyAttempts: opts.VerifyAttempts,
		verifyBackoff: retry.Backoff{
			Base: opts.VerifyDelay,
			Max:  20 * opts.VerifyDelay,
		},
		fileMode: opts.FileMode,
		logger:   logger.OrDefault(opts.Logger).WithComponent("storage"),
		syncFile: (*os.File).Sync,
	}
}

// Write durably replaces path with data
func (s *AtomicStore) Write(path string, data []byte) error {
	if len(data) == 0 {
		return errs.Checkpoint("refusing to write empty payload to "+path, nil)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Checkpoint("failed to create checkpoint directory", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.Checkpoint("failed to create temporary file", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return errs.Checkpoint("failed to write temporary file", err)
	}

	// Ensure data is on stable storage before it becomes visible
	if err := s.syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return errs.Checkpoint("failed to sync temporary file", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return errs.Checkpoint("failed to close temporary file", err)
	}

	if err := os.Chmod(tempPath, s.fileMode); err != nil {
		os.Remove(tempPath)
		return errs.Checkpoint("failed to set file mode", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return errs.Checkpoint("failed to replace "+filepath.Base(path), err)
	}

	if err := syncDir(dir); err != nil {
		s.logger.WarnWithFields("Directory sync failed", map[string]interface{}{
			"dir":   dir,
			"error": err.Error(),
		})
	}

	if err := s.VerifyExists(path); err != nil {
		return err
	}

	s.logger.DebugWithFields("File written", map[string]interface{}{
		"path": path,
		"size": len(data),
	})
	return nil
}

// VerifyExists checks that path is present and non-empty, retrying with
// short backoff before giving up
func (s *AtomicStore) VerifyExists(path string) error {
	return retry.Do(retry.Config{
		MaxAttempts: s.verifyAttempts,
		Backoff:     s.verifyBackoff,
		RetryIf:     retry.DefaultRetryIf,
		Logger:      s.logger.WithField("path", path),
	}, func() error {
		info, err := os.Stat(path)
		if err != nil {
			return errs.Checkpoint("written file not visible", err)
		}
		if info.Size() == 0 {
			return errs.Checkpoint("written file is empty", nil)
		}
		return nil
	})
}

// Read returns the full contents of path
func (s *AtomicStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFound("", "no file at "+path)
		}
		return nil, errs.Checkpoint("failed to read "+filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil, errs.Corrupted(fmt.Sprintf("%s is empty", filepath.Base(path)), nil)
	}
	return data, nil
}

// Remove deletes path, reporting whether a file was actually removed
func (s *AtomicStore) Remove(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errs.Checkpoint("failed to remove "+filepath.Base(path), err)
}

// syncDir flushes the directory entry so the rename survives a crash;
// Windows does not support fsync on directories
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
)

func newTestStore() *AtomicStore {
	return NewAtomicStore(Options{
		VerifyAttempts: 3,
		VerifyDelay:    time.Millisecond,
		Logger:         logger.NewNopLogger(),
	})
}

func TestAtomicStoreWriteAndRead(t *testing.T) {
	tempDir := t.TempDir()
	store := newTestStore()
	path := filepath.Join(tempDir, "nested", "record.checkpoint.json")

	require.NoError(t, store.Write(path, []byte(`{"version":"1.0"}`)))

	data, err := store.Read(path)
	require.NoError(t, err)
	assert.Equal(t, `{"version":"1.0"}`, string(data))

	// overwrite replaces content in place
	require.NoError(t, store.Write(path, []byte("second")))
	data, err = store.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files may be left behind")
}

func TestAtomicStoreReadErrors(t *testing.T) {
	tempDir := t.TempDir()
	store := newTestStore()

	_, err := store.Read(filepath.Join(tempDir, "missing"))
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	empty := filepath.Join(tempDir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = store.Read(empty)
	assert.True(t, errors.Is(err, errs.ErrCorrupted))
}

func TestAtomicStoreRejectsEmptyPayload(t *testing.T) {
	store := newTestStore()
	err := store.Write(filepath.Join(t.TempDir(), "x"), nil)
	assert.True(t, errors.Is(err, errs.ErrCheckpoint))
}

func TestAtomicStoreCrashBeforeSync(t *testing.T) {
	tempDir := t.TempDir()
	store := newTestStore()
	path := filepath.Join(tempDir, "record.bin")

	require.NoError(t, store.Write(path, []byte("known good")))

	store.syncFile = func(*os.File) error { return errors.New("power lost") }
	err := store.Write(path, []byte("half written"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCheckpoint))

	data, err := store.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "known good", string(data), "previous content survives a failed write")

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "temp file %s left behind", e.Name())
	}
}

func TestAtomicStoreCrashOnFirstWrite(t *testing.T) {
	tempDir := t.TempDir()
	store := newTestStore()
	store.syncFile = func(*os.File) error { return errors.New("power lost") }

	path := filepath.Join(tempDir, "record.bin")
	require.Error(t, store.Write(path, []byte("payload")))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "canonical file must not exist after interrupted first write")
}

func TestVerifyExists(t *testing.T) {
	tempDir := t.TempDir()
	store := newTestStore()

	err := store.VerifyExists(filepath.Join(tempDir, "never"))
	assert.Error(t, err)

	empty := filepath.Join(tempDir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	assert.Error(t, store.VerifyExists(empty))

	full := filepath.Join(tempDir, "full")
	require.NoError(t, os.WriteFile(full, []byte("x"), 0644))
	assert.NoError(t, store.VerifyExists(full))
}

func TestVerifyExistsLogsRetries(t *testing.T) {
	log := logger.NewTestLogger()
	store := NewAtomicStore(Options{VerifyAttempts: 3, VerifyDelay: time.Millisecond, Logger: log})
	missing := filepath.Join(t.TempDir(), "never")

	err := store.VerifyExists(missing)
	assert.True(t, errors.Is(err, errs.ErrCheckpoint))

	var retries []logger.LogMessage
	for _, msg := range log.GetMessages() {
		if msg.Message == "Retrying operation" {
			retries = append(retries, msg)
		}
	}
	require.Len(t, retries, 2)
	assert.Equal(t, missing, retries[0].Fields["path"])
	assert.Equal(t, "storage", retries[0].Fields["component"])
	assert.True(t, log.HasMessage("Retry attempts exhausted"))
}

func TestAtomicStoreRemove(t *testing.T) {
	tempDir := t.TempDir()
	store := newTestStore()
	path := filepath.Join(tempDir, "record")
	require.NoError(t, store.Write(path, []byte("x")))

	removed, err := store.Remove(path)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Remove(path)
	require.NoError(t, err)
	assert.False(t, removed)
}

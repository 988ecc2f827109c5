package checkpoint

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
	"ccbt/pkg/storage"
)

func TestBackupCompressedEncrypted(t *testing.T) {
	m, _ := newTestManager(t, Options{Format: FormatBoth})
	svc := NewBackupService(m, logger.NewNopLogger())

	original := fullCheckpoint(testHash)
	_, err := m.Save(original, "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.json.gz")
	path, err := svc.Backup(testHash, dest, true, true)
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.FileExists(t, dest)
	require.FileExists(t, dest+".key")

	keyInfo, err := os.Stat(dest + ".key")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), keyInfo.Mode().Perm())

	keyHex, err := os.ReadFile(dest + ".key")
	require.NoError(t, err)
	key, err := hex.DecodeString(string(keyHex))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	payload, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.False(t, storage.IsGzip(payload), "payload is encrypted after compression")
	assert.False(t, bytes.Contains(payload, []byte(testHash.String())))

	// the live record disappears; restore brings it back
	_, err = m.Delete(testHash)
	require.NoError(t, err)

	restored, err := svc.Restore(dest, nil)
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	loaded, err := m.Load(testHash, FormatBoth)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
	assert.FileExists(t, m.BinaryPath(testHash))
}

func TestBackupPlainAndCompressed(t *testing.T) {
	m, _ := newTestManager(t, Options{Format: FormatJSON})
	svc := NewBackupService(m, nil)
	_, err := m.Save(simpleCheckpoint(testHash), "")
	require.NoError(t, err)
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.json")
	_, err = svc.Backup(testHash, plain, false, false)
	require.NoError(t, err)
	assert.NoFileExists(t, plain+".key")
	data, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": "1.0"`)

	gz := filepath.Join(dir, "compressed.json.gz")
	_, err = svc.Backup(testHash, gz, true, false)
	require.NoError(t, err)
	data, err = os.ReadFile(gz)
	require.NoError(t, err)
	assert.True(t, storage.IsGzip(data))

	for _, file := range []string{plain, gz} {
		cp, err := svc.Restore(file, &testHash)
		require.NoError(t, err, file)
		assert.Equal(t, []uint32{0, 1, 2}, cp.VerifiedPieces)
	}
}

func TestBackupReplacesStaleKey(t *testing.T) {
	m, _ := newTestManager(t, Options{Format: FormatJSON})
	svc := NewBackupService(m, nil)
	_, err := m.Save(simpleCheckpoint(testHash), "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "backup.json")
	_, err = svc.Backup(testHash, dest, false, true)
	require.NoError(t, err)
	_, err = svc.Backup(testHash, dest, false, false)
	require.NoError(t, err)
	assert.NoFileExists(t, dest+".key")

	_, err = svc.Restore(dest, nil)
	assert.NoError(t, err)
}

func TestBackupFailsWhenStaleKeyCannotBeRemoved(t *testing.T) {
	m, _ := newTestManager(t, Options{Format: FormatJSON})
	svc := NewBackupService(m, nil)
	_, err := m.Save(simpleCheckpoint(testHash), "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "backup.json")
	// a non-empty directory where the key file would be cannot be removed
	require.NoError(t, os.MkdirAll(filepath.Join(dest+KeySuffix, "pinned"), 0755))

	_, err = svc.Backup(testHash, dest, false, false)
	assert.True(t, errors.Is(err, errs.ErrCheckpoint), "got %v", err)
	assert.NoFileExists(t, dest, "plaintext is not written next to a key it cannot clear")
}

func TestRestoreKeepsBackupTimestamps(t *testing.T) {
	m, clock := newTestManager(t, Options{Format: FormatJSON})
	svc := NewBackupService(m, nil)
	_, err := m.Save(simpleCheckpoint(testHash), "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "backup.json")
	_, err = svc.Backup(testHash, dest, false, false)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	restored, err := svc.Restore(dest, &testHash)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, restored.UpdatedAt)

	live, err := m.Load(testHash, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(2*time.Hour), live.UpdatedAt)
}

func TestRestoreErrors(t *testing.T) {
	m, _ := newTestManager(t, Options{Format: FormatJSON})
	svc := NewBackupService(m, nil)
	_, err := m.Save(simpleCheckpoint(testHash), "")
	require.NoError(t, err)
	dir := t.TempDir()

	dest := filepath.Join(dir, "out.json.gz")
	_, err = svc.Backup(testHash, dest, true, true)
	require.NoError(t, err)

	t.Run("hash mismatch", func(t *testing.T) {
		other := InfoHash{0x42}
		cp, err := svc.Restore(dest, &other)
		assert.Nil(t, cp)
		assert.True(t, errors.Is(err, errs.ErrCorrupted), "got %v", err)
	})

	t.Run("wrong key", func(t *testing.T) {
		copyPath := filepath.Join(dir, "copy.json.gz")
		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(copyPath, data, 0644))
		require.NoError(t, os.WriteFile(copyPath+".key", bytes.Repeat([]byte("ab"), 32), 0600))

		_, err = svc.Restore(copyPath, nil)
		assert.True(t, errors.Is(err, errs.ErrCorrupted), "got %v", err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := svc.Restore(filepath.Join(dir, "nope.json"), nil)
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})

	t.Run("nothing to back up", func(t *testing.T) {
		_, err := svc.Backup(InfoHash{0x11}, filepath.Join(dir, "x.json"), false, false)
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})
}

func TestRestoreBypassesDeduplication(t *testing.T) {
	m, _ := newTestManager(t, Options{Format: FormatJSON, Deduplication: true})
	svc := NewBackupService(m, nil)
	_, err := m.Save(simpleCheckpoint(testHash), "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "b.json")
	_, err = svc.Backup(testHash, dest, false, false)
	require.NoError(t, err)

	// identical content at the same second would normally be skipped
	require.NoError(t, os.Remove(m.JSONPath(testHash)))
	_, err = svc.Restore(dest, &testHash)
	require.NoError(t, err)
	assert.FileExists(t, m.JSONPath(testHash))
}

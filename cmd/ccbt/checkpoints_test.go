package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccbt/pkg/checkpoint"
	"ccbt/pkg/logger"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheckpointsCommands(t *testing.T) {
	t.Setenv("CCBT_LOG_LEVEL", "error")
	dir := t.TempDir()
	hash := checkpoint.InfoHash{0xAB, 0xCD}

	m, err := checkpoint.NewManager(checkpoint.Options{Directory: dir, Format: checkpoint.FormatJSON, Logger: logger.NewNopLogger()})
	require.NoError(t, err)
	_, err = m.Save(&checkpoint.TorrentCheckpoint{
		InfoHash:       hash,
		TorrentName:    "debian.iso",
		TotalPieces:    8,
		VerifiedPieces: []uint32{0, 1},
	}, "")
	require.NoError(t, err)

	out, err := runCLI(t, "checkpoints", "list", "--checkpoint-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, hash.String())
	assert.Contains(t, out, "json")

	out, err = runCLI(t, "checkpoints", "verify", hash.String(), "--checkpoint-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	_, err = runCLI(t, "checkpoints", "migrate", hash.String(), "--from", "json", "--to", "binary", "--checkpoint-dir", dir)
	require.NoError(t, err)
	migrated, err := m.Load(hash, checkpoint.FormatBinary)
	require.NoError(t, err)
	require.NotNil(t, migrated, "binary record written under the configured compression")
	assert.Equal(t, []uint32{0, 1}, migrated.VerifiedPieces)

	backup := filepath.Join(t.TempDir(), "out.json.gz")
	_, err = runCLI(t, "checkpoints", "backup", hash.String(), backup, "--encrypt", "--checkpoint-dir", dir)
	require.NoError(t, err)
	assert.FileExists(t, backup+".key")

	out, err = runCLI(t, "checkpoints", "delete", hash.String(), "--checkpoint-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted checkpoint")

	out, err = runCLI(t, "checkpoints", "restore", backup, "--info-hash", hash.String(), "--checkpoint-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "debian.iso")

	out, err = runCLI(t, "checkpoints", "stats", "--checkpoint-dir", dir)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "Files:"), out)

	_, err = runCLI(t, "checkpoints", "verify", "not-a-hash", "--checkpoint-dir", dir)
	assert.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

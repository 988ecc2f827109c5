package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
)

func TestGlobalManagerRoundTrip(t *testing.T) {
	log := logger.NewTestLogger()
	m, _ := newTestManager(t, Options{Logger: log})
	g := NewGlobalManager(m)
	assert.Equal(t, filepath.Join(m.Dir(), "global.checkpoint.json"), g.Path())

	empty, err := g.Load()
	require.NoError(t, err)
	assert.Nil(t, empty)

	original := &GlobalCheckpoint{
		ActiveTorrents: []InfoHash{testHash},
		PausedTorrents: []InfoHash{{0x01}},
		QueuedTorrents: []QueuedTorrent{{InfoHash: InfoHash{0x02}, Position: 1, Priority: 5}},
	}
	_, err = g.SaveIncremental(original, []string{"queued_torrents"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, original.UpdatedAt)
	assert.True(t, log.HasMessage("Incremental global checkpoint saved"))

	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": "1.0"`)
	assert.Contains(t, string(data), testHash.String(), "hashes are hex encoded")

	loaded, err := g.Load()
	require.NoError(t, err)
	assert.Equal(t, original, loaded)

	// the global record is not a per-torrent checkpoint
	infos, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestGlobalManagerRejectsBadFiles(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	g := NewGlobalManager(m)

	require.NoError(t, os.WriteFile(g.Path(), []byte(`{"version":"0.9","active_torrents":[]}`), 0644))
	_, err := g.Load()
	assert.True(t, errors.Is(err, errs.ErrVersion))

	require.NoError(t, os.WriteFile(g.Path(), []byte(`{"version":"1.0","active_torrents":["xyz"]}`), 0644))
	_, err = g.Load()
	assert.True(t, errors.Is(err, errs.ErrCorrupted))

	require.NoError(t, os.WriteFile(g.Path(), nil, 0644))
	_, err = g.Load()
	assert.True(t, errors.Is(err, errs.ErrCorrupted))
}

func TestGlobalManagerDisabled(t *testing.T) {
	m, _ := newTestManager(t, Options{Disabled: true})
	_, err := NewGlobalManager(m).Save(&GlobalCheckpoint{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disabled"))
}

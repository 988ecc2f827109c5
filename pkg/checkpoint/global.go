package checkpoint

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"time"

	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
	"ccbt/pkg/storage"
)

// GlobalFileName is the session-wide record inside the checkpoint directory
const GlobalFileName = "global.checkpoint.json"

type globalDocument struct {
	Version string `json:"version"`
	*GlobalCheckpoint
}

// GlobalManager persists the session-wide torrent list next to the per-torrent records
type GlobalManager struct {
	path     string
	store    *storage.AtomicStore
	logger   logger.Logger
	now      func() time.Time
	disabled bool
}

// NewGlobalManager shares the directory, clock and switches of m
func NewGlobalManager(m *Manager) *GlobalManager {
	return &GlobalManager{
		path:     filepath.Join(m.dir, GlobalFileName),
		store:    m.store,
		logger:   m.logger.WithComponent("global_checkpoint"),
		now:      m.now,
		disabled: m.disabled,
	}
}

// Path returns the location of the global record
func (g *GlobalManager) Path() string { return g.path }

// Save writes the full global record, refreshing UpdatedAt
func (g *GlobalManager) Save(cp *GlobalCheckpoint) (string, error) {
	if g.disabled {
		return "", errs.Checkpoint("save global: checkpointing is disabled", nil)
	}
	if cp == nil {
		return "", errs.Checkpoint("save global: nil checkpoint", nil)
	}
	cp.UpdatedAt = g.now().UTC().Truncate(time.Second)

	data, err := json.MarshalIndent(globalDocument{Version: JSONVersion, GlobalCheckpoint: cp}, "", "  ")
	if err != nil {
		return "", errs.Checkpoint("failed to encode global checkpoint", err)
	}
	if err := g.store.Write(g.path, data); err != nil {
		return "", err
	}

	g.logger.DebugWithFields("Global checkpoint saved", map[string]interface{}{
		"active": len(cp.ActiveTorrents),
		"paused": len(cp.PausedTorrents),
		"queued": len(cp.QueuedTorrents),
	})
	return g.path, nil
}

// SaveIncremental logs which fields changed and writes the full record
func (g *GlobalManager) SaveIncremental(cp *GlobalCheckpoint, changed []string) (string, error) {
	path, err := g.Save(cp)
	if err != nil {
		return "", err
	}
	g.logger.DebugWithFields("Incremental global checkpoint saved", map[string]interface{}{
		"changed_fields": strings.Join(changed, ","),
	})
	return path, nil
}

// Load reads the global record, returning nil, nil when none exists
func (g *GlobalManager) Load() (*GlobalCheckpoint, error) {
	data, err := g.store.Read(g.path)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := checkJSONVersion(data); err != nil {
		return nil, err
	}

	cp := &GlobalCheckpoint{}
	if err := json.Unmarshal(data, &globalDocument{GlobalCheckpoint: cp}); err != nil {
		return nil, errs.Corrupted("malformed global checkpoint", err)
	}
	return cp, nil
}

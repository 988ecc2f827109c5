package checkpoint

import (
	"strings"
)

// SaveIncremental persists cp like Save. The changed field names are only
// logged; the full record is always written so the on-disk state never
// depends on applying a chain of patches.
func (m *Manager) SaveIncremental(cp *TorrentCheckpoint, changed []string, format Format) (string, error) {
	path, err := m.Save(cp, format)
	if err != nil {
		return "", err
	}
	m.logger.DebugWithFields("Incremental checkpoint saved", map[string]interface{}{
		"info_hash":      cp.InfoHash,
		"changed_fields": strings.Join(changed, ","),
		"path":           path,
	})
	return path, nil
}

// LoadIncremental loads the stored record for hash and merges it over base.
// With no base the stored record is returned as is; with no stored record
// base is returned unchanged.
func (m *Manager) LoadIncremental(hash InfoHash, base *TorrentCheckpoint) (*TorrentCheckpoint, error) {
	fresh, err := m.Load(hash, FormatBoth)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return base, nil
	}
	if base == nil {
		return fresh, nil
	}
	return Merge(base, fresh), nil
}

// Merge returns a copy of base with every non-empty field of fresh written
// over it. Fields are compared one by one; the fresh value wins whenever it
// is set.
func Merge(base, fresh *TorrentCheckpoint) *TorrentCheckpoint {
	out := *base

	if !fresh.InfoHash.IsZero() {
		out.InfoHash = fresh.InfoHash
	}
	if fresh.TorrentName != "" {
		out.TorrentName = fresh.TorrentName
	}
	if fresh.PieceLength != 0 {
		out.PieceLength = fresh.PieceLength
	}
	if fresh.TotalLength != 0 {
		out.TotalLength = fresh.TotalLength
	}
	if fresh.TotalPieces != 0 {
		out.TotalPieces = fresh.TotalPieces
	}
	if fresh.OutputDir != "" {
		out.OutputDir = fresh.OutputDir
	}
	if !fresh.CreatedAt.IsZero() {
		out.CreatedAt = fresh.CreatedAt
	}
	if !fresh.UpdatedAt.IsZero() {
		out.UpdatedAt = fresh.UpdatedAt
	}
	if fresh.VerifiedPieces != nil {
		out.VerifiedPieces = fresh.VerifiedPieces
	}
	if fresh.PieceStates != nil {
		out.PieceStates = fresh.PieceStates
	}
	if fresh.Files != nil {
		out.Files = fresh.Files
	}
	if fresh.DownloadStats != (DownloadStats{}) {
		out.DownloadStats = fresh.DownloadStats
	}
	// a stored record always knows whether it was in endgame
	out.EndgameMode = fresh.EndgameMode

	if fresh.TorrentFilePath != "" {
		out.TorrentFilePath = fresh.TorrentFilePath
		out.MagnetURI = ""
	}
	if fresh.MagnetURI != "" {
		out.MagnetURI = fresh.MagnetURI
		out.TorrentFilePath = ""
	}
	if fresh.AnnounceURLs != nil {
		out.AnnounceURLs = fresh.AnnounceURLs
	}
	if fresh.DisplayName != "" {
		out.DisplayName = fresh.DisplayName
	}

	if fresh.Options != nil {
		out.Options = fresh.Options
	}
	if fresh.RateLimits != nil {
		out.RateLimits = fresh.RateLimits
	}
	if fresh.ConnectedPeers != nil {
		out.ConnectedPeers = fresh.ConnectedPeers
	}
	if fresh.ActivePeers != nil {
		out.ActivePeers = fresh.ActivePeers
	}
	if fresh.PeerStatistics != nil {
		out.PeerStatistics = fresh.PeerStatistics
	}
	if fresh.TrackerList != nil {
		out.TrackerList = fresh.TrackerList
	}
	if fresh.TrackerHealth != nil {
		out.TrackerHealth = fresh.TrackerHealth
	}
	if fresh.PeerWhitelist != nil {
		out.PeerWhitelist = fresh.PeerWhitelist
	}
	if fresh.PeerBlacklist != nil {
		out.PeerBlacklist = fresh.PeerBlacklist
	}
	if fresh.SessionState != "" {
		out.SessionState = fresh.SessionState
	}
	if !fresh.SessionStateAt.IsZero() {
		out.SessionStateAt = fresh.SessionStateAt
	}
	if fresh.RecentEvents != nil {
		out.RecentEvents = fresh.RecentEvents
	}
	if fresh.FileSelections != nil {
		out.FileSelections = fresh.FileSelections
	}
	if fresh.ResumeData != nil {
		out.ResumeData = fresh.ResumeData
	}
	return &out
}

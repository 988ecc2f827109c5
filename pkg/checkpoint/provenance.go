package checkpoint

import (
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
)

// ValidateProvenance checks where the record came from. A record carries a
// torrent file path or a magnet link, never both, and a magnet link must
// name the same info hash as the record.
func (cp *TorrentCheckpoint) ValidateProvenance() error {
	if cp.TorrentFilePath != "" && cp.MagnetURI != "" {
		return fmt.Errorf("checkpoint has both a torrent file path and a magnet URI")
	}
	if cp.MagnetURI == "" {
		return nil
	}

	magnet, err := metainfo.ParseMagnetUri(cp.MagnetURI)
	if err != nil {
		return fmt.Errorf("invalid magnet URI: %w", err)
	}
	if InfoHash(magnet.InfoHash) != cp.InfoHash {
		return fmt.Errorf("magnet URI names info hash %s, checkpoint is %s", magnet.InfoHash.HexString(), cp.InfoHash)
	}
	return nil
}

// MagnetDisplayName returns the dn parameter of the record's magnet link, if any
func (cp *TorrentCheckpoint) MagnetDisplayName() string {
	if cp.MagnetURI == "" {
		return ""
	}
	magnet, err := metainfo.ParseMagnetUri(cp.MagnetURI)
	if err != nil {
		return ""
	}
	return magnet.DisplayName
}

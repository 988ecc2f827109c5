// Package checkpoint provides functionality for saving and resuming torrent download progress.
//
// A checkpoint records which pieces of a torrent are verified, the file
// layout, transfer statistics and optional peer, tracker and queue state, so
// a restarted download can continue without rechecking completed data. Each
// record is keyed by the torrent's 20-byte info hash and can be stored as:
//   - JSON: <info_hash>.checkpoint.json, human readable, versioned "1.0"
//   - Binary: <info_hash>.checkpoint.bin[.gz|.zst], a fixed header, a
//     piece bitfield and a bencoded metadata dictionary
//
// The Manager owns the checkpoint directory. Files are written atomically
// through the storage package and redundant writes are skipped when the
// salient content did not change. The GlobalManager keeps the session-wide
// list of active, paused and queued torrents in global.checkpoint.json, and
// the BackupService produces portable, optionally compressed and encrypted
// copies of individual records.
package checkpoint

package checkpoint

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// InfoHash is the 20-byte torrent identifier used as the checkpoint key
type InfoHash [20]byte

// ParseInfoHash decodes a 40 character hex string
func ParseInfoHash(s string) (InfoHash, error) {
	var h InfoHash
	if len(s) != 2*len(h) {
		return h, fmt.Errorf("info hash must be %d hex characters, got %d", 2*len(h), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid info hash %q: %w", s, err)
	}
	return h, nil
}

// String returns the lowercase hex form
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

func (h InfoHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *InfoHash) UnmarshalText(text []byte) error {
	parsed, err := ParseInfoHash(strings.ToLower(string(text)))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// IsZero reports whether the hash is unset
func (h InfoHash) IsZero() bool {
	return h == InfoHash{}
}

// PieceState is the download state of a single piece
type PieceState uint8

const (
	PieceMissing PieceState = iota
	PieceDownloading
	PieceComplete
	PieceVerified
)

var pieceStateNames = [...]string{"missing", "downloading", "complete", "verified"}

func (s PieceState) String() string {
	if int(s) < len(pieceStateNames) {
		return pieceStateNames[s]
	}
	return fmt.Sprintf("PieceState(%d)", uint8(s))
}

// ParsePieceState converts a state name into a PieceState
func ParsePieceState(name string) (PieceState, error) {
	for i, n := range pieceStateNames {
		if n == name {
			return PieceState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown piece state %q", name)
}

func (s PieceState) MarshalText() ([]byte, error) {
	if int(s) >= len(pieceStateNames) {
		return nil, fmt.Errorf("invalid piece state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *PieceState) UnmarshalText(text []byte) error {
	parsed, err := ParsePieceState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FileCheckpoint records one file of the torrent layout
type FileCheckpoint struct {
	Path   string `json:"path" bencode:"path"`
	Size   int64  `json:"size" bencode:"size"`
	Exists bool   `json:"exists" bencode:"exists"`
}

// DownloadStats are cumulative transfer counters
type DownloadStats struct {
	BytesDownloaded int64 `json:"bytes_downloaded" bencode:"bytes_downloaded"`
	BytesUploaded   int64 `json:"bytes_uploaded" bencode:"bytes_uploaded"`
	// Elapsed transfer time in seconds
	DownloadTime int64 `json:"download_time" bencode:"download_time"`
	// DownloadRate and UploadRate are averages in bytes per second
	DownloadRate int64 `json:"download_rate" bencode:"download_rate"`
	UploadRate   int64 `json:"upload_rate" bencode:"upload_rate"`
}

// RateLimits are per-torrent limits in bytes per second, 0 meaning unlimited
type RateLimits struct {
	DownloadLimit int64 `json:"download_limit" bencode:"download_limit"`
	UploadLimit   int64 `json:"upload_limit" bencode:"upload_limit"`
}

// PeerInfo identifies a remote peer
type PeerInfo struct {
	IP     string `json:"ip" bencode:"ip"`
	Port   int    `json:"port" bencode:"port"`
	PeerID string `json:"peer_id,omitempty" bencode:"peer_id,omitempty"`
	Client string `json:"client,omitempty" bencode:"client,omitempty"`
}

// PeerStats are transfer counters for one peer, keyed by "ip:port"
type PeerStats struct {
	BytesDownloaded int64 `json:"bytes_downloaded" bencode:"bytes_downloaded"`
	BytesUploaded   int64 `json:"bytes_uploaded" bencode:"bytes_uploaded"`
	PiecesReceived  int   `json:"pieces_received" bencode:"pieces_received"`
	// LastSeen is unix seconds
	LastSeen int64 `json:"last_seen" bencode:"last_seen"`
}

// TrackerHealth is the last known status of one tracker URL
type TrackerHealth struct {
	Status       string `json:"status" bencode:"status"`
	LastAnnounce int64  `json:"last_announce" bencode:"last_announce"`
	Failures     int    `json:"failures" bencode:"failures"`
	Seeders      int    `json:"seeders" bencode:"seeders"`
	Leechers     int    `json:"leechers" bencode:"leechers"`
}

// SessionEvent is an entry of the recent event log
type SessionEvent struct {
	Type      string `json:"type" bencode:"type"`
	Message   string `json:"message,omitempty" bencode:"message,omitempty"`
	Timestamp int64  `json:"timestamp" bencode:"timestamp"`
}

// FileSelection is the user's choice for one file of a multi-file torrent
type FileSelection struct {
	Selected        bool  `json:"selected" bencode:"selected"`
	Priority        int   `json:"priority" bencode:"priority"`
	BytesDownloaded int64 `json:"bytes_downloaded" bencode:"bytes_downloaded"`
}

// UploadStats are counters restored into the seeding ratio on resume
type UploadStats struct {
	TotalUploaded   int64 `json:"total_uploaded" bencode:"total_uploaded"`
	SessionUploaded int64 `json:"session_uploaded" bencode:"session_uploaded"`
}

// FastResumeData is the compact blob an engine needs to resume without a recheck
type FastResumeData struct {
	Version int `json:"version" bencode:"version"`
	// PieceBitmap is packed MSB-first like the binary record bitfield
	PieceBitmap   []byte      `json:"piece_bitmap,omitempty" bencode:"piece_bitmap,omitempty"`
	PeerState     []PeerInfo  `json:"peer_state,omitempty" bencode:"peer_state,omitempty"`
	UploadStats   UploadStats `json:"upload_stats" bencode:"upload_stats"`
	QueuePosition int         `json:"queue_position" bencode:"queue_position"`
	QueuePriority int         `json:"queue_priority" bencode:"queue_priority"`
}

// TorrentCheckpoint is the durable record of one torrent's progress
type TorrentCheckpoint struct {
	InfoHash    InfoHash  `json:"info_hash"`
	TorrentName string    `json:"torrent_name"`
	PieceLength int64     `json:"piece_length"`
	TotalLength int64     `json:"total_length"`
	TotalPieces uint32    `json:"total_pieces"`
	OutputDir   string    `json:"output_dir"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// VerifiedPieces is kept sorted and free of duplicates
	VerifiedPieces []uint32              `json:"verified_pieces"`
	PieceStates    map[uint32]PieceState `json:"piece_states"`
	Files          []FileCheckpoint      `json:"files"`
	DownloadStats  DownloadStats         `json:"download_stats"`
	EndgameMode    bool                  `json:"endgame_mode"`

	// Provenance; at most one of TorrentFilePath and MagnetURI is set
	TorrentFilePath string   `json:"torrent_file_path,omitempty"`
	MagnetURI       string   `json:"magnet_uri,omitempty"`
	AnnounceURLs    []string `json:"announce_urls,omitempty"`
	DisplayName     string   `json:"display_name,omitempty"`

	// Extended state. Nil or zero means absent.
	Options        map[string]string        `json:"per_torrent_options,omitempty"`
	RateLimits     *RateLimits              `json:"rate_limits,omitempty"`
	ConnectedPeers []PeerInfo               `json:"connected_peers,omitempty"`
	ActivePeers    []PeerInfo               `json:"active_peers,omitempty"`
	PeerStatistics map[string]PeerStats     `json:"peer_statistics,omitempty"`
	TrackerList    []string                 `json:"tracker_list,omitempty"`
	TrackerHealth  map[string]TrackerHealth `json:"tracker_health,omitempty"`
	PeerWhitelist  []string                 `json:"peer_whitelist,omitempty"`
	PeerBlacklist  []string                 `json:"peer_blacklist,omitempty"`
	SessionState   string                   `json:"session_state,omitempty"`
	SessionStateAt time.Time                `json:"session_state_timestamp,omitempty"`
	RecentEvents   []SessionEvent           `json:"recent_events,omitempty"`
	FileSelections map[int]FileSelection    `json:"file_selections,omitempty"`
	ResumeData     *FastResumeData          `json:"resume_data,omitempty"`
}

// Validate checks the piece invariants: no more verified pieces than the
// torrent has, and every verified index in range
func (cp *TorrentCheckpoint) Validate() error {
	if uint64(len(cp.VerifiedPieces)) > uint64(cp.TotalPieces) {
		return fmt.Errorf("%d verified pieces exceed total of %d", len(cp.VerifiedPieces), cp.TotalPieces)
	}
	for _, idx := range cp.VerifiedPieces {
		if idx >= cp.TotalPieces {
			return fmt.Errorf("verified piece %d out of range (total %d)", idx, cp.TotalPieces)
		}
	}
	return nil
}

// IsVerified reports whether piece index is in the verified set
func (cp *TorrentCheckpoint) IsVerified(index uint32) bool {
	i := sort.Search(len(cp.VerifiedPieces), func(i int) bool { return cp.VerifiedPieces[i] >= index })
	return i < len(cp.VerifiedPieces) && cp.VerifiedPieces[i] == index
}

// normalizeVerified sorts the verified set and drops duplicates
func (cp *TorrentCheckpoint) normalizeVerified() {
	if len(cp.VerifiedPieces) == 0 {
		cp.VerifiedPieces = nil
		return
	}
	sort.Slice(cp.VerifiedPieces, func(i, j int) bool { return cp.VerifiedPieces[i] < cp.VerifiedPieces[j] })
	out := cp.VerifiedPieces[:1]
	for _, idx := range cp.VerifiedPieces[1:] {
		if idx != out[len(out)-1] {
			out = append(out, idx)
		}
	}
	cp.VerifiedPieces = out
}

// QueuedTorrent is one entry of the session download queue
type QueuedTorrent struct {
	InfoHash InfoHash `json:"info_hash"`
	Position int      `json:"position"`
	Priority int      `json:"priority"`
}

// GlobalCheckpoint is the session-wide record of which torrents exist and in what state
type GlobalCheckpoint struct {
	ActiveTorrents []InfoHash      `json:"active_torrents"`
	PausedTorrents []InfoHash      `json:"paused_torrents"`
	QueuedTorrents []QueuedTorrent `json:"queued_torrents"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CheckpointFileInfo describes one checkpoint file found on disk
type CheckpointFileInfo struct {
	Path      string
	InfoHash  InfoHash
	CreatedAt time.Time
	UpdatedAt time.Time
	Size      int64
	Format    Format
}

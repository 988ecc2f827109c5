package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"

	errs "ccbt/pkg/errors"
)

// Format selects the on-disk representation of a checkpoint
type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "binary"
	// FormatBoth writes both representations; loads prefer JSON
	FormatBoth Format = "both"
)

// ParseFormat converts a configuration value into a Format
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatBinary, "bin":
		return FormatBinary, nil
	case FormatBoth:
		return FormatBoth, nil
	default:
		return "", fmt.Errorf("unknown checkpoint format %q", s)
	}
}

func (f Format) String() string { return string(f) }

const (
	// JSONVersion is written to and required from every JSON record
	JSONVersion = "1.0"

	binaryMagic   = "CCBT"
	binaryVersion = 1
	// magic(4) version(1) info_hash(20) updated_at(8) total_pieces(4)
	binaryHeaderSize = 37

	jsonExtension   = ".checkpoint.json"
	binaryExtension = ".checkpoint.bin"
)

// Codec converts checkpoints to and from one byte representation. It does no I/O.
type Codec interface {
	Format() Format
	// Extension is the file suffix before any compression suffix
	Extension() string
	Encode(cp *TorrentCheckpoint) ([]byte, error)
	Decode(data []byte) (*TorrentCheckpoint, error)
}

// CodecFor returns the codec for a single-representation format
func CodecFor(f Format) (Codec, error) {
	switch f {
	case FormatJSON:
		return JSONCodec{}, nil
	case FormatBinary:
		return BinaryCodec{}, nil
	default:
		return nil, errs.Checkpoint(fmt.Sprintf("no single codec for format %q", f), nil)
	}
}

// JSONCodec is the human-inspectable representation
type JSONCodec struct{}

type jsonDocument struct {
	Version string `json:"version"`
	*TorrentCheckpoint
}

func (JSONCodec) Format() Format    { return FormatJSON }
func (JSONCodec) Extension() string { return jsonExtension }

func (JSONCodec) Encode(cp *TorrentCheckpoint) ([]byte, error) {
	data, err := json.MarshalIndent(jsonDocument{Version: JSONVersion, TorrentCheckpoint: cp}, "", "  ")
	if err != nil {
		return nil, errs.Checkpoint("failed to encode checkpoint as json", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (*TorrentCheckpoint, error) {
	if err := checkJSONVersion(data); err != nil {
		return nil, err
	}

	cp := &TorrentCheckpoint{}
	if err := json.Unmarshal(data, &jsonDocument{TorrentCheckpoint: cp}); err != nil {
		return nil, errs.Corrupted("malformed json checkpoint", err)
	}
	return cp, nil
}

// checkJSONVersion rejects empty, malformed and foreign-version documents
// before any field is parsed
func checkJSONVersion(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errs.Corrupted("empty json checkpoint", nil)
	}
	var probe struct {
		Version *string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errs.Corrupted("malformed json checkpoint", err)
	}
	if probe.Version == nil {
		return errs.Corrupted("json checkpoint has no version field", nil)
	}
	if *probe.Version != JSONVersion {
		return errs.Version(*probe.Version, JSONVersion)
	}
	return nil
}

// BinaryCodec is the compact representation: a fixed header, the verified
// bitfield and a bencoded metadata dictionary with everything else
type BinaryCodec struct{}

// pieceStateEntry and fileSelectionEntry flatten integer-keyed maps, since
// bencode dictionaries only have string keys
type pieceStateEntry struct {
	Index uint32 `bencode:"index"`
	State string `bencode:"state"`
}

type fileSelectionEntry struct {
	Index     int           `bencode:"index"`
	Selection FileSelection `bencode:"selection"`
}

type binaryMetadata struct {
	TorrentName string `bencode:"torrent_name,omitempty"`
	PieceLength int64  `bencode:"piece_length"`
	TotalLength int64  `bencode:"total_length"`
	OutputDir   string `bencode:"output_dir,omitempty"`
	// CreatedAt is unix nanoseconds, 0 for unset
	CreatedAt     int64             `bencode:"created_at"`
	PieceStates   []pieceStateEntry `bencode:"piece_states,omitempty"`
	Files         []FileCheckpoint  `bencode:"files,omitempty"`
	DownloadStats DownloadStats     `bencode:"download_stats"`
	EndgameMode   bool              `bencode:"endgame_mode"`

	TorrentFilePath string   `bencode:"torrent_file_path,omitempty"`
	MagnetURI       string   `bencode:"magnet_uri,omitempty"`
	AnnounceURLs    []string `bencode:"announce_urls,omitempty"`
	DisplayName     string   `bencode:"display_name,omitempty"`

	Options        map[string]string        `bencode:"options,omitempty"`
	RateLimits     *RateLimits              `bencode:"rate_limits,omitempty"`
	ConnectedPeers []PeerInfo               `bencode:"connected_peers,omitempty"`
	ActivePeers    []PeerInfo               `bencode:"active_peers,omitempty"`
	PeerStatistics map[string]PeerStats     `bencode:"peer_statistics,omitempty"`
	TrackerList    []string                 `bencode:"tracker_list,omitempty"`
	TrackerHealth  map[string]TrackerHealth `bencode:"tracker_health,omitempty"`
	PeerWhitelist  []string                 `bencode:"peer_whitelist,omitempty"`
	PeerBlacklist  []string                 `bencode:"peer_blacklist,omitempty"`
	SessionState   string                   `bencode:"session_state,omitempty"`
	SessionStateAt int64                    `bencode:"session_state_at,omitempty"`
	RecentEvents   []SessionEvent           `bencode:"recent_events,omitempty"`
	FileSelections []fileSelectionEntry     `bencode:"file_selections,omitempty"`
	ResumeData     *FastResumeData          `bencode:"resume_data,omitempty"`
}

func (BinaryCodec) Format() Format    { return FormatBinary }
func (BinaryCodec) Extension() string { return binaryExtension }

func (BinaryCodec) Encode(cp *TorrentCheckpoint) ([]byte, error) {
	bits, err := PackBitfield(cp.TotalPieces, cp.VerifiedPieces)
	if err != nil {
		return nil, errs.Checkpoint("failed to pack verified pieces", err)
	}

	meta, err := bencode.Marshal(toMetadata(cp))
	if err != nil {
		return nil, errs.Checkpoint("failed to encode checkpoint metadata", err)
	}

	buf := make([]byte, 0, binaryHeaderSize+len(bits)+4+len(meta))
	buf = append(buf, binaryMagic...)
	buf = append(buf, binaryVersion)
	buf = append(buf, cp.InfoHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, unixSeconds(cp.UpdatedAt))
	buf = binary.BigEndian.AppendUint32(buf, cp.TotalPieces)
	buf = append(buf, bits...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(meta)))
	buf = append(buf, meta...)
	return buf, nil
}

func (BinaryCodec) Decode(data []byte) (*TorrentCheckpoint, error) {
	if len(data) < binaryHeaderSize {
		return nil, errs.Corrupted(fmt.Sprintf("binary checkpoint header truncated (%d bytes)", len(data)), nil)
	}
	if string(data[:4]) != binaryMagic {
		return nil, errs.Corrupted(fmt.Sprintf("bad magic %q", data[:4]), nil)
	}
	if v := data[4]; v != binaryVersion {
		return nil, errs.Version(fmt.Sprint(v), fmt.Sprint(binaryVersion))
	}

	cp := &TorrentCheckpoint{}
	copy(cp.InfoHash[:], data[5:25])
	if secs := binary.BigEndian.Uint64(data[25:33]); secs != 0 {
		cp.UpdatedAt = time.Unix(int64(secs), 0).UTC()
	}
	cp.TotalPieces = binary.BigEndian.Uint32(data[33:37])

	rest := data[binaryHeaderSize:]
	bfLen := BitfieldLen(cp.TotalPieces)
	if len(rest) < bfLen+4 {
		return nil, errs.Corrupted("binary checkpoint bitfield truncated", nil)
	}
	verified, err := UnpackBitfield(cp.TotalPieces, rest[:bfLen])
	if err != nil {
		return nil, errs.Corrupted("invalid bitfield", err)
	}
	cp.VerifiedPieces = verified

	rest = rest[bfLen:]
	metaLen := uint64(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	switch {
	case uint64(len(rest)) < metaLen:
		return nil, errs.Corrupted("binary checkpoint metadata truncated", nil)
	case uint64(len(rest)) > metaLen:
		return nil, errs.Corrupted(fmt.Sprintf("%d trailing bytes after metadata", uint64(len(rest))-metaLen), nil)
	}

	var meta binaryMetadata
	if metaLen > 0 {
		if err := bencode.Unmarshal(rest, &meta); err != nil {
			return nil, errs.Corrupted("malformed checkpoint metadata", err)
		}
	}
	if err := fromMetadata(&meta, cp); err != nil {
		return nil, errs.Corrupted("invalid checkpoint metadata", err)
	}
	return cp, nil
}

func toMetadata(cp *TorrentCheckpoint) *binaryMetadata {
	meta := &binaryMetadata{
		TorrentName:     cp.TorrentName,
		PieceLength:     cp.PieceLength,
		TotalLength:     cp.TotalLength,
		OutputDir:       cp.OutputDir,
		CreatedAt:       unixNanos(cp.CreatedAt),
		Files:           cp.Files,
		DownloadStats:   cp.DownloadStats,
		EndgameMode:     cp.EndgameMode,
		TorrentFilePath: cp.TorrentFilePath,
		MagnetURI:       cp.MagnetURI,
		AnnounceURLs:    cp.AnnounceURLs,
		DisplayName:     cp.DisplayName,
		Options:         cp.Options,
		RateLimits:      cp.RateLimits,
		ConnectedPeers:  cp.ConnectedPeers,
		ActivePeers:     cp.ActivePeers,
		PeerStatistics:  cp.PeerStatistics,
		TrackerList:     cp.TrackerList,
		TrackerHealth:   cp.TrackerHealth,
		PeerWhitelist:   cp.PeerWhitelist,
		PeerBlacklist:   cp.PeerBlacklist,
		SessionState:    cp.SessionState,
		SessionStateAt:  unixNanos(cp.SessionStateAt),
		RecentEvents:    cp.RecentEvents,
		ResumeData:      cp.ResumeData,
	}

	for _, idx := range sortedPieceIndexes(cp.PieceStates) {
		meta.PieceStates = append(meta.PieceStates, pieceStateEntry{Index: idx, State: cp.PieceStates[idx].String()})
	}
	for _, idx := range sortedFileIndexes(cp.FileSelections) {
		meta.FileSelections = append(meta.FileSelections, fileSelectionEntry{Index: idx, Selection: cp.FileSelections[idx]})
	}
	return meta
}

func fromMetadata(meta *binaryMetadata, cp *TorrentCheckpoint) error {
	cp.TorrentName = meta.TorrentName
	cp.PieceLength = meta.PieceLength
	cp.TotalLength = meta.TotalLength
	cp.OutputDir = meta.OutputDir
	cp.CreatedAt = fromUnixNanos(meta.CreatedAt)
	cp.Files = meta.Files
	cp.DownloadStats = meta.DownloadStats
	cp.EndgameMode = meta.EndgameMode
	cp.TorrentFilePath = meta.TorrentFilePath
	cp.MagnetURI = meta.MagnetURI
	cp.AnnounceURLs = meta.AnnounceURLs
	cp.DisplayName = meta.DisplayName
	cp.Options = meta.Options
	cp.RateLimits = meta.RateLimits
	cp.ConnectedPeers = meta.ConnectedPeers
	cp.ActivePeers = meta.ActivePeers
	cp.PeerStatistics = meta.PeerStatistics
	cp.TrackerList = meta.TrackerList
	cp.TrackerHealth = meta.TrackerHealth
	cp.PeerWhitelist = meta.PeerWhitelist
	cp.PeerBlacklist = meta.PeerBlacklist
	cp.SessionState = meta.SessionState
	cp.SessionStateAt = fromUnixNanos(meta.SessionStateAt)
	cp.RecentEvents = meta.RecentEvents
	cp.ResumeData = meta.ResumeData

	if len(meta.PieceStates) > 0 {
		cp.PieceStates = make(map[uint32]PieceState, len(meta.PieceStates))
		for _, e := range meta.PieceStates {
			state, err := ParsePieceState(e.State)
			if err != nil {
				return err
			}
			cp.PieceStates[e.Index] = state
		}
	}
	if len(meta.FileSelections) > 0 {
		cp.FileSelections = make(map[int]FileSelection, len(meta.FileSelections))
		for _, e := range meta.FileSelections {
			cp.FileSelections[e.Index] = e.Selection
		}
	}
	return nil
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

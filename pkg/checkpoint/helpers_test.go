package checkpoint

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ccbt/pkg/logger"
	"ccbt/pkg/storage"
)

var testHash = InfoHash(bytes.Repeat([]byte{0xAA}, 20))

var fixedNow = time.Unix(1700000000, 0).UTC()

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: fixedNow}
	if opts.Directory == "" {
		opts.Directory = t.TempDir()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.VerifyDelay == 0 {
		opts.VerifyDelay = time.Millisecond
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	return m, clock
}

func simpleCheckpoint(hash InfoHash) *TorrentCheckpoint {
	return &TorrentCheckpoint{
		InfoHash:       hash,
		TorrentName:    "ubuntu-24.04-desktop-amd64.iso",
		PieceLength:    262144,
		TotalLength:    10 * 262144,
		TotalPieces:    10,
		OutputDir:      "/downloads",
		CreatedAt:      time.Unix(1699990000, 0).UTC(),
		UpdatedAt:      fixedNow,
		VerifiedPieces: []uint32{0, 1, 2},
	}
}

// fullCheckpoint populates every field so round trips cover the whole record
func fullCheckpoint(hash InfoHash) *TorrentCheckpoint {
	cp := simpleCheckpoint(hash)
	cp.CreatedAt = time.Unix(1699990000, 123456789).UTC()
	cp.PieceStates = map[uint32]PieceState{
		0: PieceVerified, 1: PieceVerified, 2: PieceVerified,
		3: PieceDownloading, 4: PieceComplete, 9: PieceMissing,
	}
	cp.Files = []FileCheckpoint{
		{Path: "ubuntu/disk.iso", Size: 9 * 262144, Exists: true},
		{Path: "ubuntu/SHA256SUMS", Size: 262144, Exists: false},
	}
	cp.DownloadStats = DownloadStats{BytesDownloaded: 786432, BytesUploaded: 1024, DownloadTime: 42, DownloadRate: 18724, UploadRate: 24}
	cp.EndgameMode = true
	cp.MagnetURI = "magnet:?xt=urn:btih:" + hash.String() + "&dn=ubuntu"
	cp.AnnounceURLs = []string{"udp://tracker.example.org:6969/announce", "https://tracker.example.net/announce"}
	cp.DisplayName = "ubuntu"
	cp.Options = map[string]string{"sequential": "true", "max_peers": "80"}
	cp.RateLimits = &RateLimits{DownloadLimit: 1 << 20, UploadLimit: 256 << 10}
	cp.ConnectedPeers = []PeerInfo{{IP: "10.0.0.2", Port: 51413, PeerID: "-TR3000-abcdefghijkl", Client: "Transmission 3.00"}}
	cp.ActivePeers = []PeerInfo{{IP: "10.0.0.3", Port: 6881}}
	cp.PeerStatistics = map[string]PeerStats{
		"10.0.0.2:51413": {BytesDownloaded: 524288, BytesUploaded: 512, PiecesReceived: 2, LastSeen: 1699999990},
	}
	cp.TrackerList = []string{"udp://tracker.example.org:6969/announce"}
	cp.TrackerHealth = map[string]TrackerHealth{
		"udp://tracker.example.org:6969/announce": {Status: "working", LastAnnounce: 1699999900, Failures: 1, Seeders: 12, Leechers: 3},
	}
	cp.PeerWhitelist = []string{"10.0.0.0/8"}
	cp.PeerBlacklist = []string{"192.0.2.1"}
	cp.SessionState = "downloading"
	cp.SessionStateAt = time.Unix(1699999000, 0).UTC()
	cp.RecentEvents = []SessionEvent{{Type: "piece_verified", Message: "piece 2", Timestamp: 1699999999}}
	cp.FileSelections = map[int]FileSelection{
		0: {Selected: true, Priority: 1, BytesDownloaded: 786432},
		1: {Selected: false, Priority: 0},
	}
	cp.ResumeData = &FastResumeData{
		Version:       1,
		PieceBitmap:   []byte{0xE0, 0x00},
		PeerState:     []PeerInfo{{IP: "10.0.0.2", Port: 51413}},
		UploadStats:   UploadStats{TotalUploaded: 4096, SessionUploaded: 1024},
		QueuePosition: 2,
		QueuePriority: 1,
	}
	return cp
}

func binaryFile(m *Manager, hash InfoHash, c storage.Compression) string {
	return m.binaryPathFor(hash, c)
}

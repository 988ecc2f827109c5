package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateProvenance(t *testing.T) {
	magnet := "magnet:?xt=urn:btih:" + testHash.String() + "&dn=ubuntu"

	tests := []struct {
		name        string
		torrentFile string
		magnet      string
		wantErr     bool
	}{
		{"none", "", "", false},
		{"torrent file", "/torrents/ubuntu.torrent", "", false},
		{"magnet", "", magnet, false},
		{"both", "/torrents/ubuntu.torrent", magnet, true},
		{"other hash", "", "magnet:?xt=urn:btih:" + InfoHash{0x01}.String(), true},
		{"not a magnet", "", "https://example.org/ubuntu.torrent", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := simpleCheckpoint(testHash)
			cp.TorrentFilePath = tt.torrentFile
			cp.MagnetURI = tt.magnet
			err := cp.ValidateProvenance()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMagnetDisplayName(t *testing.T) {
	cp := simpleCheckpoint(testHash)
	assert.Empty(t, cp.MagnetDisplayName())
	cp.MagnetURI = "magnet:?xt=urn:btih:" + testHash.String() + "&dn=ubuntu"
	assert.Equal(t, "ubuntu", cp.MagnetDisplayName())
}

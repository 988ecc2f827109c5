package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("CCBT checkpoint payload "), 64)

	for _, algo := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(string(algo), func(t *testing.T) {
			compressed, err := Compress(algo, payload)
			require.NoError(t, err)
			if algo != CompressionNone {
				assert.Less(t, len(compressed), len(payload))
			}

			out, err := Decompress(algo, compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestCompressionGarbage(t *testing.T) {
	_, err := Decompress(CompressionGzip, []byte("not gzip"))
	assert.Error(t, err)
	_, err = Decompress(CompressionZstd, []byte("not zstd"))
	assert.Error(t, err)
	_, err = Compress("lz77", []byte("x"))
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"GZIP", CompressionGzip, false},
		{"zstd", CompressionZstd, false},
		{"brotli", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		assert.Equal(t, tt.wantErr, err != nil, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCompressionExtensions(t *testing.T) {
	assert.Equal(t, "", CompressionNone.Extension())
	assert.Equal(t, ".gz", CompressionGzip.Extension())
	assert.Equal(t, ".zst", CompressionZstd.Extension())

	assert.Equal(t, CompressionZstd, CompressionFromPath("a.checkpoint.bin.zst"))
	assert.Equal(t, CompressionGzip, CompressionFromPath("a.checkpoint.bin.gz"))
	assert.Equal(t, CompressionNone, CompressionFromPath("a.checkpoint.bin"))

	gz, err := Compress(CompressionGzip, []byte("x"))
	require.NoError(t, err)
	assert.True(t, IsGzip(gz))
	assert.False(t, IsGzip([]byte("{}")))
}

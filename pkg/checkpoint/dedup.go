package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// contentDigest hashes the fields that decide whether a save is redundant:
// info hash, verified set, piece count, piece states and updated_at.
// Extended peer, tracker and queue state is not part of the digest, so
// changes to it alone do not force a write.
func contentDigest(cp *TorrentCheckpoint) [sha256.Size]byte {
	h := sha256.New()
	var scratch [8]byte

	h.Write(cp.InfoHash[:])

	binary.BigEndian.PutUint32(scratch[:4], cp.TotalPieces)
	h.Write(scratch[:4])

	verified := append([]uint32(nil), cp.VerifiedPieces...)
	sort.Slice(verified, func(i, j int) bool { return verified[i] < verified[j] })
	binary.BigEndian.PutUint64(scratch[:], uint64(len(verified)))
	h.Write(scratch[:])
	for _, idx := range verified {
		binary.BigEndian.PutUint32(scratch[:4], idx)
		h.Write(scratch[:4])
	}

	indexes := sortedPieceIndexes(cp.PieceStates)
	binary.BigEndian.PutUint64(scratch[:], uint64(len(indexes)))
	h.Write(scratch[:])
	for _, idx := range indexes {
		binary.BigEndian.PutUint32(scratch[:4], idx)
		h.Write(scratch[:4])
		h.Write([]byte{byte(cp.PieceStates[idx])})
	}

	binary.BigEndian.PutUint64(scratch[:], uint64(cp.UpdatedAt.Unix()))
	h.Write(scratch[:])

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func sortedPieceIndexes(m map[uint32]PieceState) []uint32 {
	if len(m) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(m))
	for idx := range m {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedFileIndexes(m map[int]FileSelection) []int {
	if len(m) == 0 {
		return nil
	}
	out := make([]int, 0, len(m))
	for idx := range m {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

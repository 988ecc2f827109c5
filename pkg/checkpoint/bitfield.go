package checkpoint

import "fmt"

// BitfieldLen returns the number of bytes needed for totalPieces bits
func BitfieldLen(totalPieces uint32) int {
	return int((uint64(totalPieces) + 7) / 8)
}

// PackBitfield packs verified piece indexes MSB-first: piece i is bit
// (7 - i%8) of byte i/8
func PackBitfield(totalPieces uint32, verified []uint32) ([]byte, error) {
	bits := make([]byte, BitfieldLen(totalPieces))
	for _, idx := range verified {
		if idx >= totalPieces {
			return nil, fmt.Errorf("verified piece %d out of range (total %d)", idx, totalPieces)
		}
		bits[idx/8] |= 0x80 >> (idx % 8)
	}
	return bits, nil
}

// UnpackBitfield returns the sorted indexes of set bits. Bits at or beyond
// totalPieces must be clear.
func UnpackBitfield(totalPieces uint32, bits []byte) ([]uint32, error) {
	if len(bits) != BitfieldLen(totalPieces) {
		return nil, fmt.Errorf("bitfield is %d bytes, want %d", len(bits), BitfieldLen(totalPieces))
	}

	var verified []uint32
	for i, b := range bits {
		if b == 0 {
			continue
		}
		for bit := uint32(0); bit < 8; bit++ {
			if b&(0x80>>bit) == 0 {
				continue
			}
			idx := uint32(i)*8 + bit
			if idx >= totalPieces {
				return nil, fmt.Errorf("bitfield has spare bit %d set (total %d)", idx, totalPieces)
			}
			verified = append(verified, idx)
		}
	}
	return verified, nil
}

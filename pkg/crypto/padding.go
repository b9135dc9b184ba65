package crypto

import "errors"

// ErrInvalidPadding is returned when ISO/IEC 9797-1 method 2 padding is malformed.
var ErrInvalidPadding = errors.New("crypto: invalid padding")

// paddingMarker starts the padding; the rest of the block is zero-filled.
const paddingMarker = 0x80

// Pad applies ISO/IEC 9797-1 padding method 2: a single 0x80 byte followed by
// zeroes up to the next multiple of BlockSize. At least one byte is always added.
func Pad(data []byte) []byte {
	padLen := BlockSize - len(data)%BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = paddingMarker
	return out
}

// PaddedLen returns the length of data of size n after Pad.
func PaddedLen(n int) int {
	return n + BlockSize - n%BlockSize
}

// Unpad removes ISO/IEC 9797-1 method 2 padding.
// The padding may not exceed one block.
func Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, ErrInvalidPadding
	}

	idx := len(data) - 1
	limit := len(data) - BlockSize
	for idx >= limit && data[idx] == 0x00 {
		idx--
	}
	if idx < limit || data[idx] != paddingMarker {
		return nil, ErrInvalidPadding
	}
	return data[:idx], nil
}

package crypto

import (
	"crypto/aes"
	"crypto/subtle"
	"hash"

	"github.com/aead/cmac"
)

// CMACSize is the full AES-CMAC output size in bytes.
const CMACSize = 16

// NewCMAC returns a hash.Hash computing AES-128-CMAC (NIST 800-38B) with the given key.
// Use it to MAC data that is assembled from several pieces without copying.
//
// Usage:
//
//	h, _ := crypto.NewCMAC(key)
//	h.Write(chainingValue)
//	h.Write(header)
//	h.Write(payload)
//	mac := h.Sum(nil)
func NewCMAC(key []byte) (hash.Hash, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.New(block)
}

// AESCMAC computes the AES-128-CMAC over the concatenation of parts.
// Returns the full 16-byte tag.
func AESCMAC(key []byte, parts ...[]byte) ([CMACSize]byte, error) {
	var out [CMACSize]byte

	h, err := NewCMAC(key)
	if err != nil {
		return out, err
	}
	for _, p := range parts {
		h.Write(p)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// VerifyTruncatedCMAC reports whether tag equals the leading len(tag) bytes of full.
// The comparison runs in constant time with respect to the tag contents.
func VerifyTruncatedCMAC(full [CMACSize]byte, tag []byte) bool {
	if len(tag) == 0 || len(tag) > CMACSize {
		return false
	}
	return subtle.ConstantTimeCompare(full[:len(tag)], tag) == 1
}

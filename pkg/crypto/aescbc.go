// AES-CBC implementation for the SCP03 secure channel.
// This implements AES-128-CBC as defined in NIST 800-38A Section 6.2.
// The secure channel requires:
//   - Key length: 128 bits (16 bytes)
//   - IV length: 128 bits (one AES block)
//   - Input already padded to a multiple of the block size

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// AES constants for the 128-bit profile.
const (
	// KeySize is the AES-128 key size in bytes. Only 128-bit keys are supported.
	KeySize = 16

	// BlockSize is the AES block size in bytes.
	BlockSize = aes.BlockSize
)

// Errors for AES-CBC operations.
var (
	ErrInvalidKeySize  = errors.New("crypto: invalid key size, must be 16 bytes")
	ErrInvalidIVSize   = errors.New("crypto: invalid IV size, must be 16 bytes")
	ErrNotBlockAligned = errors.New("crypto: data is not a multiple of the block size")
)

// AESCBC represents an AES-128-CBC cipher instance bound to one key.
type AESCBC struct {
	block cipher.Block
}

// NewAESCBC creates a new AES-128-CBC cipher.
// The key must be exactly 16 bytes (128 bits).
func NewAESCBC(key []byte) (*AESCBC, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &AESCBC{block: block}, nil
}

// Encrypt encrypts block-aligned plaintext with the given IV.
// Returns a new ciphertext slice of the same length.
func (c *AESCBC) Encrypt(iv, plaintext []byte) ([]byte, error) {
	if len(iv) != BlockSize {
		return nil, ErrInvalidIVSize
	}
	if len(plaintext)%BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

// Decrypt decrypts block-aligned ciphertext with the given IV.
// Returns a new plaintext slice of the same length; padding is not removed.
func (c *AESCBC) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != BlockSize {
		return nil, ErrInvalidIVSize
	}
	if len(ciphertext)%BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// EncryptBlock encrypts exactly one block in ECB mode.
// The secure channel uses this to turn the message counter into a CBC IV.
func (c *AESCBC) EncryptBlock(in []byte) ([]byte, error) {
	if len(in) != BlockSize {
		return nil, ErrNotBlockAligned
	}
	out := make([]byte, BlockSize)
	c.block.Encrypt(out, in)
	return out, nil
}

// AESCBCEncrypt is a convenience function for AES-128-CBC encryption.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	c, err := NewAESCBC(key)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(iv, plaintext)
}

// AESCBCDecrypt is a convenience function for AES-128-CBC decryption.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	c, err := NewAESCBC(key)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(iv, ciphertext)
}

package crypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// SCP03 key derivation constants (GPC_SPE_014 Section 4.1.5, Table 4-1).
const (
	// DerivationCardCryptogram derives the card (device) authentication cryptogram.
	DerivationCardCryptogram byte = 0x00

	// DerivationHostCryptogram derives the host authentication cryptogram.
	DerivationHostCryptogram byte = 0x01

	// DerivationSENC derives the session encryption key S-ENC.
	DerivationSENC byte = 0x04

	// DerivationSMAC derives the session command MAC key S-MAC.
	DerivationSMAC byte = 0x06

	// DerivationSRMAC derives the session response MAC key S-RMAC.
	DerivationSRMAC byte = 0x07
)

// Password derivation parameters used by the YubiHSM2 to turn an
// authentication key password into a static ENC/MAC key pair.
const (
	// PasswordSalt is the fixed PBKDF2 salt.
	PasswordSalt = "Yubico"

	// PasswordIterations is the PBKDF2 iteration count.
	PasswordIterations = 10000
)

// kdfLabelSize is the size of the SCP03 label: 11 zero bytes followed by the
// 1-byte derivation constant.
const kdfLabelSize = 12

// Errors for key derivation.
var (
	ErrInvalidOutputLength = errors.New("crypto: KDF output length must be 1-16 bytes")
)

// DeriveSCP03 derives key material with the NIST SP 800-108 counter-mode KDF
// using AES-CMAC as the PRF, with the fixed input layout of SCP03 Section 4.1.5:
//
//	label(12) || 0x00 || L(2, bits, big-endian) || i(1) || context
//
// Only single-block outputs are needed for the 128-bit profile. Requests
// longer than one CMAC block are rejected rather than truncated.
//
// Parameters:
//   - key: 16-byte AES-128 key used as the CMAC key
//   - derivationConstant: one of the Derivation* constants
//   - context: derivation context (host challenge || card challenge)
//   - outputLen: number of bytes to derive (1-16)
func DeriveSCP03(key []byte, derivationConstant byte, context []byte, outputLen int) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if outputLen <= 0 || outputLen > CMACSize {
		return nil, ErrInvalidOutputLength
	}

	bits := outputLen * 8
	fixedInput := make([]byte, 0, kdfLabelSize+4+len(context))
	fixedInput = append(fixedInput, make([]byte, kdfLabelSize-1)...)
	fixedInput = append(fixedInput, derivationConstant)
	// separation indicator, L in bits, counter i
	fixedInput = append(fixedInput, 0x00, byte(bits>>8), byte(bits), 0x01)
	fixedInput = append(fixedInput, context...)

	mac, err := AESCMAC(key, fixedInput)
	if err != nil {
		return nil, err
	}

	out := make([]byte, outputLen)
	copy(out, mac[:outputLen])
	return out, nil
}

// PBKDF2SHA256 derives a key from a password using PBKDF2-HMAC-SHA256 (NIST 800-132).
func PBKDF2SHA256(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// PasswordKeys derives the static encryption and MAC keys for an
// authentication key from its password. The first 16 bytes of the PBKDF2
// output form the encryption key, the last 16 the MAC key.
func PasswordKeys(password string) (encKey, macKey []byte) {
	derived := PBKDF2SHA256([]byte(password), []byte(PasswordSalt), PasswordIterations, 2*KeySize)
	return derived[:KeySize], derived[KeySize:]
}

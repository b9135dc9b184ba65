package securechannel

import (
	"github.com/backkem/yubihsm/pkg/crypto"
)

// KeySize is the size of every static and session key (AES-128).
const KeySize = crypto.KeySize

// DefaultAuthKeyID is the authentication key present on a factory-reset device.
const DefaultAuthKeyID uint16 = 1

// DefaultPassword is the password of the factory default authentication key.
const DefaultPassword = "password"

// StaticKeys is the long-term pre-shared key pair of one authentication key.
// It is only used during session bootstrap and is never transmitted.
type StaticKeys struct {
	enc [KeySize]byte
	mac [KeySize]byte
}

// NewStaticKeys creates a static key pair from raw keys.
// Both keys must be exactly 16 bytes. The inputs are copied.
func NewStaticKeys(encKey, macKey []byte) (*StaticKeys, error) {
	if len(encKey) != KeySize {
		return nil, newError(KindKeyLengthInvalid, "static keys", nil, "enc key is %d bytes, want %d", len(encKey), KeySize)
	}
	if len(macKey) != KeySize {
		return nil, newError(KindKeyLengthInvalid, "static keys", nil, "mac key is %d bytes, want %d", len(macKey), KeySize)
	}

	k := &StaticKeys{}
	copy(k.enc[:], encKey)
	copy(k.mac[:], macKey)
	return k, nil
}

// StaticKeysFromPassword derives the static key pair of a password-based
// authentication key.
func StaticKeysFromPassword(password string) *StaticKeys {
	encKey, macKey := crypto.PasswordKeys(password)
	k := &StaticKeys{}
	copy(k.enc[:], encKey)
	copy(k.mac[:], macKey)
	zero(encKey)
	zero(macKey)
	return k
}

// Equal reports whether both key pairs hold the same keys.
func (k *StaticKeys) Equal(other *StaticKeys) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.enc == other.enc && k.mac == other.mac
}

// sessionKeys derives S-ENC, S-MAC and S-RMAC for the given context.
func (k *StaticKeys) sessionKeys(ctx Context) (*SessionKeys, error) {
	senc, err := crypto.DeriveSCP03(k.enc[:], crypto.DerivationSENC, ctx[:], KeySize)
	if err != nil {
		return nil, err
	}
	smac, err := crypto.DeriveSCP03(k.mac[:], crypto.DerivationSMAC, ctx[:], KeySize)
	if err != nil {
		return nil, err
	}
	srmac, err := crypto.DeriveSCP03(k.mac[:], crypto.DerivationSRMAC, ctx[:], KeySize)
	if err != nil {
		return nil, err
	}

	keys := &SessionKeys{}
	copy(keys.ENC[:], senc)
	copy(keys.MAC[:], smac)
	copy(keys.RMAC[:], srmac)
	zero(senc)
	zero(smac)
	zero(srmac)
	return keys, nil
}

// SessionKeys holds the keys derived for one session.
type SessionKeys struct {
	// ENC encrypts command and response payloads.
	ENC [KeySize]byte

	// MAC authenticates commands.
	MAC [KeySize]byte

	// RMAC authenticates responses.
	RMAC [KeySize]byte
}

// cryptogram derives a card or host cryptogram from S-MAC.
func (k *SessionKeys) cryptogram(derivationConstant byte, ctx Context) (Cryptogram, error) {
	var c Cryptogram
	out, err := crypto.DeriveSCP03(k.MAC[:], derivationConstant, ctx[:], CryptogramSize)
	if err != nil {
		return c, err
	}
	copy(c[:], out)
	return c, nil
}

// Zero clears the keys.
func (k *SessionKeys) Zero() {
	zero(k.ENC[:])
	zero(k.MAC[:])
	zero(k.RMAC[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

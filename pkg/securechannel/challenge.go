package securechannel

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
)

// Sizes of the bootstrap values.
const (
	// ChallengeSize is the size of the host and card challenges.
	ChallengeSize = 8

	// ContextSize is the size of the derivation context.
	ContextSize = 2 * ChallengeSize

	// CryptogramSize is the size of the host and card cryptograms.
	CryptogramSize = 8
)

// SessionID identifies a session slot on the device.
type SessionID uint8

// MaxSessions is the number of session slots on the device.
const MaxSessions = 16

// IsValid returns true if the id names an existing slot.
func (id SessionID) IsValid() bool {
	return id < MaxSessions
}

// Challenge is a random nonce contributed by one side of the bootstrap.
type Challenge [ChallengeSize]byte

// NewChallenge reads a fresh challenge from r.
// A nil r uses crypto/rand.
func NewChallenge(r io.Reader) (Challenge, error) {
	var c Challenge
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, c[:]); err != nil {
		return c, err
	}
	return c, nil
}

// String returns the challenge in hex.
func (c Challenge) String() string {
	return hex.EncodeToString(c[:])
}

// Context is the derivation context of one bootstrap: host challenge
// followed by card challenge.
type Context [ContextSize]byte

// NewContext concatenates the two challenges, host first.
func NewContext(host, card Challenge) Context {
	var ctx Context
	copy(ctx[:ChallengeSize], host[:])
	copy(ctx[ChallengeSize:], card[:])
	return ctx
}

// Host returns the host challenge half of the context.
func (c Context) Host() Challenge {
	var h Challenge
	copy(h[:], c[:ChallengeSize])
	return h
}

// Card returns the card challenge half of the context.
func (c Context) Card() Challenge {
	var d Challenge
	copy(d[:], c[ChallengeSize:])
	return d
}

// Cryptogram proves possession of the session keys derived for a context.
type Cryptogram [CryptogramSize]byte

// Equal compares two cryptograms in constant time.
func (c Cryptogram) Equal(other Cryptogram) bool {
	return subtle.ConstantTimeCompare(c[:], other[:]) == 1
}

// String returns the cryptogram in hex.
func (c Cryptogram) String() string {
	return hex.EncodeToString(c[:])
}

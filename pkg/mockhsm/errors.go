package mockhsm

import "errors"

// Mock device errors.
var (
	// ErrSessionsFull is returned when every session slot is in use.
	ErrSessionsFull = errors.New("mockhsm: all session slots in use")

	// ErrInvalidSession is returned for a session ID outside the table.
	ErrInvalidSession = errors.New("mockhsm: invalid session ID")

	// ErrDuplicateSession is returned when adding a session with an existing ID.
	ErrDuplicateSession = errors.New("mockhsm: duplicate session ID")
)

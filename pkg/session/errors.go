package session

import "errors"

// Session package errors.
var (
	// ErrNoConnector is returned when Open is called without a connector.
	ErrNoConnector = errors.New("session: connector required")
)

package session

import "errors"

// Errors that end a session
var (
	ErrTransport            = errors.New("transport failure")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAlreadyStarted       = errors.New("session already started")
)

package domain

import "errors"

// Error taxonomy shared by the services. The HTTP layer maps each sentinel
// to a distinct status so clients can tell "retry now" from "re-upload the
// document" from "malformed request".
var (
	ErrBookNotFound         = errors.New("book not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrAccessDenied         = errors.New("access denied")
	ErrValidation           = errors.New("validation failed")
	ErrUpstreamGeneration   = errors.New("generation backend failure")
	// ErrSessionExpired covers both a lapsed document reference and one
	// that was never bound: the remedy is the same re-upload either way.
	ErrSessionExpired = errors.New("document session expired")
	ErrRateLimited    = errors.New("rate limited by generation backend")
)

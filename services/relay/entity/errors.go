package entity

import "errors"

var (
	// ErrValidation marks a malformed inbound frame or event. Frames are dropped, never surfaced.
	ErrValidation = errors.New("validation failed")

	ErrNotFound         = errors.New("session not found")
	ErrDuplicateSession = errors.New("session already registered")
	ErrUnknownSession   = errors.New("session clock origin not established")

	ErrMissingContext  = errors.New("missing session context")
	ErrTranscodeFailed = errors.New("transcode failed")
	ErrUploadFailed    = errors.New("upload failed")
	ErrNotifyFailed    = errors.New("notify failed")

	ErrSinkClosed = errors.New("audio sink closed")

	// ErrUnexpected wraps panics recovered at an event or callback boundary.
	ErrUnexpected = errors.New("unexpected error")
)

package stt

import (
	"errors"
	"fmt"
)

var ErrSessionClosed = errors.New("asr session closed")

// ConnectionError reports that a session could not be established. It is
// retried only when the caller connects again.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to speech provider %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteCloseError reports a close the caller did not ask for.
type RemoteCloseError struct {
	Code   int
	Reason string
}

func (e *RemoteCloseError) Error() string {
	return fmt.Sprintf("speech provider closed the session (%d): %s", e.Code, e.Reason)
}

// StreamError reports a mid-session provider failure.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("speech provider stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// IsTransient reports whether err leaves the session usable: capture keeps
// running and the error is only surfaced as a notice.
func IsTransient(err error) bool {
	var rc *RemoteCloseError
	var se *StreamError
	return errors.As(err, &rc) || errors.As(err, &se)
}

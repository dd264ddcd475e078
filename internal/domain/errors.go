package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent error conditions in the spokesync domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrAlreadyRecording is returned when a session is started while another is not IDLE.
	ErrAlreadyRecording = errors.New("spokesync: already recording")

	// ErrNotRecording is returned by operations that need an active session.
	ErrNotRecording = errors.New("spokesync: not recording")

	// ErrInvalidSessionID is returned when a session id cannot be used as a path segment.
	ErrInvalidSessionID = errors.New("spokesync: invalid session id")

	// ErrSessionNotFound is returned when a session directory does not exist.
	ErrSessionNotFound = errors.New("spokesync: session not found")

	// ErrEmptySession is returned when a session directory holds no files.
	ErrEmptySession = errors.New("spokesync: session directory is empty")

	// ErrAlreadyRunning is returned when Start() is called on a running instance.
	ErrAlreadyRunning = errors.New("spokesync: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped instance.
	ErrNotRunning = errors.New("spokesync: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("spokesync: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("spokesync: invalid configuration")

	// ErrReconnectExhausted is returned when a reconnect loop runs out of attempts.
	ErrReconnectExhausted = errors.New("spokesync: reconnect attempts exhausted")

	// ErrOutlier is returned when a clock exchange is rejected for excessive delay.
	ErrOutlier = errors.New("spokesync: round trip outlier")
)

// RecorderError reports a failure of one named recorder.
// Use errors.As to tell a recorder failure apart from ErrAlreadyRecording.
type RecorderError struct {
	Recorder string
	Op       string
	Err      error
}

func (e *RecorderError) Error() string {
	return fmt.Sprintf("recorder %s: %s: %v", e.Recorder, e.Op, e.Err)
}

func (e *RecorderError) Unwrap() error {
	return e.Err
}

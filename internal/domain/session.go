package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// SessionState is the state of a node's session orchestrator.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionPreparing
	SessionRecording
	SessionStopping
)

// String returns the wire name of the state.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "IDLE"
	case SessionPreparing:
		return "PREPARING"
	case SessionRecording:
		return "RECORDING"
	case SessionStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Session is one bounded recording interval.
// StartedAt is zero until every recorder has started; StoppedAt is zero until stop completes.
type Session struct {
	ID        string
	Root      string
	State     SessionState
	Recorders []string
	StartedAt time.Time
	StoppedAt time.Time
}

// RecorderDir returns the subdirectory owned by the named recorder.
func (s Session) RecorderDir(name string) string {
	return filepath.Join(s.Root, name)
}

// ValidateSessionID rejects ids that are not a single, plain path segment.
func ValidateSessionID(id string) error {
	if !IsPathSegment(id) {
		return ErrInvalidSessionID
	}
	return nil
}

// IsPathSegment reports whether s can be used verbatim as one directory name.
func IsPathSegment(s string) bool {
	switch {
	case s == "", s == ".", s == "..":
		return false
	case len(s) > 128:
		return false
	case strings.ContainsAny(s, `/\:`):
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

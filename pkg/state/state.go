package state

import (
	"slices"
	"time"
)

// maxTransferred bounds the list of handed-off session ids.
const maxTransferred = 256

// State is the persisted session journal.
type State struct {
	// LastSessionID is the id of the most recently started session.
	LastSessionID string `cbor:"1,keyasint"`

	// LastSessionRoot is the directory of that session.
	LastSessionRoot string `cbor:"2,keyasint"`

	// Recorders lists the recorders captured when the session started.
	Recorders []string `cbor:"3,keyasint,omitempty"`

	// Recording is true between a successful start and the end of stop.
	Recording bool `cbor:"4,keyasint"`

	// StartedAtNs and StoppedAtNs are wall-clock unix nanoseconds, zero when unset.
	StartedAtNs int64 `cbor:"5,keyasint,omitempty"`
	StoppedAtNs int64 `cbor:"6,keyasint,omitempty"`

	// Transferred holds session ids whose data was handed off, oldest first.
	Transferred []string `cbor:"7,keyasint,omitempty"`
}

// IsEmpty returns true if no session was ever recorded.
func (s State) IsEmpty() bool {
	return s.LastSessionID == ""
}

// RecordStart notes that a session started recording.
func (s *State) RecordStart(id, root string, recorders []string, at time.Time) {
	s.LastSessionID = id
	s.LastSessionRoot = root
	s.Recorders = slices.Clone(recorders)
	s.Recording = true
	s.StartedAtNs = at.UnixNano()
	s.StoppedAtNs = 0
}

// RecordStop notes that the last session returned to IDLE.
func (s *State) RecordStop(at time.Time) {
	s.Recording = false
	s.StoppedAtNs = at.UnixNano()
}

// MarkTransferred records that a session's data was handed off.
func (s *State) MarkTransferred(id string) {
	if s.IsTransferred(id) {
		return
	}
	s.Transferred = append(s.Transferred, id)
	if over := len(s.Transferred) - maxTransferred; over > 0 {
		s.Transferred = slices.Delete(s.Transferred, 0, over)
	}
}

// IsTransferred reports whether a session's data was handed off.
func (s State) IsTransferred(id string) bool {
	return slices.Contains(s.Transferred, id)
}

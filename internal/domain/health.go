package domain

import "time"

// HealthState classifies a monitored peer.
type HealthState int

const (
	Healthy HealthState = iota
	// Suspect means at least one beat was missed but the timeout has not elapsed.
	Suspect
	Offline
)

// String returns a human-readable representation of the state.
func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// DeviceHealth is the liveness record for one peer.
type DeviceHealth struct {
	DeviceID               string
	LastSeenAt             time.Time
	ConsecutiveMissedBeats int
	State                  HealthState
	Metadata               map[string]any
}

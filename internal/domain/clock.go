package domain

import "time"

// ClockOffsetEstimate is the latest offset and round-trip delay to a peer clock.
// Each measurement supersedes the previous one.
type ClockOffsetEstimate struct {
	OffsetNs         int64
	RoundTripDelayNs int64
	MeasuredAt       time.Time
}

// Offset returns the offset as a duration.
func (e ClockOffsetEstimate) Offset() time.Duration {
	return time.Duration(e.OffsetNs)
}

// RoundTrip returns the round-trip delay as a duration.
func (e ClockOffsetEstimate) RoundTrip() time.Duration {
	return time.Duration(e.RoundTripDelayNs)
}

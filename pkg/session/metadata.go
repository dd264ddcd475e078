package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
)

// MetadataFileName is written into every session root.
const MetadataFileName = "session.json"

// Metadata describes a session directory to whoever receives it.
type Metadata struct {
	Version       int      `json:"version"`
	SessionID     string   `json:"session_id"`
	DeviceID      string   `json:"device_id,omitempty"`
	State         string   `json:"state"`
	Recorders     []string `json:"recorders"`
	StartTimeNs   int64    `json:"start_time_ns,omitempty"`
	EndTimeNs     int64    `json:"end_time_ns,omitempty"`
	DurationNs    int64    `json:"duration_ns,omitempty"`
	ClockOffsetNs *int64   `json:"clock_offset_ns,omitempty"`
	RoundTripNs   *int64   `json:"round_trip_ns,omitempty"`
	StopFailures  []string `json:"stop_failures,omitempty"`
}

func (o *Orchestrator) metadataFor(sess domain.Session, stopErrs []error) Metadata {
	m := Metadata{
		Version:   1,
		SessionID: sess.ID,
		DeviceID:  o.opts.deviceID,
		State:     sess.State.String(),
		Recorders: sess.Recorders,
	}
	if m.Recorders == nil {
		m.Recorders = []string{}
	}
	if !sess.StartedAt.IsZero() {
		m.StartTimeNs = sess.StartedAt.UnixNano()
	}
	if !sess.StoppedAt.IsZero() {
		m.EndTimeNs = sess.StoppedAt.UnixNano()
		if m.StartTimeNs > 0 {
			m.DurationNs = max(0, m.EndTimeNs-m.StartTimeNs)
		}
	}
	if o.opts.offset != nil {
		if est, ok := o.opts.offset(); ok {
			off, rtt := est.OffsetNs, est.RoundTripDelayNs
			m.ClockOffsetNs = &off
			m.RoundTripNs = &rtt
		}
	}
	for _, err := range stopErrs {
		m.StopFailures = append(m.StopFailures, err.Error())
	}
	return m
}

// WriteMetadata replaces <dir>/session.json atomically.
func WriteMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, MetadataFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadMetadata reads <dir>/session.json.
func ReadMetadata(dir string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFileName))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

func unixNanoOrZero(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

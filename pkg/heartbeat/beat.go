package heartbeat

import (
	"fmt"

	"github.com/bft-labs/spokesync/pkg/protocol"
)

// Beat is one liveness message.
type Beat struct {
	DeviceID    string
	TimestampNs int64
	Metadata    map[string]any
}

// Message encodes b as a version 1 heartbeat envelope.
func (b Beat) Message() protocol.Message {
	fields := map[string]any{
		"device_id":    b.DeviceID,
		"timestamp_ns": b.TimestampNs,
	}
	if len(b.Metadata) > 0 {
		fields["metadata"] = b.Metadata
	}
	return protocol.Message{V: protocol.Version, Type: protocol.TypeHeartbeat, Fields: fields}
}

// ParseBeat decodes a heartbeat envelope. A beat without a device id is rejected.
func ParseBeat(m *protocol.Message) (Beat, error) {
	if m.Type != protocol.TypeHeartbeat {
		return Beat{}, fmt.Errorf("heartbeat: unexpected message type %q", m.Type)
	}
	id, ok := m.Str("device_id")
	if !ok || id == "" {
		return Beat{}, fmt.Errorf("heartbeat: missing device_id")
	}
	ts, _ := m.Int("timestamp_ns")
	meta, _ := m.Map("metadata")
	return Beat{DeviceID: id, TimestampNs: ts, Metadata: meta}, nil
}

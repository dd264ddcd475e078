package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Version is the current protocol version.
const Version = 1

// Message types.
const (
	TypeCommand   = "cmd"
	TypeAck       = "ack"
	TypeEvent     = "event"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"
)

// Status values used by version 0 replies and acks.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Commands.
const (
	CmdQueryCapabilities = "query_capabilities"
	CmdTimeSync          = "time_sync"
	CmdStartRecording    = "start_recording"
	CmdStopRecording     = "stop_recording"
	CmdFlashSync         = "flash_sync"
	CmdTransferFiles     = "transfer_files"
)

// Events.
const (
	EventRejoinSession    = "rejoin_session"
	EventPreviewFrame     = "preview_frame"
	EventRecordingStarted = "recording_started"
	EventRecordingFailed  = "recording_failed"
	EventRecordingStopped = "recording_stopped"
	EventTransferComplete = "transfer_complete"
	EventTransferFailed   = "transfer_failed"
	EventFlashSync        = "flash_sync"
)

// Error codes carried in error replies.
const (
	CodeUnknownCommand   = "E_UNKNOWN_CMD"
	CodeBadParam         = "E_BAD_PARAM"
	CodeAlreadyRecording = "E_ALREADY_RECORDING"
	CodeNotRecording     = "E_NOT_RECORDING"
	CodeBusy             = "E_BUSY"
	CodeInternal         = "E_INTERNAL"
)

// reserved keys are envelope fields; everything else is payload.
var reserved = map[string]bool{
	"v": true, "type": true, "command": true, "name": true, "id": true,
	"ack_id": true, "status": true, "code": true, "message": true,
}

// Message is one protocol envelope. Payload fields sit beside the envelope
// fields on the wire and are kept in Fields.
type Message struct {
	V       int
	Type    string
	Command string
	Name    string
	ID      *int64
	AckID   *int64
	Status  string
	Code    string
	Text    string
	Fields  map[string]any

	// ReceivedAt is stamped by the reader when the frame arrived. Not serialized.
	ReceivedAt time.Time
}

// NewCommand builds a version 1 command.
func NewCommand(id int64, command string, fields map[string]any) Message {
	return Message{V: Version, Type: TypeCommand, Command: command, ID: &id, Fields: fields}
}

// NewEvent builds a version 1 event. The name is carried in both "name" and "command".
func NewEvent(name string, fields map[string]any) Message {
	return Message{V: Version, Type: TypeEvent, Name: name, Command: name, Fields: fields}
}

// IsCommand reports whether m asks for a reply.
func (m *Message) IsCommand() bool {
	if m.Type != "" {
		return m.Type == TypeCommand
	}
	return m.Command != "" && m.AckID == nil
}

// IsReply reports whether m answers an earlier command.
func (m *Message) IsReply() bool {
	return m.AckID != nil && (m.Type == "" || m.Type == TypeAck || m.Type == TypeError)
}

// IsError reports whether m is an error reply in either version.
func (m *Message) IsError() bool {
	return m.Type == TypeError || m.Status == StatusError
}

// EventName returns the event name, falling back to the command field.
func (m *Message) EventName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Command
}

// Get returns a payload field.
func (m *Message) Get(key string) (any, bool) {
	v, ok := m.Fields[key]
	return v, ok && v != nil
}

// Set stores a payload field.
func (m *Message) Set(key string, value any) {
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields[key] = value
}

// Str returns a string payload field.
func (m *Message) Str(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns an integral payload field. Numeric strings are accepted.
func (m *Message) Int(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// Bool returns a boolean payload field.
func (m *Message) Bool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Map returns an object payload field.
func (m *Message) Map(key string) (map[string]any, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	mm, ok := v.(map[string]any)
	return mm, ok
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// MarshalJSON flattens the envelope and payload into one object.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+8)
	for k, v := range m.Fields {
		if !reserved[k] {
			out[k] = v
		}
	}
	if m.V > 0 {
		out["v"] = m.V
	}
	setIf := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	setIf("type", m.Type)
	setIf("command", m.Command)
	setIf("name", m.Name)
	setIf("status", m.Status)
	setIf("code", m.Code)
	setIf("message", m.Text)
	if m.ID != nil {
		out["id"] = *m.ID
	}
	if m.AckID != nil {
		out["ack_id"] = *m.AckID
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat object into envelope and payload.
// Numbers in the payload decode as json.Number.
func (m *Message) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("protocol: message is not an object")
	}

	*m = Message{}
	var err error
	if v, ok := raw["v"]; ok && v != nil {
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("protocol: invalid v %v", v)
		}
		m.V = int(n)
	}
	if m.ID, err = optionalInt(raw, "id"); err != nil {
		return err
	}
	if m.AckID, err = optionalInt(raw, "ack_id"); err != nil {
		return err
	}
	m.Type = stringField(raw, "type")
	m.Command = stringField(raw, "command")
	m.Name = stringField(raw, "name")
	m.Status = stringField(raw, "status")
	m.Code = stringField(raw, "code")
	m.Text = stringField(raw, "message")

	for k, v := range raw {
		if reserved[k] {
			continue
		}
		if m.Fields == nil {
			m.Fields = make(map[string]any, len(raw))
		}
		m.Fields[k] = v
	}
	return nil
}

func optionalInt(raw map[string]any, key string) (*int64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, ok := toInt64(v)
	if !ok {
		return nil, fmt.Errorf("protocol: invalid %s %v", key, v)
	}
	return &n, nil
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

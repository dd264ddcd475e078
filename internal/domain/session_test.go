package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"session_20260101", false},
		{"8d0b4f6e-1c2a-4e9b-a3f1-0c7d5e2b9a41", false},
		{"with space", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../escape", true},
		{"a/b", true},
		{`a\b`, true},
		{"c:drive", true},
		{"tab\tid", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.id), func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSessionID) {
				t.Errorf("error = %v, want ErrInvalidSessionID", err)
			}
		})
	}
}

func TestRecorderError(t *testing.T) {
	cause := errors.New("device busy")
	var err error = &RecorderError{Recorder: "thermal", Op: "start", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("RecorderError should unwrap to its cause")
	}

	var re *RecorderError
	if !errors.As(fmt.Errorf("start session: %w", err), &re) {
		t.Fatal("errors.As should find RecorderError through wrapping")
	}
	if re.Recorder != "thermal" {
		t.Errorf("Recorder = %q, want thermal", re.Recorder)
	}
	if got, want := err.Error(), "recorder thermal: start: device busy"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSessionStateString(t *testing.T) {
	states := map[SessionState]string{
		SessionIdle:      "IDLE",
		SessionPreparing: "PREPARING",
		SessionRecording: "RECORDING",
		SessionStopping:  "STOPPING",
		SessionState(42): "UNKNOWN",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("SessionState(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

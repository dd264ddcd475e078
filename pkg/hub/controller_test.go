package hub

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/internal/ports"
	"github.com/bft-labs/spokesync/pkg/heartbeat"
	"github.com/bft-labs/spokesync/pkg/spoke"
	"github.com/bft-labs/spokesync/pkg/transfer"
)

const waitFor = 5 * time.Second

func frameRecorder() ports.Recorder {
	return ports.RecorderFunc{
		StartFunc: func(ctx context.Context, dir string) error {
			return os.WriteFile(filepath.Join(dir, "frames.bin"), []byte("frame-data"), 0o644)
		},
	}
}

func startSpoke(t *testing.T, id string) *spoke.Spoke {
	t.Helper()
	s, err := spoke.New(spoke.Config{
		DeviceID:          id,
		ListenAddr:        "127.0.0.1:0",
		SessionsDir:       t.TempDir(),
		HeartbeatInterval: 50 * time.Millisecond,
	}, spoke.WithRecorder("camera", frameRecorder()))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		if s.Status() == spoke.StateRunning {
			require.NoError(t, s.Stop())
		}
	})
	return s
}

func testConfig() Config {
	return Config{
		DeviceID:          "hub-test",
		HeartbeatInterval: 50 * time.Millisecond,
		Reconnect:         heartbeat.Policy{Base: 10 * time.Millisecond, Max: 30 * time.Millisecond, MaxAttempts: 3},
		CallTimeout:       2 * time.Second,
		ResyncInterval:    -1,
		SyncTrials:        4,
		SyncPacing:        time.Millisecond,
	}
}

func startHub(t *testing.T, cfg Config, spokes map[string]*spoke.Spoke, opts ...Option) *Controller {
	t.Helper()
	h, err := New(cfg, opts...)
	require.NoError(t, err)
	for name, s := range spokes {
		require.NoError(t, h.AddSpoke(name, s.Addr().String()))
	}
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, h.Stop())
	})
	return h
}

func waitSynced(t *testing.T, h *Controller) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, st := range h.Spokes() {
			if !st.Connected || !st.Synced {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
}

func statusOf(h *Controller, name string) SpokeStatus {
	for _, st := range h.Spokes() {
		if st.Name == name {
			return st
		}
	}
	return SpokeStatus{}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{SyncTrimRatio: 0.6})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = New(Config{ReceiverPort: 70000})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	h, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviceID, h.config.DeviceID)
	assert.Equal(t, heartbeat.DefaultInterval, h.config.HeartbeatInterval)
	assert.ErrorIs(t, h.Stop(), domain.ErrNotRunning)

	require.NoError(t, h.AddSpoke("a", "127.0.0.1:1"))
	assert.ErrorIs(t, h.AddSpoke("a", "127.0.0.1:2"), domain.ErrInvalidConfig)
	assert.ErrorIs(t, h.AddSpoke("", "127.0.0.1:2"), domain.ErrInvalidConfig)
}

type countingHandler struct {
	BaseEventHandler
	connected    atomic.Int32
	calibrations atomic.Int32
}

func (c *countingHandler) OnLink(ev LinkEvent) {
	if ev.Connected {
		c.connected.Add(1)
	}
}

func (c *countingHandler) OnCalibration(ev CalibrationEvent) {
	if ev.Err == nil {
		c.calibrations.Add(1)
	}
}

func TestController_ConnectsAndCalibrates(t *testing.T) {
	a := startSpoke(t, "spoke-a")
	b := startSpoke(t, "spoke-b")
	events := &countingHandler{}
	h := startHub(t, testConfig(), map[string]*spoke.Spoke{"a": a, "b": b}, WithEventHandler(events))

	waitSynced(t, h)

	require.Eventually(t, func() bool {
		return statusOf(h, "a").DeviceID == "spoke-a" && statusOf(h, "b").DeviceID == "spoke-b"
	}, waitFor, 10*time.Millisecond)

	st := statusOf(h, "a")
	assert.Contains(t, st.Capabilities, "camera")
	assert.Equal(t, domain.Healthy, st.Health)
	assert.Positive(t, st.Stats.TrialsUsed)
	// Both ends share one clock, so the offset is only noise.
	assert.Less(t, abs(st.Offset.OffsetNs), (50 * time.Millisecond).Nanoseconds())

	// The calibration is pushed to the spoke.
	require.Eventually(t, func() bool {
		_, ok := a.Clock().Estimate()
		return ok
	}, waitFor, 10*time.Millisecond)

	assert.GreaterOrEqual(t, events.connected.Load(), int32(2))
	assert.GreaterOrEqual(t, events.calibrations.Load(), int32(2))
}

func TestController_StartStopFanOut(t *testing.T) {
	a := startSpoke(t, "spoke-a")
	b := startSpoke(t, "spoke-b")
	h := startHub(t, testConfig(), map[string]*spoke.Spoke{"a": a, "b": b})
	waitSynced(t, h)

	id, results := h.StartRecording(context.Background(), "")
	require.NotEmpty(t, id)
	require.Len(t, results, 2)
	for _, res := range results {
		require.NoError(t, res.Err, res.Spoke)
		got, _ := res.Reply.Str("session_id")
		assert.Equal(t, id, got)
	}

	require.Eventually(t, func() bool {
		return a.Sessions().State() == domain.SessionRecording &&
			b.Sessions().State() == domain.SessionRecording &&
			statusOf(h, "a").Recording && statusOf(h, "b").Recording
	}, waitFor, 10*time.Millisecond)

	sid, recording := h.Session()
	assert.Equal(t, id, sid)
	assert.True(t, recording)

	flash := h.FlashSync(context.Background())
	for _, res := range flash {
		assert.NoError(t, res.Err)
	}

	for _, res := range h.StopRecording(context.Background()) {
		require.NoError(t, res.Err)
	}
	require.Eventually(t, func() bool {
		return a.Sessions().State() == domain.SessionIdle &&
			b.Sessions().State() == domain.SessionIdle &&
			!statusOf(h, "a").Recording && !statusOf(h, "b").Recording
	}, waitFor, 10*time.Millisecond)

	_, recording = h.Session()
	assert.False(t, recording)
}

func TestController_TimeSync(t *testing.T) {
	a := startSpoke(t, "spoke-a")
	h := startHub(t, testConfig(), map[string]*spoke.Spoke{"a": a})
	waitSynced(t, h)

	results := h.TimeSync(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "a", results[0].Spoke)
	assert.Equal(t, 4, results[0].Stats.TrialsUsed)
	assert.GreaterOrEqual(t, results[0].Stats.MinDelayNs, int64(0))
}

func TestController_UnreachableSpoke(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	h, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, h.AddSpoke("gone", addr))
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, h.Stop()) })

	results := h.FlashSync(context.Background())
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, ErrNotConnected))

	require.Eventually(t, func() bool {
		return statusOf(h, "gone").Exhausted
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, domain.Offline, statusOf(h, "gone").Health)
}

func TestController_SpokeLossIsDetected(t *testing.T) {
	a := startSpoke(t, "spoke-a")
	h := startHub(t, testConfig(), map[string]*spoke.Spoke{"a": a})
	waitSynced(t, h)

	require.NoError(t, a.Stop())
	require.Eventually(t, func() bool {
		st := statusOf(h, "a")
		return !st.Connected && st.Exhausted
	}, waitFor, 10*time.Millisecond)
}

func TestController_AddSpokeWhileRunning(t *testing.T) {
	h := startHub(t, testConfig(), nil)
	a := startSpoke(t, "spoke-a")

	require.NoError(t, h.AddSpoke("late", a.Addr().String()))
	waitSynced(t, h)
	assert.Len(t, h.Spokes(), 1)
}

func TestController_RejoinAdoptsRecordingSession(t *testing.T) {
	a := startSpoke(t, "spoke-a")
	_, err := a.Sessions().StartSession(context.Background(), "take-5")
	require.NoError(t, err)

	h := startHub(t, testConfig(), map[string]*spoke.Spoke{"a": a})
	require.Eventually(t, func() bool {
		sid, recording := h.Session()
		return sid == "take-5" && recording && statusOf(h, "a").Recording
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, domain.SessionRecording, a.Sessions().State())
}

func TestController_RejoinRequestsTransfer(t *testing.T) {
	inbox := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rx := transfer.NewReceiver(inbox)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rx.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	a := startSpoke(t, "spoke-a")
	_, err = a.Sessions().StartSession(context.Background(), "take-7")
	require.NoError(t, err)
	require.NoError(t, a.Sessions().StopSession(context.Background()))

	cfg := testConfig()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	cfg.ReceiverHost = host
	cfg.ReceiverPort, err = strconv.Atoi(port)
	require.NoError(t, err)
	startHub(t, cfg, map[string]*spoke.Spoke{"a": a})

	want := filepath.Join(inbox, "take-7", "take-7_spoke-a"+transfer.DefaultCompression.Extension())
	require.Eventually(t, func() bool {
		_, err := os.Stat(want)
		return err == nil
	}, waitFor, 10*time.Millisecond)
}

func TestController_RejoinStopsEndedSession(t *testing.T) {
	a := startSpoke(t, "spoke-a")
	h := startHub(t, testConfig(), map[string]*spoke.Spoke{"a": a})
	waitSynced(t, h)

	_, results := h.StartRecording(context.Background(), "take-8")
	require.NoError(t, results[0].Err)
	require.Eventually(t, func() bool {
		return a.Sessions().State() == domain.SessionRecording
	}, waitFor, 10*time.Millisecond)

	// The Hub ended the session while the spoke was away.
	h.mu.Lock()
	h.recording = false
	h.mu.Unlock()

	h.onRejoin(context.Background(), h.lookup("a"), "take-8", true)
	require.Eventually(t, func() bool {
		return a.Sessions().State() == domain.SessionIdle
	}, waitFor, 10*time.Millisecond)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

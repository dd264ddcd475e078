package heartbeat

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/log"
)

// Default liveness settings.
const (
	DefaultInterval   = 3 * time.Second
	DefaultMultiplier = 3
)

// TransitionFunc is called once per Healthy/Offline transition, outside the
// monitor lock.
type TransitionFunc func(previous domain.HealthState, current domain.DeviceHealth)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger.
func WithMonitorLogger(logger log.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = log.OrNoop(logger)
	}
}

// WithTransitionFunc sets the transition callback.
func WithTransitionFunc(fn TransitionFunc) MonitorOption {
	return func(m *Monitor) {
		m.onTransition = fn
	}
}

// WithMonitorClock overrides the clock used by Run.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor tracks when each peer was last heard from. A peer is Offline once
// nothing arrived for interval*multiplier. Suspect is reported for a peer
// that missed at least one beat and does not fire the callback.
type Monitor struct {
	logger       log.Logger
	onTransition TransitionFunc
	now          func() time.Time

	mu         sync.Mutex
	interval   time.Duration
	multiplier int
	peers      map[string]*domain.DeviceHealth
}

type transition struct {
	previous domain.HealthState
	current  domain.DeviceHealth
}

// NewMonitor creates a Monitor. Non-positive values fall back to the defaults.
func NewMonitor(interval time.Duration, multiplier int, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		logger: log.NewNoopLogger(),
		now:    time.Now,
		peers:  make(map[string]*domain.DeviceHealth),
	}
	m.setTiming(interval, multiplier)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) setTiming(interval time.Duration, multiplier int) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	m.interval = interval
	m.multiplier = multiplier
}

// SetTiming changes the interval and multiplier. The new timeout applies
// from the next Check.
func (m *Monitor) SetTiming(interval time.Duration, multiplier int) {
	m.mu.Lock()
	m.setTiming(interval, multiplier)
	m.mu.Unlock()
}

// Timeout returns how long a peer may stay silent before it is Offline.
func (m *Monitor) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval * time.Duration(m.multiplier)
}

// Observe records that deviceID was heard from at the given time. A peer
// seen for the first time starts Healthy. An Offline peer becomes Healthy
// and fires the callback.
func (m *Monitor) Observe(deviceID string, at time.Time, metadata map[string]any) {
	if deviceID == "" {
		return
	}

	m.mu.Lock()
	h, ok := m.peers[deviceID]
	if !ok {
		h = &domain.DeviceHealth{DeviceID: deviceID, State: domain.Healthy}
		m.peers[deviceID] = h
	}
	if at.After(h.LastSeenAt) {
		h.LastSeenAt = at
	}
	if metadata != nil {
		h.Metadata = maps.Clone(metadata)
	}
	h.ConsecutiveMissedBeats = 0

	var fired *transition
	prev := h.State
	h.State = domain.Healthy
	if prev == domain.Offline {
		fired = &transition{previous: prev, current: copyHealth(h)}
	}
	m.mu.Unlock()

	if fired != nil {
		m.logger.Info("peer back online", log.String("device_id", deviceID))
		m.fire([]transition{*fired})
	}
}

// Check reclassifies every peer against now and fires callbacks for peers
// that became Offline.
func (m *Monitor) Check(now time.Time) {
	m.mu.Lock()
	timeout := m.interval * time.Duration(m.multiplier)
	var fired []transition
	for _, h := range m.peers {
		silent := now.Sub(h.LastSeenAt)
		h.ConsecutiveMissedBeats = max(0, int(silent/m.interval))

		prev := h.State
		switch {
		case silent > timeout:
			h.State = domain.Offline
		case h.ConsecutiveMissedBeats > 0 && prev != domain.Offline:
			h.State = domain.Suspect
		}
		if prev != domain.Offline && h.State == domain.Offline {
			fired = append(fired, transition{previous: prev, current: copyHealth(h)})
		}
	}
	m.mu.Unlock()

	for _, t := range fired {
		m.logger.Warn("peer offline",
			log.String("device_id", t.current.DeviceID),
			log.Time("last_seen", t.current.LastSeenAt),
		)
	}
	m.fire(fired)
}

func (m *Monitor) fire(ts []transition) {
	if m.onTransition == nil {
		return
	}
	for _, t := range ts {
		m.onTransition(t.previous, t.current)
	}
}

// Health returns the record for deviceID.
func (m *Monitor) Health(deviceID string) (domain.DeviceHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.peers[deviceID]
	if !ok {
		return domain.DeviceHealth{}, false
	}
	return copyHealth(h), true
}

// Snapshot returns every record ordered by device id.
func (m *Monitor) Snapshot() []domain.DeviceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeviceHealth, 0, len(m.peers))
	for _, id := range slices.Sorted(maps.Keys(m.peers)) {
		out = append(out, copyHealth(m.peers[id]))
	}
	return out
}

// Forget drops the record for deviceID.
func (m *Monitor) Forget(deviceID string) {
	m.mu.Lock()
	delete(m.peers, deviceID)
	m.mu.Unlock()
}

// Run checks all peers every half interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.mu.Lock()
		wait := m.interval / 2
		m.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
			m.Check(m.now())
		}
	}
}

func copyHealth(h *domain.DeviceHealth) domain.DeviceHealth {
	c := *h
	c.Metadata = maps.Clone(h.Metadata)
	return c
}

package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
)

// SendFunc delivers one beat.
type SendFunc func(ctx context.Context, b Beat) error

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithEmitterLogger sets the logger.
func WithEmitterLogger(logger log.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = log.OrNoop(logger)
	}
}

// WithMetadata sets a function whose result is attached to every beat.
func WithMetadata(fn func() map[string]any) EmitterOption {
	return func(e *Emitter) {
		e.metadata = fn
	}
}

// WithEmitterClock overrides the clock used for beat timestamps.
func WithEmitterClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// Emitter sends a beat every interval until its context ends.
type Emitter struct {
	deviceID string
	send     SendFunc
	logger   log.Logger
	metadata func() map[string]any
	now      func() time.Time

	interval atomic.Int64
	mu       sync.Mutex
	lastTs   int64
}

// NewEmitter creates an Emitter for deviceID.
func NewEmitter(deviceID string, interval time.Duration, send SendFunc, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		deviceID: deviceID,
		send:     send,
		logger:   log.NewNoopLogger(),
		now:      time.Now,
	}
	e.SetInterval(interval)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetInterval changes the period. It applies after the next beat.
func (e *Emitter) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	e.interval.Store(int64(d))
}

// Interval returns the current period.
func (e *Emitter) Interval() time.Duration {
	return time.Duration(e.interval.Load())
}

// Next builds the next beat. Timestamps strictly increase even if the
// clock does not.
func (e *Emitter) Next() Beat {
	ts := e.now().UnixNano()
	e.mu.Lock()
	if ts <= e.lastTs {
		ts = e.lastTs + 1
	}
	e.lastTs = ts
	e.mu.Unlock()

	b := Beat{DeviceID: e.deviceID, TimestampNs: ts}
	if e.metadata != nil {
		b.Metadata = e.metadata()
	}
	return b
}

// Run sends a beat immediately and then every interval. Send failures are
// logged and do not stop the loop.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		if err := e.send(ctx, e.Next()); err != nil && ctx.Err() == nil {
			e.logger.Debug("heartbeat send failed", log.Err(err))
		}

		t := time.NewTimer(e.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

package session

import (
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/state"
)

// EventEmitter is notified after every session state change.
// It is called outside the orchestrator lock, from the goroutine that drove the change.
type EventEmitter interface {
	OnSessionStateChange(previous, current domain.SessionState, sess domain.Session)
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(previous, current domain.SessionState, sess domain.Session)

// OnSessionStateChange calls f.
func (f EmitterFunc) OnSessionStateChange(previous, current domain.SessionState, sess domain.Session) {
	f(previous, current, sess)
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger   log.Logger
	emitters []EventEmitter
	journal  state.Repository
	now      func() time.Time
	newID    func(time.Time) string
	offset   func() (domain.ClockOffsetEstimate, bool)
	deviceID string
}

func defaultOptions() options {
	return options{
		logger:  log.NewNoopLogger(),
		journal: &state.MemoryRepository{},
		now:     time.Now,
		newID:   NewSessionID,
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = log.OrNoop(logger)
	}
}

// WithEventEmitter adds a listener for session state changes.
func WithEventEmitter(e EventEmitter) Option {
	return func(o *options) {
		if e != nil {
			o.emitters = append(o.emitters, e)
		}
	}
}

// WithJournal sets where the last session record is persisted.
func WithJournal(repo state.Repository) Option {
	return func(o *options) {
		if repo != nil {
			o.journal = repo
		}
	}
}

// WithClock overrides the wall clock used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator overrides how ids are generated when StartSession gets none.
func WithIDGenerator(fn func(time.Time) string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// WithClockOffset records the current peer clock offset in session metadata.
func WithClockOffset(fn func() (domain.ClockOffsetEstimate, bool)) Option {
	return func(o *options) {
		o.offset = fn
	}
}

// WithDeviceID records the node identity in session metadata.
func WithDeviceID(id string) Option {
	return func(o *options) {
		o.deviceID = id
	}
}

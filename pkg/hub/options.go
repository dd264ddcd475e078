package hub

import (
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
)

// Option configures optional behavior of a Controller.
type Option func(*options)

type options struct {
	logger       log.Logger
	eventHandler EventHandler
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger: log.NewNoopLogger(),
		now:    time.Now,
	}
}

// WithLogger sets a logger for structured logging.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = log.OrNoop(logger)
	}
}

// WithEventHandler sets a handler for controller events.
// Events are called synchronously; implementations should return quickly.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithClock overrides the local clock used for timestamps and clock probes.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

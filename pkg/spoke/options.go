package spoke

import (
	"time"

	"github.com/bft-labs/spokesync/internal/ports"
	"github.com/bft-labs/spokesync/pkg/log"
)

// Option configures optional behavior of a Spoke.
type Option func(*options)

type recorderEntry struct {
	name     string
	recorder ports.Recorder
}

type options struct {
	logger       log.Logger
	eventHandler EventHandler
	plugins      []Plugin
	recorders    []recorderEntry
	probe        ports.HardwareProbe
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger: log.NewNoopLogger(),
		now:    time.Now,
	}
}

// WithLogger sets a logger for structured logging.
// If not provided, a no-op logger is used.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = log.OrNoop(logger)
	}
}

// WithEventHandler sets a handler for node events.
// Events are called synchronously; implementations should return quickly.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized when the Spoke starts.
// Plugins are initialized in registration order and shut down in reverse order.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// WithRecorder registers a recorder under name. Recorders can also be
// registered later through Sessions().
func WithRecorder(name string, r ports.Recorder) Option {
	return func(o *options) {
		o.recorders = append(o.recorders, recorderEntry{name: name, recorder: r})
	}
}

// WithHardwareProbe sets the probe resolved once at Start to describe
// optional hardware in query_capabilities.
func WithHardwareProbe(p ports.HardwareProbe) Option {
	return func(o *options) {
		o.probe = p
	}
}

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

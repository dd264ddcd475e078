package timesync

import (
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
)

// Defaults used when no option overrides them.
const (
	DefaultTrials          = 12
	DefaultTrimRatio       = 0.1
	DefaultPacing          = 5 * time.Millisecond
	DefaultOutlierFactor   = 3.0
	DefaultOutlierWindow   = 32
	DefaultOutlierRetries  = 3
	DefaultResyncThreshold = 25 * time.Millisecond
	DefaultResyncCooldown  = 120 * time.Second
)

// minOutlierSamples is how many accepted round trips the rolling window needs
// before the outlier test applies.
const minOutlierSamples = 4

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = log.OrNoop(logger)
	}
}

// WithClock overrides the local clock.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOutlierPolicy sets the outlier rule: a round trip above factor times the
// rolling median of the last window accepted round trips is discarded and the
// exchange retried up to retries times. A factor <= 1 disables rejection.
func WithOutlierPolicy(factor float64, window, retries int) Option {
	return func(s *Synchronizer) {
		s.outlierFactor = factor
		if window > 0 {
			s.window = window
		}
		if retries >= 0 {
			s.retries = retries
		}
	}
}

// WithCalibration sets the number of exchanges per calibration, the trim
// ratio applied to their offsets, and the pause between exchanges.
func WithCalibration(trials int, trimRatio float64, pacing time.Duration) Option {
	return func(s *Synchronizer) {
		if trials > 0 {
			s.trials = trials
		}
		s.trimRatio = trimRatio
		if pacing >= 0 {
			s.pacing = pacing
		}
	}
}

// WithResync sets when a calibration asks for another one: its minimum
// delay reached threshold and at least cooldown passed since the last request.
func WithResync(threshold, cooldown time.Duration) Option {
	return func(s *Synchronizer) {
		s.resyncThreshold = threshold
		s.resyncCooldown = cooldown
	}
}

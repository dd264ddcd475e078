package timesync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/log"
)

// Prober performs one four-timestamp exchange with the peer.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Sample, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (Sample, error) { return f(ctx) }

// Synchronizer holds the current offset estimate for one peer. Measurements
// supersede the estimate atomically; readers never block.
type Synchronizer struct {
	prober Prober
	logger log.Logger
	now    func() time.Time

	outlierFactor float64
	window        int
	retries       int

	trials    int
	trimRatio float64
	pacing    time.Duration

	resyncThreshold time.Duration
	resyncCooldown  time.Duration

	estimate atomic.Pointer[domain.ClockOffsetEstimate]

	mu         sync.Mutex
	roundTrips []int64
	lastResync time.Time
	measuring  sync.Mutex
}

// New creates a Synchronizer probing through p. A nil prober is allowed for a
// Synchronizer that only receives estimates through Set.
func New(p Prober, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		prober:          p,
		logger:          log.NewNoopLogger(),
		now:             time.Now,
		outlierFactor:   DefaultOutlierFactor,
		window:          DefaultOutlierWindow,
		retries:         DefaultOutlierRetries,
		trials:          DefaultTrials,
		trimRatio:       DefaultTrimRatio,
		pacing:          DefaultPacing,
		resyncThreshold: DefaultResyncThreshold,
		resyncCooldown:  DefaultResyncCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Estimate returns the latest estimate and whether one exists.
func (s *Synchronizer) Estimate() (domain.ClockOffsetEstimate, bool) {
	e := s.estimate.Load()
	if e == nil {
		return domain.ClockOffsetEstimate{}, false
	}
	return *e, true
}

// Set replaces the current estimate.
func (s *Synchronizer) Set(e domain.ClockOffsetEstimate) {
	s.estimate.Store(&e)
}

// Reset discards the estimate and the outlier history, for example after the
// peer reconnects on a different path.
func (s *Synchronizer) Reset() {
	s.estimate.Store(nil)
	s.mu.Lock()
	s.roundTrips = nil
	s.mu.Unlock()
}

// Now returns the local clock shifted into the peer's time base. Without an
// estimate it is the local clock.
func (s *Synchronizer) Now() time.Time {
	local := s.now()
	if e := s.estimate.Load(); e != nil {
		return local.Add(e.Offset())
	}
	return local
}

// Measure runs one exchange, retrying while the result is an outlier, and
// stores the accepted estimate. When every attempt is an outlier the previous
// estimate is kept and ErrOutlier is returned.
func (s *Synchronizer) Measure(ctx context.Context) (domain.ClockOffsetEstimate, error) {
	if s.prober == nil {
		return domain.ClockOffsetEstimate{}, errors.New("timesync: no prober")
	}
	s.measuring.Lock()
	defer s.measuring.Unlock()

	var last domain.ClockOffsetEstimate
	for attempt := 0; attempt <= s.retries; attempt++ {
		sample, err := s.prober.Probe(ctx)
		if err != nil {
			return domain.ClockOffsetEstimate{}, fmt.Errorf("timesync: probe: %w", err)
		}
		last = sample.Estimate(s.now())

		if s.isOutlier(last.RoundTripDelayNs) {
			s.logger.Debug("discarding outlier exchange",
				log.Int64("round_trip_ns", last.RoundTripDelayNs),
				log.Int("attempt", attempt+1),
			)
			continue
		}

		s.accept(last.RoundTripDelayNs)
		s.Set(last)
		return last, nil
	}
	return last, fmt.Errorf("timesync: round trip %s after %d attempts: %w",
		last.RoundTrip(), s.retries+1, domain.ErrOutlier)
}

// Calibrate runs several exchanges paced apart and stores the trimmed median
// offset with the minimum observed delay. Failed exchanges are skipped; it
// fails only when none succeeded.
func (s *Synchronizer) Calibrate(ctx context.Context) (Stats, error) {
	if s.prober == nil {
		return Stats{}, errors.New("timesync: no prober")
	}
	s.measuring.Lock()
	defer s.measuring.Unlock()

	offsets := make([]int64, 0, s.trials)
	delays := make([]int64, 0, s.trials)
	var lastErr error

	for i := 0; i < s.trials; i++ {
		if i > 0 && s.pacing > 0 {
			t := time.NewTimer(s.pacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return Stats{}, ctx.Err()
			case <-t.C:
			}
		}

		sample, err := s.prober.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Stats{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		offset, rt := sample.Compute()
		offsets = append(offsets, offset)
		delays = append(delays, rt)
	}

	if len(offsets) == 0 {
		return Stats{}, fmt.Errorf("timesync: calibration failed: %w", lastErr)
	}

	st := Aggregate(offsets, delays, s.trimRatio)
	s.Set(domain.ClockOffsetEstimate{
		OffsetNs:         st.MedianOffsetNs,
		RoundTripDelayNs: st.MinDelayNs,
		MeasuredAt:       s.now(),
	})
	for _, d := range delays {
		s.accept(d)
	}

	s.logger.Info("clock calibrated",
		log.Int64("offset_ns", st.MedianOffsetNs),
		log.Int64("min_delay_ns", st.MinDelayNs),
		log.Int64("std_dev_ns", st.StdDevNs),
		log.Int("trials_used", st.TrialsUsed),
	)
	return st, nil
}

// ResyncDue reports whether st warrants another calibration. A true result
// starts the cooldown.
func (s *Synchronizer) ResyncDue(st Stats) bool {
	if s.resyncThreshold <= 0 || st.MinDelayNs < s.resyncThreshold.Nanoseconds() {
		return false
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastResync.IsZero() && now.Sub(s.lastResync) < s.resyncCooldown {
		return false
	}
	s.lastResync = now
	return true
}

// Run measures every interval until ctx is done. Measurement errors are
// logged and the loop continues.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("timesync: interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Measure(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("clock measurement failed", log.Err(err))
			}
		}
	}
}

func (s *Synchronizer) isOutlier(rt int64) bool {
	if s.outlierFactor <= 1 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.roundTrips) < minOutlierSamples {
		return false
	}
	median := medianOf(s.roundTrips)
	return float64(rt) > s.outlierFactor*float64(median)
}

func (s *Synchronizer) accept(rt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundTrips = append(s.roundTrips, rt)
	if over := len(s.roundTrips) - s.window; over > 0 {
		s.roundTrips = slices.Delete(s.roundTrips, 0, over)
	}
}

func medianOf(values []int64) int64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	m := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[m]
	}
	return floorDiv(sorted[m-1]+sorted[m], 2)
}

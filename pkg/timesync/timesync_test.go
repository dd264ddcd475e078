package timesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name           string
		t0, t1, t2, t3 int64
		wantOffset     int64
		wantRoundTrip  int64
	}{
		{"reference exchange", 1000, 1050, 1060, 1120, -5, 110},
		{"peer ahead", 0, 1_000_010, 1_000_020, 30, 1_000_000, 20},
		{"odd negative sum floors", 0, 0, 0, 3, -2, 3},
		{"odd positive sum floors", 0, 2, 2, 1, 1, 1},
		{"zero", 5, 5, 5, 5, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, rt := Compute(tt.t0, tt.t1, tt.t2, tt.t3)
			if offset != tt.wantOffset || rt != tt.wantRoundTrip {
				t.Errorf("Compute() = (%d, %d), want (%d, %d)", offset, rt, tt.wantOffset, tt.wantRoundTrip)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		offsets []int64
		delays  []int64
		ratio   float64
		want    Stats
	}{
		{
			name: "empty",
			want: Stats{},
		},
		{
			name:    "trims both tails",
			offsets: []int64{40, 10, 1000, 30, 20},
			delays:  []int64{5, 3, 4, 6, 7},
			ratio:   0.2,
			want:    Stats{MedianOffsetNs: 30, MinDelayNs: 3, StdDevNs: 8, TrialsUsed: 3},
		},
		{
			name:    "half trim rounds to even",
			offsets: []int64{1, 2, 3, 4, 5},
			delays:  []int64{9, 9, 9, 9, 9},
			ratio:   0.1,
			want:    Stats{MedianOffsetNs: 3, MinDelayNs: 9, StdDevNs: 1, TrialsUsed: 5},
		},
		{
			name:    "trim never empties the set",
			offsets: []int64{1, 2},
			delays:  []int64{4, 2},
			ratio:   0.45,
			want:    Stats{MedianOffsetNs: 1, MinDelayNs: 2, StdDevNs: 0, TrialsUsed: 2},
		},
		{
			name:    "ratio clamped",
			offsets: []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			delays:  []int64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
			ratio:   0.9,
			want:    Stats{MedianOffsetNs: 5, MinDelayNs: 1, StdDevNs: 0, TrialsUsed: 2},
		},
		{
			name:    "negative even median floors",
			offsets: []int64{-3, -2},
			delays:  []int64{1, 1},
			want:    Stats{MedianOffsetNs: -3, MinDelayNs: 1, StdDevNs: 0, TrialsUsed: 2},
		},
		{
			name:    "mismatched lengths use the shorter",
			offsets: []int64{7, 7, 7},
			delays:  []int64{2},
			want:    Stats{MedianOffsetNs: 7, MinDelayNs: 2, StdDevNs: 0, TrialsUsed: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Aggregate(tt.offsets, tt.delays, tt.ratio); got != tt.want {
				t.Errorf("Aggregate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// sampleFor builds an exchange that yields exactly offset and rt (rt even).
func sampleFor(offset, rt int64) Sample {
	return Sample{T0: 0, T1: offset + rt/2, T2: offset + rt/2, T3: rt}
}

type step struct {
	sample Sample
	err    error
}

type scriptedProber struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (p *scriptedProber) Probe(ctx context.Context) (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.steps) {
		return Sample{}, errors.New("script exhausted")
	}
	s := p.steps[p.calls]
	p.calls++
	return s.sample, s.err
}

func (p *scriptedProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestMeasure_StoresEstimate(t *testing.T) {
	at := time.Unix(100, 0)
	p := &scriptedProber{steps: []step{{sample: sampleFor(-5, 110)}}}
	s := New(p, WithClock(fixedClock(at)))

	if _, ok := s.Estimate(); ok {
		t.Fatal("fresh synchronizer should have no estimate")
	}
	if got := s.Now(); !got.Equal(at) {
		t.Errorf("Now() without estimate = %v, want local %v", got, at)
	}

	e, err := s.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	want := domain.ClockOffsetEstimate{OffsetNs: -5, RoundTripDelayNs: 110, MeasuredAt: at}
	if e != want {
		t.Errorf("Measure() = %+v, want %+v", e, want)
	}
	if got, _ := s.Estimate(); got != want {
		t.Errorf("Estimate() = %+v, want %+v", got, want)
	}
	if got := s.Now(); !got.Equal(at.Add(-5)) {
		t.Errorf("Now() = %v, want %v", got, at.Add(-5))
	}
}

func TestMeasure_RetriesOutlier(t *testing.T) {
	steps := []step{
		{sample: sampleFor(10, 100)},
		{sample: sampleFor(10, 100)},
		{sample: sampleFor(10, 100)},
		{sample: sampleFor(10, 100)},
		{sample: sampleFor(900, 1000)},
		{sample: sampleFor(12, 110)},
	}
	p := &scriptedProber{steps: steps}
	s := New(p, WithOutlierPolicy(3, 8, 2))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := s.Measure(ctx); err != nil {
			t.Fatalf("warmup Measure() error = %v", err)
		}
	}

	e, err := s.Measure(ctx)
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if e.OffsetNs != 12 || e.RoundTripDelayNs != 110 {
		t.Errorf("Measure() = %+v, want the retried exchange", e)
	}
	if p.Calls() != 6 {
		t.Errorf("probe calls = %d, want 6", p.Calls())
	}
}

func TestMeasure_AllOutliersKeepsPrevious(t *testing.T) {
	steps := []step{
		{sample: sampleFor(10, 100)},
		{sample: sampleFor(10, 100)},
		{sample: sampleFor(10, 100)},
		{sample: sampleFor(10, 100)},
		{sample: sampleFor(500, 2000)},
		{sample: sampleFor(600, 2000)},
	}
	p := &scriptedProber{steps: steps}
	s := New(p, WithOutlierPolicy(3, 8, 1))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := s.Measure(ctx); err != nil {
			t.Fatalf("warmup Measure() error = %v", err)
		}
	}
	before, _ := s.Estimate()

	_, err := s.Measure(ctx)
	if !errors.Is(err, domain.ErrOutlier) {
		t.Fatalf("Measure() error = %v, want ErrOutlier", err)
	}
	if after, _ := s.Estimate(); after != before {
		t.Errorf("estimate changed to %+v after outliers", after)
	}
}

func TestMeasure_ProbeError(t *testing.T) {
	boom := errors.New("boom")
	s := New(&scriptedProber{steps: []step{{err: boom}}})
	if _, err := s.Measure(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Measure() error = %v, want %v", err, boom)
	}
	if _, ok := s.Estimate(); ok {
		t.Error("failed probe must not store an estimate")
	}
}

func TestCalibrate(t *testing.T) {
	steps := []step{
		{sample: sampleFor(40, 8)},
		{sample: sampleFor(10, 6)},
		{err: errors.New("lost")},
		{sample: sampleFor(1000, 4)},
		{sample: sampleFor(30, 10)},
		{sample: sampleFor(20, 12)},
	}
	at := time.Unix(50, 0)
	s := New(&scriptedProber{steps: steps},
		WithClock(fixedClock(at)),
		WithCalibration(len(steps), 0.2, 0),
	)

	st, err := s.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	want := Stats{MedianOffsetNs: 30, MinDelayNs: 4, StdDevNs: 8, TrialsUsed: 3}
	if st != want {
		t.Errorf("Calibrate() = %+v, want %+v", st, want)
	}
	e, ok := s.Estimate()
	if !ok || e.OffsetNs != 30 || e.RoundTripDelayNs != 4 || !e.MeasuredAt.Equal(at) {
		t.Errorf("Estimate() = %+v, %v", e, ok)
	}
}

func TestCalibrate_AllFail(t *testing.T) {
	s := New(&scriptedProber{}, WithCalibration(3, 0.1, 0))
	if _, err := s.Calibrate(context.Background()); err == nil {
		t.Fatal("Calibrate() expected error when every exchange fails")
	}
}

func TestCalibrate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := ProberFunc(func(context.Context) (Sample, error) {
		cancel()
		return sampleFor(1, 2), nil
	})
	s := New(p, WithCalibration(5, 0.1, time.Hour))
	if _, err := s.Calibrate(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Calibrate() error = %v, want context.Canceled", err)
	}
}

func TestResyncDue(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(nil,
		WithClock(func() time.Time { return now }),
		WithResync(25*time.Millisecond, 120*time.Second),
	)
	slow := Stats{MinDelayNs: (30 * time.Millisecond).Nanoseconds()}
	fast := Stats{MinDelayNs: (10 * time.Millisecond).Nanoseconds()}

	if s.ResyncDue(fast) {
		t.Error("fast calibration should not trigger a resync")
	}
	if !s.ResyncDue(slow) {
		t.Error("slow calibration should trigger a resync")
	}
	now = now.Add(time.Minute)
	if s.ResyncDue(slow) {
		t.Error("resync inside the cooldown")
	}
	now = now.Add(61 * time.Second)
	if !s.ResyncDue(slow) {
		t.Error("resync after the cooldown expected")
	}
}

func TestRun(t *testing.T) {
	s := New(ProberFunc(func(context.Context) (Sample, error) { return sampleFor(3, 4), nil }))

	if err := s.Run(context.Background(), 0); err == nil {
		t.Error("Run() with zero interval should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := s.Estimate(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Run() never measured")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestReset(t *testing.T) {
	s := New(nil)
	s.Set(domain.ClockOffsetEstimate{OffsetNs: 9})
	s.Reset()
	if _, ok := s.Estimate(); ok {
		t.Error("Reset() should discard the estimate")
	}
}

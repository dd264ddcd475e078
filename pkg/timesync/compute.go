package timesync

import (
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
)

// Sample holds the four timestamps of one exchange, in nanoseconds.
// T0 and T3 are local; T1 and T2 come from the peer.
type Sample struct {
	T0, T1, T2, T3 int64
}

// Compute returns the offset and round-trip delay for one exchange.
// The halving rounds toward negative infinity so that equal inputs on both
// peers produce mirrored results.
func Compute(t0, t1, t2, t3 int64) (offset, roundTrip int64) {
	offset = floorDiv((t1-t0)+(t2-t3), 2)
	roundTrip = (t3 - t0) - (t2 - t1)
	return offset, roundTrip
}

// Compute returns the offset and round-trip delay of s.
func (s Sample) Compute() (offset, roundTrip int64) {
	return Compute(s.T0, s.T1, s.T2, s.T3)
}

// Estimate converts s into an estimate measured at the given time.
func (s Sample) Estimate(measuredAt time.Time) domain.ClockOffsetEstimate {
	offset, rt := s.Compute()
	return domain.ClockOffsetEstimate{OffsetNs: offset, RoundTripDelayNs: rt, MeasuredAt: measuredAt}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

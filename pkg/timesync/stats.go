package timesync

import (
	"math"
	"slices"
)

// MaxTrimRatio bounds how much of each tail Aggregate may discard.
const MaxTrimRatio = 0.45

// Stats summarizes a multi-trial calibration.
type Stats struct {
	MedianOffsetNs int64 `json:"median_offset_ns"`
	MinDelayNs     int64 `json:"min_delay_ns"`
	StdDevNs       int64 `json:"std_dev_ns"`
	TrialsUsed     int   `json:"trials_used"`
}

// Aggregate trims the same number of offsets from both tails of the sorted
// trials, then reports the median and population standard deviation of what
// remains. The minimum delay is taken over every trial. Extra entries in the
// longer slice are ignored. Empty input yields zero Stats.
func Aggregate(offsets, delays []int64, trimRatio float64) Stats {
	n := min(len(offsets), len(delays))
	if n == 0 {
		return Stats{}
	}

	sorted := slices.Clone(offsets[:n])
	slices.Sort(sorted)

	trimRatio = max(0, min(MaxTrimRatio, trimRatio))
	k := int(math.RoundToEven(float64(n) * trimRatio))
	if 2*k >= n {
		k = (n - 1) / 2
	}
	trimmed := sorted[k : n-k]

	var median int64
	m := len(trimmed) / 2
	if len(trimmed)%2 == 1 {
		median = trimmed[m]
	} else {
		median = floorDiv(trimmed[m-1]+trimmed[m], 2)
	}

	var std int64
	if len(trimmed) > 1 {
		var sum float64
		for _, v := range trimmed {
			sum += float64(v)
		}
		mu := sum / float64(len(trimmed))
		var variance float64
		for _, v := range trimmed {
			d := float64(v) - mu
			variance += d * d
		}
		variance /= float64(len(trimmed))
		std = int64(math.RoundToEven(math.Sqrt(variance)))
	}

	return Stats{
		MedianOffsetNs: median,
		MinDelayNs:     slices.Min(delays[:n]),
		StdDevNs:       std,
		TrialsUsed:     len(trimmed),
	}
}

package cogview

import (
	"math"
)

// Statistics are the extrema and mean of a band. Min and Max are always exact over
// the samples that were visited. When Estimated is set, Mean was computed from a
// deterministic stride sample and is only an approximation.
type Statistics struct {
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	Count     int     `json:"count"`
	Estimated bool    `json:"estimated"`
}

// Flat reports whether the band is constant, in which case every sample normalizes to 0.
func (s Statistics) Flat() bool {
	return s.Min == s.Max
}

// Normalize maps v into [0,1] over [Min,Max]. A flat band maps everything to 0.
func (s Statistics) Normalize(v float64) float64 {
	if s.Max <= s.Min || math.IsNaN(v) {
		return 0
	}
	return clamp01((v - s.Min) / (s.Max - s.Min))
}

// ComputeStatistics makes one exact pass over b. NaN samples and nodata are skipped.
func ComputeStatistics(b Band, nodata *float64) Statistics {
	return SampleStatistics(b, nodata, 1)
}

// SampleStatistics computes exact min and max over every sample, and the mean over
// every stride-th sample. With stride > 1 the mean is flagged as Estimated.
func SampleStatistics(b Band, nodata *float64, stride int) Statistics {
	acc := NewStatsAccumulator(nodata, stride)
	acc.AddBand(b)
	return acc.Result()
}

// StatsAccumulator merges statistics across strips or tiles visited one at a time.
// Min and max see every sample; the running mean only sees every stride-th sample,
// counted globally so the result does not depend on how the band was split.
type StatsAccumulator struct {
	nodata *float64
	stride int

	min, max float64
	count    int // samples contributing to min/max
	seen     int // valid samples visited, used for stride selection
	sum      float64
	sampled  int
}

// NewStatsAccumulator creates an accumulator. stride < 1 is treated as 1.
func NewStatsAccumulator(nodata *float64, stride int) *StatsAccumulator {
	if stride < 1 {
		stride = 1
	}
	return &StatsAccumulator{
		nodata: nodata,
		stride: stride,
		min:    math.Inf(1),
		max:    math.Inf(-1),
	}
}

// Add folds one sample in.
func (a *StatsAccumulator) Add(v float64) {
	if math.IsNaN(v) || (a.nodata != nil && v == *a.nodata) {
		return
	}
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	if a.seen%a.stride == 0 {
		a.sum += v
		a.sampled++
	}
	a.seen++
	a.count++
}

// AddBand folds every sample of b in. uint8 and float32 bands skip the per-sample interface call.
func (a *StatsAccumulator) AddBand(b Band) {
	switch s := b.(type) {
	case Samples[uint8]:
		for _, v := range s {
			a.Add(float64(v))
		}
	case Samples[float32]:
		for _, v := range s {
			a.Add(float64(v))
		}
	default:
		for i, n := 0, b.Len(); i < n; i++ {
			a.Add(b.At(i))
		}
	}
}

// Result returns the statistics so far. An accumulator that saw no valid
// sample reports zero values with Count 0.
func (a *StatsAccumulator) Result() Statistics {
	if a.count == 0 {
		return Statistics{}
	}
	st := Statistics{
		Min:       a.min,
		Max:       a.max,
		Count:     a.count,
		Estimated: a.stride > 1 && a.sampled < a.count,
	}
	if a.sampled > 0 {
		st.Mean = a.sum / float64(a.sampled)
	}
	return st
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

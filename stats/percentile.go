package stats

import (
	"math"
	"sort"
	"sync/atomic"
)

// Percentile estimates a percentile over a stream of float64 samples.
//
// It keeps a fixed-size sorted window sliding along the sample stream, so the
// estimate stays accurate without retaining every sample. Value may be read
// concurrently with AddSample; calls to AddSample itself must be serialized
// by the caller.
type Percentile struct {
	percentile float64

	samples int64
	offset  int64

	values []float64
	value  uint64 // Really a float64; accessed atomically.
}

// NewPercentile returns a Percentile estimating the given target, e.g. 0.95.
func NewPercentile(percentile float64) *Percentile {
	// A 256-sample window is fast and accurate for most distributions.
	return NewPercentileWithWindow(percentile, 256)
}

// NewPercentileWithWindow returns a Percentile with an explicit window size.
// Larger windows trade memory and insertion cost for accuracy.
func NewPercentileWithWindow(percentile float64, sampleWindow int) *Percentile {
	return &Percentile{
		percentile: percentile,
		values:     make([]float64, 0, sampleWindow),
	}
}

// Value returns the current estimate, or zero before the first sample.
func (p *Percentile) Value() float64 {
	return math.Float64frombits(atomic.LoadUint64(&p.value))
}

// AddSample feeds one sample into the estimate.
func (p *Percentile) AddSample(sample float64) {
	p.samples++

	if len(p.values) == cap(p.values) {
		// The window is full: shift it so that it stays centered on the
		// target rank, displacing the smallest or largest value.
		target := float64(p.samples)*p.percentile - float64(cap(p.values))/2
		offset := round(math.Max(target, 0))

		if sample > p.values[0] {
			if offset > p.offset {
				idx := sort.SearchFloat64s(p.values[1:], sample)
				copy(p.values, p.values[1:idx+1])

				p.values[idx] = sample
				p.offset++
			} else if sample < p.values[len(p.values)-1] {
				idx := sort.SearchFloat64s(p.values, sample)
				copy(p.values[idx+1:], p.values[idx:])

				p.values[idx] = sample
			}
		} else {
			if offset > p.offset {
				p.offset++
			} else {
				copy(p.values[1:], p.values)
				p.values[0] = sample
			}
		}
	} else {
		idx := sort.SearchFloat64s(p.values, sample)
		p.values = p.values[:len(p.values)+1]
		copy(p.values[idx+1:], p.values[idx:])
		p.values[idx] = sample
	}

	atomic.StoreUint64(&p.value, math.Float64bits(p.values[p.index()]))
}

func (p *Percentile) index() int64 {
	idx := round(float64(p.samples)*p.percentile - float64(p.offset))
	last := int64(len(p.values)) - 1

	if idx > last {
		return last
	}
	return idx
}

func round(value float64) int64 {
	if value < 0.0 {
		value -= 0.5
	} else {
		value += 0.5
	}
	return int64(value)
}

package reliability

import "math"

// RollingStat is a fixed-size circular buffer of recent samples that
// maintains running sum and sum-of-squares so mean, variance, and
// standard deviation are all O(1).
type RollingStat struct {
	samples []float64
	idx     int
	filled  bool
	sum     float64
	sumSq   float64
}

// NewRollingStat creates a RollingStat over the last size samples.
func NewRollingStat(size int) *RollingStat {
	if size <= 0 {
		size = 1
	}
	return &RollingStat{samples: make([]float64, size)}
}

// Add records a new sample, evicting the oldest one once the buffer is
// full.
func (r *RollingStat) Add(v float64) {
	n := len(r.samples)
	if r.filled {
		old := r.samples[r.idx]
		r.sum -= old
		r.sumSq -= old * old
	}
	r.samples[r.idx] = v
	r.sum += v
	r.sumSq += v * v
	r.idx++
	if r.idx == n {
		r.idx = 0
		r.filled = true
	}
}

func (r *RollingStat) count() int {
	if r.filled {
		return len(r.samples)
	}
	return r.idx
}

// Mean returns the mean of the currently tracked samples, 0 if empty.
func (r *RollingStat) Mean() float64 {
	n := r.count()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

// Variance returns the population variance of the currently tracked
// samples.
func (r *RollingStat) Variance() float64 {
	n := r.count()
	if n == 0 {
		return 0
	}
	mean := r.sum / float64(n)
	v := r.sumSq/float64(n) - mean*mean
	if v < 0 {
		v = 0 // guard against floating-point drift
	}
	return v
}

// StdDev returns the population standard deviation.
func (r *RollingStat) StdDev() float64 {
	return math.Sqrt(r.Variance())
}

// Len reports how many samples are currently tracked.
func (r *RollingStat) Len() int { return r.count() }

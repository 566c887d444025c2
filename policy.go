package dbpool

import "math"

// ResizePolicy decides how far capacity grows after acquire timeouts.
type ResizePolicy struct {
	Scale     float64
	Boundary  int
	Threshold int
}

func newResizePolicy(cfg Config) ResizePolicy {
	return ResizePolicy{
		Scale:     cfg.AutoResizeScale,
		Boundary:  cfg.ResizeBoundary,
		Threshold: cfg.ResizeThreshold,
	}
}

// Next returns the capacity that should follow current once penalties
// timeouts were observed. ok is false when capacity must stay as it is.
func (rp ResizePolicy) Next(current, penalties int) (next int, ok bool) {
	threshold := max(rp.Threshold, 1)
	if penalties < threshold || current >= rp.Boundary {
		return current, false
	}
	// the epsilon keeps 10*1.1 from rounding up to 12
	scaled := int(math.Ceil(float64(current)*rp.Scale - 1e-9))
	next = min(rp.Boundary, max(scaled, current+1))
	return next, true
}

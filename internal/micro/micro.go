// Package micro derives microstructure telemetry from the current book and
// rolling trade windows: liquidity shape, passive-flow decomposition,
// derivatives pricing deviations, flow toxicity, volatility regime, session
// VWAP, and higher-timeframe structure.
//
// Derivators are deterministic: pure functions where possible, small
// trackers with explicit Observe inputs where a rolling state is required.
// The numeric policy is null-not-NaN: any output whose inputs are missing
// or whose computation would divide by zero is a nil pointer, never a NaN.
package micro

import "math"

// PriceLevel is one book level in float form for derivation.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// val returns a pointer to x, or nil when x is not finite.
func val(x float64) *float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return &x
}

// ratio returns a/b or nil when b is zero or the result is not finite.
func ratio(a, b float64) *float64 {
	if b == 0 {
		return nil
	}
	return val(a / b)
}

// clamp01 limits x to [0, 1].
func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// clampSigned limits x to [-1, 1].
func clampSigned(x float64) float64 {
	if x < -1 {
		return -1
	}
	if x > 1 {
		return 1
	}
	return x
}

// sumQty totals the qty of the first n levels.
func sumQty(levels []PriceLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += levels[i].Qty
	}
	return s
}

// meanStd returns the mean and population standard deviation of xs.
func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

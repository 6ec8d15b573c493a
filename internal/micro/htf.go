package micro

import (
	"math"

	"perpflow/pkg/types"
)

// HTFFrame is the higher-timeframe structure snapshot for one interval.
type HTFFrame struct {
	BarStartMs       int64    `json:"barStartMs"`
	Close            float64  `json:"close"`
	ATR              *float64 `json:"atr"`
	LastSwingHigh    *float64 `json:"lastSwingHigh"`
	LastSwingLow     *float64 `json:"lastSwingLow"`
	StructureBreakUp bool     `json:"structureBreakUp"`
	StructureBreakDn bool     `json:"structureBreakDn"`
}

// ComputeHTF derives ATR and swing structure from a bounded kline ring.
// atrPeriod bars feed the ATR; swingLookback is the symmetric pivot
// half-width k. Returns nil for an empty input.
func ComputeHTF(klines []types.Kline, atrPeriod, swingLookback int) *HTFFrame {
	n := len(klines)
	if n == 0 {
		return nil
	}
	last := klines[n-1]
	frame := &HTFFrame{
		BarStartMs: last.OpenTime,
		Close:      last.Close,
	}

	frame.ATR = atr(klines, atrPeriod)

	if swingLookback > 0 {
		if high, ok := lastSwing(klines, swingLookback, true); ok {
			frame.LastSwingHigh = val(high)
			frame.StructureBreakUp = last.Close > high
		}
		if low, ok := lastSwing(klines, swingLookback, false); ok {
			frame.LastSwingLow = val(low)
			frame.StructureBreakDn = last.Close < low
		}
	}
	return frame
}

// atr is the simple average of the true range over the last period bars.
// True range needs a previous close, so period+1 bars are required.
func atr(klines []types.Kline, period int) *float64 {
	if period <= 0 || len(klines) < period+1 {
		return nil
	}
	var sum float64
	for i := len(klines) - period; i < len(klines); i++ {
		k := klines[i]
		prevClose := klines[i-1].Close
		tr := k.High - k.Low
		if d := math.Abs(k.High - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(k.Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	return val(sum / float64(period))
}

// lastSwing finds the most recent k-symmetric pivot. For highs the center
// is strictly greater than every bar in the left window and not less than
// every bar in the right window; lows mirror the comparison.
func lastSwing(klines []types.Kline, k int, highs bool) (float64, bool) {
	n := len(klines)
	for i := n - 1 - k; i >= k; i-- {
		center := pick(klines[i], highs)
		ok := true
		for j := i - k; j < i && ok; j++ {
			left := pick(klines[j], highs)
			if highs {
				ok = center > left
			} else {
				ok = center < left
			}
		}
		for j := i + 1; j <= i+k && ok; j++ {
			right := pick(klines[j], highs)
			if highs {
				ok = center >= right
			} else {
				ok = center <= right
			}
		}
		if ok {
			return center, true
		}
	}
	return 0, false
}

func pick(k types.Kline, high bool) float64 {
	if high {
		return k.High
	}
	return k.Low
}

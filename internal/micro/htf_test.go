package micro

import (
	"math"
	"testing"

	"perpflow/pkg/types"
)

func TestComputeHTFStructure(t *testing.T) {
	t.Parallel()

	klines := []types.Kline{
		{OpenTime: 1, High: 100, Low: 97, Close: 98},
		{OpenTime: 2, High: 101, Low: 95, Close: 100},
		{OpenTime: 3, High: 105, Low: 99, Close: 104},
		{OpenTime: 4, High: 103, Low: 98, Close: 99},
		{OpenTime: 5, High: 106, Low: 100, Close: 107},
	}

	frame := ComputeHTF(klines, 3, 1)
	if frame == nil {
		t.Fatal("nil frame")
	}
	if frame.LastSwingHigh == nil || *frame.LastSwingHigh != 105 {
		t.Errorf("lastSwingHigh = %v, want 105", deref(frame.LastSwingHigh))
	}
	if frame.LastSwingLow == nil || *frame.LastSwingLow != 98 {
		t.Errorf("lastSwingLow = %v, want 98", deref(frame.LastSwingLow))
	}
	if !frame.StructureBreakUp {
		t.Error("structureBreakUp = false, want true (close 107 > 105)")
	}
	if frame.StructureBreakDn {
		t.Error("structureBreakDn = true, want false")
	}
	wantATR := (6.0 + 6.0 + 7.0) / 3.0
	if frame.ATR == nil || math.Abs(*frame.ATR-wantATR) > 1e-12 {
		t.Errorf("atr = %v, want %v", deref(frame.ATR), wantATR)
	}
	if frame.Close != 107 || frame.BarStartMs != 5 {
		t.Errorf("frame close/start = %v/%v", frame.Close, frame.BarStartMs)
	}
}

func TestComputeHTFInsufficientBars(t *testing.T) {
	t.Parallel()

	if ComputeHTF(nil, 3, 1) != nil {
		t.Error("expected nil frame for empty klines")
	}

	frame := ComputeHTF([]types.Kline{{OpenTime: 1, High: 10, Low: 9, Close: 9.5}}, 3, 1)
	if frame == nil {
		t.Fatal("single bar should still yield a frame")
	}
	if frame.ATR != nil {
		t.Error("atr should be nil without enough bars")
	}
	if frame.LastSwingHigh != nil || frame.LastSwingLow != nil {
		t.Error("swings should be nil without enough bars")
	}
}

func deref(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

package orchestrator

import (
	"fmt"
	"math"

	"perpflow/pkg/types"
)

// Gate evaluation. Each gate reports the first failing check; nil telemetry
// inputs count as not satisfied.

// gateRegime is gate A: the regime must be tradable at all.
func (o *Orchestrator) gateRegime(in TickInput) GateResult {
	if in.Trendiness == nil || in.Chop == nil {
		return fail("regime metrics unavailable")
	}
	if *in.Trendiness < o.cfg.TrendMin {
		return fail(fmt.Sprintf("trendiness %.2f < %.2f", *in.Trendiness, o.cfg.TrendMin))
	}
	if *in.Chop > o.cfg.ChopMax {
		return fail(fmt.Sprintf("chop %.2f > %.2f", *in.Chop, o.cfg.ChopMax))
	}
	if in.VolOfVol != nil && *in.VolOfVol > o.cfg.VolOfVolMax {
		return fail(fmt.Sprintf("volOfVol %.4f > %.4f", *in.VolOfVol, o.cfg.VolOfVolMax))
	}
	if in.SpreadBps == nil {
		return fail("spread unavailable")
	}
	if *in.SpreadBps > o.cfg.SpreadMaxBps {
		return fail(fmt.Sprintf("spread %.2fbps > %.2fbps", *in.SpreadBps, o.cfg.SpreadMaxBps))
	}
	if in.OIDropPct != nil && *in.OIDropPct < -o.cfg.OIDropMaxPct {
		return fail(fmt.Sprintf("oi drop %.2f%%", *in.OIDropPct))
	}
	return GateResult{Pass: true}
}

// gateFlow is gate B: flow must confirm the intended side.
func (o *Orchestrator) gateFlow(in TickInput, side types.Side) GateResult {
	slope := o.slopeMedian()
	if sideSign(side) != floatSign(slope) {
		return fail("cvd slope opposes side")
	}
	if in.OBIDeep == nil {
		return fail("deep obi unavailable")
	}
	if sideSign(side)*floatSign(*in.OBIDeep) <= 0 || math.Abs(*in.OBIDeep) < o.cfg.OBIMin {
		return fail(fmt.Sprintf("deep obi %.2f does not support side", *in.OBIDeep))
	}
	if in.DeltaZ == nil {
		return fail("deltaZ unavailable")
	}
	if math.Abs(o.deltaZEwma) < o.cfg.DeltaZMin {
		return fail(fmt.Sprintf("|deltaZ| %.2f < %.2f", math.Abs(o.deltaZEwma), o.cfg.DeltaZMin))
	}
	return GateResult{Pass: true}
}

// gateLocation is gate C: price must be at a sane location.
func (o *Orchestrator) gateLocation(in TickInput) GateResult {
	if in.DistanceToVWAPBps == nil {
		return fail("session vwap unavailable")
	}
	if math.Abs(*in.DistanceToVWAPBps) > o.cfg.VWAPBandBps {
		return fail(fmt.Sprintf("vwap distance %.1fbps outside band", *in.DistanceToVWAPBps))
	}
	if in.RealizedVol1m == nil {
		return fail("1m realized vol unavailable")
	}
	if *in.RealizedVol1m > o.cfg.Vol1mMax {
		return fail(fmt.Sprintf("1m vol %.4f > %.4f", *in.RealizedVol1m, o.cfg.Vol1mMax))
	}
	return GateResult{Pass: true}
}

// gatesPass evaluates the full pipeline without recording block reasons.
func (o *Orchestrator) gatesPass(in TickInput, side types.Side) bool {
	return o.gateRegime(in).Pass && o.gateFlow(in, side).Pass && o.gateLocation(in).Pass
}

// impulse is the short-horizon fallback-taker condition.
func (o *Orchestrator) impulse(in TickInput) bool {
	if in.PrintsPerSecond < o.cfg.ImpulsePPSMin {
		return false
	}
	if math.Abs(o.deltaZEwma) < o.cfg.ImpulseDeltaZ {
		return false
	}
	return in.SpreadBps != nil && *in.SpreadBps <= o.cfg.ImpulseSpreadMaxBps
}

// riskExitTriggered checks the three exit conditions for an open position.
func (o *Orchestrator) riskExitTriggered(in TickInput) (string, bool) {
	if in.Integrity == types.IntegrityCritical {
		return "exit: integrity critical", true
	}
	if !o.gateRegime(in).Pass {
		return "exit: regime flip", true
	}
	posSign := sideSign(in.Position.Side)
	cvdOpposes := floatSign(o.slopeMedian()) == -posSign
	obiOpposes := in.OBIDeep != nil && floatSign(*in.OBIDeep) == -posSign
	if cvdOpposes && obiOpposes {
		return "exit: flow flip", true
	}
	return "", false
}

func sideSign(side types.Side) int {
	switch side {
	case types.BUY:
		return 1
	case types.SELL:
		return -1
	default:
		return 0
	}
}

func fail(reason string) GateResult {
	return GateResult{Reason: reason}
}

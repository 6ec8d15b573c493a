package micro

import "math"

// ToxicityMetrics estimates how informed the aggressive flow is.
type ToxicityMetrics struct {
	VPIN              *float64 `json:"vpin"`              // [0,1]
	SignedVolumeRatio *float64 `json:"signedVolumeRatio"` // [-1,1]
	ImpactPerNotional *float64 `json:"impactPerNotional"` // bps per 1k signed notional
	TradeToBookRatio  *float64 `json:"tradeToBookRatio"`
	BurstPersistence  *float64 `json:"burstPersistence"` // [0,1]
}

// ToxicityInputs are the window aggregates toxicity derives from.
type ToxicityInputs struct {
	BuyVolume1m     float64
	SellVolume1m    float64
	Notional5s      float64
	Delta5s         float64
	PriceChange5s   float64 // last - price 5s ago
	MidPrice        float64
	TopDepthQty     float64 // total qty in top 20 levels, both sides
	BurstCount      int
	BurstSaturation int // burst count treated as fully persistent
}

// ComputeToxicity derives the toxicity metric set.
func ComputeToxicity(in ToxicityInputs) ToxicityMetrics {
	var m ToxicityMetrics

	total1m := in.BuyVolume1m + in.SellVolume1m
	// VPIN approximation: volume-synchronized imbalance over the 1m window.
	if total1m > 0 {
		m.VPIN = val(clamp01(math.Abs(in.BuyVolume1m-in.SellVolume1m) / total1m))
		m.SignedVolumeRatio = val(clampSigned((in.BuyVolume1m - in.SellVolume1m) / total1m))
	}

	// Impact per signed notional: bps moved per 1k of net aggressive flow.
	if in.Delta5s != 0 && in.MidPrice > 0 {
		signedNotional := in.Delta5s * in.MidPrice
		impactBps := in.PriceChange5s / in.MidPrice * 10_000
		m.ImpactPerNotional = ratio(impactBps*1_000, signedNotional)
	}

	if in.TopDepthQty > 0 {
		m.TradeToBookRatio = val(total1m / in.TopDepthQty)
	}

	sat := in.BurstSaturation
	if sat <= 0 {
		sat = 10
	}
	m.BurstPersistence = val(clamp01(float64(in.BurstCount) / float64(sat)))
	return m
}

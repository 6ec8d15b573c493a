package micro

// PassiveFlowMetrics decomposes how resting liquidity is changing.
type PassiveFlowMetrics struct {
	AddRateBid     *float64 `json:"addRateBid"`  // qty/sec added, bid side
	AddRateAsk     *float64 `json:"addRateAsk"`
	CancelRateBid  *float64 `json:"cancelRateBid"`
	CancelRateAsk  *float64 `json:"cancelRateAsk"`
	AddedShare     *float64 `json:"addedShare"`     // share of |depth delta| from adds
	CanceledShare  *float64 `json:"canceledShare"`  // share from cancels
	TradedShare    *float64 `json:"tradedShare"`    // share from executions
	QueueDeltaBest *float64 `json:"queueDeltaBest"` // best-level qty change, bid - ask
	SpoofScore     *float64 `json:"spoofScore"`     // [0,1]
	RefreshRate    *float64 `json:"refreshRate"`    // [0,1] best-level replenishment
}

// passiveSample is one inter-tick observation.
type passiveSample struct {
	tsMs       int64
	addBid     float64
	addAsk     float64
	cancelBid  float64
	cancelAsk  float64
	tradedBid  float64
	tradedAsk  float64
	refreshed  bool
	depleted   bool
	queueDelta float64
}

// PassiveFlow tracks depth deltas between consecutive book observations and
// decomposes them into add, cancel, and trade-related components.
//
// The decomposition is approximate: per side,
// depthDelta = adds - cancels - traded, with traded known from the tape.
// Depth growth beyond trading is attributed to adds; shrinkage beyond
// trading to cancels.
type PassiveFlow struct {
	windowMs int64
	samples  []passiveSample

	prevTs       int64
	prevBidDepth float64
	prevAskDepth float64
	prevBestBid  PriceLevel
	prevBestAsk  PriceLevel
	primed       bool
}

// NewPassiveFlow creates a tracker with the given rolling window.
func NewPassiveFlow(windowMs int64) *PassiveFlow {
	return &PassiveFlow{windowMs: windowMs}
}

// Observe folds one book observation. tradedBid/tradedAsk are the
// aggressive volumes that consumed each side since the previous call.
func (p *PassiveFlow) Observe(tsMs int64, bids, asks []PriceLevel, tradedBid, tradedAsk float64) {
	const depthLevels = 20
	bidDepth := sumQty(bids, depthLevels)
	askDepth := sumQty(asks, depthLevels)

	var bestBid, bestAsk PriceLevel
	if len(bids) > 0 {
		bestBid = bids[0]
	}
	if len(asks) > 0 {
		bestAsk = asks[0]
	}

	if !p.primed {
		p.primed = true
		p.prevTs = tsMs
		p.prevBidDepth, p.prevAskDepth = bidDepth, askDepth
		p.prevBestBid, p.prevBestAsk = bestBid, bestAsk
		return
	}

	s := passiveSample{tsMs: tsMs}

	dBid := bidDepth - p.prevBidDepth
	dAsk := askDepth - p.prevAskDepth
	s.tradedBid, s.tradedAsk = tradedBid, tradedAsk
	s.addBid = max0(dBid + tradedBid)
	s.cancelBid = max0(-dBid - tradedBid)
	s.addAsk = max0(dAsk + tradedAsk)
	s.cancelAsk = max0(-dAsk - tradedAsk)

	// Queue dynamics at an unchanged best price.
	if bestBid.Price != 0 && bestBid.Price == p.prevBestBid.Price {
		s.queueDelta += bestBid.Qty - p.prevBestBid.Qty
	}
	if bestAsk.Price != 0 && bestAsk.Price == p.prevBestAsk.Price {
		s.queueDelta -= bestAsk.Qty - p.prevBestAsk.Qty
	}

	// Refresh: a best level that shrank materially and then recovered.
	shrank := (p.prevBestBid.Qty > 0 && bestBid.Price == p.prevBestBid.Price && bestBid.Qty < p.prevBestBid.Qty/2) ||
		(p.prevBestAsk.Qty > 0 && bestAsk.Price == p.prevBestAsk.Price && bestAsk.Qty < p.prevBestAsk.Qty/2)
	grew := (p.prevBestBid.Qty > 0 && bestBid.Price == p.prevBestBid.Price && bestBid.Qty > p.prevBestBid.Qty) ||
		(p.prevBestAsk.Qty > 0 && bestAsk.Price == p.prevBestAsk.Price && bestAsk.Qty > p.prevBestAsk.Qty)
	s.depleted = shrank
	s.refreshed = grew

	p.samples = append(p.samples, s)
	p.evict(tsMs)

	p.prevTs = tsMs
	p.prevBidDepth, p.prevAskDepth = bidDepth, askDepth
	p.prevBestBid, p.prevBestAsk = bestBid, bestAsk
}

// Metrics summarizes the current window.
func (p *PassiveFlow) Metrics(nowMs int64) PassiveFlowMetrics {
	p.evict(nowMs)
	var m PassiveFlowMetrics
	if len(p.samples) == 0 {
		return m
	}

	first := p.samples[0].tsMs
	spanSec := float64(nowMs-first) / 1000
	if spanSec <= 0 {
		return m
	}

	var addBid, addAsk, cancelBid, cancelAsk, traded, queue float64
	var depletions, refreshes int
	for _, s := range p.samples {
		addBid += s.addBid
		addAsk += s.addAsk
		cancelBid += s.cancelBid
		cancelAsk += s.cancelAsk
		traded += s.tradedBid + s.tradedAsk
		queue += s.queueDelta
		if s.depleted {
			depletions++
		}
		if s.refreshed {
			refreshes++
		}
	}

	m.AddRateBid = val(addBid / spanSec)
	m.AddRateAsk = val(addAsk / spanSec)
	m.CancelRateBid = val(cancelBid / spanSec)
	m.CancelRateAsk = val(cancelAsk / spanSec)
	m.QueueDeltaBest = val(queue)

	adds := addBid + addAsk
	cancels := cancelBid + cancelAsk
	total := adds + cancels + traded
	m.AddedShare = ratio(adds, total)
	m.CanceledShare = ratio(cancels, total)
	m.TradedShare = ratio(traded, total)

	// Spoof: liquidity pulled without trading against it. High cancel share
	// of the non-traded depth churn, clamped to [0,1].
	if adds+cancels > 0 {
		m.SpoofScore = val(clamp01(cancels / (adds + cancels)))
	}

	if depletions > 0 {
		m.RefreshRate = val(clamp01(float64(refreshes) / float64(depletions)))
	} else if refreshes > 0 {
		one := 1.0
		m.RefreshRate = &one
	}
	return m
}

func (p *PassiveFlow) evict(nowMs int64) {
	cutoff := nowMs - p.windowMs
	i := 0
	for i < len(p.samples) && p.samples[i].tsMs < cutoff {
		i++
	}
	if i > 0 {
		p.samples = p.samples[i:]
	}
}

func max0(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

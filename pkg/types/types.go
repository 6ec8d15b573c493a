// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the service: sides, trades,
// klines, depth messages, and the upstream WebSocket payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import "encoding/json"

// Side represents the direction of an order or the aggressor of a trade.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Timeframe identifies a bar interval used by the telemetry pipeline.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
)

// Millis returns the bar length in milliseconds.
func (tf Timeframe) Millis() int64 {
	switch tf {
	case TF1m:
		return 60_000
	case TF5m:
		return 300_000
	case TF15m:
		return 900_000
	case TF1h:
		return 3_600_000
	case TF4h:
		return 14_400_000
	default:
		return 60_000
	}
}

// BookState is the orderbook maintenance state machine state.
type BookState string

const (
	BookUnknown   BookState = "UNKNOWN"
	BookLive      BookState = "LIVE"
	BookStale     BookState = "STALE"
	BookResyncing BookState = "RESYNCING"
)

// IntegrityLevel grades orderbook health for clients.
type IntegrityLevel string

const (
	IntegrityOK       IntegrityLevel = "OK"
	IntegrityDegraded IntegrityLevel = "DEGRADED"
	IntegrityCritical IntegrityLevel = "CRITICAL"
)

// Trade is a single aggressive execution from the upstream trade stream.
// Transient: it contributes to rolling windows and is then discarded.
type Trade struct {
	Symbol       string
	TimeMs       int64
	Price        float64
	Qty          float64
	IsBuyerMaker bool // true = seller was the aggressor
}

// Kline is one OHLCV bar. Rings of klines are bounded and strictly
// increasing in OpenTime.
type Kline struct {
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// FundingTick carries the latest funding/premium data for a symbol.
type FundingTick struct {
	Symbol            string
	MarkPrice         float64
	IndexPrice        float64
	LastPrice         float64
	FundingRate       float64
	NextFundingTimeMs int64
	TimeMs            int64
}

// OpenInterestTick is a polled open-interest reading.
type OpenInterestTick struct {
	Symbol string
	Value  float64
	TimeMs int64
}

// Upstream wire messages (Binance futures combined stream + REST).

// DepthSnapshot is the REST depth snapshot used to (re)seed a book.
// Levels are [price, qty] decimal strings, bids descending, asks ascending.
type DepthSnapshot struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// DepthDiff is an incremental depth update from the diff stream.
// U is the first update ID in the event, u the final one. A level with
// qty "0" deletes that price.
type DepthDiff struct {
	EventTimeMs   int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID int64       `json:"U"`
	FinalUpdateID int64       `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

// WSAggTrade is the aggTrade stream payload.
type WSAggTrade struct {
	EventTimeMs  int64  `json:"E"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTimeMs  int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// WSMarkPrice is the markPrice stream payload (mark, index, funding).
type WSMarkPrice struct {
	EventTimeMs       int64  `json:"E"`
	Symbol            string `json:"s"`
	MarkPrice         string `json:"p"`
	IndexPrice        string `json:"i"`
	FundingRate       string `json:"r"`
	NextFundingTimeMs int64  `json:"T"`
}

// WSKline is the kline stream payload.
type WSKline struct {
	EventTimeMs int64  `json:"E"`
	Symbol      string `json:"s"`
	Kline       struct {
		StartTime int64  `json:"t"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// CombinedFrame is the envelope of the combined stream
// (/stream?streams=a/b/c). Stream names look like "btcusdt@depth@100ms".
type CombinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// RawKline is the REST kline row: a JSON array
// [openTime, open, high, low, close, volume, closeTime, ...].
type RawKline []json.RawMessage

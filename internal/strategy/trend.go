package strategy

import (
	"fmt"
	"time"

	"github.com/amirphl/kraken-trader/internal/indicator"
	"github.com/amirphl/kraken-trader/internal/market"
)

const (
	trendShortPeriod = 10
	trendLongPeriod  = 30
)

// Trend trades short/long SMA crossovers: buy when the short average moves
// above the long one, sell when it falls back below or the position is in
// profit per the ROI tiers.
type Trend struct {
	shortPeriod int
	longPeriod  int
	risk        RiskParams
}

func NewTrend() *Trend {
	return &Trend{
		shortPeriod: trendShortPeriod,
		longPeriod:  trendLongPeriod,
		risk: RiskParams{
			StopLossPercent:   3,
			TakeProfitPercent: 6,
			ROITiers: []ROITier{
				{MinDuration: 24 * time.Hour, MinROI: 0.005},
				{MinDuration: 4 * time.Hour, MinROI: 0.01},
				{MinDuration: 0, MinROI: 0.02},
			},
		},
	}
}

func (t *Trend) Name() string           { return "trend" }
func (t *Trend) RiskParams() RiskParams { return t.risk }

func (t *Trend) CalculateBuySignal(w *market.Window) Signal {
	pair := w.Pair()
	closes := w.Closes()
	if len(closes) < t.longPeriod+1 {
		return hold(t.Name(), pair, "insufficient data for crossover")
	}

	short := indicator.SMA(closes, t.shortPeriod)
	long := indicator.SMA(closes, t.longPeriod)

	n := len(closes) - 1
	crossedUp := short[n-1] <= long[n-1] && short[n] > long[n]
	if !crossedUp {
		return hold(t.Name(), pair, "no bullish crossover")
	}

	// Separation relative to the long average scales confidence.
	separation := (short[n] - long[n]) / long[n]
	confidence := clamp(0.7 + separation*100)

	return Signal{
		Action:     Buy,
		Pair:       pair,
		Confidence: confidence,
		Reason:     fmt.Sprintf("SMA%d crossed above SMA%d", t.shortPeriod, t.longPeriod),
		Strategy:   t.Name(),
	}
}

func (t *Trend) CalculateSellSignal(w *market.Window, entryPrice float64) Signal {
	pair := w.Pair()
	closes := w.Closes()
	if len(closes) < t.longPeriod || entryPrice <= 0 {
		return hold(t.Name(), pair, "insufficient data for crossover")
	}

	short := indicator.SMA(closes, t.shortPeriod)
	long := indicator.SMA(closes, t.longPeriod)

	n := len(closes) - 1
	if short[n] >= long[n] {
		return hold(t.Name(), pair, "trend intact")
	}

	separation := (long[n] - short[n]) / long[n]
	confidence := clamp(0.7 + separation*100)

	roi := (closes[n] - entryPrice) / entryPrice
	return Signal{
		Action:     Sell,
		Pair:       pair,
		Confidence: confidence,
		Reason: fmt.Sprintf("SMA%d below SMA%d, roi %.2f%%",
			t.shortPeriod, t.longPeriod, roi*100),
		Strategy: t.Name(),
	}
}

// Package strategy
package strategy

import (
	"time"

	"github.com/amirphl/kraken-trader/internal/market"
)

// Action is a strategy decision.
type Action string

const (
	Buy  Action = "buy"
	Sell Action = "sell"
	Hold Action = "hold"
)

// Signal is one strategy evaluation result. Confidence is in [0, 1]; the
// engine acts only on signals at or above its confidence gate.
type Signal struct {
	Action     Action  `json:"action"`
	Pair       string  `json:"pair"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Strategy   string  `json:"strategy"`
}

// ROITier maps a minimum hold duration to the minimum profit fraction
// required to act on a non-forced sell. Tiers are ordered longest hold
// first; the first tier whose duration has elapsed applies.
type ROITier struct {
	MinDuration time.Duration
	MinROI      float64
}

// RiskParams are the per-strategy risk constants.
type RiskParams struct {
	StopLossPercent   float64
	TakeProfitPercent float64
	ROITiers          []ROITier
}

// Strategy evaluates market windows into signals. Implementations are pure:
// no I/O, no mutation of the window.
type Strategy interface {
	Name() string
	CalculateBuySignal(w *market.Window) Signal
	CalculateSellSignal(w *market.Window, entryPrice float64) Signal
	RiskParams() RiskParams
}

// New returns the strategy registered under name. Unknown names fall back
// to the trend strategy so a config typo never disables trading logic.
func New(name string) Strategy {
	switch name {
	case "meanrev":
		return NewMeanReversion()
	case "trend":
		return NewTrend()
	default:
		return NewTrend()
	}
}

// hold builds the zero-confidence signal used when a window is too short to
// evaluate.
func hold(name, pair, reason string) Signal {
	return Signal{
		Action:     Hold,
		Pair:       pair,
		Confidence: 0,
		Reason:     reason,
		Strategy:   name,
	}
}

// clamp bounds confidence to [0, 1].
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StopLossPrice computes the protective exit for a position opened at entry.
func StopLossPrice(entry, stopLossPercent float64, long bool) float64 {
	if long {
		return entry * (1 - stopLossPercent/100)
	}
	return entry * (1 + stopLossPercent/100)
}

// TakeProfitPrice computes the profit target for a position opened at entry.
func TakeProfitPrice(entry, takeProfitPercent float64, long bool) float64 {
	if long {
		return entry * (1 + takeProfitPercent/100)
	}
	return entry * (1 - takeProfitPercent/100)
}

// MinROIFor returns the minimum profit fraction required after holding for
// elapsed, per the strategy's tiers. Zero when no tier applies.
func (r RiskParams) MinROIFor(elapsed time.Duration) float64 {
	for _, tier := range r.ROITiers {
		if elapsed >= tier.MinDuration {
			return tier.MinROI
		}
	}
	return 0
}

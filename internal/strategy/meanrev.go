package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/amirphl/kraken-trader/internal/indicator"
	"github.com/amirphl/kraken-trader/internal/market"
)

const (
	meanrevRSIPeriod  = 14
	meanrevBandPeriod = 20
	meanrevBandWidth  = 2.0
	meanrevOversold   = 30.0
	meanrevOverbought = 70.0
)

// MeanReversion buys oversold dips below the lower Bollinger band and sells
// when price reverts to the middle band or RSI turns overbought.
type MeanReversion struct {
	risk RiskParams
}

func NewMeanReversion() *MeanReversion {
	return &MeanReversion{
		risk: RiskParams{
			StopLossPercent:   2,
			TakeProfitPercent: 4,
			ROITiers: []ROITier{
				{MinDuration: 12 * time.Hour, MinROI: 0.003},
				{MinDuration: time.Hour, MinROI: 0.008},
				{MinDuration: 0, MinROI: 0.015},
			},
		},
	}
}

func (m *MeanReversion) Name() string           { return "meanrev" }
func (m *MeanReversion) RiskParams() RiskParams { return m.risk }

func (m *MeanReversion) minPoints() int {
	if meanrevRSIPeriod > meanrevBandPeriod {
		return meanrevRSIPeriod + 1
	}
	return meanrevBandPeriod + 1
}

func (m *MeanReversion) CalculateBuySignal(w *market.Window) Signal {
	pair := w.Pair()
	closes := w.Closes()
	if len(closes) < m.minPoints() {
		return hold(m.Name(), pair, "insufficient data for mean reversion")
	}

	rsi := indicator.Last(indicator.RSI(closes, meanrevRSIPeriod))
	bands, ok := indicator.Bollinger(closes, meanrevBandPeriod, meanrevBandWidth)
	if !ok || math.IsNaN(rsi) {
		return hold(m.Name(), pair, "indicators not ready")
	}

	price := closes[len(closes)-1]
	if rsi >= meanrevOversold || price >= bands.Lower {
		return hold(m.Name(), pair, "no oversold condition")
	}

	// Deeper oversold readings and larger band breaches raise confidence.
	rsiScore := (meanrevOversold - rsi) / meanrevOversold
	bandScore := (bands.Lower - price) / bands.Lower
	confidence := clamp(0.7 + rsiScore/2 + bandScore*10)

	return Signal{
		Action:     Buy,
		Pair:       pair,
		Confidence: confidence,
		Reason:     fmt.Sprintf("RSI %.1f oversold below lower band %.2f", rsi, bands.Lower),
		Strategy:   m.Name(),
	}
}

func (m *MeanReversion) CalculateSellSignal(w *market.Window, entryPrice float64) Signal {
	pair := w.Pair()
	closes := w.Closes()
	if len(closes) < m.minPoints() || entryPrice <= 0 {
		return hold(m.Name(), pair, "insufficient data for mean reversion")
	}

	rsi := indicator.Last(indicator.RSI(closes, meanrevRSIPeriod))
	bands, ok := indicator.Bollinger(closes, meanrevBandPeriod, meanrevBandWidth)
	if !ok || math.IsNaN(rsi) {
		return hold(m.Name(), pair, "indicators not ready")
	}

	price := closes[len(closes)-1]
	overbought := rsi > meanrevOverbought
	reverted := price >= bands.Middle

	if !overbought && !reverted {
		return hold(m.Name(), pair, "reversion incomplete")
	}

	confidence := 0.7
	if overbought {
		confidence += (rsi - meanrevOverbought) / 100
	}
	if reverted && bands.Middle > 0 {
		confidence += (price - bands.Middle) / bands.Middle * 10
	}

	roi := (price - entryPrice) / entryPrice
	return Signal{
		Action:     Sell,
		Pair:       pair,
		Confidence: clamp(confidence),
		Reason:     fmt.Sprintf("RSI %.1f, price %.2f vs middle band %.2f, roi %.2f%%", rsi, price, bands.Middle, roi*100),
		Strategy:   m.Name(),
	}
}

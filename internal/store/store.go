// Package store
package store

import (
	"context"
	"time"
)

// Trade is one completed or open round trip as persisted. Simulated marks
// dry-run fills.
type Trade struct {
	ID         string    `json:"id"`
	Pair       string    `json:"pair"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Volume     float64   `json:"volume"`
	PnL        float64   `json:"pnl"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Strategy   string    `json:"strategy"`
	Reason     string    `json:"reason"`
	Simulated  bool      `json:"simulated"`
}

// TradeStore persists the trade log. The engine uses it opportunistically:
// persistence failures are logged and never block trading.
type TradeStore interface {
	SaveTrade(ctx context.Context, t Trade) error
	LoadTrades(ctx context.Context, pair string) ([]Trade, error)
}

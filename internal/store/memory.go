package store

import (
	"context"
	"sync"
)

// Memory is an in-process TradeStore used in tests and dry runs without a
// database.
type Memory struct {
	mu     sync.RWMutex
	trades []Trade
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SaveTrade(ctx context.Context, t Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *Memory) LoadTrades(ctx context.Context, pair string) ([]Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Trade
	for _, t := range m.trades {
		if pair == "" || t.Pair == pair {
			out = append(out, t)
		}
	}
	return out, nil
}

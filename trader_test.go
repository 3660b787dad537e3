package krakentrader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/kraken-trader/internal/config"
	"github.com/amirphl/kraken-trader/internal/events"
	"github.com/amirphl/kraken-trader/internal/gateway"
	"github.com/amirphl/kraken-trader/internal/store"
)

func demoConfig() config.Config {
	cfg, _ := config.Load("")
	cfg.Pairs = []string{"XBT/USD"}
	cfg.DryRun = true
	cfg.ForceDemoMode = true
	cfg.DemoInterval = 10 * time.Millisecond
	return cfg
}

func TestAppRunsInDemoMode(t *testing.T) {
	app, err := New(demoConfig(), Options{
		Credentials: gateway.StaticCredentials{},
		TradeStore:  store.NewMemory(),
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var ticks int
	app.Bus().Subscribe(func(ev events.Event) {
		if ev.Kind == events.TypeTicker && ev.Ticker.Synthetic {
			mu.Lock()
			ticks++
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := ticks
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	assert.GreaterOrEqual(t, ticks, 3)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not shut down")
	}
}

func TestAppWiresEngineWindows(t *testing.T) {
	app, err := New(demoConfig(), Options{
		Credentials: gateway.StaticCredentials{},
		TradeStore:  store.NewMemory(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	// Synthetic ticks must reach the engine and stats must be readable
	// while running.
	time.Sleep(100 * time.Millisecond)
	stats := app.Engine().Stats()
	assert.Equal(t, 10000.0, stats.Balance)

	cancel()
	<-done
}

// Package krakentrader wires the trading core: market data streaming,
// the signing gateway, strategy evaluation and position management. It is
// consumed as a library; there is no command surface.
package krakentrader

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amirphl/kraken-trader/internal/config"
	"github.com/amirphl/kraken-trader/internal/engine"
	"github.com/amirphl/kraken-trader/internal/events"
	"github.com/amirphl/kraken-trader/internal/gateway"
	"github.com/amirphl/kraken-trader/internal/logging"
	"github.com/amirphl/kraken-trader/internal/store"
	"github.com/amirphl/kraken-trader/internal/strategy"
	"github.com/amirphl/kraken-trader/internal/stream"
)

// App owns the assembled components for one trading session.
type App struct {
	cfg    config.Config
	log    *logrus.Entry
	bus    *events.Bus
	stream *stream.Manager
	gw     *gateway.Gateway
	engine *engine.Engine
	trade  store.TradeStore
	unsub  func()
}

// Options carries the collaborators the host process supplies.
type Options struct {
	Credentials gateway.CredentialSource
	// Identity selects the credential set used for private calls.
	Identity string
	// TradeStore overrides the config-selected persistence. Optional.
	TradeStore store.TradeStore
	// StreamOptions are forwarded to the connectivity manager; tests
	// inject transports here.
	StreamOptions []stream.Option
}

// New assembles an App from configuration. Nothing connects until Run.
func New(cfg config.Config, opts Options) (*App, error) {
	logging.Init(logging.Options{
		Level:      cfg.LogLevel,
		JSONFormat: cfg.LogJSON,
		FilePath:   cfg.LogFile,
	})
	log := logging.WithComponent("app")

	bus := events.NewBus()

	sm := stream.NewManager(stream.Config{
		URL:            cfg.WSURL,
		ConnectTimeout: cfg.ConnectTimeout,
		HealthInterval: cfg.HealthInterval,
		HealthGrace:    cfg.HealthGrace,
		DemoInterval:   cfg.DemoInterval,
		ForceDemoMode:  cfg.ForceDemoMode,
	}, bus, opts.StreamOptions...)

	gw := gateway.NewGateway(gateway.Config{
		BaseURL:        cfg.RESTURL,
		Origin:         "kraken-trader",
		RequestTimeout: cfg.RequestTimeout,
		MinuteLimit:    cfg.MinuteRateLimit,
		HourLimit:      cfg.HourRateLimit,
		CacheTTL:       cfg.CacheTTL,
	}, opts.Credentials)

	tradeStore := opts.TradeStore
	if tradeStore == nil && cfg.DBConnStr != "" {
		ps, err := store.NewPostgres(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			return nil, fmt.Errorf("opening trade store: %w", err)
		}
		tradeStore = ps
	}

	strat := strategy.New(cfg.Strategy)
	eng := engine.New(engine.Config{
		Pairs:              cfg.Pairs,
		Identity:           opts.Identity,
		DryRun:             cfg.DryRun,
		Balance:            cfg.Balance,
		RiskPercent:        cfg.RiskPercent,
		MaxPositionPercent: cfg.MaxPositionPercent,
		MaxOpenPositions:   cfg.MaxOpenPositions,
		WindowSize:         cfg.WindowSize,
		TickInterval:       cfg.TickInterval,
		StalenessWindow:    cfg.StalenessWindow,
	}, strat, gw, bus, engine.WithTradeStore(tradeStore))

	return &App{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		stream: sm,
		gw:     gw,
		engine: eng,
		trade:  tradeStore,
	}, nil
}

// Bus exposes the event bus so hosts can observe signals, trades and
// connectivity transitions.
func (a *App) Bus() *events.Bus { return a.bus }

// Engine exposes trading state for host inspection.
func (a *App) Engine() *engine.Engine { return a.engine }

// Gateway exposes the REST gateway for host-initiated calls.
func (a *App) Gateway() *gateway.Gateway { return a.gw }

// Run connects market data, subscribes the configured pairs and starts the
// engine, then blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	// Market data flows to the engine through the bus.
	a.unsub = a.bus.Subscribe(func(ev events.Event) {
		if ev.Kind == events.TypeTicker {
			a.engine.UpdateMarketData(ev.Ticker.Point)
		}
	})

	if err := a.stream.Connect(ctx); err != nil {
		return fmt.Errorf("connecting market data: %w", err)
	}

	for _, pair := range a.cfg.Pairs {
		if err := a.stream.SubscribePair(pair); err != nil {
			a.log.WithError(err).WithField("pair", pair).Warn("Initial subscription failed")
		}
	}

	a.engine.Start()
	a.log.WithFields(logging.Fields{
		"pairs":    a.cfg.Pairs,
		"strategy": a.cfg.Strategy,
		"dry_run":  a.cfg.DryRun,
	}).Info("Trading session running")

	<-ctx.Done()
	a.Shutdown()
	return ctx.Err()
}

// Shutdown stops the engine and tears down connectivity. Safe to call more
// than once.
func (a *App) Shutdown() {
	a.engine.Stop()
	a.stream.Close()
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	if closer, ok := a.trade.(interface{ Close() error }); ok {
		closer.Close()
	}
	a.log.Info("Trading session stopped")
}

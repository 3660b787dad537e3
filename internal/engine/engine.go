// Package engine
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/kraken-trader/internal/events"
	"github.com/amirphl/kraken-trader/internal/gateway"
	"github.com/amirphl/kraken-trader/internal/logging"
	"github.com/amirphl/kraken-trader/internal/market"
	"github.com/amirphl/kraken-trader/internal/store"
	"github.com/amirphl/kraken-trader/internal/strategy"
)

// confidenceGate is the minimum signal confidence the engine acts on.
const confidenceGate = 0.7

// volumePrecision is the decimal precision orders are sized to.
const volumePrecision = 6

// Position is one open holding. StopLoss and TakeProfit are computed once
// at entry and never move.
type Position struct {
	Pair       string    `json:"pair"`
	EntryPrice float64   `json:"entry_price"`
	Volume     float64   `json:"volume"`
	EntryTime  time.Time `json:"entry_time"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	IsLong     bool      `json:"is_long"`
	TradeID    string    `json:"trade_id"`
	Simulated  bool      `json:"simulated"`
}

// Executor places orders. The gateway satisfies this.
type Executor interface {
	AddOrder(ctx context.Context, identity string, req gateway.OrderRequest) (gateway.OrderResult, error)
}

// Config holds the engine tunables.
type Config struct {
	Pairs              []string
	Identity           string
	DryRun             bool
	Balance            float64
	RiskPercent        float64
	MaxPositionPercent float64
	MaxOpenPositions   int
	WindowSize         int
	TickInterval       time.Duration
	StalenessWindow    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxOpenPositions == 0 {
		c.MaxOpenPositions = 3
	}
	if c.TickInterval == 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.StalenessWindow == 0 {
		c.StalenessWindow = 60 * time.Second
	}
}

// Stats is the realized trading record since start.
type Stats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	RealizedPnL float64 `json:"realized_pnl"`
	Balance     float64 `json:"balance"`
}

// Engine drives strategy evaluation and position management. It owns the
// market windows and the position map; everything else reaches them through
// its methods.
type Engine struct {
	cfg   Config
	strat strategy.Strategy
	exec  Executor
	bus   *events.Bus
	trade store.TradeStore
	log   *logrus.Entry
	now   func() time.Time

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	windows    map[string]*market.Window
	lastUpdate map[string]time.Time
	positions  map[string]*Position
	inflight   map[string]bool
	balance    float64
	stats      Stats
	restored   bool

	wg sync.WaitGroup
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithClock replaces the engine time source in tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithTradeStore attaches the persistence collaborator. Optional; save
// failures are logged and ignored.
func WithTradeStore(ts store.TradeStore) Option { return func(e *Engine) { e.trade = ts } }

// New builds a stopped engine.
func New(cfg Config, strat strategy.Strategy, exec Executor, bus *events.Bus, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		strat:      strat,
		exec:       exec,
		bus:        bus,
		log:        logging.WithComponent("engine"),
		now:        time.Now,
		windows:    make(map[string]*market.Window),
		lastUpdate: make(map[string]time.Time),
		positions:  make(map[string]*Position),
		inflight:   make(map[string]bool),
		balance:    cfg.Balance,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the evaluation loop. Starting a running engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	e.log.WithFields(logging.Fields{
		"strategy": e.strat.Name(),
		"pairs":    e.cfg.Pairs,
		"dry_run":  e.cfg.DryRun,
	}).Info("Engine started")

	e.restoreStats(ctx)

	e.wg.Add(1)
	go e.loop(ctx)
}

// restoreStats folds previously persisted closed trades into the realized
// record. Runs once per engine; load failures are logged and skipped.
func (e *Engine) restoreStats(ctx context.Context) {
	e.mu.Lock()
	done := e.restored || e.trade == nil
	e.restored = true
	e.mu.Unlock()
	if done {
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	trades, err := e.trade.LoadTrades(loadCtx, "")
	if err != nil {
		e.log.WithError(err).Warn("Trade history load failed, starting fresh")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range trades {
		if t.ExitTime.IsZero() {
			continue
		}
		e.stats.TotalTrades++
		if t.PnL >= 0 {
			e.stats.Wins++
		} else {
			e.stats.Losses++
		}
		e.stats.RealizedPnL += t.PnL
	}
	if e.stats.TotalTrades > 0 {
		e.log.WithFields(logging.Fields{
			"trades": e.stats.TotalTrades,
			"pnl":    e.stats.RealizedPnL,
		}).Info("Restored trade history")
	}
}

// Stop halts future ticks. In-flight evaluations finish but their results
// are discarded. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.Info("Engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// UpdateMarketData appends one data point to its pair window and refreshes
// the staleness clock. Invalid points are dropped.
func (e *Engine) UpdateMarketData(point market.DataPoint) {
	if err := point.Validate(); err != nil {
		e.log.WithError(err).WithField("pair", point.Pair).Debug("Dropping invalid data point")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.windows[point.Pair]
	if w == nil {
		w = market.NewWindow(point.Pair, e.cfg.WindowSize)
		e.windows[point.Pair] = w
	}
	w.Append(point)
	e.lastUpdate[point.Pair] = e.now()
}

// Tick evaluates every pair once. Pairs with stale data or an evaluation
// already in flight are skipped.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}

	type job struct {
		pair   string
		window *market.Window
		pos    *Position
	}
	var jobs []job
	now := e.now()
	for pair, w := range e.windows {
		if e.inflight[pair] {
			continue
		}
		last, ok := e.lastUpdate[pair]
		if !ok || now.Sub(last) > e.cfg.StalenessWindow {
			e.log.WithField("pair", pair).Debug("Skipping stale pair")
			continue
		}
		var posCopy *Position
		if p := e.positions[pair]; p != nil {
			c := *p
			posCopy = &c
		}
		e.inflight[pair] = true
		jobs = append(jobs, job{pair: pair, window: w.Snapshot(), pos: posCopy})
	}
	// Registering with the wait group under the lock keeps Stop's Wait
	// from racing a late Add.
	e.wg.Add(len(jobs))
	e.mu.Unlock()

	for _, j := range jobs {
		go func(j job) {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				delete(e.inflight, j.pair)
				e.mu.Unlock()
			}()
			e.evaluatePair(ctx, j.pair, j.window, j.pos)
		}(j)
	}
}

func (e *Engine) evaluatePair(ctx context.Context, pair string, w *market.Window, pos *Position) {
	last, ok := w.Last()
	if !ok {
		return
	}
	price := last.Close

	if pos != nil {
		if crossed, reason := stopOrTargetCrossed(pos, price); crossed {
			e.closePosition(ctx, pair, price, reason)
			return
		}

		sig := e.strat.CalculateSellSignal(w, pos.EntryPrice)
		e.publishSignal(sig)
		if sig.Action != strategy.Sell || sig.Confidence < confidenceGate {
			return
		}

		roi := (price - pos.EntryPrice) / pos.EntryPrice
		if !pos.IsLong {
			roi = -roi
		}
		minROI := e.strat.RiskParams().MinROIFor(e.now().Sub(pos.EntryTime))
		if roi < minROI {
			e.log.WithFields(logging.Fields{
				"pair":    pair,
				"roi":     roi,
				"min_roi": minROI,
			}).Debug("Sell signal below ROI tier, holding")
			return
		}
		e.closePosition(ctx, pair, price, sig.Reason)
		return
	}

	e.mu.Lock()
	atCapacity := len(e.positions) >= e.cfg.MaxOpenPositions
	e.mu.Unlock()
	if atCapacity {
		return
	}

	sig := e.strat.CalculateBuySignal(w)
	e.publishSignal(sig)
	if sig.Action != strategy.Buy || sig.Confidence < confidenceGate {
		return
	}
	e.openPosition(ctx, pair, price, sig.Reason)
}

// stopOrTargetCrossed reports whether price breaches the position's
// protective levels.
func stopOrTargetCrossed(pos *Position, price float64) (bool, string) {
	if pos.IsLong {
		if price <= pos.StopLoss {
			return true, "stop loss triggered"
		}
		if price >= pos.TakeProfit {
			return true, "take profit reached"
		}
		return false, ""
	}
	if price >= pos.StopLoss {
		return true, "stop loss triggered"
	}
	if price <= pos.TakeProfit {
		return true, "take profit reached"
	}
	return false, ""
}

// positionVolume sizes an order: the smaller of the risk and max-position
// budgets divided by price, rounded to six decimals.
func (e *Engine) positionVolume(balance, price float64) float64 {
	riskBudget := balance * e.cfg.RiskPercent / 100
	posBudget := balance * e.cfg.MaxPositionPercent / 100
	budget := riskBudget
	if posBudget < budget {
		budget = posBudget
	}
	if price <= 0 || budget <= 0 {
		return 0
	}
	vol := decimal.NewFromFloat(budget).Div(decimal.NewFromFloat(price)).Round(volumePrecision)
	f, _ := vol.Float64()
	return f
}

func (e *Engine) openPosition(ctx context.Context, pair string, price float64, reason string) {
	e.mu.Lock()
	balance := e.balance
	e.mu.Unlock()

	volume := e.positionVolume(balance, price)
	if volume <= 0 {
		e.log.WithField("pair", pair).Warn("Computed zero volume, not opening")
		return
	}

	simulated := e.cfg.DryRun
	if !simulated {
		_, err := e.exec.AddOrder(ctx, e.cfg.Identity, gateway.OrderRequest{
			Pair:      pair,
			Side:      "buy",
			OrderType: "market",
			Volume:    volume,
		})
		if err != nil {
			e.log.WithError(err).WithField("pair", pair).Error("Entry order failed")
			e.publishError("engine", "entry order failed for "+pair, err)
			return
		}
	}

	risk := e.strat.RiskParams()
	pos := &Position{
		Pair:       pair,
		EntryPrice: price,
		Volume:     volume,
		EntryTime:  e.now(),
		StopLoss:   strategy.StopLossPrice(price, risk.StopLossPercent, true),
		TakeProfit: strategy.TakeProfitPrice(price, risk.TakeProfitPercent, true),
		IsLong:     true,
		TradeID:    uuid.NewString(),
		Simulated:  simulated,
	}

	e.mu.Lock()
	if !e.running {
		// Stopped while the order was in flight; drop the result.
		e.mu.Unlock()
		return
	}
	if e.positions[pair] != nil || len(e.positions) >= e.cfg.MaxOpenPositions {
		e.mu.Unlock()
		return
	}
	e.positions[pair] = pos
	e.mu.Unlock()

	e.log.WithFields(logging.Fields{
		"pair":      pair,
		"price":     price,
		"volume":    volume,
		"stop":      pos.StopLoss,
		"target":    pos.TakeProfit,
		"simulated": simulated,
	}).Info("Position opened")

	e.bus.Publish(events.Event{
		Kind: events.TypeTradeOpened,
		Trade: &events.TradeEvent{
			Pair:      pair,
			Side:      "buy",
			Price:     price,
			Volume:    volume,
			Reason:    reason,
			Simulated: simulated,
			OrderID:   pos.TradeID,
			OpenedAt:  pos.EntryTime,
		},
	})

	e.saveTrade(ctx, store.Trade{
		ID:         pos.TradeID,
		Pair:       pair,
		Side:       "buy",
		EntryPrice: price,
		Volume:     volume,
		EntryTime:  pos.EntryTime,
		Strategy:   e.strat.Name(),
		Reason:     reason,
		Simulated:  simulated,
	})
}

func (e *Engine) closePosition(ctx context.Context, pair string, price float64, reason string) {
	e.mu.Lock()
	pos := e.positions[pair]
	e.mu.Unlock()
	if pos == nil {
		return
	}

	simulated := e.cfg.DryRun
	if !simulated {
		_, err := e.exec.AddOrder(ctx, e.cfg.Identity, gateway.OrderRequest{
			Pair:      pair,
			Side:      "sell",
			OrderType: "market",
			Volume:    pos.Volume,
		})
		if err != nil {
			// Position state stays untouched on execution failure.
			e.log.WithError(err).WithField("pair", pair).Error("Exit order failed")
			e.publishError("engine", "exit order failed for "+pair, err)
			return
		}
	}

	pnl := (price - pos.EntryPrice) * pos.Volume
	if !pos.IsLong {
		pnl = -pnl
	}
	closedAt := e.now()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	delete(e.positions, pair)
	e.balance += pnl
	e.stats.TotalTrades++
	if pnl >= 0 {
		e.stats.Wins++
	} else {
		e.stats.Losses++
	}
	e.stats.RealizedPnL += pnl
	e.mu.Unlock()

	e.log.WithFields(logging.Fields{
		"pair":      pair,
		"entry":     pos.EntryPrice,
		"exit":      price,
		"pnl":       pnl,
		"reason":    reason,
		"simulated": simulated,
	}).Info("Position closed")

	e.bus.Publish(events.Event{
		Kind: events.TypeTradeClosed,
		Trade: &events.TradeEvent{
			Pair:       pair,
			Side:       "sell",
			Price:      price,
			Volume:     pos.Volume,
			PnL:        pnl,
			Reason:     reason,
			Simulated:  simulated,
			OrderID:    pos.TradeID,
			OpenedAt:   pos.EntryTime,
			ClosedAt:   closedAt,
			HoldPeriod: closedAt.Sub(pos.EntryTime),
		},
	})

	e.saveTrade(ctx, store.Trade{
		ID:         pos.TradeID,
		Pair:       pair,
		Side:       "sell",
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		Volume:     pos.Volume,
		PnL:        pnl,
		EntryTime:  pos.EntryTime,
		ExitTime:   closedAt,
		Strategy:   e.strat.Name(),
		Reason:     reason,
		Simulated:  simulated,
	})
}

func (e *Engine) saveTrade(ctx context.Context, t store.Trade) {
	if e.trade == nil {
		return
	}
	if err := e.trade.SaveTrade(ctx, t); err != nil {
		e.log.WithError(err).WithField("trade", t.ID).Warn("Trade persistence failed")
	}
}

func (e *Engine) publishSignal(sig strategy.Signal) {
	if sig.Action == strategy.Hold {
		return
	}
	e.bus.Publish(events.Event{
		Kind: events.TypeSignal,
		Signal: &events.SignalEvent{
			Pair:       sig.Pair,
			Action:     string(sig.Action),
			Confidence: sig.Confidence,
			Reason:     sig.Reason,
			Strategy:   sig.Strategy,
		},
	})
}

func (e *Engine) publishError(component, msg string, err error) {
	e.bus.Publish(events.Event{
		Kind: events.TypeError,
		Err:  &events.ErrorEvent{Component: component, Message: msg, Err: err},
	})
}

// OpenPositions returns a snapshot of current holdings.
func (e *Engine) OpenPositions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// Stats returns the realized trading record.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.Balance = e.balance
	return s
}

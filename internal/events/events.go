// Package events
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/kraken-trader/internal/market"
)

// Type discriminates events on the bus.
type Type string

const (
	TypeConnectionState Type = "connection_state"
	TypeTicker          Type = "ticker"
	TypeSignal          Type = "signal"
	TypeTradeOpened     Type = "trade_opened"
	TypeTradeClosed     Type = "trade_closed"
	TypeError           Type = "error"
)

// Event is the envelope delivered to observers. Exactly one payload field is
// set, matching Kind.
type Event struct {
	Kind      Type
	Timestamp time.Time

	ConnectionState *ConnectionStateEvent
	Ticker          *TickerEvent
	Signal          *SignalEvent
	Trade           *TradeEvent
	Err             *ErrorEvent
}

// ConnectionStateEvent reports a connectivity transition.
type ConnectionStateEvent struct {
	Previous string
	Current  string
	Reason   string
}

// TickerEvent carries one market data point.
type TickerEvent struct {
	Point market.DataPoint
	// Synthetic marks demo-mode generated data.
	Synthetic bool
}

// SignalEvent reports a strategy decision.
type SignalEvent struct {
	Pair       string
	Action     string
	Confidence float64
	Reason     string
	Strategy   string
}

// TradeEvent reports an opened or closed position.
type TradeEvent struct {
	Pair       string
	Side       string
	Price      float64
	Volume     float64
	PnL        float64
	Reason     string
	Simulated  bool
	OrderID    string
	OpenedAt   time.Time
	ClosedAt   time.Time
	HoldPeriod time.Duration
}

// ErrorEvent carries a component failure without crossing the boundary as a
// panic.
type ErrorEvent struct {
	Component string
	Message   string
	Err       error
}

// Handler receives events. Handlers must not block; the bus delivers
// synchronously in registration order.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus fans events out to registered handlers.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler and returns an unsubscribe func. Calling the
// returned func more than once is a no-op.
func (b *Bus) Subscribe(handler Handler) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(id)
		})
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every handler in registration order.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(e)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Package events
package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/kraken-trader/internal/market"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.Subscribe(func(Event) { order = append(order, 1) })
	bus.Subscribe(func(Event) { order = append(order, 2) })
	bus.Subscribe(func(Event) { order = append(order, 3) })

	bus.Publish(Event{Kind: TypeTicker})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus()

	var calls int
	unsub := bus.Subscribe(func(Event) { calls++ })
	require.Equal(t, 1, bus.SubscriberCount())

	unsub()
	unsub()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(Event{Kind: TypeError})
	assert.Equal(t, 0, calls)
}

func TestBusUnsubscribeRemovesOnlyOne(t *testing.T) {
	bus := NewBus()

	var a, b int
	unsubA := bus.Subscribe(func(Event) { a++ })
	bus.Subscribe(func(Event) { b++ })

	unsubA()
	bus.Publish(Event{Kind: TypeSignal})

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Publish(Event{Kind: TypeTradeOpened, Trade: &TradeEvent{Pair: "XBT/USD", Simulated: true}})

	assert.False(t, got.Timestamp.IsZero())
	require.NotNil(t, got.Trade)
	assert.True(t, got.Trade.Simulated)
}

func TestBusPreservesExplicitTimestamp(t *testing.T) {
	bus := NewBus()
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var got Event
	bus.Subscribe(func(e Event) { got = e })
	bus.Publish(Event{
		Kind:      TypeTicker,
		Timestamp: ts,
		Ticker:    &TickerEvent{Point: market.DataPoint{Pair: "ETH/USD", Close: 2000}},
	})

	assert.Equal(t, ts, got.Timestamp)
	assert.Equal(t, "ETH/USD", got.Ticker.Point.Pair)
}

// Package stream
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/kraken-trader/internal/events"
)

// fakeConn is an in-memory transport. ReadMessage blocks on the incoming
// channel; writes are recorded.
type fakeConn struct {
	mu        sync.Mutex
	incoming  chan []byte
	written   [][]byte
	writeErr  error
	pingErr   error
	closed    bool
	writeHook func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-f.incoming
	if !ok {
		return nil, errors.New("connection closed")
	}
	return data, nil
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	hook := f.writeHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.incoming)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) writtenMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	err    error
	calls  int
	onDial func(n int, c *fakeConn)
}

func (d *fakeDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	if d.onDial != nil {
		d.onDial(len(d.conns), c)
	}
	return c, nil
}

func okProber(ctx context.Context, wsURL string) error { return nil }

func failProber(ctx context.Context, wsURL string) error {
	return errors.New("no route to host")
}

func testConfig() Config {
	return Config{
		URL:            "wss://ws.example.test",
		ConnectTimeout: time.Second,
		HealthInterval: 10 * time.Millisecond,
		HealthGrace:    time.Minute,
		DemoInterval:   10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}

func TestConnectIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), events.NewBus(), WithDialer(dialer), WithProber(okProber))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, dialer.calls)
}

func TestConnectDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("refused")}
	m := NewManager(testConfig(), events.NewBus(), WithDialer(dialer), WithProber(okProber))
	defer m.Close()

	err := m.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Disconnected, m.State())
}

func TestUnreachableExchangeFallsBackToDemoMode(t *testing.T) {
	dialer := &fakeDialer{}
	bus := events.NewBus()

	var mu sync.Mutex
	var synthetic int
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.TypeTicker && e.Ticker.Synthetic {
			mu.Lock()
			synthetic++
			mu.Unlock()
		}
	})

	m := NewManager(testConfig(), bus, WithDialer(dialer), WithProber(failProber))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, DemoMode, m.State())
	assert.Equal(t, 0, dialer.calls)

	require.NoError(t, m.SubscribePair("XBT/USD"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return synthetic >= 2
	}, "synthetic ticks emitted")
}

func TestSubscribePairWritesWireMessage(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), events.NewBus(), WithDialer(dialer), WithProber(okProber))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.SubscribePair("XBT/USD"))

	msgs := dialer.conns[0].writtenMessages()
	require.Len(t, msgs, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &decoded))
	assert.Equal(t, "subscribe", decoded["event"])
	assert.Equal(t, []any{"XBT/USD"}, decoded["pair"])
	sub, ok := decoded["subscription"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ticker", sub["name"])
}

func TestSubscribeRejectedWhileDisconnected(t *testing.T) {
	m := NewManager(testConfig(), events.NewBus(), WithDialer(&fakeDialer{}), WithProber(okProber))
	defer m.Close()

	err := m.SubscribePair("XBT/USD")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendReturnsFalseWhenClosed(t *testing.T) {
	m := NewManager(testConfig(), events.NewBus(), WithDialer(&fakeDialer{}), WithProber(okProber))

	assert.False(t, m.Send([]byte("ping")))

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Send([]byte("ping")))

	m.Close()
	assert.False(t, m.Send([]byte("ping")))
}

func TestTickerMessagesReachObservers(t *testing.T) {
	dialer := &fakeDialer{}
	bus := events.NewBus()

	var mu sync.Mutex
	var pairs []string
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.TypeTicker {
			mu.Lock()
			pairs = append(pairs, e.Ticker.Point.Pair)
			mu.Unlock()
		}
	})

	m := NewManager(testConfig(), bus, WithDialer(dialer), WithProber(okProber))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))

	frame := `[42,{"c":["36750.5","0.1"],"o":["36500.0"],"h":["36900.0"],"l":["36400.0"],"v":["120.5"]},"ticker","XBT/USD"]`
	dialer.conns[0].incoming <- []byte(frame)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pairs) == 1
	}, "ticker delivered")

	mu.Lock()
	assert.Equal(t, "XBT/USD", pairs[0])
	mu.Unlock()
}

func TestReconnectResubscribes(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), events.NewBus(), WithDialer(dialer), WithProber(okProber))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.SubscribePair("XBT/USD"))
	require.NoError(t, m.SubscribePair("ETH/USD"))

	// Drop the transport; the health loop should dial again and restore
	// both subscriptions on the new connection.
	dialer.conns[0].Close()

	waitFor(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.conns) >= 2
	}, "second dial")

	waitFor(t, func() bool { return m.State() == Connected }, "reconnected")

	waitFor(t, func() bool {
		return len(dialer.conns[1].writtenMessages()) == 2
	}, "resubscribed both pairs")
}

func TestCloseDuringReconnectStaysDisconnected(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), events.NewBus(), WithDialer(dialer), WithProber(okProber))
	defer m.Close()

	// The reconnect dial gets a connection whose first write triggers
	// Close, landing it in the window between resubscribing and the final
	// state flip.
	dialer.mu.Lock()
	dialer.onDial = func(n int, c *fakeConn) {
		if n < 2 {
			return
		}
		c.writeHook = func() {
			go m.Close()
			deadline := time.Now().Add(2 * time.Second)
			for m.State() != Disconnected && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
	}
	dialer.mu.Unlock()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.SubscribePair("XBT/USD"))

	dialer.conns[0].Close()

	waitFor(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.conns) >= 2
	}, "second dial")

	// The late reconnect result must be discarded, not flip the closed
	// manager back to Connected.
	waitFor(t, func() bool { return dialer.conns[1].isClosed() }, "reconnect conn discarded")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
}

func TestStateTransitionsPublished(t *testing.T) {
	dialer := &fakeDialer{}
	bus := events.NewBus()

	var mu sync.Mutex
	var states []string
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.TypeConnectionState {
			mu.Lock()
			states = append(states, e.ConnectionState.Current)
			mu.Unlock()
		}
	})

	m := NewManager(testConfig(), bus, WithDialer(dialer), WithProber(okProber))
	require.NoError(t, m.Connect(context.Background()))
	m.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == "connected" {
				return true
			}
		}
		return false
	}, "connected transition observed")
}

func TestParseTickerMessage(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"valid ticker", `[1,{"c":["100.0","1"],"v":["5.0"]},"ticker","XBT/USD"]`, true},
		{"event message", `{"event":"heartbeat"}`, false},
		{"wrong channel", `[1,{"c":["100.0"]},"trade","XBT/USD"]`, false},
		{"no close price", `[1,{"v":["5.0"]},"ticker","XBT/USD"]`, false},
		{"garbage", `not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			point, ok := parseTickerMessage([]byte(tt.data))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "XBT/USD", point.Pair)
				assert.Equal(t, 100.0, point.Close)
				// Missing OHLC fields fall back to close.
				assert.Equal(t, 100.0, point.Open)
			}
		})
	}
}

func TestForceDemoMode(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), events.NewBus(), WithDialer(dialer), WithProber(okProber))
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, Connected, m.State())

	m.ForceDemoMode()
	assert.Equal(t, DemoMode, m.State())
}

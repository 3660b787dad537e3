// Package stream
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/amirphl/kraken-trader/internal/events"
	"github.com/amirphl/kraken-trader/internal/logging"
	"github.com/amirphl/kraken-trader/internal/market"
)

// State represents the connectivity state of the manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Resubscribing
	DemoMode
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Resubscribing:
		return "resubscribing"
	case DemoMode:
		return "demo"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout      = errors.New("connect timed out")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("manager closed")
)

// Conn abstracts the websocket transport for tests.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens a transport connection.
type Dialer interface {
	Dial(ctx context.Context, wsURL string) (Conn, error)
}

// Prober checks whether the exchange endpoint is reachable at all. Used once
// before the first connect to decide between live and demo mode.
type Prober func(ctx context.Context, wsURL string) error

type gorillaConn struct {
	c *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.c.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	return g.c.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Ping() error {
	return g.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (g *gorillaConn) Close() error { return g.c.Close() }

type gorillaDialer struct {
	timeout time.Duration
}

func (d *gorillaDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.timeout}
	c, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{c: c}, nil
}

func defaultProber(ctx context.Context, wsURL string) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "443")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Config holds connectivity tunables.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	HealthGrace    time.Duration
	DemoInterval   time.Duration
	ForceDemoMode  bool
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HealthGrace == 0 {
		c.HealthGrace = 5 * time.Minute
	}
	if c.DemoInterval == 0 {
		c.DemoInterval = 10 * time.Second
	}
}

// subscribeMessage is the exchange wire shape for channel subscriptions,
// e.g. {"event":"subscribe","pair":["XBT/USD"],"subscription":{"name":"ticker"}}
type subscribeMessage struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

func newSubscribeMessage(event, pair string) subscribeMessage {
	var m subscribeMessage
	m.Event = event
	m.Pair = []string{pair}
	m.Subscription.Name = "ticker"
	return m
}

// Manager owns the market data connection: connect, subscribe, reconnect,
// health checks and the demo fallback. Market data and state transitions go
// out through the event bus.
type Manager struct {
	cfg    Config
	bus    *events.Bus
	log    *logrus.Entry
	dialer Dialer
	prober Prober

	mu           sync.RWMutex
	state        State
	conn         Conn
	pairs        map[string]bool
	closed       bool
	reconnecting bool
	lastHealthy  time.Time
	probed       bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seeds map[string]float64
	rng   *rand.Rand
}

// Option tweaks manager construction. Tests inject fake transports here.
type Option func(*Manager)

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }
func WithProber(p Prober) Option { return func(m *Manager) { m.prober = p } }

// NewManager builds a disconnected manager.
func NewManager(cfg Config, bus *events.Bus, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		bus:    bus,
		log:    logging.WithComponent("stream"),
		prober: defaultProber,
		state:  Disconnected,
		pairs:  make(map[string]bool),
		seeds:  make(map[string]float64),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.dialer = &gorillaDialer{timeout: cfg.ConnectTimeout}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers an observer on the event bus and returns its
// unsubscribe func.
func (m *Manager) Subscribe(handler events.Handler) func() {
	return m.bus.Subscribe(handler)
}

// Connect establishes the market data connection. Calling it while already
// connected or connecting is a no-op. When the exchange is unreachable the
// manager enters demo mode instead of failing.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connected || m.state == Connecting || m.state == DemoMode {
		m.mu.Unlock()
		return nil
	}
	force := m.cfg.ForceDemoMode
	needProbe := !m.probed
	m.probed = true
	m.setStateLocked(Connecting, "connect requested")
	m.mu.Unlock()

	if force {
		m.enterDemoMode("demo mode forced")
		return nil
	}

	if needProbe {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err := m.prober(probeCtx, m.cfg.URL)
		cancel()
		if err != nil {
			m.log.WithError(err).Warn("Exchange unreachable, falling back to demo mode")
			m.enterDemoMode("exchange unreachable: " + err.Error())
			return nil
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	if err != nil {
		m.setState(Disconnected, "dial failed")
		if errors.Is(err, context.DeadlineExceeded) || dialCtx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.conn = conn
	m.runCtx = runCtx
	m.cancel = runCancel
	m.lastHealthy = time.Now()
	m.setStateLocked(Connected, "connection established")
	m.mu.Unlock()

	m.log.WithField("url", m.cfg.URL).Info("Connected to market data stream")

	m.wg.Add(2)
	go m.readLoop(runCtx, conn)
	go m.healthLoop(runCtx)

	return nil
}

// SubscribePair subscribes to the ticker channel for pair. Rejected while
// the transport is down; callers retry after reconnection.
func (m *Manager) SubscribePair(pair string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if m.state == DemoMode {
		m.pairs[pair] = true
		m.log.WithField("pair", pair).Info("Registered pair with demo generator")
		return nil
	}

	if m.state != Connected || m.conn == nil {
		m.log.WithFields(logging.Fields{"pair": pair, "state": m.state.String()}).
			Warn("Subscribe rejected while disconnected")
		return fmt.Errorf("%w: cannot subscribe to %s", ErrNotConnected, pair)
	}

	data, err := json.Marshal(newSubscribeMessage("subscribe", pair))
	if err != nil {
		return err
	}
	if err := m.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("subscribing to %s: %w", pair, err)
	}
	m.pairs[pair] = true
	m.log.WithField("pair", pair).Info("Subscribed to ticker channel")
	return nil
}

// UnsubscribePair removes the ticker subscription for pair.
func (m *Manager) UnsubscribePair(pair string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pairs[pair] {
		return nil
	}
	delete(m.pairs, pair)

	if m.state != Connected || m.conn == nil {
		return nil
	}
	data, err := json.Marshal(newSubscribeMessage("unsubscribe", pair))
	if err != nil {
		return err
	}
	if err := m.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", pair, err)
	}
	m.log.WithField("pair", pair).Info("Unsubscribed from ticker channel")
	return nil
}

// Send writes a raw message to the transport. Returns false when the
// transport is not open.
func (m *Manager) Send(data []byte) bool {
	m.mu.RLock()
	conn := m.conn
	open := m.state == Connected && conn != nil
	m.mu.RUnlock()

	if !open {
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		m.log.WithError(err).Warn("Send failed")
		return false
	}
	return true
}

// Close tears down the connection and stops all loops.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	m.setStateLocked(Disconnected, "manager closed")
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	m.log.Info("Market data stream closed")
}

func (m *Manager) setState(s State, reason string) {
	m.mu.Lock()
	m.setStateLocked(s, reason)
	m.mu.Unlock()
}

// setStateLocked transitions state and publishes the event. Callers hold mu.
func (m *Manager) setStateLocked(s State, reason string) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	// Publish outside the lock to keep handlers from deadlocking on the
	// manager.
	go m.bus.Publish(events.Event{
		Kind: events.TypeConnectionState,
		ConnectionState: &events.ConnectionStateEvent{
			Previous: prev.String(),
			Current:  s.String(),
			Reason:   reason,
		},
	})
}

// tickerPayload matches the exchange ticker channel payload. Price fields
// arrive as ["price", "wholeLotVolume", "lotVolume"] style arrays of strings.
type tickerPayload struct {
	C []string `json:"c"` // last trade close
	O []string `json:"o"` // today opening price
	H []string `json:"h"` // today high
	L []string `json:"l"` // today low
	V []string `json:"v"` // volume
}

func firstFloat(vals []string) float64 {
	if len(vals) == 0 {
		return 0
	}
	f, _ := strconv.ParseFloat(vals[0], 64)
	return f
}

// parseTickerMessage decodes the array-framed ticker channel message
// [channelID, payload, "ticker", "XBT/USD"]. Non-ticker messages return
// ok=false.
func parseTickerMessage(data []byte) (market.DataPoint, bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		return market.DataPoint{}, false
	}

	var channel string
	if err := json.Unmarshal(frame[2], &channel); err != nil || channel != "ticker" {
		return market.DataPoint{}, false
	}
	var pair string
	if err := json.Unmarshal(frame[3], &pair); err != nil || pair == "" {
		return market.DataPoint{}, false
	}

	var payload tickerPayload
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return market.DataPoint{}, false
	}

	last := firstFloat(payload.C)
	if last <= 0 {
		return market.DataPoint{}, false
	}
	point := market.DataPoint{
		Pair:      pair,
		Open:      firstFloat(payload.O),
		High:      firstFloat(payload.H),
		Low:       firstFloat(payload.L),
		Close:     last,
		Volume:    firstFloat(payload.V),
		Timestamp: time.Now().UTC(),
	}
	if point.Open <= 0 {
		point.Open = last
	}
	if point.High <= 0 {
		point.High = last
	}
	if point.Low <= 0 {
		point.Low = last
	}
	return point, true
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			if m.conn == conn {
				m.conn = nil
				m.setStateLocked(Disconnected, "read error: "+err.Error())
			}
			m.mu.Unlock()

			if !closed {
				m.log.WithError(err).Warn("Stream read failed, awaiting reconnect")
				m.publishError("stream", "read failed", err)
			}
			return
		}

		m.mu.Lock()
		m.lastHealthy = time.Now()
		m.mu.Unlock()

		if point, ok := parseTickerMessage(data); ok {
			m.bus.Publish(events.Event{
				Kind:   events.TypeTicker,
				Ticker: &events.TickerEvent{Point: point},
			})
		}
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.RLock()
	state := m.state
	conn := m.conn
	lastHealthy := m.lastHealthy
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return
	}

	if state == Connected && conn != nil {
		if err := conn.Ping(); err != nil {
			m.log.WithError(err).Warn("Health ping failed")
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
				m.setStateLocked(Disconnected, "ping failed")
			}
			m.mu.Unlock()
			conn.Close()
			state = Disconnected
		}
	}

	if state == Disconnected || state == Resubscribing {
		m.maybeReconnect(ctx)
	}

	// Grace expiry while disconnected marks the manager Errored. The
	// process keeps running; callers can still force demo mode.
	if !lastHealthy.IsZero() && time.Since(lastHealthy) > m.cfg.HealthGrace {
		m.mu.Lock()
		if m.state == Disconnected {
			m.setStateLocked(Error, "no healthy connection within grace period")
		}
		m.mu.Unlock()
	}
}

// maybeReconnect starts one reconnect attempt. The boolean guard keeps
// concurrent health ticks from stacking attempts.
func (m *Manager) maybeReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.reconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	// Registered before unlock so Close's Wait covers the attempt.
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
		}()

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
		cancel()
		if err != nil {
			m.log.WithError(err).Warn("Reconnect attempt failed")
			return
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.lastHealthy = time.Now()
		m.setStateLocked(Resubscribing, "reconnected, restoring subscriptions")
		pairs := make([]string, 0, len(m.pairs))
		for p := range m.pairs {
			pairs = append(pairs, p)
		}
		m.mu.Unlock()

		for _, pair := range pairs {
			data, err := json.Marshal(newSubscribeMessage("subscribe", pair))
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(data); err != nil {
				m.log.WithError(err).WithField("pair", pair).Warn("Resubscribe failed")
			}
		}

		// Closed (or replaced) while resubscribing: the fresh connection
		// must not revive the manager.
		m.mu.Lock()
		if m.closed || m.conn != conn {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.setStateLocked(Connected, "subscriptions restored")
		runCtx := m.runCtx
		m.wg.Add(1)
		m.mu.Unlock()
		if runCtx == nil {
			runCtx = context.Background()
		}

		m.log.WithField("pairs", len(pairs)).Info("Reconnected and resubscribed")
		go m.readLoop(runCtx, conn)
	}()
}

func (m *Manager) publishError(component, msg string, err error) {
	m.bus.Publish(events.Event{
		Kind: events.TypeError,
		Err:  &events.ErrorEvent{Component: component, Message: msg, Err: err},
	})
}

// enterDemoMode switches to synthetic market data. Subscribed pairs get a
// generated ticker every DemoInterval with small random moves around a seed
// price.
func (m *Manager) enterDemoMode(reason string) {
	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.runCtx = runCtx
	m.cancel = cancel
	m.setStateLocked(DemoMode, reason)
	m.mu.Unlock()

	m.log.Warn("Running in demo mode with synthetic market data")

	m.wg.Add(1)
	go m.demoLoop(runCtx)
}

// ForceDemoMode switches the manager into demo mode regardless of
// connectivity.
func (m *Manager) ForceDemoMode() {
	m.mu.Lock()
	if m.closed || m.state == DemoMode {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.enterDemoMode("demo mode forced")
}

var demoSeeds = map[string]float64{
	"XBT/USD": 36750,
	"ETH/USD": 2050,
	"XRP/USD": 0.62,
}

func (m *Manager) seedPrice(pair string) float64 {
	if p, ok := m.seeds[pair]; ok {
		return p
	}
	seed, ok := demoSeeds[pair]
	if !ok {
		seed = 100
	}
	m.seeds[pair] = seed
	return seed
}

func (m *Manager) demoLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DemoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emitDemoTicks()
		}
	}
}

func (m *Manager) emitDemoTicks() {
	m.mu.Lock()
	if m.state != DemoMode {
		m.mu.Unlock()
		return
	}
	points := make([]market.DataPoint, 0, len(m.pairs))
	now := time.Now().UTC()
	for pair := range m.pairs {
		last := m.seedPrice(pair)
		// Random walk within +-0.5% per tick.
		next := last * (1 + (m.rng.Float64()-0.5)/100)
		m.seeds[pair] = next
		high, low := next, next
		if last > high {
			high = last
		}
		if last < low {
			low = last
		}
		points = append(points, market.DataPoint{
			Pair:      pair,
			Open:      last,
			High:      high,
			Low:       low,
			Close:     next,
			Volume:    m.rng.Float64() * 10,
			Timestamp: now,
		})
	}
	m.mu.Unlock()

	for _, p := range points {
		m.bus.Publish(events.Event{
			Kind:   events.TypeTicker,
			Ticker: &events.TickerEvent{Point: p, Synthetic: true},
		})
	}
}

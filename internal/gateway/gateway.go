// Package gateway
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/amirphl/kraken-trader/internal/logging"
)

// Config holds gateway tunables.
type Config struct {
	BaseURL        string
	Origin         string
	RequestTimeout time.Duration
	MinuteLimit    int
	HourLimit      int
	CacheTTL       time.Duration
}

func (c *Config) applyDefaults() {
	if c.Origin == "" {
		c.Origin = "default"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MinuteLimit == 0 {
		c.MinuteLimit = 60
	}
	if c.HourLimit == 0 {
		c.HourLimit = 600
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 60 * time.Second
	}
}

// readOnlyEndpoints are the private endpoints whose responses may be served
// from cache. Write endpoints are never cached.
var readOnlyEndpoints = map[string]bool{
	"Balance":       true,
	"OpenPositions": true,
	"TradesHistory": true,
}

// requiredFields lists payload validation rules per endpoint.
var requiredFields = map[string][]string{
	"AddOrder": {"pair", "type", "ordertype", "volume"},
}

// Gateway signs, rate-limits and dispatches REST calls to the exchange. All
// private traffic in the system goes through one Gateway so the quota
// counters see every request.
type Gateway struct {
	cfg     Config
	httpc   *http.Client
	creds   CredentialSource
	log     *logrus.Entry
	limiter *windowLimiter
	nonces  *nonceRegistry
	cache   *responseCache
	pacer   *rate.Limiter
}

// Option tweaks gateway construction.
type Option func(*Gateway)

// WithHTTPClient replaces the transport. Tests point this at httptest
// servers.
func WithHTTPClient(c *http.Client) Option { return func(g *Gateway) { g.httpc = c } }

// WithClock replaces the time source for counters, nonces and the cache.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.limiter.now = now
		g.nonces.now = now
		g.cache.now = now
	}
}

// NewGateway builds a gateway backed by creds for private calls.
func NewGateway(cfg Config, creds CredentialSource, opts ...Option) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		cfg:     cfg,
		httpc:   &http.Client{},
		creds:   creds,
		log:     logging.WithComponent("gateway"),
		limiter: newWindowLimiter(cfg.MinuteLimit, cfg.HourLimit, nil),
		nonces:  newNonceRegistry(nil),
		cache:   newResponseCache(cfg.CacheTTL, nil),
		// Courtesy pacing on outbound requests; the quota itself is the
		// fixed-window counters.
		pacer: rate.NewLimiter(rate.Every(250*time.Millisecond), 5),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// envelope is the exchange response wrapper.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Call dispatches one REST request. Private endpoints are signed; all
// requests consume fixed-window quota before any network traffic.
func (g *Gateway) Call(ctx context.Context, endpoint string, private bool, method string, payload map[string]string, identity string) (json.RawMessage, error) {
	if private && identity == "" {
		return nil, ErrIdentityRequired
	}

	if err := validatePayload(endpoint, payload); err != nil {
		return nil, err
	}

	cacheable := private && readOnlyEndpoints[endpoint]
	cacheKey := ""
	if cacheable {
		cacheKey = buildCacheKey(endpoint, payload, identity)
		if data, ok := g.cache.Get(cacheKey); ok {
			g.log.WithField("endpoint", endpoint).Debug("Serving cached response")
			return data, nil
		}
	}

	fingerprints := map[string]string{"origin": "origin:" + g.cfg.Origin}
	if identity != "" {
		fingerprints["identity"] = "identity:" + identity
	}
	if rlErr := g.limiter.Reserve(fingerprints); rlErr != nil {
		g.log.WithFields(logging.Fields{
			"endpoint": endpoint,
			"scope":    rlErr.Scope,
			"window":   rlErr.Window,
		}).Warn("Local rate limit breached")
		return nil, rlErr
	}

	path := endpointPath(endpoint, private)
	form := url.Values{}
	for k, v := range payload {
		form.Set(k, v)
	}

	var headers http.Header
	if private {
		creds, err := g.creds.Lookup(identity)
		if err != nil {
			if errors.Is(err, ErrCredentialsNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrCredentialsNotFound, err)
		}

		nonce, err := g.nonces.Next(identity)
		if err != nil {
			return nil, err
		}
		form.Set("nonce", nonce)

		signature, err := sign(path, nonce, form, creds.APISecret)
		if err != nil {
			return nil, err
		}
		headers = http.Header{}
		headers.Set("API-Key", creds.APIKey)
		headers.Set("API-Sign", signature)
	}

	if err := g.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := g.dispatch(ctx, method, path, form, headers)
	if err != nil {
		return nil, err
	}

	if cacheable {
		g.cache.Put(cacheKey, result)
	}
	return result, nil
}

func (g *Gateway) dispatch(ctx context.Context, method, path string, form url.Values, headers http.Header) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	var req *http.Request
	var err error
	fullURL := g.cfg.BaseURL + path

	if method == http.MethodGet {
		if encoded := form.Encode(); encoded != "" {
			fullURL += "?" + encoded
		}
		req, err = http.NewRequestWithContext(reqCtx, method, fullURL, nil)
	} else {
		req, err = http.NewRequestWithContext(reqCtx, method, fullURL, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := g.httpc.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s after %v", ErrRequestTimeout, path, g.cfg.RequestTimeout)
		}
		return nil, fmt.Errorf("dispatching %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	g.log.WithFields(logging.Fields{
		"path":    path,
		"status":  resp.StatusCode,
		"latency": time.Since(start).String(),
	}).Debug("Request dispatched")

	if resp.StatusCode >= 500 {
		return nil, &ExchangeError{Cause: CauseServiceUnavailable, Messages: []string{resp.Status}}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", path, err)
	}
	if len(env.Error) > 0 {
		return nil, &ExchangeError{Cause: classify(env.Error), Messages: env.Error}
	}
	return env.Result, nil
}

func endpointPath(endpoint string, private bool) string {
	if private {
		return "/0/private/" + endpoint
	}
	return "/0/public/" + endpoint
}

// validatePayload checks endpoint-specific required fields before any quota
// or signing work.
func validatePayload(endpoint string, payload map[string]string) error {
	required, ok := requiredFields[endpoint]
	if !ok {
		return nil
	}

	var missing []string
	for _, field := range required {
		if payload[field] == "" {
			missing = append(missing, field)
		}
	}
	if payload["ordertype"] == "limit" && payload["price"] == "" {
		missing = append(missing, "price")
	}

	if len(missing) > 0 {
		return &InvalidPayloadError{Endpoint: endpoint, Fields: missing}
	}
	return nil
}

func buildCacheKey(endpoint string, payload map[string]string, identity string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteByte('|')
	b.WriteString(identity)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(payload[k])
	}
	return b.String()
}

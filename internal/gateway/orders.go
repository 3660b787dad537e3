// Package gateway
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// OrderRequest describes one order placement.
type OrderRequest struct {
	Pair      string
	Side      string // "buy" or "sell"
	OrderType string // "market" or "limit"
	Volume    float64
	Price     float64 // required for limit orders
}

// OrderResult is the exchange acknowledgment of a placed order.
type OrderResult struct {
	TxIDs       []string
	Description string
}

type addOrderResult struct {
	TxID  []string `json:"txid"`
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
}

// AddOrder places an order for identity through the signed gateway path.
func (g *Gateway) AddOrder(ctx context.Context, identity string, req OrderRequest) (OrderResult, error) {
	payload := map[string]string{
		"pair":      req.Pair,
		"type":      req.Side,
		"ordertype": req.OrderType,
		"volume":    strconv.FormatFloat(req.Volume, 'f', -1, 64),
	}
	if req.OrderType == "limit" {
		payload["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	raw, err := g.Call(ctx, "AddOrder", true, http.MethodPost, payload, identity)
	if err != nil {
		return OrderResult{}, err
	}

	var parsed addOrderResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return OrderResult{}, fmt.Errorf("decoding AddOrder result: %w", err)
	}
	return OrderResult{TxIDs: parsed.TxID, Description: parsed.Descr.Order}, nil
}

// Balance fetches asset balances for identity. Served from the read-only
// cache when fresh.
func (g *Gateway) Balance(ctx context.Context, identity string) (map[string]float64, error) {
	raw, err := g.Call(ctx, "Balance", true, http.MethodPost, nil, identity)
	if err != nil {
		return nil, err
	}

	var parsed map[string]string
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding Balance result: %w", err)
	}

	out := make(map[string]float64, len(parsed))
	for asset, amount := range parsed {
		f, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing balance for %s: %w", asset, err)
		}
		out[asset] = f
	}
	return out, nil
}

// ServerTime fetches the exchange clock. Public, unsigned.
func (g *Gateway) ServerTime(ctx context.Context) (time.Time, error) {
	raw, err := g.Call(ctx, "Time", false, http.MethodGet, nil, "")
	if err != nil {
		return time.Time{}, err
	}

	var parsed struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return time.Time{}, fmt.Errorf("decoding Time result: %w", err)
	}
	return time.Unix(parsed.UnixTime, 0).UTC(), nil
}

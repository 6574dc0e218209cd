// Package venue fetches request/response snapshots from the venue's REST
// API: orders, trades, markets, global counters and balances. It seeds
// local state before and independently of the stream.
package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/market-sync/internal/metrics"
	"github.com/atmx/market-sync/internal/model"
)

// ErrStatus marks a non-2xx response.
var ErrStatus = errors.New("venue: unexpected status")

// StatusError carries the status and a truncated body of a failed call.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("venue: %s returned %d: %s", e.Endpoint, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client is a thin REST client. The zero value is not usable; use New.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a client for baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// OrderFilter narrows ListOrders. Zero fields are not sent.
type OrderFilter struct {
	MarketID *int64
	Player   model.PlayerID
	Status   model.OrderStatus
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	MarketID *int64
	Player   model.PlayerID
}

func (c *Client) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	q := url.Values{}
	if f.MarketID != nil {
		q.Set("marketId", strconv.FormatInt(*f.MarketID, 10))
	}
	if !f.Player.IsZero() {
		q.Set("player", f.Player.String())
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	var out []model.Order
	if err := c.get(ctx, "orders", "/api/orders", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	q := url.Values{}
	if f.MarketID != nil {
		q.Set("marketId", strconv.FormatInt(*f.MarketID, 10))
	}
	if !f.Player.IsZero() {
		q.Set("player", f.Player.String())
	}
	var out []model.Trade
	if err := c.get(ctx, "trades", "/api/trades", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListMarkets(ctx context.Context) ([]model.MarketSummary, error) {
	var out []model.MarketSummary
	if err := c.get(ctx, "markets", "/api/markets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetMarket(ctx context.Context, id int64) (model.MarketSummary, error) {
	var out model.MarketSummary
	if err := c.get(ctx, "market", "/api/markets/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return model.MarketSummary{}, err
	}
	return out, nil
}

func (c *Client) GetGlobal(ctx context.Context) (model.GlobalState, error) {
	var out model.GlobalState
	if err := c.get(ctx, "global", "/api/global", nil, &out); err != nil {
		return model.GlobalState{}, err
	}
	return out, nil
}

func (c *Client) ListBalances(ctx context.Context, player model.PlayerID) ([]model.Balance, error) {
	q := url.Values{"player": {player.String()}}
	var out []model.Balance
	if err := c.get(ctx, "balances", "/api/balances", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values, out any) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SnapshotFetches.WithLabelValues(endpoint, result).Inc()
	}()

	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("venue: build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("venue: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("venue: decode %s: %w", endpoint, err)
	}
	return nil
}

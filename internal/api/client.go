// Package api is a small REST client for the dashboard's snapshot endpoints.
// The feed daemon uses it to warm the local mirror before the realtime feed
// attaches.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"timb-feed/internal/feed"
)

type Client struct {
	base string
	rest *resty.Client
}

func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	return &Client{base: base, rest: r}
}

type livePricesResp struct {
	Prices    []feed.PriceUpdate `json:"prices"`
	Timestamp string             `json:"timestamp"`
}

type liveTransactionsResp struct {
	Transactions []feed.Transaction `json:"transactions"`
	Timestamp    string             `json:"timestamp"`
}

// LivePrices fetches the current market prices snapshot.
func (c *Client) LivePrices(ctx context.Context) ([]feed.PriceUpdate, error) {
	out := &livePricesResp{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(out).
		Get(c.base + "/realtime/api/live-prices/")
	if err != nil {
		return nil, fmt.Errorf("live prices: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("live prices: status %d", resp.StatusCode())
	}
	return out.Prices, nil
}

// LiveTransactions fetches the recent live transactions snapshot.
func (c *Client) LiveTransactions(ctx context.Context) ([]feed.Transaction, error) {
	out := &liveTransactionsResp{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(out).
		Get(c.base + "/realtime/api/live-transactions/")
	if err != nil {
		return nil, fmt.Errorf("live transactions: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("live transactions: status %d", resp.StatusCode())
	}
	return out.Transactions, nil
}

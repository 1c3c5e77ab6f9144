package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coinsentry/coinsentry-go/internal/config"
	"github.com/coinsentry/coinsentry-go/internal/errs"
)

// Client talks to the market data sidecar over HTTP. The sidecar is a
// rate-limited, fallible remote: every call is bounded by the configured
// timeout and failures surface as ErrUpstreamFetch.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an upstream market data client.
func NewClient(cfg config.UpstreamConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.ServiceURL, "/"),
	}
}

// FetchTicker retrieves the current ticker for a symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*TickerResponse, error) {
	path := "/api/ticker/" + url.PathEscape(symbol)
	var response TickerResponse
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("%w: ticker %s: %v", errs.ErrUpstreamFetch, symbol, err)
	}
	return &response, nil
}

// FetchOHLCV retrieves up to limit candles for a symbol and timeframe.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (*OHLCVResponse, error) {
	path := "/api/ohlcv/" + url.PathEscape(symbol) + "?timeframe=" + url.QueryEscape(timeframe)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var response OHLCVResponse
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("%w: ohlcv %s: %v", errs.ErrUpstreamFetch, symbol, err)
	}
	return &response, nil
}

// HealthCheck checks whether the sidecar is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	var response healthResponse
	if err := c.makeRequest(ctx, http.MethodGet, "/health", nil, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("upstream unhealthy: %s", response.Status)
	}
	return nil
}

func (c *Client) makeRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

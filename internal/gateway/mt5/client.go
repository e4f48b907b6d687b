package mt5

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cyconfig "cyclone/internal/config"

	"golang.org/x/time/rate"
)

// Client wraps the HTTP side of the terminal bridge. All trading and
// market-data calls go through here; the WebSocket stream lives in
// stream.go. Calls are rate limited client-side because the terminal
// serializes requests and chokes on floods.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

var (
	errNotFound    = errors.New("mt5 bridge: not found")
	errUninitiated = errors.New("mt5 client not initialized")
)

// NewClient constructs a bridge client from configuration.
func NewClient(cfg cyconfig.VenueConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("venue.base_url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse venue.base_url: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		}
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Initialize logs the bridge's terminal into the trade server. Called
// once by the session at startup.
func (c *Client) Initialize(ctx context.Context, req initializeRequest) error {
	var resp initializeResponse
	if err := c.doRequest(ctx, http.MethodPost, "/initialize", req, &resp); err != nil {
		return err
	}
	if !resp.Initialized {
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = "terminal refused initialization"
		}
		return fmt.Errorf("mt5 initialize failed: %s", msg)
	}
	return nil
}

// Shutdown releases the terminal connection.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// OrderSend submits a trade request and returns the raw result without
// interpreting the retcode.
func (c *Client) OrderSend(ctx context.Context, req orderSendRequest) (*orderSendResponse, error) {
	var resp orderSendResponse
	if err := c.doRequest(ctx, http.MethodPost, "/order_send", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PositionClose closes an open position at market.
func (c *Client) PositionClose(ctx context.Context, ticket int64, deviation int) (*tradeResultResponse, error) {
	var resp tradeResultResponse
	err := c.doRequest(ctx, http.MethodPost, "/position_close", positionCloseRequest{Ticket: ticket, Deviation: deviation}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// OrderCancel removes a working pending order.
func (c *Client) OrderCancel(ctx context.Context, ticket int64) (*tradeResultResponse, error) {
	var resp tradeResultResponse
	if err := c.doRequest(ctx, http.MethodPost, "/order_cancel", orderCancelRequest{Ticket: ticket}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Positions fetches the full open-position set.
func (c *Client) Positions(ctx context.Context) ([]bridgePosition, error) {
	var out []bridgePosition
	if err := c.doRequest(ctx, http.MethodGet, "/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PendingOrders fetches the full working-order set.
func (c *Client) PendingOrders(ctx context.Context) ([]bridgeOrder, error) {
	var out []bridgeOrder
	if err := c.doRequest(ctx, http.MethodGet, "/orders", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PositionByTicket looks up one open position. Returns errNotFound when
// the terminal does not know the ticket.
func (c *Client) PositionByTicket(ctx context.Context, ticket int64) (*bridgePosition, error) {
	var out bridgePosition
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/positions/%d", ticket), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OrderByTicket looks up one working pending order.
func (c *Client) OrderByTicket(ctx context.Context, ticket int64) (*bridgeOrder, error) {
	var out bridgeOrder
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/orders/%d", ticket), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SymbolInfo fetches the symbol's trading parameters.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (*symbolInfoResponse, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	var out symbolInfoResponse
	if err := c.doRequest(ctx, http.MethodGet, "/symbol_info/"+url.PathEscape(symbol), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tick fetches the latest quote for a symbol.
func (c *Client) Tick(ctx context.Context, symbol string) (*tickResponse, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	var out tickResponse
	if err := c.doRequest(ctx, http.MethodGet, "/tick/"+url.PathEscape(symbol), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Candles fetches recent bars, newest last.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, count int) ([]candleResponse, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if count <= 0 {
		count = 100
	}
	path := fmt.Sprintf("/candles/%s?timeframe=%s&count=%d", url.PathEscape(symbol), url.QueryEscape(timeframe), count)
	var out []candleResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AccountInfo fetches the account snapshot.
func (c *Client) AccountInfo(ctx context.Context) (*accountInfoResponse, error) {
	var out accountInfoResponse
	if err := c.doRequest(ctx, http.MethodGet, "/account", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil || c.httpClient == nil {
		return errUninitiated
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("bridge rate limit wait: %w", err)
	}
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal bridge request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("build bridge request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call mt5 bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) == 0 {
			return fmt.Errorf("mt5 bridge error: %s", resp.Status)
		}
		return fmt.Errorf("mt5 bridge error (%s): %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}

func (c *Client) resolveEndpoint(path string) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("bridge base URL not set")
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = "/"
	}
	query := ""
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		query = trimmed[idx+1:]
		trimmed = trimmed[:idx]
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = query
	base.Fragment = ""
	return &base, nil
}

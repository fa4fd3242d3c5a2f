// Package polymarket fetches resting orders and executed trades for a
// market, either from the live CLOB data API or from in-memory fixtures.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/models"
	"github.com/rewired-gh/polyscore/internal/retry"
)

// DefaultAPIURL is the public CLOB data endpoint.
const DefaultAPIURL = "https://clob.polymarket.com/data"

const maxBodyBytes = 10 << 20

// Source provides order book activity for a market.
type Source interface {
	FetchActiveOrders(ctx context.Context, marketID string) ([]models.Order, error)
	FetchTrades(ctx context.Context, marketID string) ([]models.Trade, error)
}

// ClientConfig configures the live client. Zero values pick defaults.
type ClientConfig struct {
	APIURL            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerCooldown   time.Duration
	Retry             retry.Policy
	HTTPClient        *http.Client
}

// Client talks to the live data API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	policy     retry.Policy
}

// NewClient creates a live client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "polymarket",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only upstream trouble counts against the breaker; a 404 or a bad
		// payload says nothing about availability.
		IsSuccessful: func(err error) bool {
			return err == nil || !retry.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:    breaker,
		policy:     cfg.Retry,
	}
}

// FetchActiveOrders returns the market's resting orders. Transient upstream
// failures that outlast the retry policy yield an empty list and no error.
func (c *Client) FetchActiveOrders(ctx context.Context, marketID string) ([]models.Order, error) {
	return fetchList[models.Order](ctx, c, "/orders", marketID)
}

// FetchTrades returns the market's executed trades, with the same failure
// behavior as FetchActiveOrders.
func (c *Client) FetchTrades(ctx context.Context, marketID string) ([]models.Trade, error) {
	return fetchList[models.Trade](ctx, c, "/trades", marketID)
}

func fetchList[T any](ctx context.Context, c *Client, path, marketID string) ([]T, error) {
	u := c.baseURL + path + "?" + url.Values{"market": {marketID}}.Encode()

	var items []T
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		body, err := c.breaker.Execute(func() (interface{}, error) {
			return c.get(ctx, u)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return retry.Transient(err)
			}
			return err
		}
		var decoded []T
		if err := json.Unmarshal(body.([]byte), &decoded); err != nil {
			return retry.Permanent(fmt.Errorf("malformed %s response for market %s: %w", path, marketID, err))
		}
		items = decoded
		return nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		logger.Warn("Giving up on %s for market %s: %v", path, marketID, err)
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, retry.Transient(fmt.Errorf("server error: %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to read response: %w", err))
	}
	return body, nil
}

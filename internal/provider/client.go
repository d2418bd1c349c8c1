package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"tgtg_items_updater/internal/domain"
)

const (
	ClientID   = "http-provider"
	maxErrBody = 512
)

// Config holds provider client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration

	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerInterval         time.Duration
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenRequests uint32
}

// Client queries the availability provider over HTTP and classifies every
// failure into a domain error kind.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// New creates a new provider client.
func New(cfg Config, logger *slog.Logger) *Client {
	logger = logger.With("component", "provider", "client", ClientID)

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.BaseURL,
		breaker: newCircuitBreaker(cfg, logger),
		logger:  logger,
	}
}

// Fetch runs one items query. The returned slice keeps provider order.
func (c *Client) Fetch(ctx context.Context, creds domain.Credentials, query domain.TriggerMessage) ([]domain.Item, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, creds, query)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewError(domain.KindProviderUnavailable, "fetch items", err)
		}
		return nil, err
	}
	return out.([]domain.Item), nil
}

func (c *Client) doRequest(ctx context.Context, creds domain.Credentials, query domain.TriggerMessage) ([]domain.Item, error) {
	const op = "fetch items"

	body, err := json.Marshal(itemsRequest{
		UserID:        creds.UserID,
		Latitude:      query.Latitude,
		Longitude:     query.Longitude,
		Radius:        query.Radius,
		FavoritesOnly: query.FavoritesOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TgtgItemsUpdater/1.0")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("X-User-Id", creds.UserID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindProviderUnavailable, op, fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp)
	}

	var apiResp itemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewError(domain.KindProviderUnavailable, op, fmt.Errorf("read response: %w", err))
		}
		return nil, domain.NewError(domain.KindMalformedResponse, op, fmt.Errorf("decode response: %w", err))
	}
	if apiResp.Items == nil {
		return nil, domain.NewError(domain.KindMalformedResponse, op, errors.New(`response has no "items" field`))
	}

	items := make([]domain.Item, 0, len(*apiResp.Items))
	for _, raw := range *apiResp.Items {
		items = append(items, domain.Item(raw))
	}

	c.logger.Debug("fetched items", "count", len(items))

	return items, nil
}

func classifyStatus(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	err := fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return domain.NewError(domain.KindAuth, op, err)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return domain.NewError(domain.KindProviderUnavailable, op, err)
	default:
		return domain.NewError(domain.KindMalformedResponse, op, err)
	}
}

func newCircuitBreaker(cfg Config, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ClientID,
		MaxRequests: cfg.BreakerHalfOpenRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			failRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failRate >= cfg.BreakerFailureRatio
		},
		// auth and malformed responses say nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || domain.KindOf(err) != domain.KindProviderUnavailable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

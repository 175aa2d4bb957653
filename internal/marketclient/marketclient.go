// Package marketclient is the Market Client (C7): fetches probability
// samples from the external prediction-market provider, with retry/backoff
// and liveness checks.
package marketclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackpool/ruleswap/internal/apperr"
	"github.com/blackpool/ruleswap/internal/evaluator"
)

// Client is the Market Client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outbound request rate to the provider.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New constructs a Client against baseURL, authenticating with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type marketResponse struct {
	MarketID     string  `json:"market_id"`
	Probability  float64 `json:"probability"`
	LastPrice    float64 `json:"last_price"`
	Volume       float64 `json:"volume"`
	OpenInterest float64 `json:"open_interest"`
	Status       string  `json:"status"`
	CloseTimeISO string  `json:"close_time"`
	ObservedAt   string  `json:"observed_at"`
}

// backoffSchedule is the retry cadence: 1s, 2s, 4s, capped at 10s.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Fetch retrieves a fresh probability sample for marketID, retrying
// transient upstream failures for up to four attempts in all (three retries,
// after 1s, 2s and 4s). 4xx-equivalent errors (auth, not-found) are never retried.
func (c *Client) Fetch(ctx context.Context, marketID string) (evaluator.Sample, error) {
	var lastErr error

	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		if attempt > 0 {
			wait := backoffSchedule[attempt-1]
			if wait > 10*time.Second {
				wait = 10 * time.Second
			}
			select {
			case <-ctx.Done():
				return evaluator.Sample{}, apperr.New("marketclient.fetch", apperr.UpstreamTransient, ctx.Err())
			case <-time.After(wait):
			}
		}

		sample, err := c.fetchOnce(ctx, marketID)
		if err == nil {
			return sample, nil
		}

		lastErr = err
		if kind, ok := apperr.KindOf(err); ok && !apperr.Retryable(kind) {
			return evaluator.Sample{}, err
		}
	}

	return evaluator.Sample{}, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, marketID string) (evaluator.Sample, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return evaluator.Sample{}, apperr.New("marketclient.fetch", apperr.UpstreamTransient, err)
	}

	url := fmt.Sprintf("%s/markets/%s", c.baseURL, marketID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return evaluator.Sample{}, apperr.New("marketclient.fetch", apperr.UpstreamProtocol, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return evaluator.Sample{}, apperr.New("marketclient.fetch", apperr.UpstreamTransient, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return evaluator.Sample{}, apperr.Newf("marketclient.fetch", apperr.AuthFailed, "status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return evaluator.Sample{}, apperr.Newf("marketclient.fetch", apperr.MarketNotFound, "market %s", marketID)
	case resp.StatusCode >= 500:
		return evaluator.Sample{}, apperr.Newf("marketclient.fetch", apperr.UpstreamTransient, "status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return evaluator.Sample{}, apperr.Newf("marketclient.fetch", apperr.UpstreamProtocol, "status %d", resp.StatusCode)
	}

	var parsed marketResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return evaluator.Sample{}, apperr.New("marketclient.fetch", apperr.UpstreamProtocol, err)
	}

	if parsed.Volume == 0 && parsed.OpenInterest == 0 {
		c.logger.Warn("market has zero volume and zero open interest", slog.String("market_id", parsed.MarketID))
	}

	return toSample(parsed)
}

func toSample(r marketResponse) (evaluator.Sample, error) {
	status := r.Status
	if status != "active" && status != "open" {
		return evaluator.Sample{}, apperr.Newf("marketclient.fetch", apperr.MarketInactive, "market %s status %q", r.MarketID, status)
	}

	if r.CloseTimeISO != "" {
		closeTime, err := time.Parse(time.RFC3339, r.CloseTimeISO)
		if err == nil && time.Now().After(closeTime) {
			return evaluator.Sample{}, apperr.Newf("marketclient.fetch", apperr.MarketInactive, "market %s closed at %s", r.MarketID, r.CloseTimeISO)
		}
	}

	observedAt := time.Now().UTC()
	if r.ObservedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, r.ObservedAt); err == nil {
			observedAt = parsed
		}
	}

	return evaluator.Sample{
		MarketID:     r.MarketID,
		Probability:  r.Probability,
		LastPrice:    r.LastPrice,
		Volume:       r.Volume,
		OpenInterest: r.OpenInterest,
		ObservedAt:   observedAt,
	}, nil
}

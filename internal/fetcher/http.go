// Package fetcher provides the transport clients source adapters fetch
// through: rate-limited HTTP, FTP file drops, and XLSX workbooks.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fleetops/fleetsync/internal/resilience"
)

// HTTPOptions configures the HTTP client.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// RateRPS/RateBurst seed the adaptive limiter applied to every host
	// this client talks to. Zero values disable client-side limiting
	// (the scheduler's per-source limiters still apply).
	RateRPS   float64
	RateBurst int
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPClient performs JSON requests with per-host adaptive rate limiting
// and classifies failures into the resilience taxonomy. It does not
// retry: retry policy belongs to the scheduler, applied uniformly across
// all sources.
type HTTPClient struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPClient creates a new HTTPClient with the given options.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fleetsync/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (c *HTTPClient) limiterFor(rawURL string) *AdaptiveLimiter {
	if c.opts.RateRPS <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[u.Host]
	if !ok {
		burst := c.opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = NewAdaptiveLimiter(rate.Limit(c.opts.RateRPS), burst)
		c.limiters[u.Host] = lim
	}
	return lim
}

// GetJSON fetches rawURL and decodes the JSON response into out.
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	return c.doJSON(ctx, http.MethodGet, rawURL, headers, nil, out)
}

// PostJSON posts body as JSON to rawURL and decodes the response into out.
func (c *HTTPClient) PostJSON(ctx context.Context, rawURL string, headers map[string]string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, rawURL, headers, body, out)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, rawURL string, headers map[string]string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "fetcher: marshal request body")
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	lim := c.limiterFor(rawURL)
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return eris.Wrap(err, "fetcher: rate limiter wait")
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable by definition.
		return resilience.NewTransientError(eris.Wrapf(err, "fetcher: %s %s", method, rawURL), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The dashboard session (or API credential) is no longer valid;
		// retrying without re-authentication is pointless.
		return resilience.NewAuthExpiredError(eris.Errorf("fetcher: http %d from %s", resp.StatusCode, rawURL))
	case resp.StatusCode == http.StatusTooManyRequests:
		if lim != nil {
			lim.OnRateLimit()
		}
		return resilience.NewTransientError(eris.Errorf("fetcher: http 429 from %s", rawURL), resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("fetcher: http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	if lim != nil {
		lim.OnSuccess()
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.NewParseError(eris.Wrapf(err, "fetcher: decode %s", rawURL))
	}
	return nil
}

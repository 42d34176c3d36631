package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"guildpulse/internal/metrics"
	"guildpulse/internal/ratelimit"
	"guildpulse/internal/utils"
)

const maxBodyBytes = 4 << 20

var ErrRateLimited = errors.New("external: rate limited")

// RateLimitedError is returned when the resource budget is spent. It matches
// ErrRateLimited with errors.Is.
type RateLimitedError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry in %s", e.Resource, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
}

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	Check(ctx context.Context, resource string) ratelimit.Decision
}

// Client performs metered GET requests. Cached responses are served without
// spending budget.
type Client struct {
	http    *http.Client
	limiter Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache *lru.LRU[string, []byte]
}

func NewClient(httpClient *http.Client, limiter Limiter, cacheTTL time.Duration, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Client{
		http:    httpClient,
		limiter: limiter,
		logger:  logger,
		cache:   lru.NewLRU[string, []byte](1024, nil, cacheTTL),
	}
}

func (c *Client) WithMetrics(m *metrics.Metrics) {
	c.metrics = m
}

func (c *Client) Get(ctx context.Context, resource, rawURL string) ([]byte, error) {
	key, err := utils.CacheKey(resource, rawURL)
	if err != nil {
		return nil, fmt.Errorf("normalize url: %w", err)
	}

	c.mu.Lock()
	body, ok := c.cache.Get(key)
	c.mu.Unlock()
	c.metrics.Cache(resource, ok)
	if ok {
		return body, nil
	}

	if c.limiter != nil {
		if decision := c.limiter.Check(ctx, resource); !decision.Allowed {
			c.metrics.External(resource, "rate_limited")
			return nil, &RateLimitedError{Resource: resource, RetryAfter: decision.RetryAfter}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "guildpulse")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.External(resource, "error")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.External(resource, "error")
		return nil, &StatusError{URL: rawURL, Status: resp.StatusCode}
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.External(resource, "error")
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(key, body)
	c.mu.Unlock()
	c.metrics.External(resource, "ok")
	return body, nil
}

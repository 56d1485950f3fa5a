package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/camuig/signal-tracker/internal/logger"
)

// httpClient is the shared transport of both sources: a per-source request
// limiter and a hard timeout per call.
type httpClient struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *logger.Logger
}

func newHTTPClient(name string, timeout time.Duration, perMinute int, log *logger.Logger) *httpClient {
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = max(1, perMinute/60)
	}
	return &httpClient{
		name:    name,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		logger:  log,
	}
}

func (c *httpClient) getJSON(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", c.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", c.name, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Source: c.name, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s response: %w", c.name, err)
	}
	return nil
}

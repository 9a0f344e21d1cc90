package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/logger"
)

const maxBodySize = 8 << 20

// StatusError is a non-2xx response from an upstream.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d", e.URL, e.Code)
}

// fetcher performs GETs with a per-request timeout and retries 429 and 5xx
// responses with exponential backoff. Any other status is permanent.
type fetcher struct {
	client     *http.Client
	userAgent  string
	newBackOff func() backoff.BackOff
}

func newFetcher(timeout time.Duration, userAgent string) *fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 1 * time.Second
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			b.Multiplier = 2.0
			b.RandomizationFactor = 0.5
			return b
		},
	}
}

func (f *fetcher) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		if f.userAgent != "" {
			req.Header.Set("User-Agent", f.userAgent)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("perform request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			logger.Debug("upstream busy, retrying",
				zap.String("url", url), zap.Int("status", resp.StatusCode))
			return &StatusError{URL: url, Code: resp.StatusCode}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(&StatusError{URL: url, Code: resp.StatusCode})
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(f.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *fetcher) getJSON(ctx context.Context, url string, out any) error {
	body, err := f.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

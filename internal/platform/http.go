package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/questhub-engine/internal/domain"
)

const maxBodyBytes = 1 << 20

// NewHTTPClient returns the client shared by adapters. Per-call deadlines come
// from the caller's context.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}

// apiClient performs authenticated JSON requests against one platform
type apiClient struct {
	platform domain.Platform
	http     *http.Client
	base     string
}

// get returns the status and body. Transport failures come back already
// classified as transient.
func (c *apiClient) get(ctx context.Context, path, authorization string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.base, "/")+path, nil)
	if err != nil {
		return 0, nil, permanent(c.platform, 0, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, transportError(c.platform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, transportError(c.platform, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		e := transient(c.platform, resp.StatusCode, errors.New("rate limited"))
		e.RetryAfter = retryAfter(resp.Header)
		return resp.StatusCode, body, e
	}
	return resp.StatusCode, body, nil
}

// statusError classifies an unexpected HTTP status.
func statusError(p domain.Platform, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("unexpected response: %s", msg)
	switch {
	case status == http.StatusTooManyRequests, status >= 500, status == http.StatusRequestTimeout:
		return transient(p, status, err)
	default:
		return permanent(p, status, err)
	}
}

// transportError classifies a failure below HTTP. Deadlines, cancellations
// and network faults are all retryable.
func transportError(p domain.Platform, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return transient(p, 0, err)
	case errors.As(err, &netErr):
		return transient(p, 0, err)
	}
	return transient(p, 0, fmt.Errorf("request failed: %w", err))
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		v = h.Get("X-RateLimit-Reset-After")
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

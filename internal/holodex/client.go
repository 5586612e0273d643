// Package holodex discovers live, upcoming and recently ended broadcasts
// through the Holodex API.
package holodex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://holodex.net/api/v2"

// ErrKeysExhausted is returned when every key was refused with 403 or 429.
var ErrKeysExhausted = errors.New("holodex: all api keys rate limited")

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("holodex: %s: status %d", e.URL, e.Status)
}

// ClientOptions configures a Client. Keys must not be empty.
type ClientOptions struct {
	Keys      []string
	BaseURL   string
	HTTP      *http.Client
	Clock     clock.Clock
	Limiter   *rate.Limiter
	BaseDelay time.Duration
	Jitter    time.Duration
	Logger    *slog.Logger
}

// Client issues authenticated GETs with key rotation and retries.
type Client struct {
	opts ClientOptions

	keyMu  sync.Mutex
	keyIdx int
}

func NewClient(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Every(250*time.Millisecond), 4)
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts}
}

func (c *Client) nextKey() string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if len(c.opts.Keys) == 0 {
		return ""
	}
	key := c.opts.Keys[c.keyIdx]
	c.keyIdx = (c.keyIdx + 1) % len(c.opts.Keys)
	return key
}

func (c *Client) maxAttempts() int {
	n := len(c.opts.Keys) * 2
	if n < 3 {
		n = 3
	}
	if n > 10 {
		n = 10
	}
	return n
}

// Get fetches path with params. 403 and 429 rotate to the next key; 5xx and
// transport errors back off exponentially with jitter.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	reqURL := c.opts.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var lastErr error
	attempts := c.maxAttempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, retry, err := c.once(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		switch retry {
		case retryNone:
			return nil, err
		case retryRotate:
			c.opts.Logger.Warn("holodex: rate limited, rotating key", "attempt", attempt+1, "err", err)
			continue
		case retryBackoff:
			if attempt == attempts-1 {
				break
			}
			delay := c.delay(attempt)
			c.opts.Logger.Warn("holodex: request failed, retrying", "attempt", attempt+1, "delay", delay, "err", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.opts.Clock.After(delay):
			}
		}
	}
	if errors.Is(lastErr, errRateLimited) {
		return nil, ErrKeysExhausted
	}
	return nil, lastErr
}

type retryKind int

const (
	retryNone retryKind = iota
	retryRotate
	retryBackoff
)

var errRateLimited = errors.New("holodex: rate limited")

func (c *Client) once(ctx context.Context, reqURL string) ([]byte, retryKind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, retryNone, err
	}
	req.Header.Set("Accept", "application/json")
	if key := c.nextKey(); key != "" {
		req.Header.Set("X-APIKEY", key)
	}

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retryNone, ctx.Err()
		}
		return nil, retryBackoff, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, retryBackoff, err
	}

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryRotate, fmt.Errorf("%w: status %d", errRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, retryBackoff, &StatusError{Status: resp.StatusCode, URL: reqURL}
	case resp.StatusCode >= 400:
		return nil, retryNone, &StatusError{Status: resp.StatusCode, URL: reqURL, Body: truncate(string(body), 256)}
	}
	return body, retryNone, nil
}

func (c *Client) delay(attempt int) time.Duration {
	d := c.opts.BaseDelay << attempt
	if c.opts.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.opts.Jitter)))
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

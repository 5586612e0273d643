package ytlive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultBaseURL   = "https://www.youtube.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Batch is one continuation response.
type Batch struct {
	Payload      map[string]any
	Continuation string
	TimeoutMs    int
}

// Fetcher is the chat source as seen by a poller.
type Fetcher interface {
	FetchPage(ctx context.Context, videoID string) (Page, error)
	FetchChat(ctx context.Context, videoID string, data PageData, continuation string) (Batch, error)
}

// Client talks to the innertube live chat endpoints over plain HTTPS.
type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
}

// NewClient wraps hc. A nil hc gets a client with a 20 second timeout.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{http: hc, baseURL: defaultBaseURL, userAgent: defaultUserAgent}
}

// WithBaseURL points the client at another host, used by tests.
func (c *Client) WithBaseURL(base string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(base, "/")
	return &clone
}

// FetchPage downloads the popout chat page and extracts its bootstrap data.
func (c *Client) FetchPage(ctx context.Context, videoID string) (Page, error) {
	endpoint := fmt.Sprintf("%s/live_chat?is_popout=1&v=%s", c.baseURL, url.QueryEscape(videoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, fmt.Errorf("ytlive: build page request for %s: %w", videoID, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, transient(videoID, "fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, transient(videoID, "fetch page: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return Page{}, transient(videoID, "read page: %w", err)
	}
	return parsePage(string(body)), nil
}

// FetchChat posts one continuation request.
func (c *Client) FetchChat(ctx context.Context, videoID string, data PageData, continuation string) (Batch, error) {
	endpoint := fmt.Sprintf("%s/youtubei/v1/live_chat/get_live_chat?key=%s", c.baseURL, url.QueryEscape(data.APIKey))

	body, err := json.Marshal(chatRequest{Context: requestContext(data), Continuation: continuation})
	if err != nil {
		return Batch{}, fmt.Errorf("ytlive: encode poll request for %s: %w", videoID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Batch{}, fmt.Errorf("ytlive: build poll request for %s: %w", videoID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if data.VisitorData != "" {
		req.Header.Set("X-Goog-Visitor-Id", data.VisitorData)
	}
	if data.ClientName != "" {
		req.Header.Set("X-Youtube-Client-Name", data.ClientName)
	}
	if data.ClientVersion != "" {
		req.Header.Set("X-Youtube-Client-Version", data.ClientVersion)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Batch{}, transient(videoID, "poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return Batch{}, transient(videoID, "poll status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&payload); err != nil {
		return Batch{}, transient(videoID, "decode poll response: %w", err)
	}

	batch := Batch{Payload: payload}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		batch.Continuation, batch.TimeoutMs = nextContinuation(lc)
	}
	return batch, nil
}

type chatRequest struct {
	Context      json.RawMessage `json:"context"`
	Continuation string          `json:"continuation"`
}

func requestContext(data PageData) json.RawMessage {
	if len(data.Context) > 0 {
		return data.Context
	}
	version := data.ClientVersion
	if version == "" {
		version = "2.20240101.00.00"
	}
	fallback := map[string]any{
		"client": map[string]any{
			"clientName":    "WEB",
			"clientVersion": version,
			"hl":            "en",
			"visitorData":   data.VisitorData,
		},
	}
	raw, _ := json.Marshal(fallback)
	return raw
}

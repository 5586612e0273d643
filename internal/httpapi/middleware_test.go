package httpapi

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestIPRateLimiterSweepsIdleVisitors(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	l := newIPRateLimiter(1, 1)
	l.clock = clk
	l.sweepAt = 2

	if !l.Allow("10.0.0.1") || l.Allow("10.0.0.1") {
		t.Fatalf("expected one request then a refusal")
	}
	clk.Advance(10 * time.Minute)
	l.Allow("10.0.0.2")
	l.Allow("10.0.0.3")
	if got := l.size(); got != 2 {
		t.Fatalf("expected idle visitor swept, got %d visitors", got)
	}
	if !l.Allow("10.0.0.1") {
		t.Fatalf("expected a fresh bucket after sweep")
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *ipRateLimiter
	if !l.Allow("x") || newIPRateLimiter(0, 5) != nil {
		t.Fatalf("expected disabled limiter to allow everything")
	}
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	if got := remoteIP(r); got != "192.0.2.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", " 198.51.100.7 , 10.0.0.1")
	if got := remoteIP(r); got != "198.51.100.7" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestCORSPolicy(t *testing.T) {
	if newCORSPolicy([]string{" ", ""}) != nil {
		t.Fatalf("expected nil policy for blank origins")
	}
	policy := newCORSPolicy([]string{"https://dash.example/"})

	cases := []struct {
		name     string
		method   string
		origin   string
		handled  bool
		status   int
		allowHdr string
	}{
		{name: "no origin", method: http.MethodGet},
		{name: "allowed get", method: http.MethodGet, origin: "https://dash.example", allowHdr: "https://dash.example"},
		{name: "preflight", method: http.MethodOptions, origin: "https://dash.example", handled: true, status: http.StatusNoContent, allowHdr: "https://dash.example"},
		{name: "denied", method: http.MethodGet, origin: "https://evil.example", handled: true, status: http.StatusForbidden},
		{name: "not http", method: http.MethodGet, origin: "file://x", handled: true, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, "/events", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			w := httptest.NewRecorder()
			handled := policy.apply(w, r)
			if handled != tc.handled {
				t.Fatalf("expected handled=%v, got %v", tc.handled, handled)
			}
			if tc.handled && w.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tc.allowHdr {
				t.Fatalf("expected allow origin %q, got %q", tc.allowHdr, got)
			}
		})
	}
}

func TestCompressInto(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	rec := newResponseRecorder(w)

	done := compressInto(rec, r)
	_, _ = rec.Write([]byte("hello"))
	done()

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding")
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != "hello" {
		t.Fatalf("expected hello, got %q", body)
	}

	plain := httptest.NewRequest(http.MethodGet, "/stream", nil)
	plain.Header.Set("Accept-Encoding", "gzip")
	plain.Header.Set("Accept", "text/event-stream")
	rec2 := newResponseRecorder(httptest.NewRecorder())
	compressInto(rec2, plain)()
	if _, ok := rec2.ResponseWriter.(*gzipWriter); ok {
		t.Fatalf("expected event streams to stay uncompressed")
	}
}

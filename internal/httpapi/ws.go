package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func (c *corsPolicy) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	if c == nil {
		return opts
	}
	if c.allowAll {
		opts.InsecureSkipVerify = true
		return opts
	}
	for origin := range c.origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}
	return opts
}

// handleWS streams notable events as JSON text frames. Query parameters
// filter the feed the same way they filter /events.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(baseWriter(w), r, s.cors.acceptOptions())
	if err != nil {
		slog.Debug("httpapi: websocket accept", "remote", remoteIP(r), "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	c := s.subscribe(filters, transportWS)
	if c == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unsubscribe(c)
	defer s.metrics.feedClient(transportWS)()

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case rec, ok := <-c.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, rec)
			cancel()
			if err != nil {
				return
			}
			s.metrics.offered(transportWS, true)
		}
	}
}

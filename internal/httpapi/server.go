package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/lifecycle"
)

// Store is the journal as seen by the API.
type Store interface {
	CountEvents(ctx context.Context, filters Filters) (int64, error)
	ListEvents(ctx context.Context, filters Filters) ([]core.Record, error)
}

// SessionLister reports what the lifecycle manager is doing.
type SessionLister interface {
	Sessions() []lifecycle.SessionInfo
	Removals() []lifecycle.PendingRemoval
}

type Options struct {
	Addr  string
	Build BuildInfo
	// Gatherer is exposed on /metrics next to the server's own collectors.
	Gatherer prometheus.Gatherer
	Store    Store
	Sessions SessionLister
	Writes   WriteReporter
	// Config is reported on /info; pass a redacted view.
	Config         any
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
	// Register adds extra routes, such as the admin endpoints.
	Register func(mux *http.ServeMux)
}

type Server struct {
	httpServer *http.Server
	opts       Options
	metrics    *apiMetrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	started    time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	ch        chan core.Record
	filters   Filters
	transport string
}

func New(opts Options) *Server {
	srv := &Server{
		opts:    opts,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		started: time.Now(),
		clients: make(map[*client]struct{}),
	}
	srv.metrics = newAPIMetrics(srv.writeStats)

	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.wrap("metrics", srv.metricsHandler(), false))
	mux.Handle("/healthz", srv.wrap("healthz", http.HandlerFunc(srv.handleHealthz), false))
	mux.Handle("/info", srv.wrap("info", http.HandlerFunc(srv.handleInfo), true))
	mux.Handle("/sessions", srv.wrap("sessions", http.HandlerFunc(srv.handleSessions), true))
	mux.Handle("/events", srv.wrap("events", http.HandlerFunc(srv.handleEvents), true))
	mux.Handle("/count", srv.wrap("count", http.HandlerFunc(srv.handleCount), true))
	mux.Handle("/stream", srv.wrap("stream", http.HandlerFunc(srv.handleStream), false))
	mux.Handle("/ws", srv.wrap("ws", http.HandlerFunc(srv.handleWS), false))
	if opts.Register != nil {
		opts.Register(mux)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Sources are the parts of the pipeline the API reads from. The journal
// feeds the live stream through Broadcast, so they are built after the
// server.
type Sources struct {
	Store    Store
	Sessions SessionLister
	Writes   WriteReporter
}

// Attach sets the sources. Nil fields leave the current value. Attach must
// be called before the server starts.
func (s *Server) Attach(src Sources) {
	if src.Store != nil {
		s.opts.Store = src.Store
	}
	if src.Sessions != nil {
		s.opts.Sessions = src.Sessions
	}
	if src.Writes != nil {
		s.opts.Writes = src.Writes
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) metricsHandler() http.Handler {
	gatherers := prometheus.Gatherers{s.metrics.registry}
	if s.opts.Gatherer != nil {
		gatherers = append(gatherers, s.opts.Gatherer)
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// wrap applies rate limiting, CORS, optional gzip and request metrics.
func (s *Server) wrap(route string, next http.Handler, compress bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		defer func() {
			s.metrics.observe(route, r.Method, rec.Status(), time.Since(start), rec.Bytes())
		}()

		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.reject(rejectRateLimit)
			http.Error(rec, "rate limited", http.StatusTooManyRequests)
			return
		}
		if s.cors.apply(rec, r) {
			if rec.Status() == http.StatusForbidden {
				s.metrics.reject(rejectOrigin)
			}
			return
		}
		if compress {
			defer compressInto(rec, r)()
		}
		next.ServeHTTP(rec, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

type sessionsResponse struct {
	Sessions []lifecycle.SessionInfo    `json:"sessions"`
	Removals []lifecycle.PendingRemoval `json:"pendingRemovals"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Sessions == nil {
		http.Error(w, "sessions unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := sessionsResponse{
		Sessions: s.opts.Sessions.Sessions(),
		Removals: s.opts.Sessions.Removals(),
	}
	if resp.Sessions == nil {
		resp.Sessions = []lifecycle.SessionInfo{}
	}
	if resp.Removals == nil {
		resp.Removals = []lifecycle.PendingRemoval{}
	}
	writeJSON(w, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.opts.Store.ListEvents(r.Context(), filters)
	if err != nil {
		s.metrics.queryFailed("list")
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.Record{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.opts.Store.CountEvents(r.Context(), filters)
	if err != nil {
		s.metrics.queryFailed("count")
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": count})
}

// subscribe registers a live feed client. It returns nil when the server is
// shutting down.
func (s *Server) subscribe(filters Filters, transport string) *client {
	c := &client{ch: make(chan core.Record, 256), filters: filters.CloneForStream(), transport: transport}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.clients[c] = struct{}{}
	return c
}

func (s *Server) unsubscribe(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := baseWriter(w).(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	c := s.subscribe(filters, transportSSE)
	if c == nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(c)
	defer s.metrics.feedClient(transportSSE)()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case rec, ok := <-c.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: event\ndata: %s\n\n", data)
			flusher.Flush()
			s.metrics.offered(transportSSE, true)
		}
	}
}

// Broadcast pushes rec to every live feed client whose filters match. Slow
// clients lose records rather than stall the caller.
func (s *Server) Broadcast(rec core.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if !c.filters.Matches(rec) {
			continue
		}
		select {
		case c.ch <- rec:
		default:
			s.metrics.offered(c.transport, false)
		}
	}
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.ch)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) String() string { return "httpapi" }

// Serve runs the server until ctx is done, for use under a supervisor.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("httpapi: server stopped", "addr", s.httpServer.Addr, "err", err)
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			slog.Warn("httpapi: shutdown", "err", err)
		}
		return ctx.Err()
	}
}

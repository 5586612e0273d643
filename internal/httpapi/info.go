package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

// WriteStats counts the journal writer's work since start.
type WriteStats struct {
	Pending   int    `json:"pending"`
	Written   uint64 `json:"written"`
	Flushes   uint64 `json:"flushes"`
	Coalesced uint64 `json:"coalesced"`
	Failed    uint64 `json:"failed"`
}

// WriteReporter is implemented by the buffered journal writer.
type WriteReporter interface {
	Stats() WriteStats
}

type infoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"rev"`
	BuiltAt  string `json:"built_at,omitempty"`
	Go       string `json:"go"`
	Uptime   string `json:"uptime"`

	Sessions        map[string]int `json:"sessions"`
	PendingRemovals int            `json:"pending_removals"`
	FeedClients     map[string]int `json:"feed_clients"`
	Journal         *WriteStats    `json:"journal,omitempty"`
	Config          any            `json:"config,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:     s.opts.Build.Version,
		Revision:    s.opts.Build.Revision,
		Go:          runtime.Version(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Sessions:    map[string]int{},
		FeedClients: s.feedClients(),
		Config:      s.opts.Config,
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	if s.opts.Sessions != nil {
		for _, info := range s.opts.Sessions.Sessions() {
			resp.Sessions[string(info.Status)]++
		}
		resp.PendingRemovals = len(s.opts.Sessions.Removals())
	}
	if s.opts.Writes != nil {
		st := s.opts.Writes.Stats()
		resp.Journal = &st
	}
	writeJSON(w, resp)
}

func (s *Server) feedClients() map[string]int {
	out := map[string]int{transportSSE: 0, transportWS: 0}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		out[c.transport]++
	}
	return out
}

func (s *Server) writeStats() WriteStats {
	if s.opts.Writes == nil {
		return WriteStats{}
	}
	return s.opts.Writes.Stats()
}

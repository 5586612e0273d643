package httpadmin

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Snapshotter writes the metrics and dedup snapshot on demand.
type Snapshotter interface {
	Snapshot() (dir string, err error)
}

type Server struct {
	snap Snapshotter
}

func New(snap Snapshotter) *Server { return &Server{snap: snap} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		dir, err := s.snap.Snapshot()
		if err != nil {
			http.Error(w, "snapshot failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "written": true, "dir": dir})
	})
}

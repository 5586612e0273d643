// Command devapi serves the holochat HTTP API over a scratch journal and
// accepts hand-made notable events, for working on feed consumers without a
// live broadcast.
package main

import (
	"flag"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/httpapi"
	"github.com/you/holochat-metrics/internal/sink"
)

type emitReq struct {
	VideoID    string    `json:"videoId"`
	ID         string    `json:"id,omitempty"`
	Ts         time.Time `json:"ts,omitempty"`
	Type       string    `json:"type,omitempty"`
	AuthorID   string    `json:"authorId,omitempty"`
	AuthorName string    `json:"authorName"`
	AuthorType string    `json:"authorType,omitempty"`
	Message    string    `json:"message,omitempty"`
	Amount     float64   `json:"amount,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	JPY        float64   `json:"jpy,omitempty"`
	Tier       int       `json:"tier,omitempty"`
}

func (req emitReq) record() core.Record {
	rec := core.Record{
		VideoID:    req.VideoID,
		ID:         req.ID,
		Timestamp:  req.Ts,
		Type:       core.MessageType(req.Type),
		AuthorID:   req.AuthorID,
		AuthorName: req.AuthorName,
		AuthorType: core.AuthorType(strings.ToLower(req.AuthorType)),
		Message:    req.Message,
		Amount:     req.Amount,
		Currency:   req.Currency,
		JPY:        req.JPY,
		Tier:       req.Tier,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = "dev-" + rec.Timestamp.Format("20060102T150405.000000000Z07:00")
	}
	if rec.Type == "" {
		rec.Type = core.TypeTextMessage
	}
	if rec.AuthorType == "" {
		rec.AuthorType = core.AuthorOther
	}
	return rec
}

func main() {
	var (
		addr   string
		sqlite string
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "devapi.db", "SQLite journal path")
	flag.Parse()

	journal, err := sink.OpenJournal(sqlite)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	if err := journal.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	var writer sink.Writer
	api := httpapi.New(httpapi.Options{
		Addr: addr,
		Register: func(mux *http.ServeMux) {
			mux.HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
				defer r.Body.Close()
				var req emitReq
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, "bad json", http.StatusBadRequest)
					return
				}
				if req.VideoID == "" || req.AuthorName == "" {
					http.Error(w, "videoId and authorName required", http.StatusBadRequest)
					return
				}
				rec := req.record()
				if err := writer.Write(rec, nil); err != nil {
					http.Error(w, "insert failed: "+err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": rec.ID})
			})
		},
	})
	writer = sink.WithAPI(journal, api)
	api.Attach(httpapi.Sources{Store: journal})

	log.Printf("devapi listening on %s (db=%s)", addr, sqlite)
	if err := api.Start(); err != nil {
		log.Fatal(err)
	}
}

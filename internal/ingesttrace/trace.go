// Package ingesttrace follows single chat events through the pipeline when
// tracing is switched on.
package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// Stage represents a pipeline stage an event passed through.
type Stage string

const (
	StageReceived  Stage = "received"
	StageCounted   Stage = "counted"
	StageNotified  Stage = "notified"
	StageJournaled Stage = "journaled"
	StageFed       Stage = "fed"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for an event a stage gave up on.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// Trace captures per-event metadata and stage counters. A nil *Trace
// ignores every call.
type Trace struct {
	VideoID string
	EventID string
	Author  string
	Snippet string
	TraceID string

	mu       sync.Mutex
	counters map[Stage]int64
}

// New starts a trace for one received event.
func New(videoID, eventID, author, snippet string) *Trace {
	if r := []rune(snippet); len(r) > 64 {
		snippet = string(r[:64])
	}
	t := &Trace{
		VideoID:  videoID,
		EventID:  eventID,
		Author:   author,
		Snippet:  snippet,
		TraceID:  computeTraceID(videoID, eventID),
		counters: make(map[Stage]int64),
	}
	t.counters[StageReceived] = 1
	return t
}

// IncCounter increments the counter for the provided stage and returns the updated value.
func (t *Trace) IncCounter(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the counter for stage.
func (t *Trace) Count(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// LogTrace logs the trace metadata and counters at debug level.
func (t *Trace) LogTrace(logger *slog.Logger, msg string) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug(msg,
		"trace_id", t.TraceID,
		"videoId", t.VideoID,
		"eventId", t.EventID,
		"author", t.Author,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *Trace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func computeTraceID(videoID, eventID string) string {
	digest := sha256.Sum256([]byte(videoID + "\x1f" + eventID))
	return hex.EncodeToString(digest[:8])
}

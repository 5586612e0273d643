package pipeline

import (
	"context"
	"log/slog"

	"github.com/juju/clock"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/dedup"
	"github.com/you/holochat-metrics/internal/metrics"
	"github.com/you/holochat-metrics/internal/ytlive"
)

// ChatRunner runs one ytlive poller per session and feeds the pipeline.
type ChatRunner struct {
	Fetcher  ytlive.Fetcher
	Pipeline *Pipeline
	Store    *metrics.Store
	Breaker  ytlive.Recorder
	Clock    clock.Clock
	Limits   ytlive.Limits
	Logger   *slog.Logger
	// Lookup returns the latest discovery data for a broadcast so that
	// offsets and titles follow metadata refreshes. Optional.
	Lookup func(videoID string) (core.Broadcast, bool)
}

// Run polls b's chat until it ends, fails or ctx is cancelled.
func (r *ChatRunner) Run(ctx context.Context, b core.Broadcast, dd *dedup.Deduplicator) error {
	poller := ytlive.NewPoller(b.VideoID, ytlive.PollerOptions{
		Fetcher: r.Fetcher,
		Dedup:   dd,
		Handler: func(ctx context.Context, ev core.ChatEvent) {
			r.Pipeline.Handle(ctx, r.current(b), ev)
		},
		OnSuspect: r.Store.SuspectDuplicate,
		Breaker:   r.Breaker,
		Clock:     r.Clock,
		Limits:    r.Limits,
		Logger:    r.Logger,
	})
	return poller.Run(ctx)
}

func (r *ChatRunner) current(b core.Broadcast) core.Broadcast {
	if r.Lookup == nil {
		return b
	}
	if latest, ok := r.Lookup(b.VideoID); ok {
		return latest
	}
	return b
}

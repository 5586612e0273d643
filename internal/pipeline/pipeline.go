// Package pipeline turns novel chat events into metrics and, for notable
// events, notifications, journal rows and live feed pushes.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/currency"
	"github.com/you/holochat-metrics/internal/ingesttrace"
	"github.com/you/holochat-metrics/internal/metrics"
	"github.com/you/holochat-metrics/internal/notify"
	"github.com/you/holochat-metrics/internal/sink"
)

// Notifier announces one notable event.
type Notifier interface {
	Notify(ctx context.Context, b core.Broadcast, ev core.ChatEvent) error
}

// Marked reports whether a channel is on the marked list.
type Marked interface {
	Has(channelID string) bool
}

type Options struct {
	Store     *metrics.Store
	Marked    Marked
	Converter currency.Converter
	Notifier  Notifier
	Journal   sink.Writer
	// MaxNotify bounds concurrent webhook deliveries.
	MaxNotify     int
	NotifyTimeout time.Duration
	// Trace logs every event's stage counters at debug level.
	Trace  bool
	Logger *slog.Logger
}

// Pipeline is shared by every session. Handle may be called from many
// pollers at once.
type Pipeline struct {
	opts Options

	mu      sync.RWMutex
	pending *pool.Pool
	closed  bool
}

func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxNotify <= 0 {
		opts.MaxNotify = 4
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 15 * time.Second
	}
	return &Pipeline{
		opts:    opts,
		pending: pool.New().WithMaxGoroutines(opts.MaxNotify),
	}
}

// Handle processes one novel event of broadcast b. Counting happens before
// any fan-out, and nothing after it can undo the count.
func (p *Pipeline) Handle(ctx context.Context, b core.Broadcast, ev core.ChatEvent) {
	var trace *ingesttrace.Trace
	if p.opts.Trace {
		trace = ingesttrace.New(b.VideoID, ev.ID, ev.Author.Name, ev.Message)
		defer trace.LogTrace(p.opts.Logger, "pipeline: event")
	}

	if ev.VideoID == "" {
		ev.VideoID = b.VideoID
	}
	p.backfillRoles(b.VideoID, &ev)
	if p.opts.Marked != nil && p.opts.Marked.Has(ev.Author.ChannelID) {
		ev.Author.Roles.Marked = true
	}
	if pay := ev.Payment; pay != nil {
		cp := *pay
		cp.JPY = p.opts.Converter.ToJPY(cp.Amount, cp.Currency)
		ev.Payment = &cp
	}

	p.opts.Store.ObserveEvent(b, ev)
	trace.IncCounter(ingesttrace.StageCounted)

	if !notify.Worthy(ev) {
		return
	}

	if p.opts.Journal != nil {
		if err := p.opts.Journal.Write(core.NewRecord(b, ev), trace); err != nil {
			p.opts.Logger.Error("pipeline: journal write failed", "videoId", b.VideoID, "eventId", ev.ID, "err", err)
		}
	}
	if p.opts.Notifier != nil {
		p.dispatch(ctx, b, ev, trace)
	}
}

// backfillRoles adds the roles an author showed in text messages to events
// whose renderers carry no badges.
func (p *Pipeline) backfillRoles(videoID string, ev *core.ChatEvent) {
	if ev.Kind == core.KindText || ev.Author.ChannelID == "" || p.opts.Store == nil {
		return
	}
	guess := p.opts.Store.Filters().Classification(videoID).Guess(ev.Author.ChannelID)
	r := &ev.Author.Roles
	r.Owner = r.Owner || guess.Owner
	r.Moderator = r.Moderator || guess.Moderator
	r.Sponsor = r.Sponsor || guess.Sponsor
	r.Verified = r.Verified || guess.Verified
}

func (p *Pipeline) dispatch(ctx context.Context, b core.Broadcast, ev core.ChatEvent, trace *ingesttrace.Trace) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		trace.IncCounter(ingesttrace.StageDropped("closed"))
		return
	}

	// The session may stop while a delivery is in flight; let it finish.
	base := context.WithoutCancel(ctx)
	p.pending.Go(func() {
		ctx, cancel := context.WithTimeout(base, p.opts.NotifyTimeout)
		defer cancel()
		if err := p.opts.Notifier.Notify(ctx, b, ev); err != nil {
			trace.IncCounter(ingesttrace.StageDropped("notify"))
			p.opts.Logger.Warn("pipeline: notify failed", "videoId", b.VideoID, "eventId", ev.ID, "err", err)
			return
		}
		trace.IncCounter(ingesttrace.StageNotified)
	})
}

// Close waits for in-flight notifications. Later notable events are only
// counted and journaled.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.pending.Wait()
}

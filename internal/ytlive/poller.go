package ytlive

import (
	"context"
	"log"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/dedup"
)

// Handler receives every novel event of a broadcast, in order, from the
// poller's goroutine.
type Handler func(ctx context.Context, ev core.ChatEvent)

// Recorder is told about every poll outcome that matters to the global retry
// counter: false for a transient failure, true for an advanced continuation.
type Recorder interface {
	Record(success bool)
}

// PollerOptions wires a poller to its collaborators. Fetcher and Dedup are
// required.
type PollerOptions struct {
	Fetcher Fetcher
	Dedup   *dedup.Deduplicator
	Handler Handler
	// OnSuspect is called when a bloom filter rejects an id, which may be a
	// false positive.
	OnSuspect func(videoID string)
	Breaker   Recorder
	Clock     clock.Clock
	Limits    Limits
	Logger    *slog.Logger
}

// Poller drives one Session against the chat source.
type Poller struct {
	videoID string
	opts    PollerOptions
	state   atomic.Int32
	events  atomic.Int64
}

// NewPoller prepares a poller for videoID. Nothing happens until Run.
func NewPoller(videoID string, opts PollerOptions) *Poller {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Limits = opts.Limits.withDefaults()
	return &Poller{videoID: videoID, opts: opts}
}

// VideoID returns the broadcast this poller owns.
func (p *Poller) VideoID() string { return p.videoID }

// State returns the current session state. Safe from any goroutine.
func (p *Poller) State() State { return State(p.state.Load()) }

// Events returns the number of novel events handed to the handler so far.
func (p *Poller) Events() int64 { return p.events.Load() }

// Run polls until the chat ends, the session fails or ctx is cancelled. It
// returns nil at end of stream, ctx.Err() on cancellation and an *Error
// otherwise. A response that arrives after cancellation is dropped.
func (p *Poller) Run(ctx context.Context) error {
	var (
		session  = NewSession(p.videoID)
		lastLog  = p.opts.Clock.Now()
		received int64
	)
	p.state.Store(int32(session.State))

	outcome := p.request(ctx, session)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next, action := Step(session, outcome, p.opts.Limits)
		session = next
		p.state.Store(int32(session.State))

		switch action.Kind {
		case ActRetry:
			p.record(false)
			p.opts.Logger.Warn("ytlive: transient failure, retrying",
				"videoId", p.videoID,
				"retries", session.Retries,
				"delay", action.Delay,
				"error", action.Err)
		case ActWait:
			if action.Advanced {
				p.record(true)
			}
			if outcome.Page != nil {
				log.Printf("ytlive: [%s] bootstrap succeeded (client=%s/%s)", p.videoID, session.Page.ClientName, session.Page.ClientVersion)
			}
			received += int64(p.emit(ctx, action.Payload))
		case ActEnd:
			p.record(true)
			p.emit(ctx, action.Payload)
			log.Printf("ytlive: [%s] chat ended after %d events", p.videoID, p.Events())
			return nil
		case ActFail:
			return action.Err
		case ActIgnore:
			return nil
		}

		if now := p.opts.Clock.Now(); now.Sub(lastLog) >= time.Minute {
			log.Printf("ytlive: [%s] received %d events (total %d)", p.videoID, received, p.Events())
			received = 0
			lastLog = now
		}

		if !sleepClock(ctx, p.opts.Clock, action.Delay) {
			return ctx.Err()
		}
		outcome = p.request(ctx, session)
	}
}

func (p *Poller) request(ctx context.Context, s Session) Outcome {
	if s.State == StateInitializing {
		page, err := p.opts.Fetcher.FetchPage(ctx, p.videoID)
		if err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Page: &page}
	}
	batch, err := p.opts.Fetcher.FetchChat(ctx, p.videoID, s.Page, s.Continuation)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Batch: &batch}
}

// emit parses a payload and forwards the novel events. It returns how many
// were forwarded.
func (p *Poller) emit(ctx context.Context, payload map[string]any) int {
	if payload == nil {
		return 0
	}
	events, errs := ParseResponse(payload)
	for _, err := range errs {
		p.opts.Logger.Warn("ytlive: skipped action", "videoId", p.videoID, "error", err)
	}
	forwarded := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return forwarded
		}
		ev.VideoID = p.videoID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = p.opts.Clock.Now().UTC()
		}
		// Chat items always carry an id; only poll updates and mode
		// changes may arrive without one.
		if ev.ID != "" && p.opts.Dedup != nil {
			novel, suspect := p.opts.Dedup.Check(ev.ID)
			if suspect && p.opts.OnSuspect != nil {
				p.opts.OnSuspect(p.videoID)
			}
			if !novel {
				continue
			}
		}
		p.events.Add(1)
		forwarded++
		if p.opts.Handler != nil {
			p.opts.Handler(ctx, ev)
		}
	}
	return forwarded
}

func (p *Poller) record(success bool) {
	if p.opts.Breaker != nil {
		p.opts.Breaker.Record(success)
	}
}

func sleepClock(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

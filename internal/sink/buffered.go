package sink

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/errors"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/httpapi"
	"github.com/you/holochat-metrics/internal/ingesttrace"
)

// Writer persists one record.
type Writer interface {
	Write(core.Record, *ingesttrace.Trace) error
}

// Entry is a record queued for the journal with its trace.
type Entry struct {
	Record core.Record
	Trace  *ingesttrace.Trace
}

// BatchWriter persists several records at once, all or nothing.
type BatchWriter interface {
	WriteBatch([]Entry) error
}

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("journal writer closed")

type entryKey struct{ videoID, id string }

// BufferedWriter queues notable events off the pipeline goroutine and hands
// them to the journal in batches: when BatchSize entries are queued, or
// FlushInterval after the first one, whichever comes first. A Super Chat
// train turns into one transaction instead of one per record.
type BufferedWriter struct {
	base  Writer
	batch BatchWriter
	clock clock.Clock
	size  int
	every time.Duration

	mu      sync.Mutex
	pending []Entry
	queued  map[entryKey]struct{}
	timer   clock.Timer
	closed  bool
	failed  error
	stats   httpapi.WriteStats
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	Clock         clock.Clock
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	size := opts.BatchSize
	if size <= 0 {
		size = 1
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	bw, _ := base.(BatchWriter)
	return &BufferedWriter{
		base:   base,
		batch:  bw,
		clock:  clk,
		size:   size,
		every:  opts.FlushInterval,
		queued: make(map[entryKey]struct{}),
	}
}

// Write queues rec. An event already waiting in the queue is dropped. The
// error is that of the flush rec triggered, or else one left over from a
// timed flush.
func (b *BufferedWriter) Write(rec core.Record, trace *ingesttrace.Trace) error {
	key := entryKey{rec.VideoID, rec.ID}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	leftover := b.failed
	b.failed = nil

	if _, dup := b.queued[key]; dup {
		b.stats.Coalesced++
		b.mu.Unlock()
		return leftover
	}
	b.queued[key] = struct{}{}
	b.pending = append(b.pending, Entry{Record: rec, Trace: trace})
	if len(b.pending) == 1 && b.every > 0 {
		b.timer = b.clock.AfterFunc(b.every, b.onTimer)
	}
	if len(b.pending) < b.size {
		b.mu.Unlock()
		return leftover
	}
	entries := b.takeLocked()
	b.mu.Unlock()

	if err := b.flush(entries, false); err != nil {
		return err
	}
	return leftover
}

// Flush writes whatever is queued now.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	entries := b.takeLocked()
	leftover := b.failed
	b.failed = nil
	b.mu.Unlock()

	if err := b.flush(entries, false); err != nil {
		return err
	}
	return leftover
}

// Close flushes the queue. Later writes fail with ErrClosed.
func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.Flush()
}

// Stats reports the writer's counters for /info and /metrics.
func (b *BufferedWriter) Stats() httpapi.WriteStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.Pending = len(b.pending)
	return st
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	b.timer = nil
	entries := b.takeLocked()
	b.mu.Unlock()

	_ = b.flush(entries, true)
}

func (b *BufferedWriter) takeLocked() []Entry {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	entries := b.pending
	b.pending = nil
	clear(b.queued)
	return entries
}

// flush prefers one batch. If the batch fails, entries are retried one by
// one so a single bad row does not cost the rest. The first error is
// returned, or held for the next Write when hold is set.
func (b *BufferedWriter) flush(entries []Entry, hold bool) error {
	if len(entries) == 0 {
		return nil
	}
	if b.batch != nil && len(entries) > 1 {
		if err := b.batch.WriteBatch(entries); err == nil {
			b.count(len(entries), 0, nil)
			return nil
		}
	}
	var first error
	failed := 0
	for _, e := range entries {
		if err := b.base.Write(e.Record, e.Trace); err != nil {
			failed++
			if first == nil {
				first = errors.Wrapf(err, "journal %s/%s", e.Record.VideoID, e.Record.ID)
			}
		}
	}
	if hold {
		b.count(len(entries)-failed, failed, first)
		return nil
	}
	b.count(len(entries)-failed, failed, nil)
	return first
}

func (b *BufferedWriter) count(written, failed int, held error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Flushes++
	b.stats.Written += uint64(written)
	b.stats.Failed += uint64(failed)
	if held != nil && b.failed == nil {
		b.failed = held
	}
}

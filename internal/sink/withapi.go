package sink

import (
	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/ingesttrace"
)

type broadcaster interface {
	Broadcast(core.Record)
}

// WithBroadcast journals a record and then pushes it to live feed clients.
type WithBroadcast struct {
	*Journal
	api broadcaster
}

func WithAPI(base *Journal, api broadcaster) *WithBroadcast {
	return &WithBroadcast{Journal: base, api: api}
}

func (w *WithBroadcast) Write(rec core.Record, trace *ingesttrace.Trace) error {
	if err := w.Journal.Write(rec, trace); err != nil {
		return err
	}
	if w.api != nil {
		w.api.Broadcast(rec)
		trace.IncCounter(ingesttrace.StageFed)
	}
	return nil
}

// WriteBatch journals entries together and then feeds each one, in order.
func (w *WithBroadcast) WriteBatch(entries []Entry) error {
	if err := w.Journal.WriteBatch(entries); err != nil {
		return err
	}
	if w.api == nil {
		return nil
	}
	for _, e := range entries {
		w.api.Broadcast(e.Record)
		e.Trace.IncCounter(ingesttrace.StageFed)
	}
	return nil
}

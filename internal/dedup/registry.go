package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/you/holochat-metrics/internal/core"
)

// Registry is the ownership table of dedup state, keyed by videoId.
type Registry struct {
	mu         sync.Mutex
	userPolicy Policy
	events     map[string]*Deduplicator
	users      map[string]*Classification
}

// NewRegistry returns an empty registry. userPolicy sizes the author sets.
func NewRegistry(userPolicy Policy) *Registry {
	return &Registry{
		userPolicy: userPolicy,
		events:     make(map[string]*Deduplicator),
		users:      make(map[string]*Classification),
	}
}

// Open returns the event deduplicator for videoID, creating it with p when
// absent. A restored deduplicator is kept as is.
func (r *Registry) Open(videoID string, p Policy) *Deduplicator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.events[videoID]; ok {
		return d
	}
	d := NewDeduplicator(p)
	r.events[videoID] = d
	return d
}

// Classification returns the author classification for videoID, creating an
// empty one when absent.
func (r *Registry) Classification(videoID string) *Classification {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.users[videoID]
	if !ok {
		c = newClassification(r.userPolicy)
		r.users[videoID] = c
	}
	return c
}

// Drop discards all state for videoID.
func (r *Registry) Drop(videoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, videoID)
	delete(r.users, videoID)
}

// Known lists the videoIds with any state, sorted.
func (r *Registry) Known() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for id := range r.events {
		seen[id] = struct{}{}
	}
	for id := range r.users {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot layout, one entry per videoId:
//
//	{"<videoId>": {"events": F, "textMessage": {"<authorType>": F}, "superChat": F}}
//
// where F is an Encode envelope.
type videoState struct {
	Events json.RawMessage            `json:"events,omitempty"`
	Text   map[string]json.RawMessage `json:"textMessage,omitempty"`
	Paid   json.RawMessage            `json:"superChat,omitempty"`
}

// MarshalJSON encodes every broadcast's state.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	events := make(map[string]*Deduplicator, len(r.events))
	for k, v := range r.events {
		events[k] = v
	}
	users := make(map[string]*Classification, len(r.users))
	for k, v := range r.users {
		users[k] = v
	}
	r.mu.Unlock()

	out := make(map[string]videoState)
	for id, d := range events {
		d.mu.Lock()
		raw, err := Encode(d.filter)
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}
		st := out[id]
		st.Events = raw
		out[id] = st
	}
	for id, c := range users {
		st := out[id]
		c.mu.Lock()
		if len(c.text) > 0 {
			st.Text = make(map[string]json.RawMessage, len(c.text))
			for t, f := range c.text {
				raw, err := Encode(f)
				if err != nil {
					c.mu.Unlock()
					return nil, err
				}
				st.Text[string(t)] = raw
			}
		}
		if c.paid != nil {
			raw, err := Encode(c.paid)
			if err != nil {
				c.mu.Unlock()
				return nil, err
			}
			st.Paid = raw
		}
		c.mu.Unlock()
		out[id] = st
	}
	return json.Marshal(out)
}

// Restore loads the state of the given videoIds from a MarshalJSON document.
// Entries for other ids are ignored. Filters that cannot be decoded are
// skipped and logged; the rest of the broadcast's state is still restored.
func (r *Registry) Restore(data []byte, videoIDs []string) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("dedup: decode snapshot: %w", err)
	}
	for _, id := range videoIDs {
		raw, ok := doc[id]
		if !ok {
			continue
		}
		var st struct {
			Events json.RawMessage `json:"events"`
			Text   json.RawMessage `json:"textMessage"`
			Paid   json.RawMessage `json:"superChat"`
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			slog.Warn("dedup restore skipped", "videoId", id, "err", err)
			continue
		}

		c := newClassification(r.userPolicy)
		if len(st.Text) > 0 {
			if IsFilter(st.Text) {
				// Older snapshots kept a single filter for all text authors.
				if f, err := Decode(st.Text); err == nil {
					c.text[core.AuthorOther] = f
				} else {
					logSkipped(id, "textMessage", err)
				}
			} else {
				var perType map[string]json.RawMessage
				if err := json.Unmarshal(st.Text, &perType); err != nil {
					logSkipped(id, "textMessage", err)
				}
				for t, fraw := range perType {
					f, err := Decode(fraw)
					if err != nil {
						logSkipped(id, "textMessage."+t, err)
						continue
					}
					c.text[core.AuthorType(t)] = f
				}
			}
		}
		if len(st.Paid) > 0 {
			if f, err := Decode(st.Paid); err == nil {
				c.paid = f
			} else {
				logSkipped(id, "superChat", err)
			}
		}

		r.mu.Lock()
		r.users[id] = c
		if len(st.Events) > 0 {
			if f, err := Decode(st.Events); err == nil {
				r.events[id] = &Deduplicator{filter: f}
			} else {
				logSkipped(id, "events", err)
			}
		}
		r.mu.Unlock()
	}
	return nil
}

func logSkipped(videoID, part string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, ErrUnreadableFilter) {
		level = slog.LevelInfo
	}
	slog.Log(context.Background(), level, "dedup restore skipped filter", "videoId", videoID, "part", part, "err", err)
}

package holodex

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/sourcegraph/conc/pool"

	"github.com/you/holochat-metrics/internal/core"
)

type channelRaw struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	EnglishName     string  `json:"english_name"`
	Org             string  `json:"org"`
	Suborg          string  `json:"suborg"`
	Photo           string  `json:"photo"`
	SubscriberCount flexInt `json:"subscriber_count"`
}

// flexInt accepts a number or a quoted number; Holodex sends both.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type videoRaw struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Type           string      `json:"type"`
	TopicID        string      `json:"topic_id"`
	Status         string      `json:"status"`
	StartScheduled *time.Time  `json:"start_scheduled"`
	StartActual    *time.Time  `json:"start_actual"`
	EndActual      *time.Time  `json:"end_actual"`
	LiveViewers    int         `json:"live_viewers"`
	Channel        *channelRaw `json:"channel"`
}

func (v videoRaw) broadcast(org string) core.Broadcast {
	b := core.Broadcast{
		VideoID:        v.ID,
		Title:          v.Title,
		Topic:          v.TopicID,
		Status:         core.BroadcastStatus(v.Status),
		ScheduledStart: v.StartScheduled,
		ActualStart:    v.StartActual,
		ActualEnd:      v.EndActual,
		LiveViewers:    v.LiveViewers,
		Org:            org,
	}
	if ch := v.Channel; ch != nil {
		b.ChannelID = ch.ID
		b.ChannelName = ch.Name
		if ch.Org != "" {
			b.Org = ch.Org
		}
		b.Subscribers = int(ch.SubscriberCount)
	}
	return b
}

// Options tunes discovery.
type Options struct {
	Orgs []string
	// Channels restricts results to these channel ids when not empty.
	Channels []string
	// LeadTime drops upcoming broadcasts scheduled further out.
	LeadTime time.Duration
	// EndedGrace keeps broadcasts that ended at most this long ago.
	EndedGrace time.Duration
	// CacheTTL memoises per-organisation responses.
	CacheTTL    time.Duration
	Concurrency int
	Clock       clock.Clock
}

type cached struct {
	at    time.Time
	items []core.Broadcast
}

// Discovery implements the lifecycle discovery source.
type Discovery struct {
	client   *Client
	opts     Options
	channels map[string]struct{}

	mu    sync.Mutex
	cache map[string]cached
}

func NewDiscovery(client *Client, opts Options) *Discovery {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.LeadTime <= 0 {
		opts.LeadTime = 15 * time.Minute
	}
	d := &Discovery{client: client, opts: opts, cache: make(map[string]cached)}
	if len(opts.Channels) > 0 {
		d.channels = make(map[string]struct{}, len(opts.Channels))
		for _, id := range opts.Channels {
			d.channels[id] = struct{}{}
		}
	}
	return d
}

// Broadcasts lists the broadcasts of every configured organisation that are
// live, start within the lead time or ended within the grace period. A
// failure for any organisation fails the whole listing, so callers never
// mistake a partial answer for broadcasts having ended.
func (d *Discovery) Broadcasts(ctx context.Context) ([]core.Broadcast, error) {
	p := pool.NewWithResults[[]core.Broadcast]().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(d.opts.Concurrency)
	for _, org := range d.opts.Orgs {
		org := org
		p.Go(func(ctx context.Context) ([]core.Broadcast, error) {
			return d.org(ctx, org)
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	now := d.opts.Clock.Now()
	seen := make(map[string]struct{})
	var out []core.Broadcast
	for _, list := range results {
		for _, b := range list {
			if _, dup := seen[b.VideoID]; dup || !d.keep(b, now) {
				continue
			}
			seen[b.VideoID] = struct{}{}
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out, nil
}

func (d *Discovery) keep(b core.Broadcast, now time.Time) bool {
	if b.VideoID == "" {
		return false
	}
	if d.channels != nil {
		if _, ok := d.channels[b.ChannelID]; !ok {
			return false
		}
	}
	switch b.Status {
	case core.StatusLive:
		return true
	case core.StatusUpcoming:
		return b.ScheduledStart == nil || !b.ScheduledStart.After(now.Add(d.opts.LeadTime))
	case core.StatusEnded:
		return b.ActualEnd != nil && now.Sub(*b.ActualEnd) <= d.opts.EndedGrace
	}
	return false
}

func (d *Discovery) org(ctx context.Context, org string) ([]core.Broadcast, error) {
	if items, ok := d.cached(org); ok {
		return items, nil
	}

	live := url.Values{}
	live.Set("org", org)
	live.Set("type", "stream")
	live.Set("max_upcoming_hours", strconv.Itoa(int(d.opts.LeadTime.Hours())+1))
	items, err := d.fetch(ctx, "/live", live, org)
	if err != nil {
		return nil, err
	}

	if d.opts.EndedGrace > 0 {
		past := url.Values{}
		past.Set("org", org)
		past.Set("type", "stream")
		past.Set("status", "past")
		past.Set("from", d.opts.Clock.Now().Add(-d.opts.EndedGrace).UTC().Format(time.RFC3339))
		past.Set("limit", "50")
		ended, err := d.fetch(ctx, "/videos", past, org)
		if err != nil {
			return nil, err
		}
		items = append(items, ended...)
	}

	d.mu.Lock()
	d.cache[org] = cached{at: d.opts.Clock.Now(), items: items}
	d.mu.Unlock()
	return items, nil
}

func (d *Discovery) fetch(ctx context.Context, path string, params url.Values, org string) ([]core.Broadcast, error) {
	body, err := d.client.Get(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("holodex: %s %s: %w", path, org, err)
	}
	var raw []videoRaw
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("holodex: decode %s %s: %w", path, org, err)
	}
	out := make([]core.Broadcast, 0, len(raw))
	for _, v := range raw {
		out = append(out, v.broadcast(org))
	}
	return out, nil
}

func (d *Discovery) cached(org string) ([]core.Broadcast, bool) {
	if d.opts.CacheTTL <= 0 {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cache[org]
	if !ok || d.opts.Clock.Now().Sub(c.at) >= d.opts.CacheTTL {
		return nil, false
	}
	return c.items, true
}

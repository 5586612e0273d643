// Package metrics owns the holochat_* Prometheus series and the per-video
// label bookkeeping that lets a broadcast's series be removed exactly.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/dedup"
)

const (
	nameVideoInfo       = "holochat_video_info"
	nameMessages        = "holochat_receive_messages"
	nameMessageUsers    = "holochat_receive_message_users"
	nameSuperChatJPY    = "holochat_super_chat_value"
	nameSuperChatOrigin = "holochat_super_chat_value_origin"
	nameViewers         = "holochat_video_viewers"
	nameMaxViewers      = "holochat_video_max_viewers"
	nameLikes           = "holochat_video_likes"
	nameStartTime       = "holochat_video_start_time_seconds"
	nameEndTime         = "holochat_video_end_time_seconds"
	nameUpTime          = "holochat_video_up_time_seconds"
	nameDuration        = "holochat_video_duration_seconds"
	nameFilterFailed    = "holochat_filter_test_failed"
	nameSubscribers     = "holochat_channel_subscribers"
)

var (
	videoLabels   = []string{"videoId"}
	messageLabels = []string{"videoId", "type", "authorType"}
	paidLabels    = []string{"videoId", "type", "authorType", "currency"}
	infoLabels    = []string{"org", "channelId", "channelName", "videoId", "title", "status", "topic"}
)

// family is one metric vector with the label names it was declared with.
type family struct {
	name       string
	labelNames []string
	counter    *prometheus.CounterVec
	gauge      *prometheus.GaugeVec
}

func newCounterFamily(name, help string, labels []string) *family {
	return &family{name: name, labelNames: labels, counter: prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)}
}

func newGaugeFamily(name, help string, labels []string) *family {
	return &family{name: name, labelNames: labels, gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)}
}

func (f *family) collector() prometheus.Collector {
	if f.counter != nil {
		return f.counter
	}
	return f.gauge
}

// covers reports whether every key of l is one of the family's labels.
func (f *family) covers(l prometheus.Labels) bool {
	for k := range l {
		found := false
		for _, n := range f.labelNames {
			if n == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// remove deletes the series addressed by l. A label set naming fewer labels
// than the family removes every series of that video matching it; without a
// videoId it only ever removes an exact match.
func (f *family) remove(l prometheus.Labels) {
	exact := len(l) == len(f.labelNames)
	if !exact {
		if _, ok := l["videoId"]; !ok {
			return
		}
	}
	switch {
	case f.counter != nil && exact:
		f.counter.Delete(l)
	case f.counter != nil:
		f.counter.DeletePartialMatch(l)
	case exact:
		f.gauge.Delete(l)
	default:
		f.gauge.DeletePartialMatch(l)
	}
}

// Store is the metrics side of every tracked broadcast.
type Store struct {
	registry *prometheus.Registry
	families []*family
	byName   map[string]*family

	videoInfo       *family
	messages        *family
	messageUsers    *family
	superChatJPY    *family
	superChatOrigin *family
	viewers         *family
	maxViewers      *family
	likes           *family
	startTime       *family
	endTime         *family
	upTime          *family
	duration        *family
	filterFailed    *family
	subscribers     *family

	filters *dedup.Registry
	clock   clock.Clock

	mu         sync.Mutex
	labels     map[string]map[string]prometheus.Labels
	info       map[string]prometheus.Labels
	maxViewing map[string]float64
}

// Options configure a Store.
type Options struct {
	// UserPolicy sizes the per-video author sets.
	UserPolicy dedup.Policy
	Clock      clock.Clock
}

// NewStore registers every holochat_* family on a fresh registry.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	s := &Store{
		registry:   prometheus.NewRegistry(),
		byName:     make(map[string]*family),
		filters:    dedup.NewRegistry(opts.UserPolicy),
		clock:      opts.Clock,
		labels:     make(map[string]map[string]prometheus.Labels),
		info:       make(map[string]prometheus.Labels),
		maxViewing: make(map[string]float64),

		videoInfo:       newGaugeFamily(nameVideoInfo, "Labeled video information", infoLabels),
		messages:        newCounterFamily(nameMessages, "Number of received chat messages", messageLabels),
		messageUsers:    newCounterFamily(nameMessageUsers, "Number of received user count", messageLabels),
		superChatJPY:    newGaugeFamily(nameSuperChatJPY, "Sum of super chat value in jpy", paidLabels),
		superChatOrigin: newGaugeFamily(nameSuperChatOrigin, "Sum of super chat value in origin currency", paidLabels),
		viewers:         newGaugeFamily(nameViewers, "Number of video viewer count", videoLabels),
		maxViewers:      newGaugeFamily(nameMaxViewers, "Number of video max viewer count", videoLabels),
		likes:           newGaugeFamily(nameLikes, "Number of video likes", videoLabels),
		startTime:       newGaugeFamily(nameStartTime, "Start time of the video since unix epoch in seconds.", videoLabels),
		endTime:         newGaugeFamily(nameEndTime, "End time of the video since unix epoch in seconds.", videoLabels),
		upTime:          newGaugeFamily(nameUpTime, "Up time of the video since unix epoch in seconds.", videoLabels),
		duration:        newGaugeFamily(nameDuration, "Duration of the video in seconds.", videoLabels),
		filterFailed:    newCounterFamily(nameFilterFailed, "Number of filter test failed", videoLabels),
		subscribers:     newGaugeFamily(nameSubscribers, "Number of channel subscribers", []string{"channelId"}),
	}
	s.families = []*family{
		s.videoInfo, s.messages, s.messageUsers, s.superChatJPY, s.superChatOrigin,
		s.viewers, s.maxViewers, s.likes, s.startTime, s.endTime, s.upTime,
		s.duration, s.filterFailed, s.subscribers,
	}
	for _, f := range s.families {
		s.byName[f.name] = f
		s.registry.MustRegister(f.collector())
	}
	return s
}

// Registry exposes the underlying registry so other collectors can share the
// /metrics endpoint.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// Filters returns the dedup and author classification state.
func (s *Store) Filters() *dedup.Registry {
	return s.filters
}

// Handler serves the registry in the text exposition format.
func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Init sets up the series of a broadcast that is starting.
func (s *Store) Init(b core.Broadcast) {
	s.UpdateBroadcast(b)
}

// UpdateBroadcast refreshes the per-video gauges. Calling it repeatedly with
// the same broadcast is harmless.
func (s *Store) UpdateBroadcast(b core.Broadcast) {
	if s == nil {
		return
	}
	s.updateInfo(b)
	if s.maxViewersOf(b.VideoID) < 1 {
		s.UpdateViewers(b.VideoID, b.LiveViewers)
	}

	label := s.videoLabel(b.VideoID)
	now := s.clock.Now()
	end := now
	if b.ActualEnd != nil {
		end = *b.ActualEnd
	}
	if start, ok := b.StartTime(); ok {
		s.startTime.gauge.With(label).Set(unixSeconds(start))
		d := end.Sub(start)
		if d > 0 && (b.Status == core.StatusLive || b.Status == core.StatusEnded) {
			s.duration.gauge.With(label).Set(d.Seconds())
		}
	}
	if b.ActualEnd != nil {
		s.endTime.gauge.With(label).Set(unixSeconds(*b.ActualEnd))
	}
	s.upTime.gauge.With(label).Set(unixSeconds(end))
	if b.Subscribers > 0 {
		l := prometheus.Labels{"channelId": b.ChannelID}
		s.track(b.VideoID, l)
		s.subscribers.gauge.With(l).Set(float64(b.Subscribers))
	}
}

// UpdateViewers sets the current viewer count and raises the maximum.
func (s *Store) UpdateViewers(videoID string, viewers int) {
	if s == nil {
		return
	}
	label := s.videoLabel(videoID)
	v := float64(viewers)
	if v < 0 {
		v = 0
	}
	s.viewers.gauge.With(label).Set(v)

	s.mu.Lock()
	raise := s.maxViewing[videoID] < v
	if raise {
		s.maxViewing[videoID] = v
	}
	s.mu.Unlock()
	if raise {
		s.maxViewers.gauge.With(label).Set(v)
	}
}

// UpdateLikes sets the like count.
func (s *Store) UpdateLikes(videoID string, likes int) {
	if s == nil {
		return
	}
	s.likes.gauge.With(s.videoLabel(videoID)).Set(float64(likes))
}

// MarkEnded records the end time of a broadcast that stopped before
// discovery reported an actual end.
func (s *Store) MarkEnded(videoID string, at time.Time) {
	if s == nil {
		return
	}
	s.endTime.gauge.With(s.videoLabel(videoID)).Set(unixSeconds(at))
}

// ObserveEvent counts one accepted event. It must be the last step of event
// handling.
func (s *Store) ObserveEvent(b core.Broadcast, ev core.ChatEvent) {
	if s == nil {
		return
	}
	msgType := ev.MessageType()
	authorType := ev.Author.Roles.AuthorType()
	label := prometheus.Labels{
		"videoId":    b.VideoID,
		"type":       string(msgType),
		"authorType": string(authorType),
	}
	s.track(b.VideoID, label)
	s.messages.counter.With(label).Inc()

	if p := ev.Payment; p != nil {
		paid := prometheus.Labels{
			"videoId":    b.VideoID,
			"type":       string(msgType),
			"authorType": string(authorType),
			"currency":   p.Currency,
		}
		if p.JPY > 0 {
			s.track(b.VideoID, paid)
			s.superChatJPY.gauge.With(paid).Add(p.JPY)
		}
		if p.Amount > 0 {
			s.track(b.VideoID, paid)
			s.superChatOrigin.gauge.With(paid).Add(p.Amount)
		}
	}

	if ev.Author.ChannelID == "" {
		return
	}
	c := s.filters.Classification(b.VideoID)
	switch msgType {
	case core.TypeSuperChat:
		if c.ObservePaid(ev.Author.ChannelID) {
			s.messageUsers.counter.With(label).Inc()
		}
	case core.TypeTextMessage:
		if c.ObserveText(ev.Author.ChannelID, authorType) {
			s.messageUsers.counter.With(label).Inc()
		}
	}
}

// SuspectDuplicate counts an id rejected by a probabilistic filter.
func (s *Store) SuspectDuplicate(videoID string) {
	if s == nil {
		return
	}
	s.filterFailed.counter.With(s.videoLabel(videoID)).Inc()
}

// Remove deletes every series emitted for videoID that no other tracked
// video shares, and drops its dedup and classification state.
func (s *Store) Remove(videoID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	tracked := s.labels[videoID]
	delete(s.labels, videoID)
	delete(s.info, videoID)
	delete(s.maxViewing, videoID)
	// Label sets without a videoId, such as a channel's subscribers, stay
	// while another video of the channel still tracks them.
	for key := range tracked {
		for _, other := range s.labels {
			if _, ok := other[key]; ok {
				delete(tracked, key)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, l := range tracked {
		for _, f := range s.families {
			if f.covers(l) {
				f.remove(l)
			}
		}
	}
	s.filters.Drop(videoID)
}

// Tracked lists the videoIds with at least one tracked label set.
func (s *Store) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.labels))
	for id := range s.labels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) updateInfo(b core.Broadcast) {
	next := prometheus.Labels{
		"org":         orNull(b.Org),
		"channelId":   b.ChannelID,
		"channelName": b.ChannelName,
		"videoId":     b.VideoID,
		"title":       b.Title,
		"status":      string(b.Status),
		"topic":       orNull(b.Topic),
	}
	s.mu.Lock()
	prev, hadPrev := s.info[b.VideoID]
	same := hadPrev && labelKey(prev) == labelKey(next)
	s.info[b.VideoID] = next
	s.mu.Unlock()
	if same {
		return
	}
	if hadPrev {
		s.videoInfo.gauge.Delete(prev)
	} else {
		s.videoInfo.gauge.DeletePartialMatch(prometheus.Labels{"videoId": b.VideoID})
	}
	s.track(b.VideoID, next)
	s.videoInfo.gauge.With(next).Set(1)
}

func (s *Store) maxViewersOf(videoID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxViewing[videoID]
}

func (s *Store) videoLabel(videoID string) prometheus.Labels {
	l := prometheus.Labels{"videoId": videoID}
	s.track(videoID, l)
	return l
}

func (s *Store) track(videoID string, l prometheus.Labels) {
	key := labelKey(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.labels[videoID]
	if !ok {
		set = make(map[string]prometheus.Labels)
		s.labels[videoID] = set
	}
	if _, ok := set[key]; !ok {
		cp := make(prometheus.Labels, len(l))
		for k, v := range l {
			cp[k] = v
		}
		set[key] = cp
	}
}

func labelKey(l prometheus.Labels) string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
		b.WriteByte(0x1f)
	}
	return b.String()
}

func orNull(s string) string {
	if s == "" {
		return "(null)"
	}
	return s
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

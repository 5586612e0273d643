// Package lifecycle decides which broadcasts have an active chat session and
// owns the timers that stop sessions and remove their metrics.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/dedup"
	"github.com/you/holochat-metrics/internal/metrics"
	"github.com/you/holochat-metrics/internal/ytlive"
)

// Discovery lists the broadcasts worth tracking right now.
type Discovery interface {
	Broadcasts(ctx context.Context) ([]core.Broadcast, error)
}

// Runner collects chat for one broadcast until the chat ends or ctx is
// cancelled. Its error follows the ytlive error kinds.
type Runner interface {
	Run(ctx context.Context, b core.Broadcast, dd *dedup.Deduplicator) error
}

// Status is the lifecycle of one session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Config holds the manager's timing.
type Config struct {
	StopDelay   time.Duration
	RemoveDelay time.Duration
	StartGap    time.Duration
	SnapshotDir string
	Sizing      dedup.Sizing
}

// DefaultConfig delays stops by five minutes and metric removal by ten.
var DefaultConfig = Config{
	StopDelay:   5 * time.Minute,
	RemoveDelay: 10 * time.Minute,
	StartGap:    2 * time.Second,
	Sizing:      dedup.DefaultSizing,
}

type session struct {
	videoID string
	status  Status
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// pendingTimer is one entry of a timer table. gen identifies the entry so a
// callback that lost a race with cancellation can tell it is stale.
type pendingTimer struct {
	gen   uint64
	due   time.Time
	timer clock.Timer
}

// Manager is the ownership table of sessions and their timers.
type Manager struct {
	cfg       Config
	discovery Discovery
	runner    Runner
	store     *metrics.Store
	clock     clock.Clock
	logger    *slog.Logger

	mu           sync.Mutex
	base         context.Context
	sessions     map[string]*session
	stopTimers   map[string]*pendingTimer
	removeTimers map[string]*pendingTimer
	broadcasts   map[string]core.Broadcast
	initialized  map[string]struct{}
	gen          uint64
	lastStart    time.Time
	restored     bool
}

// Options wire a Manager.
type Options struct {
	Config    Config
	Discovery Discovery
	Runner    Runner
	Store     *metrics.Store
	Clock     clock.Clock
	Logger    *slog.Logger
}

// New returns an idle manager.
func New(opts Options) *Manager {
	cfg := opts.Config
	if cfg.StopDelay <= 0 {
		cfg.StopDelay = DefaultConfig.StopDelay
	}
	if cfg.RemoveDelay <= 0 {
		cfg.RemoveDelay = DefaultConfig.RemoveDelay
	}
	if cfg.StartGap < 0 {
		cfg.StartGap = 0
	}
	if cfg.Sizing == (dedup.Sizing{}) {
		cfg.Sizing = DefaultConfig.Sizing
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		discovery:    opts.Discovery,
		runner:       opts.Runner,
		store:        opts.Store,
		clock:        opts.Clock,
		logger:       opts.Logger,
		base:         context.Background(),
		sessions:     make(map[string]*session),
		stopTimers:   make(map[string]*pendingTimer),
		removeTimers: make(map[string]*pendingTimer),
		broadcasts:   make(map[string]core.Broadcast),
		initialized:  make(map[string]struct{}),
	}
}

// Bind sets the context sessions are started under. Cancelling it stops
// every session.
func (m *Manager) Bind(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
}

// Scan runs one discovery cycle: restore on the first successful cycle,
// schedule delayed stops for vanished broadcasts and start the new ones.
func (m *Manager) Scan(ctx context.Context) error {
	list, err := m.discovery.Broadcasts(ctx)
	if err != nil {
		m.logger.Warn("lifecycle: discovery failed", "error", err)
		return err
	}

	m.mu.Lock()
	first := !m.restored
	m.restored = true
	m.mu.Unlock()
	if first && m.cfg.SnapshotDir != "" {
		if err := m.store.Restore(m.cfg.SnapshotDir, list); err != nil {
			m.logger.Warn("lifecycle: restore failed", "error", err)
		}
		m.expireRestored(list)
	}

	present := make(map[string]struct{}, len(list))
	for _, b := range list {
		present[b.VideoID] = struct{}{}
	}

	m.mu.Lock()
	for _, b := range list {
		m.broadcasts[b.VideoID] = b
	}
	var vanished []string
	for id := range m.sessions {
		if _, ok := present[id]; !ok {
			vanished = append(vanished, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(vanished)
	for _, id := range vanished {
		m.scheduleStop(id)
	}

	for _, b := range list {
		m.cancelStop(b.VideoID)
		if m.Active(b.VideoID) {
			m.store.UpdateBroadcast(b)
			continue
		}
		if b.Status == core.StatusEnded {
			if m.isInitialized(b.VideoID) {
				m.store.UpdateBroadcast(b)
			}
			continue
		}
		if err := m.waitStartGap(ctx); err != nil {
			return err
		}
		m.Start(b)
	}
	return nil
}

// expireRestored schedules removal for restored broadcasts that already
// ended. They never get a session, so nothing else would drop their series.
func (m *Manager) expireRestored(list []core.Broadcast) {
	restored := make(map[string]struct{})
	for _, id := range m.store.Tracked() {
		restored[id] = struct{}{}
	}
	for _, b := range list {
		if b.Status != core.StatusEnded {
			continue
		}
		if _, ok := restored[b.VideoID]; !ok {
			continue
		}
		m.mu.Lock()
		m.initialized[b.VideoID] = struct{}{}
		m.mu.Unlock()
		m.scheduleRemoval(b.VideoID)
		log.Printf("lifecycle: restored %s already ended, removing in %s", b.VideoID, m.cfg.RemoveDelay)
	}
}

// Refresh updates the metadata gauges of every tracked broadcast without
// starting or stopping anything.
func (m *Manager) Refresh(ctx context.Context) error {
	list, err := m.discovery.Broadcasts(ctx)
	if err != nil {
		return err
	}
	for _, b := range list {
		if !m.isInitialized(b.VideoID) {
			continue
		}
		m.mu.Lock()
		m.broadcasts[b.VideoID] = b
		m.mu.Unlock()
		m.store.UpdateBroadcast(b)
	}
	return nil
}

// Start begins a session for b. It is a no-op returning false when b already
// has one.
func (m *Manager) Start(b core.Broadcast) bool {
	id := b.VideoID
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return false
	}
	m.cancelTimerLocked(m.stopTimers, id)
	m.cancelTimerLocked(m.removeTimers, id)

	m.broadcasts[id] = b
	_, wasInitialized := m.initialized[id]
	m.initialized[id] = struct{}{}

	ctx, cancel := context.WithCancel(m.base)
	s := &session{
		videoID: id,
		status:  StatusPending,
		started: m.clock.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.sessions[id] = s
	m.lastStart = s.started
	m.mu.Unlock()

	if wasInitialized {
		m.store.UpdateBroadcast(b)
	} else {
		m.store.Init(b)
	}
	dd := m.store.Filters().Open(id, m.cfg.Sizing.For(b.LiveViewers))

	log.Printf("lifecycle: start %s (%s, %s)", id, b.ChannelName, b.Status)
	go func() {
		m.mu.Lock()
		if s.status == StatusPending {
			s.status = StatusActive
		}
		m.mu.Unlock()
		err := m.runner.Run(ctx, b, dd)
		m.finish(s, err)
	}()
	return true
}

// Stop ends the session for videoID now and schedules metric removal.
func (m *Manager) Stop(videoID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[videoID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	s.status = StatusStopping
	delete(m.sessions, videoID)
	m.cancelTimerLocked(m.stopTimers, videoID)
	m.mu.Unlock()

	s.cancel()
	log.Printf("lifecycle: stop %s", videoID)
	m.scheduleRemoval(videoID)
	return true
}

// Active reports whether videoID has a session.
func (m *Manager) Active(videoID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[videoID]
	return ok
}

// Broadcast returns the latest discovery data for videoID.
func (m *Manager) Broadcast(videoID string) (core.Broadcast, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[videoID]
	return b, ok
}

// finish records the end of a session's Run and applies the removal policy
// for its outcome. A session that was stopped or replaced only closes done.
func (m *Manager) finish(s *session, err error) {
	m.mu.Lock()
	current := m.sessions[s.videoID] == s
	if current {
		delete(m.sessions, s.videoID)
	}
	stopping := s.status == StatusStopping
	s.status = StatusStopped
	s.err = err
	m.mu.Unlock()
	defer close(s.done)

	if !current || stopping {
		return
	}

	switch {
	case err == nil:
		log.Printf("lifecycle: %s chat ended", s.videoID)
		m.store.MarkEnded(s.videoID, m.clock.Now())
		m.scheduleRemoval(s.videoID)
	case errors.Is(err, context.Canceled):
	case ytlive.RemoveImmediately(err):
		m.logger.Warn("lifecycle: session failed permanently", "videoId", s.videoID, "error", err)
		m.removeNow(s.videoID)
	default:
		m.logger.Warn("lifecycle: session failed", "videoId", s.videoID, "kind", ytlive.KindOf(err).String(), "error", err)
		m.scheduleRemoval(s.videoID)
	}
}

func (m *Manager) scheduleStop(videoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stopTimers[videoID]; ok {
		return
	}
	m.stopTimers[videoID] = m.newTimerLocked(m.cfg.StopDelay, func(gen uint64) {
		if !m.claimTimer(m.stopTimers, videoID, gen) {
			return
		}
		log.Printf("lifecycle: %s absent for %s", videoID, m.cfg.StopDelay)
		m.Stop(videoID)
	})
	log.Printf("lifecycle: %s missing from discovery, stopping in %s", videoID, m.cfg.StopDelay)
}

func (m *Manager) cancelStop(videoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelTimerLocked(m.stopTimers, videoID) {
		log.Printf("lifecycle: %s reappeared, delayed stop cancelled", videoID)
	}
}

func (m *Manager) scheduleRemoval(videoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.removeTimers[videoID]; ok {
		return
	}
	m.removeTimers[videoID] = m.newTimerLocked(m.cfg.RemoveDelay, func(gen uint64) {
		if !m.claimTimer(m.removeTimers, videoID, gen) {
			return
		}
		if m.Active(videoID) {
			return
		}
		m.removeNow(videoID)
	})
}

func (m *Manager) removeNow(videoID string) {
	m.mu.Lock()
	m.cancelTimerLocked(m.removeTimers, videoID)
	delete(m.initialized, videoID)
	delete(m.broadcasts, videoID)
	m.mu.Unlock()
	m.store.Remove(videoID)
	log.Printf("lifecycle: metrics removed for %s", videoID)
}

func (m *Manager) newTimerLocked(d time.Duration, fire func(gen uint64)) *pendingTimer {
	m.gen++
	gen := m.gen
	return &pendingTimer{
		gen:   gen,
		due:   m.clock.Now().Add(d),
		timer: m.clock.AfterFunc(d, func() { fire(gen) }),
	}
}

// claimTimer removes the entry if it is still the one that fired.
func (m *Manager) claimTimer(table map[string]*pendingTimer, videoID string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := table[videoID]
	if !ok || entry.gen != gen {
		return false
	}
	delete(table, videoID)
	return true
}

func (m *Manager) cancelTimerLocked(table map[string]*pendingTimer, videoID string) bool {
	entry, ok := table[videoID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(table, videoID)
	return true
}

func (m *Manager) isInitialized(videoID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.initialized[videoID]
	return ok
}

func (m *Manager) waitStartGap(ctx context.Context) error {
	m.mu.Lock()
	last := m.lastStart
	m.mu.Unlock()
	if last.IsZero() || m.cfg.StartGap <= 0 {
		return nil
	}
	wait := m.cfg.StartGap - m.clock.Now().Sub(last)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(wait):
		return nil
	}
}

// StopAll cancels every session and waits for them to return or ctx to end.
// No removal is scheduled; this is for process shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		s.status = StatusStopping
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	for id := range m.stopTimers {
		m.cancelTimerLocked(m.stopTimers, id)
	}
	for id := range m.removeTimers {
		m.cancelTimerLocked(m.removeTimers, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// SessionInfo describes one session for status endpoints.
type SessionInfo struct {
	VideoID     string     `json:"videoId"`
	ChannelName string     `json:"channelName,omitempty"`
	Title       string     `json:"title,omitempty"`
	Status      Status     `json:"status"`
	Started     time.Time  `json:"started"`
	StopAt      *time.Time `json:"stopAt,omitempty"`
}

// PendingRemoval is a broadcast whose metrics are due for removal.
type PendingRemoval struct {
	VideoID string    `json:"videoId"`
	At      time.Time `json:"at"`
}

// Sessions lists active sessions sorted by videoId.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		info := SessionInfo{VideoID: id, Status: s.status, Started: s.started}
		if b, ok := m.broadcasts[id]; ok {
			info.ChannelName = b.ChannelName
			info.Title = b.Title
		}
		if t, ok := m.stopTimers[id]; ok {
			due := t.due
			info.StopAt = &due
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out
}

// Removals lists pending metric removals.
func (m *Manager) Removals() []PendingRemoval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingRemoval, 0, len(m.removeTimers))
	for id, t := range m.removeTimers {
		out = append(out, PendingRemoval{VideoID: id, At: t.due})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out
}

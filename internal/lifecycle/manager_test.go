package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/dedup"
	"github.com/you/holochat-metrics/internal/metrics"
	"github.com/you/holochat-metrics/internal/ytlive"
)

type fakeDiscovery struct {
	mu   sync.Mutex
	list []core.Broadcast
}

func (d *fakeDiscovery) set(list ...core.Broadcast) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.list = list
}

func (d *fakeDiscovery) Broadcasts(ctx context.Context) ([]core.Broadcast, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.Broadcast(nil), d.list...), nil
}

type fakeRunner struct {
	mu      sync.Mutex
	starts  map[string]int
	results map[string]chan error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{starts: make(map[string]int), results: make(map[string]chan error)}
}

func (r *fakeRunner) result(id string) chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.results[id]
	if !ok {
		ch = make(chan error, 1)
		r.results[id] = ch
	}
	return ch
}

func (r *fakeRunner) Run(ctx context.Context, b core.Broadcast, dd *dedup.Deduplicator) error {
	r.mu.Lock()
	r.starts[b.VideoID]++
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-r.result(b.VideoID):
		return err
	}
}

func (r *fakeRunner) startCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[id]
}

type fixture struct {
	clock  *testclock.Clock
	disc   *fakeDiscovery
	runner *fakeRunner
	store  *metrics.Store
	mgr    *Manager
}

var testConfig = Config{StopDelay: 5 * time.Minute, RemoveDelay: 10 * time.Minute}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		clock:  clk,
		disc:   &fakeDiscovery{},
		runner: newFakeRunner(),
		store:  metrics.NewStore(metrics.Options{UserPolicy: dedup.Exact(), Clock: clk}),
	}
	f.mgr = New(Options{Config: cfg, Discovery: f.disc, Runner: f.runner, Store: f.store, Clock: clk})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.mgr.Bind(ctx)
	return f
}

func (f *fixture) scan(t *testing.T) {
	t.Helper()
	if err := f.mgr.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
}

func (f *fixture) tracked(id string) bool {
	for _, v := range f.store.Tracked() {
		if v == id {
			return true
		}
	}
	return false
}

func (f *fixture) removalPending(id string) bool {
	for _, r := range f.mgr.Removals() {
		if r.VideoID == id {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func live(id string) core.Broadcast {
	return core.Broadcast{VideoID: id, ChannelID: "UC-" + id, ChannelName: "ch-" + id, Status: core.StatusLive, LiveViewers: 100}
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig)
	b := live("abc123")

	if !f.mgr.Start(b) {
		t.Fatalf("expected first start to create a session")
	}
	if f.mgr.Start(b) {
		t.Fatalf("expected second start to be a no-op")
	}
	f.disc.set(b)
	f.scan(t)

	waitFor(t, "runner start", func() bool { return f.runner.startCount("abc123") == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := f.runner.startCount("abc123"); got != 1 {
		t.Fatalf("expected exactly one run, got %d", got)
	}
	if n := len(f.mgr.Sessions()); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
}

func TestDelayedStopCancelledOnReappearance(t *testing.T) {
	f := newFixture(t, testConfig)
	b := live("abc123")
	f.disc.set(b)
	f.scan(t)

	f.disc.set()
	f.scan(t)
	sessions := f.mgr.Sessions()
	if len(sessions) != 1 || sessions[0].StopAt == nil {
		t.Fatalf("expected a scheduled stop, got %+v", sessions)
	}

	f.clock.Advance(2 * time.Minute)
	f.disc.set(b)
	f.scan(t)
	f.clock.Advance(10 * time.Minute)

	time.Sleep(20 * time.Millisecond)
	if !f.mgr.Active("abc123") {
		t.Fatalf("expected session to survive a transient absence")
	}
	if f.runner.startCount("abc123") != 1 {
		t.Fatalf("expected no restart, got %d starts", f.runner.startCount("abc123"))
	}
}

func TestDelayedStopThenRemoval(t *testing.T) {
	f := newFixture(t, testConfig)
	b := live("abc123")
	f.disc.set(b)
	f.scan(t)
	f.store.ObserveEvent(b, core.ChatEvent{ID: "e1", Kind: core.KindText, Author: core.Author{ChannelID: "UC1"}})

	f.disc.set()
	f.scan(t)
	f.clock.Advance(5 * time.Minute)
	waitFor(t, "delayed stop", func() bool { return !f.mgr.Active("abc123") })
	waitFor(t, "removal scheduled", func() bool { return f.removalPending("abc123") })

	if !f.tracked("abc123") {
		t.Fatalf("expected metrics kept during the removal grace window")
	}
	f.clock.Advance(10 * time.Minute)
	waitFor(t, "metrics removal", func() bool { return !f.tracked("abc123") })
}

func TestRestartCancelsPendingRemoval(t *testing.T) {
	f := newFixture(t, testConfig)
	b := live("abc123")
	f.disc.set(b)
	f.scan(t)

	f.mgr.Stop("abc123")
	if !f.removalPending("abc123") {
		t.Fatalf("expected removal scheduled on stop")
	}

	f.scan(t)
	if !f.mgr.Active("abc123") {
		t.Fatalf("expected session restarted")
	}
	if f.removalPending("abc123") {
		t.Fatalf("expected restart to cancel the removal timer")
	}
	f.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if !f.tracked("abc123") {
		t.Fatalf("expected stale removal timer not to fire")
	}
}

func TestStaleTimerIsIgnored(t *testing.T) {
	f := newFixture(t, testConfig)
	f.mgr.scheduleRemoval("abc123")
	f.mgr.mu.Lock()
	stale := f.mgr.removeTimers["abc123"].gen
	f.mgr.cancelTimerLocked(f.mgr.removeTimers, "abc123")
	f.mgr.mu.Unlock()
	f.mgr.scheduleRemoval("abc123")

	if f.mgr.claimTimer(f.mgr.removeTimers, "abc123", stale) {
		t.Fatalf("expected stale generation to be rejected")
	}
	if !f.removalPending("abc123") {
		t.Fatalf("expected the newer timer to stay scheduled")
	}
}

func TestStartGap(t *testing.T) {
	cfg := testConfig
	cfg.StartGap = 10 * time.Second
	f := newFixture(t, cfg)
	f.disc.set(live("a"), live("b"))

	done := make(chan error, 1)
	go func() { done <- f.mgr.Scan(context.Background()) }()

	waitFor(t, "first start", func() bool { return f.runner.startCount("a") == 1 })
	if f.mgr.Active("b") {
		t.Fatalf("expected second start to wait for the gap")
	}
	if err := f.clock.WaitAdvance(10*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !f.mgr.Active("b") {
		t.Fatalf("expected second session after the gap")
	}
}

func TestSessionOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		removedNow  bool
		removeLater bool
	}{
		{name: "end of stream", err: nil, removeLater: true},
		{name: "soft", err: &ytlive.Error{Kind: ytlive.KindSoftUnavailable}, removeLater: true},
		{name: "members only", err: &ytlive.Error{Kind: ytlive.KindPermanentUnavailable, DelayedRemoval: true}, removeLater: true},
		{name: "deleted", err: &ytlive.Error{Kind: ytlive.KindPermanentUnavailable}, removedNow: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig)
			f.mgr.Start(live("abc123"))
			waitFor(t, "runner start", func() bool { return f.runner.startCount("abc123") == 1 })

			f.runner.result("abc123") <- tt.err
			waitFor(t, "session end", func() bool { return !f.mgr.Active("abc123") })

			if tt.removedNow {
				waitFor(t, "immediate removal", func() bool { return !f.tracked("abc123") })
				if f.removalPending("abc123") {
					t.Fatalf("expected no delayed removal after immediate removal")
				}
				return
			}
			waitFor(t, "delayed removal", func() bool { return f.removalPending("abc123") })
			if !f.tracked("abc123") {
				t.Fatalf("expected metrics kept until the grace window ends")
			}
		})
	}
}

func TestEndedBroadcastIsNotStarted(t *testing.T) {
	f := newFixture(t, testConfig)
	b := live("old")
	b.Status = core.StatusEnded
	f.disc.set(b)
	f.scan(t)
	if f.mgr.Active("old") {
		t.Fatalf("expected ended broadcast not to start")
	}
}

func TestFirstScanRestoresSnapshot(t *testing.T) {
	dir := t.TempDir()
	b := live("abc123")

	previous := metrics.NewStore(metrics.Options{UserPolicy: dedup.Exact()})
	previous.Init(b)
	previous.ObserveEvent(b, core.ChatEvent{ID: "e1", Kind: core.KindText, Author: core.Author{ChannelID: "UC1", Roles: core.Roles{Owner: true}}})
	if err := previous.Snapshot(dir); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	cfg := testConfig
	cfg.SnapshotDir = dir
	f := newFixture(t, cfg)
	f.disc.set(b)
	f.scan(t)

	mfs, err := f.store.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var got float64
	for _, mf := range mfs {
		if mf.GetName() != "holochat_receive_messages" {
			continue
		}
		for _, m := range mf.GetMetric() {
			got += m.GetCounter().GetValue()
		}
	}
	if got != 1 {
		t.Fatalf("expected restored counter 1, got %v", got)
	}
}

func TestRestoredEndedBroadcastIsRemoved(t *testing.T) {
	dir := t.TempDir()
	b := live("abc123")

	previous := metrics.NewStore(metrics.Options{UserPolicy: dedup.Exact()})
	previous.Init(b)
	previous.ObserveEvent(b, core.ChatEvent{ID: "e1", Kind: core.KindText, Author: core.Author{ChannelID: "UC1"}})
	if err := previous.Snapshot(dir); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	cfg := testConfig
	cfg.SnapshotDir = dir
	f := newFixture(t, cfg)
	b.Status = core.StatusEnded
	f.disc.set(b)
	f.scan(t)

	if f.mgr.Active("abc123") {
		t.Fatalf("expected ended broadcast not to start")
	}
	if !f.tracked("abc123") {
		t.Fatalf("expected restored series during the grace window")
	}
	if !f.removalPending("abc123") {
		t.Fatalf("expected removal scheduled for restored ended broadcast")
	}

	b.Title = "renamed"
	f.disc.set(b)
	if err := f.mgr.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got, _ := f.mgr.Broadcast("abc123"); got.Title != "renamed" {
		t.Fatalf("expected refresh to update restored broadcast, got %q", got.Title)
	}

	f.clock.Advance(10 * time.Minute)
	waitFor(t, "restored series removal", func() bool { return !f.tracked("abc123") })
	for _, id := range f.store.Filters().Known() {
		if id == "abc123" {
			t.Fatalf("expected restored dedup state dropped")
		}
	}
}

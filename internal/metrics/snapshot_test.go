package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/dedup"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore()
	a := liveBroadcast("abc123")
	gone := liveBroadcast("old000")
	s.Init(a)
	s.Init(gone)

	s.ObserveEvent(a, textEvent("e1", "UC-1", core.Roles{Owner: true}))
	s.ObserveEvent(a, textEvent("e2", "UC-2", core.Roles{}))
	s.ObserveEvent(a, core.ChatEvent{ID: "p1", Kind: core.KindPaidMessage, Author: core.Author{ChannelID: "UC-2"}, Payment: &core.Payment{Amount: 500, Currency: "USD", JPY: 54000}})
	s.ObserveEvent(gone, textEvent("g1", "UC-9", core.Roles{}))
	dd := s.Filters().Open("abc123", dedup.Exact())
	dd.Check("e1")
	dd.Check("e2")

	if err := s.Snapshot(dir); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, name := range []string{MetricsFile, FiltersFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}

	restored := newTestStore()
	if err := restored.Restore(dir, []core.Broadcast{a}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	checks := []struct {
		name string
		want float64
		got  float64
	}{
		{"owner text", 1, testutil.ToFloat64(restored.messages.counter.WithLabelValues("abc123", "textMessage", "owner"))},
		{"other text", 1, testutil.ToFloat64(restored.messages.counter.WithLabelValues("abc123", "textMessage", "other"))},
		{"origin value", 500, testutil.ToFloat64(restored.superChatOrigin.gauge.WithLabelValues("abc123", "superChat", "other", "USD"))},
		{"jpy value", 54000, testutil.ToFloat64(restored.superChatJPY.gauge.WithLabelValues("abc123", "superChat", "other", "USD"))},
		{"max viewers", 1200, testutil.ToFloat64(restored.maxViewers.gauge.WithLabelValues("abc123"))},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}
	if n := seriesFor(t, restored, "old000"); n != 0 {
		t.Fatalf("expected broadcasts outside the list to stay absent, got %d series", n)
	}

	novel, _ := restored.Filters().Open("abc123", dedup.Exact()).Check("e1")
	if novel {
		t.Fatalf("expected restored dedup to remember e1")
	}
	if restored.Filters().Classification("abc123").ObserveText("UC-1", core.AuthorOwner) {
		t.Fatalf("expected restored classification to remember UC-1")
	}

	// Restored label sets are tracked, so removal still clears everything.
	restored.Remove("abc123")
	if n := seriesFor(t, restored, "abc123"); n != 0 {
		t.Fatalf("expected restored series removable, got %d", n)
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	s := newTestStore()
	if err := s.Restore(t.TempDir(), []core.Broadcast{liveBroadcast("abc123")}); err != nil {
		t.Fatalf("expected missing snapshot to be fine, got %v", err)
	}
}

func TestRestoreDropsUnknownLabels(t *testing.T) {
	dir := t.TempDir()
	doc := `[{"name":"holochat_receive_messages","help":"x","type":"counter","values":[{"labels":{"videoId":"abc123","type":"textMessage","authorType":"owner","legacy":"1"},"value":7}]}]`
	if err := os.WriteFile(filepath.Join(dir, MetricsFile), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := newTestStore()
	if err := s.Restore(dir, []core.Broadcast{{VideoID: "abc123"}}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := testutil.ToFloat64(s.messages.counter.WithLabelValues("abc123", "textMessage", "owner")); got != 7 {
		t.Fatalf("expected 7 after restore, got %v", got)
	}
}

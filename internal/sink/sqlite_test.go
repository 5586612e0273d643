package sink

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/httpapi"
	"github.com/you/holochat-metrics/internal/ingesttrace"
)

type fakeFeed struct {
	got []core.Record
}

func (f *fakeFeed) Broadcast(rec core.Record) { f.got = append(f.got, rec) }

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func record(video, id string, ts time.Time, typ core.MessageType) core.Record {
	return core.Record{VideoID: video, ID: id, Timestamp: ts, Type: typ, AuthorID: "UC" + id, AuthorName: "author " + id, AuthorType: core.AuthorOther, Message: "msg " + id}
}

func TestJournalWriteIsIdempotent(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	trace := ingesttrace.New("abc123", "e1", "fan", "")
	rec := record("abc123", "e1", base, core.TypeSuperChat)
	rec.Amount, rec.Currency, rec.JPY, rec.Tier = 5, "USD", 540, 3
	for i := 0; i < 2; i++ {
		if err := j.Write(rec, trace); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if trace.Count(ingesttrace.StageJournaled) != 2 {
		t.Fatalf("expected 2 journaled stages, got %d", trace.Count(ingesttrace.StageJournaled))
	}

	n, err := j.CountEvents(context.Background(), httpapi.Filters{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	got, err := j.Recent(context.Background(), "abc123", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	r := got[0]
	if r.Type != core.TypeSuperChat || r.Currency != "USD" || r.JPY != 540 || r.Tier != 3 || !r.Timestamp.Equal(base) {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestJournalFilters(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []core.Record{
		record("abc123", "1", base, core.TypeTextMessage),
		record("abc123", "2", base.Add(time.Minute), core.TypeSuperChat),
		record("abc123", "3", base.Add(2*time.Minute), core.TypeTextMessage),
		record("xyz789", "4", base.Add(3*time.Minute), core.TypeTextMessage),
	}
	rows[2].AuthorType = core.AuthorOwner
	for _, r := range rows {
		if err := j.Write(r, nil); err != nil {
			t.Fatalf("write %s: %v", r.ID, err)
		}
	}

	since := base.Add(30 * time.Second)
	cases := []struct {
		name    string
		filters httpapi.Filters
		want    []string
	}{
		{name: "video newest first", filters: httpapi.Filters{VideoIDs: []string{"abc123"}}, want: []string{"3", "2", "1"}},
		{name: "ascending with limit", filters: httpapi.Filters{Order: httpapi.OrderAsc, Limit: 2}, want: []string{"1", "2"}},
		{name: "type", filters: httpapi.Filters{Types: []core.MessageType{core.TypeSuperChat}}, want: []string{"2"}},
		{name: "author type", filters: httpapi.Filters{AuthorTypes: []core.AuthorType{core.AuthorOwner}}, want: []string{"3"}},
		{name: "since", filters: httpapi.Filters{VideoIDs: []string{"abc123"}, Since: &since, Order: httpapi.OrderAsc}, want: []string{"2", "3"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := j.ListEvents(context.Background(), tc.filters)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d records, got %d", len(tc.want), len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("expected %v, got record %d = %s", tc.want, i, got[i].ID)
				}
			}
		})
	}
}

func TestWithAPIBroadcastsAfterWrite(t *testing.T) {
	j := openTestJournal(t)
	feed := &fakeFeed{}
	w := WithAPI(j, feed)
	trace := ingesttrace.New("abc123", "1", "", "")
	if err := w.Write(record("abc123", "1", time.Now(), core.TypeTextMessage), trace); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(feed.got) != 1 || trace.Count(ingesttrace.StageFed) != 1 {
		t.Fatalf("expected one fed record, got %d", len(feed.got))
	}
}

func TestMigrateAddsColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	old := `CREATE TABLE events (
  video_id TEXT NOT NULL,
  id TEXT NOT NULL,
  ts TEXT NOT NULL,
  type TEXT NOT NULL,
  author_id TEXT NOT NULL DEFAULT '',
  author_name TEXT NOT NULL DEFAULT '',
  author_type TEXT NOT NULL DEFAULT 'other',
  message TEXT NOT NULL DEFAULT '',
  amount REAL NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT '',
  jpy REAL NOT NULL DEFAULT 0,
  PRIMARY KEY (video_id, id)
);
INSERT INTO events (video_id, id, ts, type) VALUES ('abc123', 'old', '2024-05-01T12:00:00Z', 'textMessage');`
	if _, err := db.Exec(old); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = db.Close()

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	got, err := j.Recent(context.Background(), "abc123", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Tier != 0 || got[0].Offset != 0 {
		t.Fatalf("expected migrated row with defaults, got %+v", got)
	}
	version, err := userVersion(context.Background(), j.db)
	if err != nil || version != schemaVersion {
		t.Fatalf("expected user_version %d, got %d (%v)", schemaVersion, version, err)
	}
}

package httpapi

import (
	"net/url"
	"testing"
	"time"

	"github.com/you/holochat-metrics/internal/core"
)

func TestParseFilters(t *testing.T) {
	cases := []struct {
		name    string
		query   string
		wantErr bool
		check   func(t *testing.T, f Filters)
	}{
		{name: "defaults", query: "", check: func(t *testing.T, f Filters) {
			if f.Limit != defaultLimit || f.Order != OrderDesc {
				t.Fatalf("expected defaults, got %+v", f)
			}
		}},
		{name: "limit capped", query: "limit=5000", check: func(t *testing.T, f Filters) {
			if f.Limit != maxLimit {
				t.Fatalf("expected limit %d, got %d", maxLimit, f.Limit)
			}
		}},
		{name: "bad limit", query: "limit=-1", wantErr: true},
		{name: "bad order", query: "order=sideways", wantErr: true},
		{name: "videos split and deduped", query: "video=a,b&video=a", check: func(t *testing.T, f Filters) {
			if len(f.VideoIDs) != 2 {
				t.Fatalf("expected 2 videos, got %v", f.VideoIDs)
			}
		}},
		{name: "type case insensitive", query: "type=superChat,TEXTMESSAGE", check: func(t *testing.T, f Filters) {
			if len(f.Types) != 2 || f.Types[0] != core.TypeSuperChat || f.Types[1] != core.TypeTextMessage {
				t.Fatalf("unexpected types %v", f.Types)
			}
		}},
		{name: "unknown type", query: "type=shout", wantErr: true},
		{name: "author type", query: "authorType=owner,marked", check: func(t *testing.T, f Filters) {
			if len(f.AuthorTypes) != 2 || f.AuthorTypes[1] != core.AuthorMarked {
				t.Fatalf("unexpected author types %v", f.AuthorTypes)
			}
		}},
		{name: "unknown author type", query: "authorType=admin", wantErr: true},
		{name: "since unix", query: "since=1714564800", check: func(t *testing.T, f Filters) {
			if f.Since == nil || !f.Since.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
				t.Fatalf("unexpected since %v", f.Since)
			}
		}},
		{name: "bad since", query: "since=yesterday", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			values, err := url.ParseQuery(tc.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}
			f, err := ParseFilters(values)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.check(t, f)
		})
	}
}

func TestFiltersMatches(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := Filters{
		VideoIDs:    []string{"abc123"},
		Types:       []core.MessageType{core.TypeSuperChat},
		AuthorTypes: []core.AuthorType{core.AuthorOther},
		Since:       &since,
	}
	ok := core.Record{VideoID: "abc123", Type: core.TypeSuperChat, AuthorType: core.AuthorOther, Timestamp: since.Add(time.Second)}
	if !f.Matches(ok) {
		t.Fatalf("expected match")
	}
	for name, mutate := range map[string]func(*core.Record){
		"video":  func(r *core.Record) { r.VideoID = "other" },
		"type":   func(r *core.Record) { r.Type = core.TypeTextMessage },
		"author": func(r *core.Record) { r.AuthorType = core.AuthorOwner },
		"since":  func(r *core.Record) { r.Timestamp = since.Add(-time.Second) },
	} {
		r := ok
		mutate(&r)
		if f.Matches(r) {
			t.Fatalf("expected %s mismatch to be filtered", name)
		}
	}
}

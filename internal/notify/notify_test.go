package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/holochat-metrics/internal/core"
)

func TestWorthy(t *testing.T) {
	cases := []struct {
		name string
		ev   core.ChatEvent
		want bool
	}{
		{name: "plain text", ev: core.ChatEvent{Kind: core.KindText}, want: false},
		{name: "owner text", ev: core.ChatEvent{Kind: core.KindText, Author: core.Author{Roles: core.Roles{Owner: true}}}, want: true},
		{name: "moderator text", ev: core.ChatEvent{Kind: core.KindText, Author: core.Author{Roles: core.Roles{Moderator: true}}}, want: true},
		{name: "marked text", ev: core.ChatEvent{Kind: core.KindText, Author: core.Author{Roles: core.Roles{Marked: true}}}, want: true},
		{name: "sponsor text", ev: core.ChatEvent{Kind: core.KindText, Author: core.Author{Roles: core.Roles{Sponsor: true}}}, want: false},
		{name: "new member", ev: core.ChatEvent{Kind: core.KindMembership}, want: true},
		{name: "milestone", ev: core.ChatEvent{Kind: core.KindMilestone}, want: false},
		{name: "paid sticker", ev: core.ChatEvent{Kind: core.KindPaidSticker}, want: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := Worthy(tc.ev); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestColor(t *testing.T) {
	paid := func(tier int) core.ChatEvent {
		return core.ChatEvent{Kind: core.KindPaidMessage, Payment: &core.Payment{Tier: tier}}
	}
	cases := []struct {
		name string
		ev   core.ChatEvent
		want int
	}{
		{name: "owner beats tier", ev: core.ChatEvent{Kind: core.KindPaidMessage, Author: core.Author{Roles: core.Roles{Owner: true}}, Payment: &core.Payment{Tier: 7}}, want: 0x5e84f1},
		{name: "membership", ev: core.ChatEvent{Kind: core.KindMembership}, want: 0x0f9d58},
		{name: "tier 1", ev: paid(1), want: 0x1e88e5},
		{name: "tier 4", ev: paid(4), want: 0xffca28},
		{name: "tier 8", ev: paid(8), want: 0xe62117},
		{name: "unknown tier", ev: paid(0), want: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := Color(tc.ev); got != tc.want {
				t.Fatalf("expected %#x, got %#x", tc.want, got)
			}
		})
	}
}

func TestTimecode(t *testing.T) {
	for in, want := range map[int]string{0: "00:00:00", 59: "00:00:59", 3661: "01:01:01", -5: "00:00:00", 36000: "10:00:00"} {
		if got := Timecode(in); got != want {
			t.Fatalf("Timecode(%d): expected %q, got %q", in, want, got)
		}
	}
}

func testBroadcast() core.Broadcast {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return core.Broadcast{VideoID: "abc123", ChannelName: "Pekora", Title: "Minecraft", ActualStart: &start}
}

func TestBuildEmbed(t *testing.T) {
	b := testBroadcast()
	ev := core.ChatEvent{
		Kind:      core.KindPaidMessage,
		Timestamp: b.ActualStart.Add(time.Hour + 2*time.Minute + 3*time.Second),
		Author:    core.Author{ChannelID: "UCfan", Name: "fan"},
		Message:   "hello",
		Payment:   &core.Payment{Display: "$5.00", Tier: 3},
	}
	e := BuildEmbed(b, ev)
	if e.Title != "To Pekora • At 01:02:03" {
		t.Fatalf("unexpected title %q", e.Title)
	}
	if e.URL != "https://youtu.be/abc123?t=3723" {
		t.Fatalf("unexpected url %q", e.URL)
	}
	if e.Description != "hello ($5.00, 3)" {
		t.Fatalf("unexpected description %q", e.Description)
	}
	if e.Author.URL != "https://www.youtube.com/channel/UCfan" {
		t.Fatalf("unexpected author url %q", e.Author.URL)
	}
	if e.Footer.Text != "Minecraft" || e.Color != 0x1de9b6 {
		t.Fatalf("unexpected footer/color: %q %#x", e.Footer.Text, e.Color)
	}
}

func TestBuildEmbedBeforeStart(t *testing.T) {
	b := testBroadcast()
	ev := core.ChatEvent{Kind: core.KindText, Timestamp: b.ActualStart.Add(-time.Minute), Message: "waiting"}
	if e := BuildEmbed(b, ev); e.URL != "https://youtu.be/abc123?t=0" {
		t.Fatalf("expected zero offset, got %q", e.URL)
	}
}

func TestWebhookNotify(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, srv.Client())
	ev := core.ChatEvent{Kind: core.KindMembership, Message: "welcome", Author: core.Author{Name: "new member"}}
	if err := wh.Notify(context.Background(), testBroadcast(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Description != "welcome" || got.Embeds[0].Color != 0x0f9d58 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookNotifyStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, srv.Client())
	if err := wh.Notify(context.Background(), testBroadcast(), core.ChatEvent{Kind: core.KindMembership}); err == nil {
		t.Fatalf("expected error on 429")
	}
}

func TestWebhookDisabled(t *testing.T) {
	wh := NewWebhook("", nil)
	if wh.Enabled() {
		t.Fatalf("expected disabled webhook")
	}
	if err := wh.Notify(context.Background(), testBroadcast(), core.ChatEvent{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

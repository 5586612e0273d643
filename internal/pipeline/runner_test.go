package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/dedup"
	"github.com/you/holochat-metrics/internal/ytlive"
)

type scriptedFetcher struct {
	batch ytlive.Batch
}

func (f *scriptedFetcher) FetchPage(context.Context, string) (ytlive.Page, error) {
	return ytlive.Page{Data: &ytlive.PageData{APIKey: "k", Continuation: "c1", TimeoutMs: 1}}, nil
}

func (f *scriptedFetcher) FetchChat(context.Context, string, ytlive.PageData, string) (ytlive.Batch, error) {
	return f.batch, nil
}

func ownerText(id string) map[string]any {
	return map[string]any{
		"addChatItemAction": map[string]any{
			"item": map[string]any{
				"liveChatTextMessageRenderer": map[string]any{
					"id":                      id,
					"timestampUsec":           "1714564800000000",
					"authorExternalChannelId": "UChost",
					"authorName":              map[string]any{"simpleText": "Host"},
					"message":                 map[string]any{"runs": []any{map[string]any{"text": "hello"}}},
					"authorBadges": []any{map[string]any{
						"liveChatAuthorBadgeRenderer": map[string]any{"icon": map[string]any{"iconType": "OWNER"}},
					}},
				},
			},
		},
	}
}

func TestChatRunnerFeedsPipelineWithLatestBroadcast(t *testing.T) {
	f := newFixture(nil)
	fetcher := &scriptedFetcher{batch: ytlive.Batch{Payload: map[string]any{
		"continuationContents": map[string]any{
			"liveChatContinuation": map[string]any{"actions": []any{ownerText("e1"), ownerText("e1")}},
		},
	}}}

	renamed := broadcast()
	renamed.Title = "renamed"
	r := &ChatRunner{
		Fetcher:  fetcher,
		Pipeline: f.p,
		Store:    f.store,
		Limits:   ytlive.Limits{MaxDelay: time.Millisecond, DefaultDelay: time.Millisecond, MaxRetries: 1},
		Lookup: func(id string) (core.Broadcast, bool) {
			return renamed, id == "abc123"
		},
	}

	dd := f.store.Filters().Open("abc123", dedup.Exact())
	if err := r.Run(context.Background(), broadcast(), dd); err != nil {
		t.Fatalf("expected clean end of chat, got %v", err)
	}
	f.p.Close()

	if got := value(t, f.store.Registry(), "holochat_receive_messages", map[string]string{"videoId": "abc123", "authorType": "owner"}); got != 1 {
		t.Fatalf("expected duplicate id counted once, got %v", got)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("expected owner message notified once, got %d", f.notifier.count())
	}
}

func TestCurrentFallsBack(t *testing.T) {
	r := &ChatRunner{}
	b := broadcast()
	if got := r.current(b); got.VideoID != b.VideoID {
		t.Fatalf("expected original broadcast without lookup")
	}
	r.Lookup = func(string) (core.Broadcast, bool) { return core.Broadcast{}, false }
	if got := r.current(b); got.VideoID != b.VideoID {
		t.Fatalf("expected original broadcast when lookup misses")
	}
}

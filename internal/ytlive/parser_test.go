package ytlive

import (
	"testing"

	"github.com/you/holochat-metrics/internal/core"
)

func textAction(id, author, text string, badges ...string) map[string]any {
	var badgeList []any
	for _, icon := range badges {
		badgeList = append(badgeList, map[string]any{
			"liveChatAuthorBadgeRenderer": map[string]any{
				"icon": map[string]any{"iconType": icon},
			},
		})
	}
	renderer := map[string]any{
		"id":                      id,
		"timestampUsec":           "1700000000000000",
		"authorExternalChannelId": author,
		"authorName":              map[string]any{"simpleText": "name-" + author},
		"message": map[string]any{
			"runs": []any{
				map[string]any{"text": text},
			},
		},
	}
	if badgeList != nil {
		renderer["authorBadges"] = badgeList
	}
	return map[string]any{
		"addChatItemAction": map[string]any{
			"item": map[string]any{"liveChatTextMessageRenderer": renderer},
		},
	}
}

func paidAction(id, author, amount string, color float64) map[string]any {
	return map[string]any{
		"addChatItemAction": map[string]any{
			"item": map[string]any{
				"liveChatPaidMessageRenderer": map[string]any{
					"id":                      id,
					"timestampUsec":           "1700000000000000",
					"authorExternalChannelId": author,
					"authorName":              map[string]any{"simpleText": "payer"},
					"purchaseAmountText":      map[string]any{"simpleText": amount},
					"bodyBackgroundColor":     color,
					"message": map[string]any{
						"runs": []any{map[string]any{"text": "thanks"}},
					},
				},
			},
		},
	}
}

func responseWith(actions ...map[string]any) map[string]any {
	list := make([]any, 0, len(actions))
	for _, a := range actions {
		list = append(list, a)
	}
	return map[string]any{
		"continuationContents": map[string]any{
			"liveChatContinuation": map[string]any{
				"actions": list,
			},
		},
	}
}

func TestParseTextMessage(t *testing.T) {
	ev, ok, err := ParseAction(textAction("e1", "UC1", "hello", "OWNER"))
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Kind != core.KindText {
		t.Fatalf("expected text kind, got %q", ev.Kind)
	}
	if ev.ID != "e1" || ev.Message != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Author.Roles.Owner {
		t.Fatalf("expected owner role")
	}
	if ev.Author.Name != "name-UC1" {
		t.Fatalf("expected author name, got %q", ev.Author.Name)
	}
	if ev.Timestamp.UnixMicro() != 1700000000000000 {
		t.Fatalf("unexpected timestamp %v", ev.Timestamp)
	}
}

func TestParseBadges(t *testing.T) {
	tests := []struct {
		name  string
		icons []string
		want  core.Roles
	}{
		{name: "none", want: core.Roles{}},
		{name: "moderator", icons: []string{"MODERATOR"}, want: core.Roles{Moderator: true}},
		{name: "verified", icons: []string{"VERIFIED"}, want: core.Roles{Verified: true}},
		{name: "member badge", icons: []string{""}, want: core.Roles{Sponsor: true}},
		{name: "owner and member", icons: []string{"OWNER", ""}, want: core.Roles{Owner: true, Sponsor: true}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ev, _, err := ParseAction(textAction("id", "UC", "x", tt.icons...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Author.Roles != tt.want {
				t.Fatalf("expected roles %+v, got %+v", tt.want, ev.Author.Roles)
			}
		})
	}
}

func TestParseEmojiRuns(t *testing.T) {
	action := textAction("e1", "UC1", "")
	renderer := action["addChatItemAction"].(map[string]any)["item"].(map[string]any)["liveChatTextMessageRenderer"].(map[string]any)
	renderer["message"] = map[string]any{
		"runs": []any{
			map[string]any{"text": "hi "},
			map[string]any{"emoji": map[string]any{"emojiId": "x", "shortcuts": []any{":a:", ":wave:"}}},
			map[string]any{"emoji": map[string]any{"emojiId": "🙂"}},
		},
	}
	ev, _, err := ParseAction(action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Message != "hi :wave:🙂" {
		t.Fatalf("expected emoji text, got %q", ev.Message)
	}
}

func TestParsePaidMessageTier(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		color    float64
		currency string
		value    float64
		tier     int
	}{
		{name: "usd red", amount: "$500.00", color: 4293271831, currency: "USD", value: 500, tier: 7},
		{name: "yen blue", amount: "¥200", color: 4280191205, currency: "JPY", value: 200, tier: 1},
		{name: "unknown colour", amount: "€5.00", color: 123, currency: "EUR", value: 5, tier: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := ParseAction(paidAction("p1", "UC9", tt.amount, tt.color))
			if err != nil || !ok {
				t.Fatalf("expected event, got ok=%v err=%v", ok, err)
			}
			if ev.Kind != core.KindPaidMessage || ev.Payment == nil {
				t.Fatalf("expected paid message with payment, got %+v", ev)
			}
			if ev.Payment.Currency != tt.currency {
				t.Fatalf("expected currency %s, got %s", tt.currency, ev.Payment.Currency)
			}
			if ev.Payment.Amount != tt.value {
				t.Fatalf("expected amount %v, got %v", tt.value, ev.Payment.Amount)
			}
			if ev.Payment.Tier != tt.tier {
				t.Fatalf("expected tier %d, got %d", tt.tier, ev.Payment.Tier)
			}
		})
	}
}

func TestParseMembershipKinds(t *testing.T) {
	newMember := map[string]any{
		"addChatItemAction": map[string]any{
			"item": map[string]any{
				"liveChatMembershipItemRenderer": map[string]any{
					"id":                      "m1",
					"authorExternalChannelId": "UC2",
					"headerSubtext":           map[string]any{"simpleText": "Welcome to the club"},
				},
			},
		},
	}
	milestone := map[string]any{
		"addChatItemAction": map[string]any{
			"item": map[string]any{
				"liveChatMembershipItemRenderer": map[string]any{
					"id":                      "m2",
					"authorExternalChannelId": "UC3",
					"headerPrimaryText":       map[string]any{"runs": []any{map[string]any{"text": "Member for 6 months"}}},
				},
			},
		},
	}

	ev, _, err := ParseAction(newMember)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != core.KindMembership || ev.MessageType() != core.TypeNewSponsor {
		t.Fatalf("expected new sponsor, got %q", ev.Kind)
	}
	if !ev.Author.Roles.Sponsor {
		t.Fatalf("expected sponsor role on membership event")
	}

	ev, _, err = ParseAction(milestone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != core.KindMilestone || ev.Detail != "Member for 6 months" {
		t.Fatalf("expected milestone, got %+v", ev)
	}
}

func TestParseReplayUnwraps(t *testing.T) {
	action := map[string]any{
		"replayChatItemAction": map[string]any{
			"actions": []any{textAction("r1", "UC1", "replayed")},
		},
	}
	ev, ok, err := ParseAction(action)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.ID != "r1" || ev.Message != "replayed" {
		t.Fatalf("unexpected replay event %+v", ev)
	}
}

func TestParsePollClose(t *testing.T) {
	ev, ok, err := ParseAction(map[string]any{
		"closeLiveChatActionPanelAction": map[string]any{"targetPanelId": "panel-1"},
	})
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Kind != core.KindPollClose || ev.ID != "panel-1:close" {
		t.Fatalf("unexpected poll close %+v", ev)
	}
}

func TestParseResponseIsolatesBadActions(t *testing.T) {
	payload := responseWith(
		textAction("e1", "UC1", "first"),
		map[string]any{"someNewAction": map[string]any{}},
		map[string]any{"addChatItemAction": map[string]any{"item": map[string]any{"liveChatPaidMessageRenderer": map[string]any{"id": "bad"}}}},
		map[string]any{"addLiveChatTickerItemAction": map[string]any{}},
		textAction("e2", "UC2", "second"),
	)

	events, errs := ParseResponse(payload)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != "e1" || events[1].ID != "e2" {
		t.Fatalf("unexpected order: %q, %q", events[0].ID, events[1].ID)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 parse errors, got %d (%v)", len(errs), errs)
	}
	for _, err := range errs {
		if KindOf(err) != KindParser {
			t.Fatalf("expected parser error kind, got %v", KindOf(err))
		}
	}
}

func TestParseDropsChatItemsWithoutID(t *testing.T) {
	tests := []struct {
		name   string
		action map[string]any
	}{
		{name: "text", action: textAction("", "UC1", "hello")},
		{name: "paid", action: paidAction("", "UC1", "¥200", 4280191205)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := ParseAction(tt.action)
			if ok {
				t.Fatalf("expected item without id to be dropped, got %+v", ev)
			}
			if KindOf(err) != KindParser {
				t.Fatalf("expected parser error, got %v", err)
			}
		})
	}

	events, errs := ParseResponse(responseWith(textAction("", "UC1", "lost"), textAction("e1", "UC1", "kept")))
	if len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("expected only e1, got %+v", events)
	}
	if len(errs) != 1 {
		t.Fatalf("expected one parse error, got %v", errs)
	}
}

func TestTier(t *testing.T) {
	if Tier(4278248959) != 2 {
		t.Fatalf("expected tier 2 for body colour")
	}
	if Tier(4291821568) != 7 {
		t.Fatalf("expected tier 7 for header colour")
	}
	if Tier(0) != 0 {
		t.Fatalf("expected tier 0 for unknown colour")
	}
}

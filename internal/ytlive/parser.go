package ytlive

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you/holochat-metrics/internal/core"
	"github.com/you/holochat-metrics/internal/currency"
)

// Paid message colours to tier. Body colours come from paid message
// renderers, header colours from stickers and older payloads.
var tierByColor = map[int64]int{
	4280191205: 1,
	4278248959: 2,
	4280150454: 3,
	4294953512: 4,
	4294278144: 5,
	4293467747: 6,
	4293271831: 7,

	4279592384: 1,
	4278237396: 2,
	4278239141: 3,
	4294947584: 4,
	4293284096: 5,
	4290910299: 6,
	4291821568: 7,
}

// TierColorName is the palette name shown next to a tier.
var TierColorName = map[int]string{
	1: "blue",
	2: "lightblue",
	3: "green",
	4: "yellow",
	5: "orange",
	6: "magenta",
	7: "red",
}

// Tier looks up a renderer colour. Unknown colours are tier 0.
func Tier(color int64) int {
	return tierByColor[color]
}

// parseSummary counts what a single response contained.
type parseSummary struct {
	actions int
	events  int
	skipped int
}

// ParseResponse extracts every chat event from a get_live_chat response. A
// malformed or unrecognised action is reported in errs and does not stop the
// remaining actions from being parsed.
func ParseResponse(payload map[string]any) (events []core.ChatEvent, errs []error) {
	events, _, errs = parseResponse(payload)
	return events, errs
}

func parseResponse(payload map[string]any) ([]core.ChatEvent, parseSummary, []error) {
	var (
		events  []core.ChatEvent
		errs    []error
		summary parseSummary
	)
	for _, action := range gatherActions(payload) {
		summary.actions++
		ev, ok, err := parseActionSafe(action)
		if err != nil {
			errs = append(errs, err)
		}
		if !ok {
			summary.skipped++
			continue
		}
		summary.events++
		events = append(events, ev)
	}
	return events, summary, errs
}

func parseActionSafe(action map[string]any) (ev core.ChatEvent, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, ok = core.ChatEvent{}, false
			err = &Error{Kind: KindParser, Message: fmt.Sprintf("panic parsing %s: %v", actionName(action), r)}
		}
	}()
	return ParseAction(action)
}

// ParseAction translates one action into at most one event. Actions that are
// known not to be chat events (ticker items, deletions, placeholders) return
// ok=false and no error.
func ParseAction(action map[string]any) (core.ChatEvent, bool, error) {
	if replay := digMap(action, "replayChatItemAction"); replay != nil {
		inner, ok := replay["actions"].([]any)
		if !ok || len(inner) == 0 {
			return core.ChatEvent{}, false, parserError("replayChatItemAction without actions")
		}
		first, ok := inner[0].(map[string]any)
		if !ok {
			return core.ChatEvent{}, false, parserError("replayChatItemAction with malformed action")
		}
		return ParseAction(first)
	}

	if item := digMap(action, "addChatItemAction", "item"); item != nil {
		return parseItem(item)
	}
	if panel := digMap(action, "showLiveChatActionPanelAction", "panelToShow", "liveChatActionPanelRenderer"); panel != nil {
		poll := digMap(panel, "contents", "pollRenderer")
		if poll == nil {
			return core.ChatEvent{}, false, nil
		}
		return core.ChatEvent{
			ID:     stringField(panel, "id"),
			Kind:   core.KindPollOpen,
			Detail: runsField(digMap(poll, "header", "pollHeaderRenderer"), "pollQuestion"),
		}, true, nil
	}
	if poll := digMap(action, "updateLiveChatPollAction", "pollToUpdate", "pollRenderer"); poll != nil {
		return core.ChatEvent{
			Kind:   core.KindPollUpdate,
			Detail: runsField(digMap(poll, "header", "pollHeaderRenderer"), "pollQuestion"),
		}, true, nil
	}
	if closing := digMap(action, "closeLiveChatActionPanelAction"); closing != nil {
		id := stringField(closing, "targetPanelId")
		if id != "" {
			id += ":close"
		}
		return core.ChatEvent{ID: id, Kind: core.KindPollClose}, true, nil
	}
	if banner := digMap(action, "addBannerToLiveChatCommand", "bannerRenderer", "liveChatBannerRenderer"); banner != nil {
		redirect := digMap(banner, "contents", "liveChatBannerRedirectRenderer")
		if redirect == nil {
			return core.ChatEvent{}, false, nil
		}
		return core.ChatEvent{
			ID:      stringField(banner, "actionId"),
			Kind:    core.KindRaid,
			Message: runsField(redirect, "bannerMessage"),
			Author: core.Author{
				Name:     firstRun(redirect, "bannerMessage"),
				PhotoURL: thumbnailURL(redirect, "authorPhoto"),
			},
		}, true, nil
	}

	for _, ignored := range []string{
		"addLiveChatTickerItemAction",
		"markChatItemAsDeletedAction",
		"markChatItemsByAuthorAsDeletedAction",
		"removeChatItemAction",
		"removeChatItemByAuthorAction",
		"replaceChatItemAction",
		"addBannerToLiveChatCommand",
		"removeBannerForLiveChatCommand",
		"updateLiveChatPollAction",
		"showLiveChatActionPanelAction",
		"showLiveChatTooltipCommand",
		"liveChatReportModerationStateCommand",
	} {
		if _, ok := action[ignored]; ok {
			return core.ChatEvent{}, false, nil
		}
	}
	return core.ChatEvent{}, false, parserError("unrecognised action " + actionName(action))
}

func parseItem(item map[string]any) (core.ChatEvent, bool, error) {
	if r := digMap(item, "liveChatTextMessageRenderer"); r != nil {
		ev := baseEvent(r, core.KindText)
		ev.Message = runsField(r, "message")
		return requireID(ev, "liveChatTextMessageRenderer")
	}
	if r := digMap(item, "liveChatPaidMessageRenderer"); r != nil {
		ev := baseEvent(r, core.KindPaidMessage)
		ev.Message = runsField(r, "message")
		pay, err := parsePayment(r, "bodyBackgroundColor", "headerBackgroundColor")
		if err != nil {
			return core.ChatEvent{}, false, err
		}
		ev.Payment = pay
		return requireID(ev, "liveChatPaidMessageRenderer")
	}
	if r := digMap(item, "liveChatPaidStickerRenderer"); r != nil {
		ev := baseEvent(r, core.KindPaidSticker)
		label := stringField(digMap(r, "sticker", "accessibility", "accessibilityData"), "label")
		ev.Message = "[Sticker]:" + label
		pay, err := parsePayment(r, "backgroundColor", "moneyChipBackgroundColor")
		if err != nil {
			return core.ChatEvent{}, false, err
		}
		ev.Payment = pay
		return requireID(ev, "liveChatPaidStickerRenderer")
	}
	if r := digMap(item, "liveChatMembershipItemRenderer"); r != nil {
		ev := baseEvent(r, core.KindMembership)
		ev.Author.Roles.Sponsor = true
		if header := runsField(r, "headerPrimaryText"); header != "" {
			ev.Kind = core.KindMilestone
			ev.Detail = header
			ev.Message = runsField(r, "message")
		} else {
			ev.Message = textField(r, "headerSubtext")
		}
		return requireID(ev, "liveChatMembershipItemRenderer")
	}
	if r := digMap(item, "liveChatSponsorshipsGiftPurchaseAnnouncementRenderer"); r != nil {
		header := digMap(r, "header", "liveChatSponsorshipsHeaderRenderer")
		ev := core.ChatEvent{
			ID:        stringField(r, "id"),
			Kind:      core.KindGiftPurchase,
			Timestamp: timestampField(r, "timestampUsec"),
		}
		if header != nil {
			ev.Author = authorFields(header)
			ev.Detail = runsField(header, "primaryText")
		}
		if ev.Author.ChannelID == "" {
			ev.Author.ChannelID = stringField(r, "authorExternalChannelId")
		}
		ev.Author.Roles.Sponsor = true
		return requireID(ev, "liveChatSponsorshipsGiftPurchaseAnnouncementRenderer")
	}
	if r := digMap(item, "liveChatSponsorshipsGiftRedemptionAnnouncementRenderer"); r != nil {
		ev := baseEvent(r, core.KindGiftRedemption)
		ev.Message = runsField(r, "message")
		ev.Author.Roles.Sponsor = true
		return requireID(ev, "liveChatSponsorshipsGiftRedemptionAnnouncementRenderer")
	}
	if r := digMap(item, "liveChatModeChangeMessageRenderer"); r != nil {
		return core.ChatEvent{
			ID:        stringField(r, "id"),
			Kind:      core.KindModeChange,
			Timestamp: timestampField(r, "timestampUsec"),
			Message:   runsField(r, "text"),
			Detail:    runsField(r, "subtext"),
		}, true, nil
	}
	for _, ignored := range []string{
		"liveChatPlaceholderItemRenderer",
		"liveChatViewerEngagementMessageRenderer",
		"liveChatDonationAnnouncementRenderer",
		"liveChatPurchasedProductMessageRenderer",
	} {
		if _, ok := item[ignored]; ok {
			return core.ChatEvent{}, false, nil
		}
	}
	return core.ChatEvent{}, false, parserError("unrecognised renderer " + firstKey(item))
}

func baseEvent(r map[string]any, kind core.EventKind) core.ChatEvent {
	return core.ChatEvent{
		ID:        stringField(r, "id"),
		Kind:      kind,
		Timestamp: timestampField(r, "timestampUsec"),
		Author:    authorFields(r),
	}
}

func authorFields(r map[string]any) core.Author {
	a := core.Author{
		ChannelID: stringField(r, "authorExternalChannelId"),
		Name:      textField(r, "authorName"),
		PhotoURL:  thumbnailURL(r, "authorPhoto"),
	}
	badges, _ := r["authorBadges"].([]any)
	for _, raw := range badges {
		badge := digMap(asMap(raw), "liveChatAuthorBadgeRenderer")
		if badge == nil {
			continue
		}
		switch stringField(digMap(badge, "icon"), "iconType") {
		case "OWNER":
			a.Roles.Owner = true
		case "MODERATOR":
			a.Roles.Moderator = true
		case "VERIFIED":
			a.Roles.Verified = true
		default:
			// Membership badges carry a custom thumbnail instead of an icon.
			a.Roles.Sponsor = true
		}
	}
	return a
}

var amountDigits = regexp.MustCompile(`[\d.,]+`)

func parsePayment(r map[string]any, colorKeys ...string) (*core.Payment, error) {
	display := textField(r, "purchaseAmountText")
	if display == "" {
		return nil, parserError("paid renderer without purchaseAmountText")
	}
	pay := &core.Payment{Display: display}
	if amount, symbol, ok := currency.ParseAmount(display); ok {
		pay.Amount = amount
		pay.Currency = currency.Code(symbol)
	} else {
		digits := amountDigits.FindString(display)
		amount, err := strconv.ParseFloat(strings.ReplaceAll(digits, ",", ""), 64)
		if digits == "" || err != nil {
			return nil, parserError(fmt.Sprintf("cannot parse amount %q", display))
		}
		pay.Amount = amount
		pay.Currency = currency.Code(strings.TrimSpace(strings.Replace(display, digits, "", 1)))
	}
	for _, key := range colorKeys {
		if c, ok := numberField(r, key); ok {
			pay.Color = c
			if tier := Tier(c); tier > 0 {
				pay.Tier = tier
				break
			}
		}
	}
	return pay, nil
}

// requireID drops chat items without an id; they could not be deduplicated.
func requireID(ev core.ChatEvent, renderer string) (core.ChatEvent, bool, error) {
	if ev.ID == "" {
		return core.ChatEvent{}, false, parserError(renderer + " without id")
	}
	return ev, true, nil
}

func parserError(msg string) error {
	return &Error{Kind: KindParser, Message: msg}
}

func actionName(action map[string]any) string {
	keys := make([]string, 0, len(action))
	for k := range action {
		if k == "clickTrackingParams" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func firstKey(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "<empty>"
	}
	return keys[0]
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	return out
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func digMap(m map[string]any, keys ...string) map[string]any {
	if m == nil {
		return nil
	}
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func textField(m map[string]any, key string) string {
	if nested := digMap(m, key); nested != nil {
		if s, ok := nested["simpleText"].(string); ok {
			return s
		}
	}
	return runsField(m, key)
}

// runsField joins text runs. Emoji runs contribute their last shortcut.
func runsField(m map[string]any, key string) string {
	nested := digMap(m, key)
	if nested == nil {
		return ""
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, run := range runs {
		part := asMap(run)
		if part == nil {
			continue
		}
		if text, ok := part["text"].(string); ok {
			builder.WriteString(text)
			continue
		}
		if emoji := digMap(part, "emoji"); emoji != nil {
			if shortcuts, ok := emoji["shortcuts"].([]any); ok && len(shortcuts) > 0 {
				if s, ok := shortcuts[len(shortcuts)-1].(string); ok {
					builder.WriteString(s)
					continue
				}
			}
			builder.WriteString(stringField(emoji, "emojiId"))
		}
	}
	return builder.String()
}

func firstRun(m map[string]any, key string) string {
	runs, _ := digMap(m, key)["runs"].([]any)
	if len(runs) == 0 {
		return ""
	}
	return stringField(asMap(runs[0]), "text")
}

func thumbnailURL(m map[string]any, key string) string {
	thumbs, _ := digMap(m, key)["thumbnails"].([]any)
	if len(thumbs) == 0 {
		return ""
	}
	return stringField(asMap(thumbs[len(thumbs)-1]), "url")
}

// timestampField reads a microsecond timestamp. Missing or malformed values
// yield the zero time; the caller decides the fallback.
func timestampField(m map[string]any, key string) time.Time {
	switch v := m[key].(type) {
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMicro(n).UTC()
		}
	case float64:
		return time.UnixMicro(int64(v)).UTC()
	}
	return time.Time{}
}

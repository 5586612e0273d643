package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/holochat-metrics/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing events.
type Order string

const (
	// OrderDesc returns events newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns events oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for journal lookups and live
// feed subscriptions.
type Filters struct {
	VideoIDs    []string
	Types       []core.MessageType
	AuthorTypes []core.AuthorType
	Since       *time.Time
	Limit       int
	Order       Order
}

var messageTypes = map[string]core.MessageType{
	"milestone":              core.TypeMilestone,
	"newsponsor":             core.TypeNewSponsor,
	"membershipgift":         core.TypeMembershipGift,
	"membershipgiftpurchase": core.TypeMembershipGiftPurchase,
	"superchat":              core.TypeSuperChat,
	"supersticker":           core.TypeSuperSticker,
	"textmessage":            core.TypeTextMessage,
	"other":                  core.TypeOther,
}

// ParseFilters parses query parameters into a Filters struct. Recognised
// keys are video, type, authorType, since, limit and order; list values may
// be repeated or comma separated.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	f.VideoIDs = collect(values, "video", func(s string) string { return s })

	for _, raw := range collect(values, "type", strings.ToLower) {
		t, ok := messageTypes[raw]
		if !ok {
			return Filters{}, errors.New("invalid type filter")
		}
		f.Types = append(f.Types, t)
	}

	for _, raw := range collect(values, "authorType", strings.ToLower) {
		t, ok := authorType(raw)
		if !ok {
			return Filters{}, errors.New("invalid authorType filter")
		}
		f.AuthorTypes = append(f.AuthorTypes, t)
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

// collect splits every value of key on commas and returns the distinct,
// non-empty parts after norm.
func collect(values url.Values, key string, norm func(string) string) []string {
	var (
		out  []string
		seen = make(map[string]struct{})
	)
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			part = norm(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

func authorType(raw string) (core.AuthorType, bool) {
	for _, t := range core.AuthorTypes {
		if string(t) == raw {
			return t, true
		}
	}
	return "", false
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided record satisfies the filters.
func (f Filters) Matches(rec core.Record) bool {
	if len(f.VideoIDs) > 0 && !contains(f.VideoIDs, rec.VideoID) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, rec.Type) {
		return false
	}
	if len(f.AuthorTypes) > 0 && !contains(f.AuthorTypes, rec.AuthorType) {
		return false
	}
	if f.Since != nil && rec.Timestamp.Before(f.Since.UTC()) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// CloneForStream returns a copy of the filters adjusted for streaming transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}

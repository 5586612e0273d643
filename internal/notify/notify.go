// Package notify posts notable chat events to a Discord-compatible webhook.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/you/holochat-metrics/internal/core"
)

const (
	colorStaff   = 0x5e84f1
	colorSponsor = 0x0f9d58
)

var tierColors = map[int]int{
	1: 0x1e88e5,
	2: 0x00e5ff,
	3: 0x1de9b6,
	4: 0xffca28,
	5: 0xf57c00,
	6: 0xe91e63,
	7: 0xe62117,
	8: 0xe62117,
}

// Worthy reports whether ev should be announced: anything said by the owner,
// a moderator or a marked channel, new memberships and every paid event.
func Worthy(ev core.ChatEvent) bool {
	r := ev.Author.Roles
	switch {
	case r.Owner, r.Moderator, r.Marked:
		return true
	case ev.Kind == core.KindMembership:
		return true
	case ev.Kind.Paid():
		return true
	}
	return false
}

// Color picks the embed colour. Zero means no colour.
func Color(ev core.ChatEvent) int {
	if ev.Author.Roles.Owner || ev.Author.Roles.Moderator {
		return colorStaff
	}
	if ev.Kind == core.KindMembership {
		return colorSponsor
	}
	if ev.Payment != nil {
		return tierColors[ev.Payment.Tier]
	}
	return 0
}

// Timecode renders seconds as HH:MM:SS.
func Timecode(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}

type embedAuthor struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
	URL     string `json:"url,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// Embed is one Discord embed object.
type Embed struct {
	Author      embedAuthor `json:"author"`
	Title       string      `json:"title"`
	URL         string      `json:"url"`
	Thumbnail   embedImage  `json:"thumbnail"`
	Description string      `json:"description"`
	Footer      embedFooter `json:"footer"`
	Timestamp   string      `json:"timestamp,omitempty"`
	Color       int         `json:"color,omitempty"`
}

type payload struct {
	Embeds []Embed `json:"embeds"`
}

// BuildEmbed renders ev as it appeared on broadcast b.
func BuildEmbed(b core.Broadcast, ev core.ChatEvent) Embed {
	offset := b.Offset(ev.Timestamp)
	e := Embed{
		Author: embedAuthor{
			Name:    ev.Author.Name,
			IconURL: ev.Author.PhotoURL,
		},
		Title:       fmt.Sprintf("To %s • At %s", b.ChannelName, Timecode(offset)),
		URL:         "https://youtu.be/" + b.VideoID + "?t=" + strconv.Itoa(offset),
		Thumbnail:   embedImage{URL: "https://i.ytimg.com/vi/" + b.VideoID + "/mqdefault.jpg"},
		Description: describe(ev),
		Footer:      embedFooter{Text: b.Title},
		Color:       Color(ev),
	}
	if ev.Author.ChannelID != "" {
		e.Author.URL = "https://www.youtube.com/channel/" + ev.Author.ChannelID
	}
	if !ev.Timestamp.IsZero() {
		e.Timestamp = ev.Timestamp.UTC().Format(time.RFC3339)
	}
	return e
}

func describe(ev core.ChatEvent) string {
	text := ev.Message
	if text == "" {
		text = ev.Detail
	}
	if p := ev.Payment; p != nil {
		return fmt.Sprintf("%s (%s, %d)", text, p.Display, p.Tier)
	}
	return text
}

// Webhook delivers embeds. The zero URL disables delivery.
type Webhook struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
}

// NewWebhook posts to url through client (nil uses a 10s timeout client).
// Deliveries are paced to stay under Discord's per-webhook limit.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{
		url:     url,
		http:    client,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Enabled reports whether a URL is configured.
func (w *Webhook) Enabled() bool { return w != nil && w.url != "" }

// Notify posts one embed for ev. It does not retry.
func (w *Webhook) Notify(ctx context.Context, b core.Broadcast, ev core.ChatEvent) error {
	if !w.Enabled() {
		return nil
	}
	body, err := json.Marshal(payload{Embeds: []Embed{BuildEmbed(b, ev)}})
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}

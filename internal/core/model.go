package core

import "time"

// BroadcastStatus mirrors the discovery API wording.
type BroadcastStatus string

const (
	StatusUpcoming BroadcastStatus = "upcoming"
	StatusLive     BroadcastStatus = "live"
	StatusEnded    BroadcastStatus = "past"
)

// Broadcast is one live or recently-live video as reported by discovery.
// It is refreshed on every scan and never mutated in place.
type Broadcast struct {
	VideoID        string
	ChannelID      string
	ChannelName    string
	Org            string
	Title          string
	Topic          string
	Status         BroadcastStatus
	ScheduledStart *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
	LiveViewers    int
	Subscribers    int
}

// StartTime returns the actual start, falling back to the scheduled start.
func (b Broadcast) StartTime() (time.Time, bool) {
	if b.ActualStart != nil {
		return *b.ActualStart, true
	}
	if b.ScheduledStart != nil {
		return *b.ScheduledStart, true
	}
	return time.Time{}, false
}

// Offset is the number of whole seconds between the actual start and ts.
// Events from before the stream started report zero.
func (b Broadcast) Offset(ts time.Time) int {
	if b.ActualStart == nil || ts.Before(*b.ActualStart) {
		return 0
	}
	return int(ts.Sub(*b.ActualStart) / time.Second)
}

// EventKind is the discriminant of ChatEvent.
type EventKind string

const (
	KindText           EventKind = "text"
	KindPaidMessage    EventKind = "paid-message"
	KindPaidSticker    EventKind = "paid-sticker"
	KindMembership     EventKind = "membership"
	KindMilestone      EventKind = "membership-milestone"
	KindGiftPurchase   EventKind = "membership-gift"
	KindGiftRedemption EventKind = "sponsor-welcome"
	KindModeChange     EventKind = "mode-change"
	KindPollOpen       EventKind = "poll-open"
	KindPollUpdate     EventKind = "poll-update"
	KindPollClose      EventKind = "poll-close"
	KindRaid           EventKind = "raid"
	KindUnknown        EventKind = "unknown"
)

// Paid reports whether the kind carries a Payment.
func (k EventKind) Paid() bool {
	return k == KindPaidMessage || k == KindPaidSticker
}

// Roles are the author flags.
type Roles struct {
	Owner     bool
	Moderator bool
	Sponsor   bool
	Verified  bool
	Marked    bool
}

// Author identifies who produced an event.
type Author struct {
	ChannelID string
	Name      string
	PhotoURL  string
	Roles     Roles
}

// Payment is attached to paid-message and paid-sticker events.
type Payment struct {
	Display  string  // amount as rendered, e.g. "$5.00"
	Amount   float64 // in Currency
	Currency string  // ISO 4217 code
	JPY      float64 // normalised amount, filled by the pipeline
	Color    int64   // background colour from the renderer
	Tier     int     // 0 when the colour is not in the palette
}

// ChatEvent is one normalised chat action.
type ChatEvent struct {
	ID        string
	VideoID   string
	Timestamp time.Time
	Kind      EventKind
	Author    Author
	Message   string
	Detail    string // milestone header, gift count, mode text, poll question
	Payment   *Payment
}

// MessageType is the metrics "type" label.
type MessageType string

const (
	TypeMilestone              MessageType = "milestone"
	TypeNewSponsor             MessageType = "newSponsor"
	TypeMembershipGift         MessageType = "membershipGift"
	TypeMembershipGiftPurchase MessageType = "membershipGiftPurchase"
	TypeSuperChat              MessageType = "superChat"
	TypeSuperSticker           MessageType = "superSticker"
	TypeTextMessage            MessageType = "textMessage"
	TypeOther                  MessageType = "other"
)

// MessageType maps the event kind onto the metrics label vocabulary.
func (e ChatEvent) MessageType() MessageType {
	switch e.Kind {
	case KindText:
		return TypeTextMessage
	case KindPaidMessage:
		return TypeSuperChat
	case KindPaidSticker:
		return TypeSuperSticker
	case KindMembership:
		return TypeNewSponsor
	case KindMilestone:
		return TypeMilestone
	case KindGiftPurchase:
		return TypeMembershipGiftPurchase
	case KindGiftRedemption:
		return TypeMembershipGift
	}
	return TypeOther
}

// AuthorType is the metrics "authorType" label.
type AuthorType string

const (
	AuthorOwner     AuthorType = "owner"
	AuthorMarked    AuthorType = "marked"
	AuthorModerator AuthorType = "moderator"
	AuthorSponsor   AuthorType = "sponsor"
	AuthorVerified  AuthorType = "verified"
	AuthorOther     AuthorType = "other"
)

// AuthorTypes lists every AuthorType in precedence order.
var AuthorTypes = []AuthorType{AuthorOwner, AuthorMarked, AuthorModerator, AuthorSponsor, AuthorVerified, AuthorOther}

// AuthorType picks the single label for an author: owner > marked >
// moderator > sponsor > verified > other.
func (r Roles) AuthorType() AuthorType {
	switch {
	case r.Owner:
		return AuthorOwner
	case r.Marked:
		return AuthorMarked
	case r.Moderator:
		return AuthorModerator
	case r.Sponsor:
		return AuthorSponsor
	case r.Verified:
		return AuthorVerified
	}
	return AuthorOther
}

// Tags lists the set roles for display.
func (r Roles) Tags() []string {
	var tags []string
	if r.Owner {
		tags = append(tags, "Owner")
	}
	if r.Moderator {
		tags = append(tags, "Moderator")
	}
	if r.Verified {
		tags = append(tags, "Verified")
	}
	if r.Sponsor {
		tags = append(tags, "Sponsor")
	}
	if r.Marked {
		tags = append(tags, "Marked")
	}
	return tags
}

// Record is the flat form of a notable event, as journaled and pushed to
// live feed clients.
type Record struct {
	VideoID    string      `json:"videoId"`
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"ts"`
	Offset     int         `json:"offset"`
	Type       MessageType `json:"type"`
	AuthorID   string      `json:"authorId"`
	AuthorName string      `json:"authorName"`
	AuthorType AuthorType  `json:"authorType"`
	Message    string      `json:"message"`
	Amount     float64     `json:"amount,omitempty"`
	Currency   string      `json:"currency,omitempty"`
	JPY        float64     `json:"jpy,omitempty"`
	Tier       int         `json:"tier,omitempty"`
}

// NewRecord flattens ev as seen on broadcast b.
func NewRecord(b Broadcast, ev ChatEvent) Record {
	r := Record{
		VideoID:    ev.VideoID,
		ID:         ev.ID,
		Timestamp:  ev.Timestamp,
		Offset:     b.Offset(ev.Timestamp),
		Type:       ev.MessageType(),
		AuthorID:   ev.Author.ChannelID,
		AuthorName: ev.Author.Name,
		AuthorType: ev.Author.Roles.AuthorType(),
		Message:    ev.Message,
	}
	if r.VideoID == "" {
		r.VideoID = b.VideoID
	}
	if p := ev.Payment; p != nil {
		r.Amount = p.Amount
		r.Currency = p.Currency
		r.JPY = p.JPY
		r.Tier = p.Tier
	}
	return r
}

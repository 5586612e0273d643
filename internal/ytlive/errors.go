package ytlive

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a session could not make progress.
type ErrorKind int

const (
	KindTransientTransport ErrorKind = iota + 1
	KindSoftUnavailable
	KindPermanentUnavailable
	KindParser
	KindSystemic
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientTransport:
		return "transient_transport"
	case KindSoftUnavailable:
		return "soft_unavailable"
	case KindPermanentUnavailable:
		return "permanent_unavailable"
	case KindParser:
		return "parser"
	case KindSystemic:
		return "systemic"
	}
	return "unknown"
}

// Error is returned by the chat client and the poller.
type Error struct {
	Kind    ErrorKind
	VideoID string
	Message string
	// DelayedRemoval is set on permanent errors whose cause may still change,
	// such as members-only or private streams.
	DelayedRemoval bool
	Err            error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ytlive: ")
	b.WriteString(e.Kind.String())
	if e.VideoID != "" {
		b.WriteString(" [")
		b.WriteString(e.VideoID)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientTransport
}

// RemoveImmediately reports whether metrics for the failed broadcast can be
// removed without waiting for the grace window.
func RemoveImmediately(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindPermanentUnavailable && !e.DelayedRemoval
}

func transient(videoID string, format string, args ...any) *Error {
	return &Error{Kind: KindTransientTransport, VideoID: videoID, Err: fmt.Errorf(format, args...)}
}

type statusRule struct {
	match   string
	kind    ErrorKind
	delayed bool
}

// Matched against the lower-cased status message shown instead of a chat.
var statusRules = []statusRule{
	{"members", KindPermanentUnavailable, true},
	{"メンバー", KindPermanentUnavailable, true},
	{"private", KindPermanentUnavailable, true},
	{"removed", KindPermanentUnavailable, false},
	{"deleted", KindPermanentUnavailable, false},
	{"does not exist", KindPermanentUnavailable, false},
	{"no longer available", KindPermanentUnavailable, false},
	{"replay is not available", KindPermanentUnavailable, false},
	{"sign in", KindPermanentUnavailable, false},
}

// classifyStatus turns a page status message into an error. Messages that
// match no rule, such as "Chat is disabled for this live stream.", are soft.
func classifyStatus(videoID, message string) *Error {
	lower := strings.ToLower(message)
	for _, rule := range statusRules {
		if strings.Contains(lower, rule.match) {
			return &Error{Kind: rule.kind, VideoID: videoID, Message: message, DelayedRemoval: rule.delayed}
		}
	}
	return &Error{Kind: KindSoftUnavailable, VideoID: videoID, Message: message}
}

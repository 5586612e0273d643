package ytlive

import "time"

// State is the poller state for one broadcast.
type State int

const (
	StateInitializing State = iota
	StatePolling
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further outcome can change the state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Limits bound the delays and retries of a session.
type Limits struct {
	// MaxDelay caps both the server-suggested delay and the backoff.
	MaxDelay time.Duration
	// DefaultDelay is used when the server suggests none. It is also the
	// base of the retry backoff.
	DefaultDelay time.Duration
	// MaxRetries is the number of consecutive transient failures tolerated.
	MaxRetries int
}

// DefaultLimits match what the chat page usually suggests.
var DefaultLimits = Limits{
	MaxDelay:     10 * time.Second,
	DefaultDelay: time.Second,
	MaxRetries:   5,
}

func (l Limits) withDefaults() Limits {
	if l.MaxDelay <= 0 {
		l.MaxDelay = DefaultLimits.MaxDelay
	}
	if l.DefaultDelay <= 0 {
		l.DefaultDelay = DefaultLimits.DefaultDelay
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = DefaultLimits.MaxRetries
	}
	return l
}

// Session is the continuation state machine for one broadcast. It is a plain
// value; Step returns the next one.
type Session struct {
	VideoID      string
	State        State
	Page         PageData
	Continuation string
	Delay        time.Duration
	Retries      int
}

// NewSession returns a session about to fetch its page.
func NewSession(videoID string) Session {
	return Session{VideoID: videoID, State: StateInitializing}
}

// Outcome is the result of the request a session last asked for. Exactly one
// field is set.
type Outcome struct {
	Page  *Page
	Batch *Batch
	Err   error
}

// ActionKind tells the driver what to do next.
type ActionKind int

const (
	// ActWait: hand Payload to the parser, wait Delay, then poll.
	ActWait ActionKind = iota
	// ActRetry: wait Delay, then repeat the last request.
	ActRetry
	// ActEnd: the chat has ended. Payload still holds the final batch.
	ActEnd
	// ActFail: stop with Err.
	ActFail
	// ActIgnore: the session is already terminal.
	ActIgnore
)

// Action is the instruction produced by Step.
type Action struct {
	Kind    ActionKind
	Delay   time.Duration
	Payload map[string]any
	Err     error
	// Advanced is true when the outcome moved the continuation forward.
	Advanced bool
}

// Step applies one outcome to the session. It has no side effects.
func Step(s Session, o Outcome, lim Limits) (Session, Action) {
	lim = lim.withDefaults()
	if s.State.Terminal() {
		return s, Action{Kind: ActIgnore}
	}

	if o.Err != nil {
		if !IsTransient(o.Err) {
			s.State = StateFailed
			return s, Action{Kind: ActFail, Err: o.Err}
		}
		s.Retries++
		if s.Retries > lim.MaxRetries {
			s.State = StateFailed
			return s, Action{Kind: ActFail, Err: &Error{
				Kind:    KindPermanentUnavailable,
				VideoID: s.VideoID,
				Message: "retry limit exceeded",
				// The chat may come back; keep the series for the grace window.
				DelayedRemoval: true,
				Err:            o.Err,
			}}
		}
		return s, Action{Kind: ActRetry, Delay: backoff(lim, s.Retries), Err: o.Err}
	}

	switch {
	case o.Page != nil:
		if s.State != StateInitializing {
			return s, Action{Kind: ActIgnore}
		}
		if o.Page.Data != nil && o.Page.Data.Continuation != "" {
			s.State = StatePolling
			s.Page = *o.Page.Data
			s.Continuation = o.Page.Data.Continuation
			s.Delay = capDelay(lim, o.Page.Data.TimeoutMs)
			s.Retries = 0
			return s, Action{Kind: ActWait, Delay: s.Delay, Advanced: true}
		}
		s.State = StateFailed
		if o.Page.Status != "" {
			return s, Action{Kind: ActFail, Err: classifyStatus(s.VideoID, o.Page.Status)}
		}
		return s, Action{Kind: ActFail, Err: &Error{
			Kind:           KindPermanentUnavailable,
			VideoID:        s.VideoID,
			Message:        "no continuation and no status message on chat page",
			DelayedRemoval: true,
		}}

	case o.Batch != nil:
		if s.State != StatePolling {
			return s, Action{Kind: ActIgnore}
		}
		s.Retries = 0
		if o.Batch.Continuation == "" {
			s.State = StateStopped
			return s, Action{Kind: ActEnd, Payload: o.Batch.Payload}
		}
		s.Continuation = o.Batch.Continuation
		s.Delay = capDelay(lim, o.Batch.TimeoutMs)
		return s, Action{Kind: ActWait, Delay: s.Delay, Payload: o.Batch.Payload, Advanced: true}
	}
	return s, Action{Kind: ActIgnore}
}

func capDelay(lim Limits, timeoutMs int) time.Duration {
	d := time.Duration(timeoutMs) * time.Millisecond
	if d <= 0 {
		d = lim.DefaultDelay
	}
	if d > lim.MaxDelay {
		d = lim.MaxDelay
	}
	return d
}

func backoff(lim Limits, retries int) time.Duration {
	d := lim.DefaultDelay
	for i := 1; i < retries && d < lim.MaxDelay; i++ {
		d *= 2
	}
	if d > lim.MaxDelay {
		d = lim.MaxDelay
	}
	return d
}

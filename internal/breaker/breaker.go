// Package breaker holds the process-wide retry counter shared by every chat
// poller. When too many consecutive polls fail across all sessions the
// breaker trips and runs the recovery action exactly once.
package breaker

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

var errPollFailed = errors.New("breaker: poll failed")

// Breaker counts consecutive transient failures across sessions. Any
// successful poll resets the count.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker[struct{}]
	threshold uint32
	pending   atomic.Bool
	once      sync.Once
	recovery  func()
}

// New returns a breaker that trips when more than threshold failures are
// recorded without a success in between. recovery runs on the goroutine that
// recorded the tripping failure.
func New(threshold int, recovery func()) *Breaker {
	if threshold <= 0 {
		threshold = 30
	}
	b := &Breaker{threshold: uint32(threshold), recovery: recovery}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name: "chat-polling",
		// Never half-open on its own; recovery restarts the process.
		Timeout: 24 * time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures > b.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.pending.Store(true)
			}
		},
	})
	return b
}

// Record feeds one poll outcome into the breaker.
func (b *Breaker) Record(success bool) {
	if b == nil {
		return
	}
	_, _ = b.cb.Execute(func() (struct{}, error) {
		if success {
			return struct{}{}, nil
		}
		return struct{}{}, errPollFailed
	})
	if b.pending.Load() {
		b.once.Do(func() {
			log.Printf("breaker: %d consecutive poll failures, starting recovery", b.threshold+1)
			if b.recovery != nil {
				b.recovery()
			}
		})
	}
}

// Failures is the current global retry counter.
func (b *Breaker) Failures() int {
	if b == nil {
		return 0
	}
	return int(b.cb.Counts().ConsecutiveFailures)
}

// Tripped reports whether recovery has been triggered.
func (b *Breaker) Tripped() bool {
	if b == nil {
		return false
	}
	return b.pending.Load()
}

// State is the breaker state name for status endpoints.
func (b *Breaker) State() string {
	if b == nil {
		return gobreaker.StateClosed.String()
	}
	return b.cb.State().String()
}

package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// Loop calls Fn immediately and then every Interval until its context ends.
// It satisfies suture.Service.
type Loop struct {
	Name     string
	Interval time.Duration
	Clock    clock.Clock
	Fn       func(ctx context.Context) error
}

// Serve runs the loop. Errors from Fn are logged and the loop continues.
func (l *Loop) Serve(ctx context.Context) error {
	clk := l.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	for {
		if err := l.Fn(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("loop iteration failed", "loop", l.Name, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(l.Interval):
		}
	}
}

func (l *Loop) String() string { return l.Name }

// ScanLoop returns the periodic discovery scan. Sessions started by it live
// under the loop's context.
func (m *Manager) ScanLoop(interval time.Duration) *Loop {
	return &Loop{
		Name:     "lifecycle-scan",
		Interval: interval,
		Clock:    m.clock,
		Fn: func(ctx context.Context) error {
			m.Bind(ctx)
			return m.Scan(ctx)
		},
	}
}

// RefreshLoop returns the periodic metadata refresh.
func (m *Manager) RefreshLoop(interval time.Duration) *Loop {
	return &Loop{Name: "lifecycle-refresh", Interval: interval, Clock: m.clock, Fn: m.Refresh}
}

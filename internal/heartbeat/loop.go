package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Ticker is driven once per scheduling interval.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Loop drives a Ticker at a fixed interval. Ticks run on the loop's own
// goroutine one after another, so they never overlap; a tick that overruns
// the interval delays the next one instead of stacking.
type Loop struct {
	ticker   Ticker
	interval time.Duration
	log      *zap.Logger
}

// NewLoop returns a loop for t.
func NewLoop(t Ticker, interval time.Duration, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{ticker: t, interval: interval, log: log}
}

// Run ticks until ctx is cancelled. A failing tick is logged and the loop
// carries on.
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTicker(l.interval)
	defer t.Stop()

	l.log.Info("Heartbeat loop started", zap.Duration("interval", l.interval))
	for {
		select {
		case <-ctx.Done():
			l.log.Info("Heartbeat loop stopped")
			return nil
		case <-t.C:
			if err := l.ticker.Tick(ctx); err != nil {
				l.log.Warn("Tick failed", zap.Error(err))
			}
		}
	}
}

package agent

import (
	"context"
	"time"
)

// Ticker calls fn every interval until ctx is done
type Ticker interface {
	OnTick(ctx context.Context, interval time.Duration, fn func(context.Context))
}

// IntervalTicker is a Ticker backed by time.Ticker. Calls to fn never
// overlap; a tick that fires while fn is still running is dropped.
type IntervalTicker struct{}

// OnTick implements Ticker. It blocks until ctx is done.
func (IntervalTicker) OnTick(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

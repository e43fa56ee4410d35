package ws

import (
	"context"
	"time"
)

// heartTicker is a time.Ticker created on first Reset, so a gateway that never
// receives Hello holds no ticker. Its zero value never fires.
type heartTicker struct {
	C <-chan time.Time

	ticker *time.Ticker
}

func (t *heartTicker) Reset(d time.Duration) {
	if t.ticker == nil {
		t.ticker = time.NewTicker(d)
		t.C = t.ticker.C
		return
	}
	t.ticker.Reset(d)
}

func (t *heartTicker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}

// retryTimer delays reconnect attempts. Stop drains the channel so a Reset
// never fires early.
type retryTimer struct {
	timer *time.Timer
}

func (t *retryTimer) Reset(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.Stop()
	t.timer.Reset(d)
}

func (t *retryTimer) Stop() {
	if t.timer == nil {
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// Wait blocks until the timer fires or ctx is done.
func (t *retryTimer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.timer.C:
		return nil
	}
}

package agent

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// clockTimer drives backoff waits from the agent clock so deadlines and
// retries advance together under a fake clock
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func newClockTimer(clock clockwork.Clock) *clockTimer {
	return &clockTimer{clock: clock}
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}

// retry runs op with exponential backoff until it succeeds, returns a
// permanent error or ctx ends
func retry(ctx context.Context, clock clockwork.Clock, op backoff.Operation, notify backoff.Notify) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(clock),
	)
	return backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), notify, newClockTimer(clock))
}

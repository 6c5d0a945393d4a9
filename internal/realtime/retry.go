package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"collabkit/internal/runctx"
)

type RetryContext struct {
	PreviousRetryCount int
	ElapsedTime        time.Duration
	RetryReason        error
}

// RetryPolicy returns the delay before the next reconnect attempt, or false
// to stop retrying.
type RetryPolicy interface {
	NextRetryDelay(rc RetryContext) (time.Duration, bool)
}

type RetryPolicyFunc func(rc RetryContext) (time.Duration, bool)

func (f RetryPolicyFunc) NextRetryDelay(rc RetryContext) (time.Duration, bool) {
	return f(rc)
}

// Presence is the part of the environment the default policy consults.
type Presence interface {
	Online() bool
	Visible() bool
}

var (
	earlyRetryDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second}
	earlyRetryWindow = 60 * time.Second
	lateRetryDelay   = 10 * time.Second
)

// DefaultRetryPolicy retries after 0s, 2s and 10s during the first minute of
// an outage and every 10s afterwards. It stops while offline or hidden so the
// manager's own loop takes over once the client is usable again.
func DefaultRetryPolicy(presence Presence) RetryPolicy {
	return RetryPolicyFunc(func(rc RetryContext) (time.Duration, bool) {
		if presence != nil && (!presence.Online() || !presence.Visible()) {
			return 0, false
		}
		if rc.ElapsedTime < earlyRetryWindow && rc.PreviousRetryCount < len(earlyRetryDelays) {
			return earlyRetryDelays[rc.PreviousRetryCount], true
		}
		return lateRetryDelay, true
	})
}

// policyBackOff exposes a RetryPolicy as a backoff.BackOff. The first
// attempt is scheduled by AutoReconnect, so counting starts at one.
type policyBackOff struct {
	policy  RetryPolicy
	started time.Time
	count   int
	reason  error
}

func (b *policyBackOff) Reset() {
	b.count = 1
}

func (b *policyBackOff) NextBackOff() time.Duration {
	delay, ok := b.policy.NextRetryDelay(RetryContext{
		PreviousRetryCount: b.count,
		ElapsedTime:        time.Since(b.started),
		RetryReason:        b.reason,
	})
	b.count++
	if !ok {
		return backoff.Stop
	}
	return delay
}

// AutoReconnect runs attempt on the policy's schedule until it succeeds, the
// policy stops, or ctx ends. reason is the error that ended the previous
// connection. notify may be nil.
func AutoReconnect(ctx context.Context, policy RetryPolicy, reason error, attempt func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	if policy == nil {
		return reconnectStopped(reason)
	}
	started := time.Now()
	first, ok := policy.NextRetryDelay(RetryContext{RetryReason: reason})
	if !ok {
		return reconnectStopped(reason)
	}
	if notify != nil {
		notify(reason, first)
	}
	if !runctx.SleepOrDone(ctx, first) {
		return ctx.Err()
	}

	schedule := &policyBackOff{policy: policy, started: started, reason: reason}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(schedule),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := attempt(ctx); err != nil {
			schedule.reason = err
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)
	if err != nil && ctx.Err() == nil {
		return reconnectStopped(err)
	}
	return err
}

func reconnectStopped(reason error) error {
	if reason == nil {
		return ErrReconnectStopped
	}
	return fmt.Errorf("%w: %w", ErrReconnectStopped, reason)
}

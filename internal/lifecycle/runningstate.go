// Package lifecycle provides RunningState, the cooperative
// cancellation + exponential backoff + timer-tracking primitive every
// long-lived service in this module owns exactly one of, per
// spec.md §4.2. It generalizes the start/drain sequence the teacher's
// server/lifecycle.go hand-rolls for a single process-wide server
// singleton into a reusable per-service value.
package lifecycle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInitialRetryDelay = 100 * time.Millisecond
	defaultMaxRetryDelay     = 10 * time.Second
)

// Unrecoverable marks an error as one that should stop a RunningState
// outright instead of being retried with backoff.
type Unrecoverable struct {
	err error
}

func MarkUnrecoverable(err error) error { return Unrecoverable{err: err} }
func (u Unrecoverable) Error() string   { return u.err.Error() }
func (u Unrecoverable) Unwrap() error   { return u.err }

// cancelable is a registered cleanup hook run when the RunningState
// stops. Hooks run in no particular order.
type cancelable func()

// RunningState is the lifecycle primitive for one long-lived service:
// a server, a multiplexer, a backfill manager, a pusher. It is safe
// for concurrent use.
type RunningState struct {
	name   string
	logger *zap.SugaredLogger

	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration

	mu          sync.Mutex
	stopped     bool
	stopCh      chan struct{}
	cancelables map[int]cancelable
	nextID      int
	timers      map[*time.Timer]struct{}
	retryDelay  time.Duration
}

// Option configures a RunningState at construction.
type Option func(*RunningState)

// WithRetryBounds overrides the default 100ms/10s backoff bounds.
func WithRetryBounds(initial, max time.Duration) Option {
	return func(rs *RunningState) {
		rs.initialRetryDelay = initial
		rs.maxRetryDelay = max
	}
}

// New creates a RunningState for a service identified by name (used
// only for log context).
func New(name string, logger *zap.SugaredLogger, opts ...Option) *RunningState {
	rs := &RunningState{
		name:              name,
		logger:            logger,
		initialRetryDelay: defaultInitialRetryDelay,
		maxRetryDelay:     defaultMaxRetryDelay,
		stopCh:            make(chan struct{}),
		cancelables:       make(map[int]cancelable),
		timers:            make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(rs)
	}
	rs.retryDelay = rs.initialRetryDelay
	return rs
}

// ShouldRun reports whether Stop has not yet been called.
func (rs *RunningState) ShouldRun() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return !rs.stopped
}

// Stopped returns a channel closed once Stop has run to completion.
func (rs *RunningState) Stopped() <-chan struct{} {
	return rs.stopCh
}

// Stop is idempotent. cause, if non-nil, determines the log level: a
// context.Canceled cause (the closest Go analog to an "abort signal")
// logs at info, anything else at error. All registered cancelables run
// and all pending timers are cleared.
func (rs *RunningState) Stop(cause error) {
	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		return
	}
	rs.stopped = true
	cancelables := make([]cancelable, 0, len(rs.cancelables))
	for _, c := range rs.cancelables {
		cancelables = append(cancelables, c)
	}
	rs.cancelables = nil
	timers := rs.timers
	rs.timers = nil
	rs.mu.Unlock()

	if rs.logger != nil {
		if cause == context.Canceled {
			rs.logger.Infow("service stopped", "service", rs.name)
		} else if cause != nil {
			rs.logger.Errorw("service stopped", "service", rs.name, "cause", cause)
		} else {
			rs.logger.Infow("service stopped", "service", rs.name)
		}
	}

	for t := range timers {
		t.Stop()
	}

	for _, c := range cancelables {
		rs.runCancelable(c)
	}

	close(rs.stopCh)
}

// runCancelable invokes c, logging (never propagating) any panic —
// mirroring spec.md §4.2's "any thrown handler in a cancelable is
// logged, never propagated".
func (rs *RunningState) runCancelable(c cancelable) {
	defer func() {
		if r := recover(); r != nil && rs.logger != nil {
			rs.logger.Errorw("panic in cancelable", "service", rs.name, "recovered", r)
		}
	}()
	c()
}

// CancelOnStop registers fn to run when Stop is called (or immediately,
// if already stopped). The returned unregister func is idempotent and,
// if called before Stop, prevents fn from running at all.
func (rs *RunningState) CancelOnStop(fn func()) (unregister func()) {
	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		rs.runCancelable(fn)
		return func() {}
	}
	id := rs.nextID
	rs.nextID++
	rs.cancelables[id] = fn
	rs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rs.mu.Lock()
			defer rs.mu.Unlock()
			if rs.cancelables != nil {
				delete(rs.cancelables, id)
			}
		})
	}
}

// SetTimeout schedules fn after d, auto-cancelled if Stop runs first.
// The timer is removed from the pending set once it fires.
func (rs *RunningState) SetTimeout(fn func(), d time.Duration) {
	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		rs.mu.Lock()
		if rs.timers != nil {
			delete(rs.timers, t)
		}
		rs.mu.Unlock()
		fn()
	})
	rs.timers[t] = struct{}{}
	rs.mu.Unlock()
}

// Backoff sleeps for the current retry delay (with +/-10% jitter) or
// until Stop is called, then doubles the delay up to maxRetryDelay.
// If cause is Unrecoverable, Backoff stops the RunningState instead of
// sleeping and returns immediately. Returns true if the caller should
// retry, false if the RunningState has stopped.
func (rs *RunningState) Backoff(ctx context.Context, cause error) bool {
	var unrecoverable Unrecoverable
	if isUnrecoverable(cause, &unrecoverable) {
		rs.Stop(cause)
		return false
	}

	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		return false
	}
	delay := jitter(rs.retryDelay)
	next := rs.retryDelay * 2
	if next > rs.maxRetryDelay {
		next = rs.maxRetryDelay
	}
	rs.retryDelay = next
	rs.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return rs.ShouldRun()
	case <-rs.stopCh:
		return false
	case <-ctx.Done():
		rs.Stop(ctx.Err())
		return false
	}
}

func isUnrecoverable(err error, target *Unrecoverable) bool {
	for err != nil {
		if u, ok := err.(Unrecoverable); ok {
			*target = u
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(d) / 5)) // up to 20%
	return d - delta/2 + time.Duration(rand.Int63n(int64(delta)+1))
}

// ResetBackoff restores the retry delay to its initial value, called
// after a successful attempt.
func (rs *RunningState) ResetBackoff() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.retryDelay = rs.initialRetryDelay
}

// RetryDelay returns the delay the next Backoff call would sleep for
// (before jitter), for observability/tests.
func (rs *RunningState) RetryDelay() time.Duration {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.retryDelay
}

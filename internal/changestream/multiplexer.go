// Package changestream implements the single-consumer subscription
// that multiplexes the upstream change-source reader and the backfill
// streamer into one ordered downstream stream, per spec.md §4.3.
// Grounded on the reservation/FIFO-waiter queue shape of the worker
// pool in other_examples/3cbde585_RevCBH-choo__...worker-pool.go.go,
// adapted from a fixed worker pool to a two-producer reservation
// queue, and on the teacher's gorilla/websocket send-queue pattern in
// server/client.go for the bounded downstream channel.
package changestream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	srverrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/wire"
)

// waiter is one producer queued on Reserve, FIFO.
type waiter struct {
	producer  string
	startedAt time.Time
	resolve   chan string
}

// enqueued is a message pushed into the downstream subscription along
// with a completion channel producers can await for backpressure.
type enqueued struct {
	msg  wire.ChangeStreamMessage
	done chan struct{}
}

// Listener receives every message pushed through the multiplexer,
// synchronously, before it is enqueued downstream. BackfillManager is
// the canonical listener (spec.md §4.4's "subscribes to all messages").
type Listener func(wire.ChangeStreamMessage)

// Multiplexer is the ChangeStreamMultiplexer of spec.md §4.3.
type Multiplexer struct {
	logger *zap.SugaredLogger

	mu            sync.Mutex
	lastWatermark string // "" together with reserved==true means "no watermark yet"
	reserved      bool
	waiters       []*waiter
	listeners     []Listener

	out    chan enqueued
	failed chan struct{}
	failMu sync.Mutex
	err    error

	onCancel []func(err error)
}

// New creates a Multiplexer quiescent at startWatermark, with a
// downstream channel buffered to bufSize messages.
func New(startWatermark string, bufSize int, logger *zap.SugaredLogger) *Multiplexer {
	return &Multiplexer{
		logger:        logger,
		lastWatermark: startWatermark,
		out:           make(chan enqueued, bufSize),
		failed:        make(chan struct{}),
	}
}

// AddListener registers fn to be called, synchronously and in
// registration order, for every message Push or PushStatus forwards.
func (m *Multiplexer) AddListener(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnCancel registers a cleanup hook run when Fail is called, mirroring
// the producer cancel() callbacks spec.md §4.3 describes.
func (m *Multiplexer) OnCancel(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCancel = append(m.onCancel, fn)
}

// Reserve acquires exclusive push rights for producer. If the stream
// is quiescent, it flips to reserved and returns the current
// watermark immediately. Otherwise the caller is queued FIFO and
// blocks until released, the context is done (ctx error returned), or
// the multiplexer fails. Once the multiplexer has failed, Reserve
// returns the failure error.
func (m *Multiplexer) Reserve(ctx context.Context, producer string) (string, error) {
	select {
	case <-m.failed:
		return "", m.failureErr()
	default:
	}
	m.mu.Lock()
	if !m.reserved {
		m.reserved = true
		wm := m.lastWatermark
		m.mu.Unlock()
		return wm, nil
	}
	w := &waiter{producer: producer, startedAt: time.Now(), resolve: make(chan string, 1)}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case wm, ok := <-w.resolve:
		if !ok {
			return "", m.failureErr()
		}
		return wm, nil
	case <-m.failed:
		return "", m.failureErr()
	case <-ctx.Done():
		m.removeWaiter(w)
		return "", ctx.Err()
	}
}

func (m *Multiplexer) removeWaiter(target *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == target {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// Release hands off the reservation. newWatermark must be strictly
// greater than the prior watermark (spec.md §4.3 invariant). A
// watermark that does not advance is logged as an error and then
// accepted like any other.
func (m *Multiplexer) Release(newWatermark string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastWatermark != "" && newWatermark <= m.lastWatermark {
		if m.logger != nil {
			m.logger.Errorw("release watermark did not advance",
				"previous", m.lastWatermark, "attempted", newWatermark)
		}
	}

	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.lastWatermark = newWatermark
		next.resolve <- newWatermark
		return
	}

	m.reserved = false
	m.lastWatermark = newWatermark
}

// WaiterDelay returns -1 if no producer is waiting, else the duration
// since the oldest waiter's Reserve call, for the yield heuristic
// described in spec.md §4.4 step 1.
func (m *Multiplexer) WaiterDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) == 0 {
		return -1
	}
	return time.Since(m.waiters[0].startedAt)
}

// Push forwards msg to all listeners synchronously, then enqueues it
// downstream, returning a channel closed once the downstream consumer
// has drained it (for backpressure). Push requires the caller to
// currently hold the reservation.
func (m *Multiplexer) Push(ctx context.Context, msg wire.ChangeStreamMessage) (<-chan struct{}, error) {
	m.mu.Lock()
	if !m.reserved {
		m.mu.Unlock()
		return nil, srverrors.AssertionFailedf("changestream: push without reservation")
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(msg)
	}

	e := enqueued{msg: msg, done: make(chan struct{})}
	select {
	case m.out <- e:
		return e.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.failed:
		return nil, m.failureErr()
	}
}

// PushStatus forwards a status message to listeners unconditionally
// and, only when it is an ack, enqueues it downstream. Unlike Push it
// does not require a reservation.
func (m *Multiplexer) PushStatus(ctx context.Context, msg wire.ChangeStreamMessage) error {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(msg)
	}

	if !msg.Ack {
		return nil
	}

	e := enqueued{msg: msg, done: make(chan struct{})}
	select {
	case m.out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.failed:
		return m.failureErr()
	}
}

// Fail terminates the downstream subscription with err and runs every
// registered cancel hook.
func (m *Multiplexer) Fail(err error) {
	m.failMu.Lock()
	if m.err != nil {
		m.failMu.Unlock()
		return
	}
	m.err = err
	m.failMu.Unlock()
	close(m.failed)

	m.mu.Lock()
	hooks := make([]func(error), len(m.onCancel))
	copy(hooks, m.onCancel)
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w.resolve)
	}
	for _, h := range hooks {
		h(err)
	}
}

func (m *Multiplexer) failureErr() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if m.err != nil {
		return m.err
	}
	return srverrors.New("changestream: subscription terminated")
}

// Source is the consumer-facing lazy sequence returned by AsSource.
type Source struct {
	m *Multiplexer
}

// AsSource returns the downstream subscription as a pull-based
// sequence, mirroring spec.md §4.3's asSource().
func (m *Multiplexer) AsSource() *Source { return &Source{m: m} }

// Next blocks until the next message is available, ctx is canceled, or
// the multiplexer fails. The returned ack func must be called once the
// consumer has durably processed msg, to resolve backpressure.
func (s *Source) Next(ctx context.Context) (msg wire.ChangeStreamMessage, ack func(), err error) {
	select {
	case e, ok := <-s.m.out:
		if !ok {
			return wire.ChangeStreamMessage{}, nil, s.m.failureErr()
		}
		return e.msg, func() { close(e.done) }, nil
	case <-ctx.Done():
		return wire.ChangeStreamMessage{}, nil, ctx.Err()
	case <-s.m.failed:
		return wire.ChangeStreamMessage{}, nil, s.m.failureErr()
	}
}

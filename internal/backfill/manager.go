// Package backfill drives table/column backfills to completion over
// the shared change stream, per spec.md §4.4. It is both a listener
// on the multiplexer (reacting to schema changes that invalidate or
// extend in-flight work) and a producer (streaming backfill rows as
// begin/data/commit transactions). Grounded on the retry-with-backoff
// and hour-claim-then-process shape of
// other_examples/247bf01a_ryansgi-swearjar__...backfill-service-service.go.go,
// adapted from an hour-range worker pool to the spec's single-running-
// backfill-at-a-time, randomly-chosen-next-table scheduler.
package backfill

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zerocache/sync-engine/internal/changestream"
	"github.com/zerocache/sync-engine/internal/lifecycle"
	"github.com/zerocache/sync-engine/internal/watermark"
	"github.com/zerocache/sync-engine/internal/wire"
)

const (
	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = 60 * time.Second
)

// MissingRowKeyError is raised when a backfill yields row values for a
// relation with no row-key columns, per spec.md §4.4 step 2.
type MissingRowKeyError struct {
	Table wire.TableIdentity
}

func (e *MissingRowKeyError) Error() string {
	return "backfill: relation " + e.Table.Schema + "." + e.Table.Name + " has row values but no row-key columns"
}

// SchemaIncompatibilityError marks a failure that must NOT be retried
// with backoff: the natural retry is the invalidating schema change
// itself committing on the main stream.
type SchemaIncompatibilityError struct {
	Reason string
}

func (e *SchemaIncompatibilityError) Error() string { return e.Reason }

// StreamItem is one message yielded by a Stream: either a `backfill`
// row batch or a `backfill-completed` terminator, per spec.md §3.
type StreamItem struct {
	Message wire.ChangeStreamMessage
}

// Stream is the lazy sequence spec.md §4.4 calls BackfillStreamer(request) —
// an external collaborator (the snapshot reader over the replica) whose
// internals are out of scope per spec.md §1; this is the seam.
type Stream interface {
	Next(ctx context.Context) (item StreamItem, ok bool, err error)
	Close()
}

// Streamer opens a Stream for req, snapshotting no earlier than
// minWatermark (empty means no lower bound).
type Streamer func(ctx context.Context, req wire.BackfillRequest, minWatermark string) (Stream, error)

type awaiter struct {
	watermark string
	resolve   chan struct{}
}

type running struct {
	state  *wire.RunningBackfillState
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is spec.md §4.4's BackfillManager.
type Manager struct {
	mx       *changestream.Multiplexer
	streamer Streamer
	logger   *zap.SugaredLogger
	rs       *lifecycle.RunningState

	mu                  sync.Mutex
	required            map[wire.TableIdentity]wire.BackfillRequest
	order               []wire.TableIdentity
	run                 *running
	lastStatusWatermark string
	currentTxWatermark  string
	awaiting            []awaiter
	retryDelay          time.Duration
	retryTimerPending   bool
	runCtx              context.Context
}

// New constructs a Manager that streams backfills through mx using
// streamer to source rows. logger may be nil.
func New(mx *changestream.Multiplexer, streamer Streamer, logger *zap.SugaredLogger) *Manager {
	m := &Manager{
		mx:         mx,
		streamer:   streamer,
		logger:     logger,
		rs:         lifecycle.New("backfill-manager", logger),
		required:   make(map[wire.TableIdentity]wire.BackfillRequest),
		retryDelay: initialRetryDelay,
	}
	mx.AddListener(m.onMessage)
	mx.OnCancel(func(error) { m.cancel("change stream canceled") })
	return m
}

// Run seeds the required set with initialRequests and kicks the
// scheduler, per spec.md §4.4's run(lastWatermark, initialRequests).
// lastWatermark seeds lastStatusWatermark so that a backfill-completed
// message at or before the stream's current position doesn't block
// forever waiting for a status/commit that already happened.
func (m *Manager) Run(ctx context.Context, lastWatermark string, initialRequests []wire.BackfillRequest) {
	m.mu.Lock()
	m.runCtx = ctx
	m.lastStatusWatermark = lastWatermark
	for _, req := range initialRequests {
		m.addRequestLocked(req)
	}
	m.mu.Unlock()
	m.checkAndStartBackfill(ctx)
}

// schedulerCtx returns the context Run was started with, for scheduler
// invocations triggered reactively from onMessage rather than from a
// caller that already has a ctx in hand.
func (m *Manager) schedulerCtx() context.Context {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (m *Manager) addRequestLocked(req wire.BackfillRequest) {
	id := req.Identity()
	if _, exists := m.required[id]; !exists {
		m.order = append(m.order, id)
	}
	m.required[id] = req
}

func (m *Manager) dropRequestLocked(id wire.TableIdentity) {
	if _, exists := m.required[id]; !exists {
		return
	}
	delete(m.required, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// checkAndStartBackfill picks a pending request uniformly at random
// and starts it, provided nothing is already running and no retry
// timer is pending, per spec.md §4.4.
func (m *Manager) checkAndStartBackfill(ctx context.Context) {
	m.mu.Lock()
	if m.run != nil || m.retryTimerPending || len(m.order) == 0 {
		m.mu.Unlock()
		return
	}
	id := m.order[rand.Intn(len(m.order))]
	req := m.required[id]

	runCtx, cancel := context.WithCancel(ctx)
	r := &running{
		state:  &wire.RunningBackfillState{Request: req},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.run = r
	m.mu.Unlock()

	go m.runBackfill(runCtx, r)
}

func (m *Manager) cancel(reason string) {
	m.mu.Lock()
	r := m.run
	m.mu.Unlock()
	if r == nil {
		return
	}
	r.state.CanceledReason = reason
	r.cancel()
}

// runBackfill drives a single BackfillRequest to completion or
// failure, implementing spec.md §4.4's per-message state machine.
func (m *Manager) runBackfill(ctx context.Context, r *running) {
	defer close(r.done)
	defer func() {
		m.mu.Lock()
		if m.run == r {
			m.run = nil
		}
		m.mu.Unlock()
	}()

	stream, err := m.streamer(ctx, r.state.Request, r.state.MinWatermark)
	if err != nil {
		m.onBackfillFailed(ctx, err)
		return
	}
	defer stream.Close()

	inTx := false
	var txWatermark watermark.Version

	for {
		item, ok, err := stream.Next(ctx)
		if err != nil {
			if inTx {
				m.pushCommitAndRelease(ctx, txWatermark.String())
			}
			m.onBackfillFailed(ctx, err)
			return
		}
		if !ok {
			if inTx {
				m.pushCommitAndRelease(ctx, txWatermark.String())
			}
			m.resetBackoff()
			return
		}

		msg := item.Message

		if inTx && m.mx.WaiterDelay() > 0 {
			m.pushCommitAndRelease(ctx, txWatermark.String())
			inTx = false
		}

		if msg.DataKind == wire.DataBackfill && len(msg.Data.RowValues) > 0 && len(msg.Data.RowKeyColumns) == 0 {
			if inTx {
				m.pushCommitAndRelease(ctx, txWatermark.String())
			}
			m.onBackfillFailed(ctx, &MissingRowKeyError{Table: r.state.Request.Identity()})
			return
		}

		if !inTx {
			wm, err := m.mx.Reserve(ctx, "backfill")
			if err != nil {
				m.onBackfillFailed(ctx, err)
				return
			}

			if r.state.CanceledReason != "" {
				m.mx.Release(wm)
				return
			}

			if msg.DataKind == wire.DataBackfill && msg.Meta.Watermark < r.state.MinWatermark {
				r.state.CanceledReason = "row key change postdates backfill watermark"
				m.mx.Release(wm)
				return
			}

			base, err := watermark.FromString(wm)
			if err != nil {
				m.mx.Release(wm)
				m.onBackfillFailed(ctx, err)
				return
			}
			txWatermark = base.Succ()
			if _, err := m.mx.Push(ctx, wire.ChangeStreamMessage{
				Kind: wire.ChangeBegin,
				Meta: wire.Meta{Watermark: txWatermark.String()},
			}); err != nil {
				m.onBackfillFailed(ctx, err)
				return
			}
			inTx = true
		}

		if msg.DataKind == wire.DataBackfillCompleted {
			if err := m.changeStreamReached(ctx, msg.Meta.Watermark); err != nil {
				m.onBackfillFailed(ctx, err)
				return
			}
		}

		msg.Meta.Watermark = txWatermark.String()
		done, err := m.mx.Push(ctx, msg)
		if err != nil {
			m.onBackfillFailed(ctx, err)
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			m.onBackfillFailed(ctx, ctx.Err())
			return
		}

		if msg.DataKind == wire.DataBackfillCompleted {
			m.pushCommitAndRelease(ctx, txWatermark.String())
			m.finishBackfill(r, msg)
			m.resetBackoff()

			// Clear m.run here (rather than waiting for the deferred
			// cleanup above) so checkAndStartBackfill sees this slot
			// free and can start the next required table immediately,
			// per spec.md §4.4's "invoke scheduler" on completion.
			m.mu.Lock()
			if m.run == r {
				m.run = nil
			}
			m.mu.Unlock()
			m.checkAndStartBackfill(ctx)
			return
		}
	}
}

func (m *Manager) pushCommitAndRelease(ctx context.Context, wm string) {
	_, _ = m.mx.Push(ctx, wire.ChangeStreamMessage{
		Kind: wire.ChangeCommit,
		Meta: wire.Meta{Watermark: wm},
	})
	m.mx.Release(wm)
}

// finishBackfill computes the remaining columns after a
// backfill-completed message, dropping or updating the request per
// spec.md §4.4's table.
func (m *Manager) finishBackfill(r *running, msg wire.ChangeStreamMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := r.state.Request.Identity()
	req, exists := m.required[id]
	if !exists {
		return
	}

	done := make(map[string]bool, len(msg.Data.Columns)+len(msg.Data.RowKeyColumns))
	for _, c := range msg.Data.Columns {
		done[c] = true
	}
	for _, c := range msg.Data.RowKeyColumns {
		done[c] = true
	}

	remaining := make(map[string]wire.ColumnSpec, len(req.Columns))
	for col, spec := range req.Columns {
		if !done[col] {
			remaining[col] = spec
		}
	}

	if len(remaining) == 0 {
		m.dropRequestLocked(id)
		return
	}
	req.Columns = remaining
	m.required[id] = req
}

// onBackfillFailed classifies err and either schedules a
// backoff-retry or lets the schema-invalidation path retry naturally.
func (m *Manager) onBackfillFailed(ctx context.Context, err error) {
	if m.logger != nil {
		m.logger.Warnw("backfill attempt failed", "error", err)
	}

	var schemaErr *SchemaIncompatibilityError
	if isSchemaIncompatibility(err, &schemaErr) {
		m.checkAndStartBackfill(ctx)
		return
	}

	m.mu.Lock()
	m.retryTimerPending = true
	delay := m.retryDelay
	next := m.retryDelay * 2
	if next > maxRetryDelay {
		next = maxRetryDelay
	}
	m.retryDelay = next
	m.mu.Unlock()

	m.rs.SetTimeout(func() {
		m.mu.Lock()
		m.retryTimerPending = false
		m.mu.Unlock()
		m.checkAndStartBackfill(ctx)
	}, delay)
}

func isSchemaIncompatibility(err error, target **SchemaIncompatibilityError) bool {
	if e, ok := err.(*SchemaIncompatibilityError); ok {
		*target = e
		return true
	}
	return false
}

func (m *Manager) resetBackoff() {
	m.mu.Lock()
	m.retryDelay = initialRetryDelay
	m.mu.Unlock()
}

// changeStreamReached blocks until the main stream's status/commit
// watermark reaches or exceeds target, per spec.md §4.4 step 5.
func (m *Manager) changeStreamReached(ctx context.Context, target string) error {
	m.mu.Lock()
	if m.lastStatusWatermark != "" && m.lastStatusWatermark >= target {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.awaiting = append(m.awaiting, awaiter{watermark: target, resolve: ch})
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) resolveAwaitingLocked() {
	remaining := m.awaiting[:0]
	for _, a := range m.awaiting {
		if m.lastStatusWatermark >= a.watermark {
			close(a.resolve)
		} else {
			remaining = append(remaining, a)
		}
	}
	m.awaiting = remaining
}

// onMessage is the listener registered on the multiplexer: the
// reactive-invalidation table of spec.md §4.4.
func (m *Manager) onMessage(msg wire.ChangeStreamMessage) {
	m.mu.Lock()

	invokeScheduler := false
	switch msg.Kind {
	case wire.ChangeBegin:
		m.currentTxWatermark = msg.Meta.Watermark
	case wire.ChangeCommit:
		m.currentTxWatermark = ""
		m.lastStatusWatermark = msg.Meta.Watermark
		m.resolveAwaitingLocked()
		invokeScheduler = true
	case wire.ChangeStatus:
		m.lastStatusWatermark = msg.Meta.Watermark
		m.resolveAwaitingLocked()
	case wire.ChangeData:
		m.handleDataLocked(msg)
	}

	m.mu.Unlock()

	// checkAndStartBackfill re-locks m.mu, so it must run after the
	// unlock above: a commit may be what frees up a pending request
	// (spec.md §4.4's listener table: commit -> "invoke scheduler").
	if invokeScheduler {
		m.checkAndStartBackfill(m.schedulerCtx())
	}
}

func (m *Manager) handleDataLocked(msg wire.ChangeStreamMessage) {
	id := msg.Data.Table

	switch msg.DataKind {
	case wire.DataCreateTable:
		if msg.Data.NewTable == nil {
			return
		}
		if len(msg.Data.Columns) == 0 {
			return
		}
		cols := make(map[string]wire.ColumnSpec, len(msg.Data.Columns))
		for _, c := range msg.Data.Columns {
			cols[c] = wire.ColumnSpec{ID: c}
		}
		m.addRequestLocked(wire.BackfillRequest{Table: *msg.Data.NewTable, Columns: cols})

	case wire.DataAddColumn:
		if msg.Data.Backfill == nil {
			return
		}
		req, exists := m.required[id]
		if !exists {
			req = wire.BackfillRequest{
				Table:   wire.Table{TableIdentity: id},
				Columns: map[string]wire.ColumnSpec{},
			}
		}
		req.Columns[msg.Column] = wire.ColumnSpec{ID: msg.Column, Backfill: msg.Data.Backfill}
		m.addRequestLocked(req)

	case wire.DataDropColumn:
		req, exists := m.required[id]
		if !exists {
			return
		}
		delete(req.Columns, msg.Column)
		if len(req.Columns) == 0 {
			m.dropRequestLocked(id)
		} else {
			m.required[id] = req
		}
		m.cancelRunningIfReferences(id, msg.Column)

	case wire.DataUpdateColumn:
		if msg.OldColumn == "" || msg.OldColumn == msg.NewColumn {
			return
		}
		req, exists := m.required[id]
		if exists {
			if spec, ok := req.Columns[msg.OldColumn]; ok {
				delete(req.Columns, msg.OldColumn)
				req.Columns[msg.NewColumn] = spec
				m.required[id] = req
			}
		}
		m.cancelRunningIfReferences(id, msg.OldColumn)

	case wire.DataRenameTable:
		if msg.Data.OldTable == nil || msg.Data.NewTable == nil {
			return
		}
		oldID := *msg.Data.OldTable
		req, exists := m.required[oldID]
		if exists {
			m.dropRequestLocked(oldID)
			req.Table = *msg.Data.NewTable
			m.addRequestLocked(req)
		}
		m.cancelRunningIfMatches(oldID, "table renamed")

	case wire.DataUpdateTableMetadata:
		req, exists := m.required[id]
		if exists && msg.Data.Metadata != nil {
			req.Table.Metadata = msg.Data.Metadata
			m.required[id] = req
		}
		m.cancelRunningIfMatches(id, "table metadata changed")

	case wire.DataDropTable:
		m.dropRequestLocked(id)
		m.cancelRunningIfMatches(id, "table dropped")

	case wire.DataInsert, wire.DataUpdate:
		if m.run != nil && m.run.state.Request.Identity() == id && len(msg.Data.RowKeyColumns) > 0 {
			m.run.state.MinWatermark = m.currentTxWatermark
		}
	}
}

func (m *Manager) cancelRunningIfReferences(id wire.TableIdentity, column string) {
	if m.run == nil || m.run.state.Request.Identity() != id {
		return
	}
	if _, ok := m.run.state.Request.Columns[column]; ok {
		m.run.state.CanceledReason = "column " + column + " changed"
		m.run.cancel()
	}
}

func (m *Manager) cancelRunningIfMatches(id wire.TableIdentity, reason string) {
	if m.run == nil || m.run.state.Request.Identity() != id {
		return
	}
	m.run.state.CanceledReason = reason
	m.run.cancel()
}

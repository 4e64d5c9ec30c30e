// Package mutate implements the server-side LMID executor of
// spec.md §4.7 — the companion to internal/pusher that runs on the
// user's API server and applies a received push's mutations
// sequentially, advancing each client's lastMutationID counter under
// the ordering contract the pusher's oooMutation/alreadyProcessed
// handling relies on.
package mutate

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/wire"
)

const (
	upsertAndReturnSQL = `
		INSERT INTO "_zero.clients" ("clientGroupID", "clientID", "lastMutationID")
		VALUES (?, ?, 1)
		ON CONFLICT("clientGroupID", "clientID") DO UPDATE SET "lastMutationID" = "lastMutationID" + 1
		RETURNING "lastMutationID"`

	upsertNoReturnSQL = `
		INSERT INTO "_zero.clients" ("clientGroupID", "clientID", "lastMutationID")
		VALUES (?, ?, 1)
		ON CONFLICT("clientGroupID", "clientID") DO UPDATE SET "lastMutationID" = "lastMutationID" + 1`
)

// Tx wraps a *sql.Tx with post-commit task registration ("tx.after"
// of spec.md §4.7 step 4).
type Tx struct {
	*sql.Tx
	after []func(ctx context.Context) error
}

// After schedules fn to run once the enclosing transaction commits.
func (t *Tx) After(fn func(ctx context.Context) error) {
	t.after = append(t.after, fn)
}

// Mutator applies one mutation's business logic within tx. Returning
// an error aborts the transaction; the caller still advances LMID.
type Mutator func(ctx context.Context, tx *Tx, m wire.Mutation) error

// Mode controls how post-commit tasks are awaited.
type Mode int

const (
	// ModeSync awaits every post-commit task before returning from Process.
	ModeSync Mode = iota
	// ModeAsync tracks post-commit tasks so Close can await them later.
	ModeAsync
)

// Executor runs mutations against a user's database using Mutator.
type Executor struct {
	db      *sql.DB
	mutator Mutator
	logger  *zap.SugaredLogger
	mode    Mode

	wg pendingGroup
}

// pendingGroup tracks in-flight post-commit tasks started with Go so
// Executor.Close can await them, the way ModeAsync needs without
// blocking Process's caller on every mutation's after-tasks.
type pendingGroup struct {
	wg sync.WaitGroup
}

func (p *pendingGroup) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

func (p *pendingGroup) Wait() {
	p.wg.Wait()
}

// New constructs an Executor.
func New(db *sql.DB, mutator Mutator, logger *zap.SugaredLogger, mode Mode) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{db: db, mutator: mutator, logger: logger, mode: mode}
}

// Process applies every mutation in body sequentially, stopping at
// the first out-of-order mutation, and returns the outcome for each
// mutation actually evaluated.
func (e *Executor) Process(ctx context.Context, body wire.PushBody) []wire.MutationOutcome {
	var outcomes []wire.MutationOutcome
	for _, m := range body.Mutations {
		outcome, stop := e.processOne(ctx, body.ClientGroupID, m)
		outcomes = append(outcomes, outcome)
		if stop {
			break
		}
	}
	return outcomes
}

// Close awaits any tracked async post-commit tasks.
func (e *Executor) Close() {
	e.wg.Wait()
}

func (e *Executor) processOne(ctx context.Context, clientGroupID string, m wire.Mutation) (wire.MutationOutcome, bool) {
	id := wire.MutationID{ClientID: m.ClientID, ID: m.ID}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errOutcome(id, errors.Wrap(err, "begin mutation transaction")), true
	}

	var stored int64
	if err := tx.QueryRowContext(ctx, upsertAndReturnSQL, clientGroupID, m.ClientID).Scan(&stored); err != nil {
		tx.Rollback()
		return errOutcome(id, errors.Wrap(err, "advance lastMutationID")), true
	}

	switch {
	case m.ID < stored:
		tx.Rollback()
		return wire.MutationOutcome{ID: id, Result: wire.MutationResult{Error: "alreadyProcessed"}}, false

	case m.ID > stored:
		tx.Rollback()
		return wire.MutationOutcome{ID: id, Result: wire.MutationResult{Error: "oooMutation"}}, true

	default:
		return e.dispatch(ctx, clientGroupID, tx, m, id)
	}
}

// dispatch runs the user mutator for an in-order mutation. On
// mutator failure the transaction is rolled back but LMID must still
// advance, so the increment is replayed in a fresh "error mode"
// transaction (no mutator dispatch), per spec.md §4.7 step 3.
func (e *Executor) dispatch(ctx context.Context, clientGroupID string, tx *sql.Tx, m wire.Mutation, id wire.MutationID) (wire.MutationOutcome, bool) {
	wrapped := &Tx{Tx: tx}
	if err := e.mutator(ctx, wrapped, m); err != nil {
		wrapped.Tx.Rollback()
		if replayErr := e.replayIncrement(ctx, clientGroupID, m.ClientID); replayErr != nil {
			e.logger.Errorw("replay lastMutationID increment after mutator error failed",
				"clientGroupID", clientGroupID, "clientID", m.ClientID, "error", replayErr)
		}
		details, _ := json.Marshal(struct {
			Message string `json:"message"`
		}{err.Error()})
		return wire.MutationOutcome{ID: id, Result: wire.MutationResult{Error: "app", Details: details}}, false
	}

	if err := wrapped.Tx.Commit(); err != nil {
		return errOutcome(id, errors.Wrap(err, "commit mutation")), false
	}

	e.runAfterTasks(ctx, wrapped.after)
	return wire.MutationOutcome{ID: id, Result: wire.MutationResult{}}, false
}

func (e *Executor) replayIncrement(ctx context.Context, clientGroupID, clientID string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin error-mode transaction")
	}
	if _, err := tx.ExecContext(ctx, upsertNoReturnSQL, clientGroupID, clientID); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "replay lastMutationID increment")
	}
	return tx.Commit()
}

func (e *Executor) runAfterTasks(ctx context.Context, tasks []func(ctx context.Context) error) {
	for _, fn := range tasks {
		fn := fn
		switch e.mode {
		case ModeAsync:
			e.wg.Go(func() {
				if err := fn(ctx); err != nil {
					e.logger.Errorw("post-commit task failed", "error", err)
				}
			})
		default:
			if err := fn(ctx); err != nil {
				e.logger.Errorw("post-commit task failed", "error", err)
			}
		}
	}
}

func errOutcome(id wire.MutationID, err error) wire.MutationOutcome {
	details, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{err.Error()})
	return wire.MutationOutcome{ID: id, Result: wire.MutationResult{Error: "internal", Details: details}}
}

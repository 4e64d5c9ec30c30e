package mutate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/zerocache/sync-engine/internal/errors"
	itesting "github.com/zerocache/sync-engine/internal/testing"
	"github.com/zerocache/sync-engine/internal/wire"
)

func mutation(clientID string, id int64) wire.Mutation {
	return wire.Mutation{Type: "custom", ClientID: clientID, ID: id, Name: "noop"}
}

func TestProcessAdvancesLastMutationIDInOrder(t *testing.T) {
	db := itesting.CreateTestDB(t)
	var applied []int64
	exec := New(db, func(ctx context.Context, tx *Tx, m wire.Mutation) error {
		applied = append(applied, m.ID)
		return nil
	}, nil, ModeSync)

	outcomes := exec.Process(context.Background(), wire.PushBody{
		ClientGroupID: "cg1",
		Mutations:     []wire.Mutation{mutation("c1", 1), mutation("c1", 2)},
	})

	require.Len(t, outcomes, 2)
	assert.Empty(t, outcomes[0].Result.Error)
	assert.Empty(t, outcomes[1].Result.Error)
	assert.Equal(t, []int64{1, 2}, applied)

	var lmid int64
	require.NoError(t, db.QueryRow(
		`SELECT "lastMutationID" FROM "_zero.clients" WHERE "clientGroupID" = ? AND "clientID" = ?`,
		"cg1", "c1").Scan(&lmid))
	assert.Equal(t, int64(2), lmid)
}

func TestProcessMarksAlreadyProcessedAndContinues(t *testing.T) {
	db := itesting.CreateTestDB(t)
	exec := New(db, func(ctx context.Context, tx *Tx, m wire.Mutation) error {
		return nil
	}, nil, ModeSync)

	first := exec.Process(context.Background(), wire.PushBody{
		ClientGroupID: "cg1",
		Mutations:     []wire.Mutation{mutation("c1", 1)},
	})
	require.Len(t, first, 1)
	require.Empty(t, first[0].Result.Error)

	replay := exec.Process(context.Background(), wire.PushBody{
		ClientGroupID: "cg1",
		Mutations:     []wire.Mutation{mutation("c1", 1), mutation("c1", 2)},
	})
	require.Len(t, replay, 2)
	assert.Equal(t, "alreadyProcessed", replay[0].Result.Error)
	assert.Empty(t, replay[1].Result.Error)
}

func TestProcessStopsOnOutOfOrderMutation(t *testing.T) {
	db := itesting.CreateTestDB(t)
	var applied int
	exec := New(db, func(ctx context.Context, tx *Tx, m wire.Mutation) error {
		applied++
		return nil
	}, nil, ModeSync)

	outcomes := exec.Process(context.Background(), wire.PushBody{
		ClientGroupID: "cg1",
		Mutations:     []wire.Mutation{mutation("c1", 3)},
	})

	require.Len(t, outcomes, 1)
	assert.Equal(t, "oooMutation", outcomes[0].Result.Error)
	assert.Equal(t, 0, applied)
}

func TestDispatchReplaysLastMutationIDOnMutatorError(t *testing.T) {
	db := itesting.CreateTestDB(t)
	exec := New(db, func(ctx context.Context, tx *Tx, m wire.Mutation) error {
		if m.ID == 1 {
			return serrors.New("boom")
		}
		return nil
	}, nil, ModeSync)

	outcomes := exec.Process(context.Background(), wire.PushBody{
		ClientGroupID: "cg1",
		Mutations:     []wire.Mutation{mutation("c1", 1), mutation("c1", 2)},
	})

	require.Len(t, outcomes, 2)
	assert.Equal(t, "app", outcomes[0].Result.Error)
	assert.NotEmpty(t, outcomes[0].Result.Details)
	// the second mutation still lands in order, since the replay kept
	// lastMutationID advancing despite the first mutator failing.
	assert.Empty(t, outcomes[1].Result.Error)
}

func TestAfterTasksRunSyncByDefault(t *testing.T) {
	db := itesting.CreateTestDB(t)
	ran := false
	exec := New(db, func(ctx context.Context, tx *Tx, m wire.Mutation) error {
		tx.After(func(ctx context.Context) error {
			ran = true
			return nil
		})
		return nil
	}, nil, ModeSync)

	exec.Process(context.Background(), wire.PushBody{
		ClientGroupID: "cg1",
		Mutations:     []wire.Mutation{mutation("c1", 1)},
	})

	assert.True(t, ran, "after-task should have run synchronously before Process returned")
}

func TestCloseAwaitsAsyncAfterTasks(t *testing.T) {
	db := itesting.CreateTestDB(t)
	done := make(chan struct{})
	exec := New(db, func(ctx context.Context, tx *Tx, m wire.Mutation) error {
		tx.After(func(ctx context.Context) error {
			close(done)
			return nil
		})
		return nil
	}, nil, ModeAsync)

	exec.Process(context.Background(), wire.PushBody{
		ClientGroupID: "cg1",
		Mutations:     []wire.Mutation{mutation("c1", 1)},
	})
	exec.Close()

	select {
	case <-done:
	default:
		t.Fatal("async after-task should have completed by the time Close returns")
	}
}

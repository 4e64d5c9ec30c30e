package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerocache/sync-engine/internal/changestream"
	"github.com/zerocache/sync-engine/internal/wire"
)

// fakeStream feeds a fixed slice of StreamItems, then ends.
type fakeStream struct {
	items []StreamItem
	idx   int
}

func (f *fakeStream) Next(ctx context.Context) (StreamItem, bool, error) {
	if f.idx >= len(f.items) {
		return StreamItem{}, false, nil
	}
	item := f.items[f.idx]
	f.idx++
	return item, true, nil
}

func (f *fakeStream) Close() {}

func tableID(name string) wire.TableIdentity {
	return wire.TableIdentity{Schema: "public", Name: name}
}

func basicRequest(name string, cols ...string) wire.BackfillRequest {
	columns := make(map[string]wire.ColumnSpec, len(cols))
	for _, c := range cols {
		columns[c] = wire.ColumnSpec{ID: c}
	}
	return wire.BackfillRequest{
		Table:   wire.Table{TableIdentity: tableID(name)},
		Columns: columns,
	}
}

func drain(t *testing.T, src *changestream.Source, n int) []wire.ChangeStreamMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []wire.ChangeStreamMessage
	for i := 0; i < n; i++ {
		msg, ack, err := src.Next(ctx)
		require.NoError(t, err)
		ack()
		got = append(got, msg)
	}
	return got
}

func TestRunBackfillCompletesAndDropsRequest(t *testing.T) {
	mx := changestream.New("100", 16, nil)
	req := basicRequest("widgets", "name")

	stream := &fakeStream{items: []StreamItem{
		{Message: wire.ChangeStreamMessage{
			Kind:     wire.ChangeData,
			DataKind: wire.DataBackfillCompleted,
			Meta:     wire.Meta{Watermark: "100"},
			Data:     wire.DataBody{Columns: []string{"name"}},
		}},
	}}

	streamer := func(ctx context.Context, r wire.BackfillRequest, minWM string) (Stream, error) {
		return stream, nil
	}

	m := New(mx, streamer, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drain(t, mx.AsSource(), 3) // begin, data, commit
	}()

	m.Run(context.Background(), "100", []wire.BackfillRequest{req})
	wg.Wait()

	m.mu.Lock()
	_, stillRequired := m.required[tableID("widgets")]
	m.mu.Unlock()
	assert.False(t, stillRequired, "completed backfill must drop its request")
}

func TestCreateTableWithBackfillAddsRequest(t *testing.T) {
	mx := changestream.New("100", 16, nil)
	m := New(mx, func(context.Context, wire.BackfillRequest, string) (Stream, error) {
		return &fakeStream{}, nil
	}, nil)

	newTable := wire.Table{TableIdentity: tableID("orders")}
	mx.Reserve(context.Background(), "main")
	_, err := mx.Push(context.Background(), wire.ChangeStreamMessage{
		Kind:     wire.ChangeData,
		DataKind: wire.DataCreateTable,
		Data: wire.DataBody{
			Table:    tableID("orders"),
			NewTable: &newTable,
			Columns:  []string{"total"},
		},
	})
	require.NoError(t, err)

	m.mu.Lock()
	req, ok := m.required[tableID("orders")]
	m.mu.Unlock()
	require.True(t, ok)
	assert.Contains(t, req.Columns, "total")
}

func TestDropColumnRemovesFromRequestAndDropsWhenEmpty(t *testing.T) {
	mx := changestream.New("100", 16, nil)
	m := New(mx, func(context.Context, wire.BackfillRequest, string) (Stream, error) {
		return &fakeStream{}, nil
	}, nil)

	m.mu.Lock()
	m.addRequestLocked(basicRequest("widgets", "name"))
	m.mu.Unlock()

	mx.Reserve(context.Background(), "main")
	_, err := mx.Push(context.Background(), wire.ChangeStreamMessage{
		Kind:     wire.ChangeData,
		DataKind: wire.DataDropColumn,
		Data:     wire.DataBody{Table: tableID("widgets")},
		Column:   "name",
	})
	require.NoError(t, err)

	m.mu.Lock()
	_, ok := m.required[tableID("widgets")]
	m.mu.Unlock()
	assert.False(t, ok)
}

func TestDropTableCancelsRunningBackfill(t *testing.T) {
	mx := changestream.New("100", 16, nil)
	blocker := make(chan struct{})
	stream := &blockingStream{release: blocker}

	m := New(mx, func(context.Context, wire.BackfillRequest, string) (Stream, error) {
		return stream, nil
	}, nil)

	m.Run(context.Background(), "100", []wire.BackfillRequest{basicRequest("widgets", "name")})

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.run != nil
	}, time.Second, time.Millisecond)

	mx.Reserve(context.Background(), "main")
	_, err := mx.Push(context.Background(), wire.ChangeStreamMessage{
		Kind:     wire.ChangeData,
		DataKind: wire.DataDropTable,
		Data:     wire.DataBody{Table: tableID("widgets")},
	})
	require.NoError(t, err)

	m.mu.Lock()
	reason := ""
	if m.run != nil {
		reason = m.run.state.CanceledReason
	}
	m.mu.Unlock()
	assert.Equal(t, "table dropped", reason)
	close(blocker)
}

// blockingStream never returns until release is closed, so the
// manager's runBackfill goroutine is reliably still in flight when the
// test asserts cancellation.
type blockingStream struct {
	release chan struct{}
}

func (b *blockingStream) Next(ctx context.Context) (StreamItem, bool, error) {
	select {
	case <-b.release:
		return StreamItem{}, false, nil
	case <-ctx.Done():
		return StreamItem{}, false, ctx.Err()
	}
}

func (b *blockingStream) Close() {}

func TestUpdateWithRowKeyChangeSetsMinWatermark(t *testing.T) {
	mx := changestream.New("100", 16, nil)
	blocker := make(chan struct{})
	defer close(blocker)
	stream := &blockingStream{release: blocker}

	m := New(mx, func(context.Context, wire.BackfillRequest, string) (Stream, error) {
		return stream, nil
	}, nil)
	m.Run(context.Background(), "100", []wire.BackfillRequest{basicRequest("widgets", "name")})

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.run != nil
	}, time.Second, time.Millisecond)

	mx.Reserve(context.Background(), "main")
	_, err := mx.Push(context.Background(), wire.ChangeStreamMessage{
		Kind: wire.ChangeBegin, Meta: wire.Meta{Watermark: "101"},
	})
	require.NoError(t, err)
	_, err = mx.Push(context.Background(), wire.ChangeStreamMessage{
		Kind:     wire.ChangeData,
		DataKind: wire.DataUpdate,
		Data: wire.DataBody{
			Table:         tableID("widgets"),
			RowKeyColumns: []string{"id"},
		},
	})
	require.NoError(t, err)

	m.mu.Lock()
	minWM := m.run.state.MinWatermark
	m.mu.Unlock()
	assert.Equal(t, "101", minWM)
}

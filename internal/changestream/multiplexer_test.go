package changestream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerocache/sync-engine/internal/wire"
)

func TestReserveWhenQuiescentReturnsImmediately(t *testing.T) {
	m := New("100", 8, nil)
	ctx := context.Background()
	wm, err := m.Reserve(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "100", wm)
}

func TestReserveQueuesFIFOWhileReserved(t *testing.T) {
	m := New("100", 8, nil)
	ctx := context.Background()

	_, err := m.Reserve(ctx, "main")
	require.NoError(t, err)

	order := make(chan string, 2)
	go func() {
		wm, err := m.Reserve(ctx, "backfill-1")
		require.NoError(t, err)
		order <- wm
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		wm, err := m.Reserve(ctx, "backfill-2")
		require.NoError(t, err)
		order <- wm
	}()
	time.Sleep(10 * time.Millisecond)

	m.Release("101")
	first := <-order
	assert.Equal(t, "101", first)

	m.Release("102")
	second := <-order
	assert.Equal(t, "102", second)
}

func TestReleaseWithNoWaitersBecomesQuiescent(t *testing.T) {
	m := New("100", 8, nil)
	ctx := context.Background()
	_, err := m.Reserve(ctx, "main")
	require.NoError(t, err)
	m.Release("101")

	wm, err := m.Reserve(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "101", wm)
}

func TestWaiterDelayReportsNegativeOneWhenIdle(t *testing.T) {
	m := New("100", 8, nil)
	assert.Equal(t, time.Duration(-1), m.WaiterDelay())
}

func TestWaiterDelayReportsElapsedTime(t *testing.T) {
	m := New("100", 8, nil)
	ctx := context.Background()
	_, _ = m.Reserve(ctx, "main")
	go func() { _, _ = m.Reserve(ctx, "backfill") }()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.WaiterDelay() > 0)
}

func TestPushRequiresReservation(t *testing.T) {
	m := New("100", 8, nil)
	ctx := context.Background()
	_, err := m.Push(ctx, wire.ChangeStreamMessage{Kind: wire.ChangeBegin})
	assert.Error(t, err)
}

func TestPushForwardsToListenersAndEnqueues(t *testing.T) {
	m := New("100", 8, nil)
	ctx := context.Background()

	var received []wire.ChangeStreamMessage
	m.AddListener(func(msg wire.ChangeStreamMessage) {
		received = append(received, msg)
	})

	_, err := m.Reserve(ctx, "main")
	require.NoError(t, err)

	msg := wire.ChangeStreamMessage{Kind: wire.ChangeBegin, Meta: wire.Meta{Watermark: "101"}}
	done, err := m.Push(ctx, msg)
	require.NoError(t, err)

	src := m.AsSource()
	got, ack, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	ack()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ack did not resolve push completion future")
	}

	require.Len(t, received, 1)
	assert.Equal(t, wire.ChangeBegin, received[0].Kind)
}

func TestPushStatusOnlyEnqueuesWhenAck(t *testing.T) {
	m := New("100", 8, nil)
	ctx := context.Background()

	var count int
	m.AddListener(func(wire.ChangeStreamMessage) { count++ })

	err := m.PushStatus(ctx, wire.ChangeStreamMessage{Kind: wire.ChangeStatus, Ack: false})
	require.NoError(t, err)
	err = m.PushStatus(ctx, wire.ChangeStreamMessage{Kind: wire.ChangeStatus, Ack: true})
	require.NoError(t, err)

	assert.Equal(t, 2, count, "both messages reach listeners")

	src := m.AsSource()
	doneCh := make(chan struct{})
	go func() {
		_, ack, err := src.Next(ctx)
		require.NoError(t, err)
		ack()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("expected exactly the acked status message downstream")
	}
}

func TestFailTerminatesSubscriptionAndRunsCancelHooks(t *testing.T) {
	m := New("100", 8, nil)
	ctx := context.Background()

	var canceled bool
	m.OnCancel(func(err error) { canceled = true })

	failure := assertErr{}
	m.Fail(failure)

	_, _, err := m.AsSource().Next(ctx)
	assert.Error(t, err)
	assert.True(t, canceled)

	_, err = m.Reserve(ctx, "main")
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

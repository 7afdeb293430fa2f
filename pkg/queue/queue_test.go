package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4ier/retire-cluster/pkg/events"
	"github.com/4ier/retire-cluster/pkg/types"
)

func task(id string, p types.Priority) *types.Task {
	return &types.Task{TaskID: id, Priority: p, State: types.TaskPending}
}

func alwaysEligible(*types.Task) bool { return true }

func TestDequeueRespectsPriorityOrder(t *testing.T) {
	q := New(10, nil)
	require.NoError(t, q.Enqueue(task("low-1", types.PriorityLow)))
	require.NoError(t, q.Enqueue(task("normal-1", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(task("urgent-1", types.PriorityUrgent)))
	require.NoError(t, q.Enqueue(task("high-1", types.PriorityHigh)))

	order := []string{}
	for i := 0; i < 4; i++ {
		got := q.DequeueMatching(alwaysEligible)
		require.NotNil(t, got)
		order = append(order, got.TaskID)
	}

	assert.Equal(t, []string{"urgent-1", "high-1", "normal-1", "low-1"}, order)
}

func TestDequeueWithinBandIsFIFO(t *testing.T) {
	q := New(10, nil)
	require.NoError(t, q.Enqueue(task("a", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(task("b", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(task("c", types.PriorityNormal)))

	assert.Equal(t, "a", q.DequeueMatching(alwaysEligible).TaskID)
	assert.Equal(t, "b", q.DequeueMatching(alwaysEligible).TaskID)
	assert.Equal(t, "c", q.DequeueMatching(alwaysEligible).TaskID)
}

func TestDequeueSkipsIneligibleButPreservesOrder(t *testing.T) {
	q := New(10, nil)
	require.NoError(t, q.Enqueue(task("gpu-task", types.PriorityUrgent)))
	require.NoError(t, q.Enqueue(task("plain-task", types.PriorityHigh)))

	predicate := func(t *types.Task) bool { return t.TaskID == "plain-task" }
	got := q.DequeueMatching(predicate)
	require.NotNil(t, got)
	assert.Equal(t, "plain-task", got.TaskID)

	// The urgent task remains queued, still ahead of anything enqueued after it.
	stats, total := q.PeekStats()
	assert.Equal(t, 1, total)
	for _, s := range stats {
		if s.Priority == types.PriorityUrgent {
			assert.Equal(t, 1, s.Count)
		}
	}
}

func TestEnqueueFailsAtCapacity(t *testing.T) {
	q := New(2, nil)
	require.NoError(t, q.Enqueue(task("a", types.PriorityLow)))
	require.NoError(t, q.Enqueue(task("b", types.PriorityLow)))

	err := q.Enqueue(task("c", types.PriorityLow))
	assert.ErrorIs(t, err, ErrQueueFull)

	_, total := q.PeekStats()
	assert.Equal(t, 2, total)
}

func TestRequeueHeadReturnsToFrontOfBand(t *testing.T) {
	q := New(10, nil)
	require.NoError(t, q.Enqueue(task("a", types.PriorityNormal)))
	require.NoError(t, q.Enqueue(task("b", types.PriorityNormal)))

	dispatched := q.DequeueMatching(alwaysEligible) // "a"
	require.Equal(t, "a", dispatched.TaskID)

	q.RequeueHead(dispatched)

	assert.Equal(t, "a", q.DequeueMatching(alwaysEligible).TaskID)
	assert.Equal(t, "b", q.DequeueMatching(alwaysEligible).TaskID)
}

func TestGetReturnsQueuedTaskWithoutRemovingIt(t *testing.T) {
	q := New(10, nil)
	require.NoError(t, q.Enqueue(task("a", types.PriorityNormal)))

	got, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.TaskID)
	assert.Equal(t, 1, q.Depth())

	_, ok = q.Get("missing")
	assert.False(t, ok)
}

func TestEnqueuePublishesTaskQueuedEvent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	q := New(10, broker)
	require.NoError(t, q.Enqueue(task("a", types.PriorityNormal)))

	select {
	case evt := <-sub:
		assert.Equal(t, events.EventTaskQueued, evt.Type)
		assert.Equal(t, "a", evt.Metadata["task_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task.queued event")
	}
}

func TestCancelRemovesQueuedTask(t *testing.T) {
	q := New(10, nil)
	require.NoError(t, q.Enqueue(task("a", types.PriorityNormal)))

	got := q.Cancel("a")
	require.NotNil(t, got)
	assert.Equal(t, types.TaskCancelled, got.State)
	assert.Nil(t, q.Cancel("a"))
	assert.Equal(t, 0, q.Depth())
}

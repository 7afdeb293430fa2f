package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4ier/retire-cluster/pkg/types"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceSnapshotRoundTrips(t *testing.T) {
	s := openTestStore(t)

	devices := []types.Device{
		{DeviceID: "w1", Role: "worker", Status: types.DeviceOnline, RegisteredAt: time.Now()},
		{DeviceID: "w2", Role: "worker", Status: types.DeviceOffline, RegisteredAt: time.Now()},
	}
	require.NoError(t, s.SaveDeviceSnapshot(devices))

	got, err := s.LoadDeviceSnapshot()
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeviceSnapshotOverwritesPriorContent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveDeviceSnapshot([]types.Device{
		{DeviceID: "w1"}, {DeviceID: "w2"}, {DeviceID: "w3"},
	}))
	require.NoError(t, s.SaveDeviceSnapshot([]types.Device{{DeviceID: "w1"}}))

	got, err := s.LoadDeviceSnapshot()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].DeviceID)
}

func TestTaskEventsAreAppendedInSequenceOrder(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendTaskEvent(TaskEvent{TaskID: "t1", Kind: TaskEventSubmitted, State: types.TaskQueued}))
	require.NoError(t, s.AppendTaskEvent(TaskEvent{TaskID: "t1", Kind: TaskEventDispatched, State: types.TaskAssigned}))
	require.NoError(t, s.AppendTaskEvent(TaskEvent{TaskID: "t1", Kind: TaskEventCompleted, State: types.TaskSuccess}))

	all, err := s.TaskEvents(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, TaskEventSubmitted, all[0].Kind)
	assert.Equal(t, TaskEventDispatched, all[1].Kind)
	assert.Equal(t, TaskEventCompleted, all[2].Kind)
	assert.True(t, all[0].Sequence < all[1].Sequence)
	assert.True(t, all[1].Sequence < all[2].Sequence)
}

func TestTaskEventsSinceFiltersAlreadySeen(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendTaskEvent(TaskEvent{TaskID: "t1", Kind: TaskEventSubmitted}))
	require.NoError(t, s.AppendTaskEvent(TaskEvent{TaskID: "t1", Kind: TaskEventDispatched}))

	first, err := s.TaskEvents(0)
	require.NoError(t, err)
	require.Len(t, first, 2)

	require.NoError(t, s.AppendTaskEvent(TaskEvent{TaskID: "t1", Kind: TaskEventCompleted}))

	onlyNew, err := s.TaskEvents(first[len(first)-1].Sequence)
	require.NoError(t, err)
	require.Len(t, onlyNew, 1)
	assert.Equal(t, TaskEventCompleted, onlyNew[0].Kind)
}

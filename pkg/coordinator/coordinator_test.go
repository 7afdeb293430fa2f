package coordinator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4ier/retire-cluster/pkg/config"
	"github.com/4ier/retire-cluster/pkg/types"
)

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.RegistryPath = t.TempDir()
	cfg.Server.Port = 0 // unused in these tests: the listener is never Start()ed

	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.store.Close() })
	return c
}

func TestSubmitTaskThenGetTaskReportsQueued(t *testing.T) {
	c := testCoordinator(t)

	id, err := c.SubmitTask(TaskSpec{TaskType: "echo"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := c.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, task.State)
	assert.Equal(t, types.PriorityNormal, task.Priority)
}

func TestSubmitTaskAppliesSchedulerDefaults(t *testing.T) {
	c := testCoordinator(t)
	c.cfg.Scheduler.DefaultTaskTimeoutSeconds = 45
	c.cfg.Scheduler.DefaultMaxRetries = 2

	id, err := c.SubmitTask(TaskSpec{TaskType: "echo"})
	require.NoError(t, err)

	task, err := c.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, 45, task.TimeoutSeconds)
	assert.Equal(t, 3, task.MaxAttempts)
}

func TestGetTaskUnknownReturnsError(t *testing.T) {
	c := testCoordinator(t)
	_, err := c.GetTask("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestCancelQueuedTaskResolvesToTerminal(t *testing.T) {
	c := testCoordinator(t)

	id, err := c.SubmitTask(TaskSpec{TaskType: "echo"})
	require.NoError(t, err)

	assert.True(t, c.CancelTask(id))

	task, err := c.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.State)
}

func TestCancelUnknownTaskReturnsFalse(t *testing.T) {
	c := testCoordinator(t)
	assert.False(t, c.CancelTask("does-not-exist"))
}

func TestListDevicesFiltersByStatus(t *testing.T) {
	c := testCoordinator(t)
	c.registry.RestoreOffline(types.Device{DeviceID: "restored-1"})

	online := c.ListDevices(DeviceFilter{Status: types.DeviceOnline})
	assert.Empty(t, online)

	offline := c.ListDevices(DeviceFilter{Status: types.DeviceOffline})
	require.Len(t, offline, 1)
	assert.Equal(t, "restored-1", offline[0].DeviceID)
}

func TestClusterStatsCountsQueueAndDevices(t *testing.T) {
	c := testCoordinator(t)
	c.registry.RestoreOffline(types.Device{DeviceID: "d1", Role: "worker", Platform: types.PlatformLinux})

	_, err := c.SubmitTask(TaskSpec{TaskType: "echo", Priority: types.PriorityHigh})
	require.NoError(t, err)

	stats := c.ClusterStats()
	assert.Equal(t, 1, stats.DevicesByStatus[types.DeviceOffline])
	assert.Equal(t, 1, stats.QueueDepthByBand[types.PriorityHigh])
	assert.Equal(t, 1, stats.QueueDepthTotal)
	assert.Equal(t, 0, stats.InFlightTasks)
}

func TestRemoveDeviceUnknownReturnsError(t *testing.T) {
	c := testCoordinator(t)
	_, err := c.RemoveDevice("ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestRemoveDeviceWithNothingInFlightReassignsNone(t *testing.T) {
	c := testCoordinator(t)
	c.registry.RestoreOffline(types.Device{DeviceID: "d1"})
	// A restored device has no connection handler, so it can never be
	// selected by the scheduler; this test only exercises the
	// zero-in-flight path of RemoveDevice.
	result, err := c.RemoveDevice("d1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Reassigned)
}

func TestEventLogPersistsTaskLifecycleEvents(t *testing.T) {
	c := testCoordinator(t)
	c.broker.Start()
	sub := c.broker.Subscribe()
	go func() {
		for range sub {
		}
	}()

	c.eventLogSub = c.broker.Subscribe()
	go c.runEventLog()

	id, err := c.SubmitTask(TaskSpec{TaskType: "echo"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		evts, err := c.store.TaskEvents(0)
		if err != nil {
			return false
		}
		for _, e := range evts {
			if e.TaskID == id {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	c.broker.Unsubscribe(sub)
	c.broker.Unsubscribe(c.eventLogSub)
	c.broker.Stop()
}

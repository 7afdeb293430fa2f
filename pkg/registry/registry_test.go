package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4ier/retire-cluster/pkg/types"
)

type fakeDispatcher struct {
	closed bool
	addr   string
}

func (f *fakeDispatcher) Send(string, interface{}) error { return nil }
func (f *fakeDispatcher) Close()                         { f.closed = true }
func (f *fakeDispatcher) RemoteAddr() string              { return f.addr }

func baseInfo(id string) RegisterInfo {
	return RegisterInfo{
		DeviceID: id,
		Role:     "worker",
		Platform: types.PlatformLinux,
		Capabilities: types.Capabilities{
			CPUCores:      4,
			MemoryGB:      8,
			StorageGB:     64,
			SupportedTask: map[string]bool{"echo": true},
		},
		MaxConcurrentTasks: 4,
	}
}

func TestRegisterNewDevice(t *testing.T) {
	r := New(nil)
	h := &fakeDispatcher{}

	d, wasNew := r.Register(baseInfo("w1"), h)

	assert.True(t, wasNew)
	assert.Equal(t, types.DeviceOnline, d.Status)
	assert.Equal(t, 1, r.Count())
}

func TestDuplicateRegistrationClosesPriorHandlerAndKeepsOneDevice(t *testing.T) {
	r := New(nil)
	h1 := &fakeDispatcher{}
	h2 := &fakeDispatcher{}

	r.Register(baseInfo("w1"), h1)
	_, wasNew := r.Register(baseInfo("w1"), h2)

	require.False(t, wasNew)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Dispatcher("w1")
	require.True(t, ok)
	assert.Same(t, h2, got)

	// h1 is closed asynchronously (registry never blocks on socket I/O).
	assert.Eventually(t, func() bool { return h1.closed }, time.Second, 5*time.Millisecond)
}

func TestDetachOnlyAppliesWhenHandlerStillAttached(t *testing.T) {
	r := New(nil)
	h1 := &fakeDispatcher{}
	h2 := &fakeDispatcher{}

	r.Register(baseInfo("w1"), h1)
	r.Register(baseInfo("w1"), h2) // h1 superseded

	r.Detach("w1", h1) // stale detach must be a no-op
	d, _ := r.Get("w1")
	assert.Equal(t, types.DeviceOnline, d.Status)

	r.Detach("w1", h2)
	d, _ = r.Get("w1")
	assert.Equal(t, types.DeviceOffline, d.Status)
}

func TestFindEligibleFiltersByCapabilities(t *testing.T) {
	r := New(nil)
	weak := baseInfo("w1")
	weak.Capabilities.CPUCores = 2
	strong := baseInfo("w2")
	strong.Capabilities.CPUCores = 8

	r.Register(weak, &fakeDispatcher{})
	r.Register(strong, &fakeDispatcher{})

	eligible := r.FindEligible("echo", types.TaskRequirements{MinCPUCores: 4})
	require.Len(t, eligible, 1)
	assert.Equal(t, "w2", eligible[0].Device.DeviceID)
}

func TestFindEligibleExcludesOfflineDevices(t *testing.T) {
	r := New(nil)
	h := &fakeDispatcher{}
	r.Register(baseInfo("w1"), h)
	r.Detach("w1", h)

	eligible := r.FindEligible("echo", types.TaskRequirements{})
	assert.Empty(t, eligible)
}

func TestAdjustActiveTaskCountClampsAtZero(t *testing.T) {
	r := New(nil)
	r.Register(baseInfo("w1"), &fakeDispatcher{})

	r.AdjustActiveTaskCount("w1", -5)
	d, _ := r.Get("w1")
	assert.Equal(t, 0, d.ActiveTaskCount)

	r.AdjustActiveTaskCount("w1", 3)
	d, _ = r.Get("w1")
	assert.Equal(t, 3, d.ActiveTaskCount)
}

func TestRemoveReturnsDeviceAndDropsIt(t *testing.T) {
	r := New(nil)
	r.Register(baseInfo("w1"), &fakeDispatcher{})

	d, ok := r.Remove("w1")
	require.True(t, ok)
	assert.Equal(t, "w1", d.DeviceID)
	assert.Equal(t, 0, r.Count())

	_, ok = r.Remove("w1")
	assert.False(t, ok)
}

func TestRestoreOfflineForcesOfflineRegardlessOfPersistedStatus(t *testing.T) {
	r := New(nil)
	r.RestoreOffline(types.Device{DeviceID: "w1", Status: types.DeviceOnline, ActiveTaskCount: 4})

	d, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.DeviceOffline, d.Status)
	assert.Equal(t, 0, d.ActiveTaskCount)
	assert.Nil(t, d.ConnectionHandler)
}

func TestRestoreOfflineDoesNotOverwriteAlreadyKnownDevice(t *testing.T) {
	r := New(nil)
	r.Register(baseInfo("w1"), &fakeDispatcher{})

	r.RestoreOffline(types.Device{DeviceID: "w1", Status: types.DeviceOffline})

	d, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.DeviceOnline, d.Status)
}

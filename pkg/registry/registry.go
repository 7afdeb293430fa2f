// Package registry implements the coordinator's authoritative map of known
// devices: registration, liveness touches, detachment, forced removal, and
// the eligibility queries the scheduler needs.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/4ier/retire-cluster/pkg/events"
	"github.com/4ier/retire-cluster/pkg/metrics"
	"github.com/4ier/retire-cluster/pkg/types"
)

// RegisterInfo is what a connection handler extracts from a register
// message before handing it to the registry.
type RegisterInfo struct {
	DeviceID           string
	Role               string
	Platform           types.Platform
	Architecture       string
	RuntimeVersion     string
	Capabilities       types.Capabilities
	Address            string
	MaxConcurrentTasks int
}

// Registry is the keyed collection from device_id to Device. All exported
// operations are safe for concurrent use; compound operations (register,
// detach, remove, find_eligible) are atomic with respect to each other and
// to touch.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*types.Device
	events  *events.Broker
}

// New creates an empty registry. broker may be nil if no consumer needs
// lifecycle notifications.
func New(broker *events.Broker) *Registry {
	return &Registry{
		devices: make(map[string]*types.Device),
		events:  broker,
	}
}

func (r *Registry) publish(t events.EventType, msg string, meta map[string]string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}

// Register records a new or returning device. If the device is known and
// currently online under a different handler, the prior handler is closed
// so that at most one live connection per device_id ever exists.
func (r *Registry) Register(info RegisterInfo, handler types.Dispatcher) (types.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing, known := r.devices[info.DeviceID]

	if !known {
		d := &types.Device{
			DeviceID:          info.DeviceID,
			Role:              info.Role,
			Platform:          info.Platform,
			Architecture:      info.Architecture,
			RuntimeVersion:    info.RuntimeVersion,
			Capabilities:      info.Capabilities,
			Address:           info.Address,
			Status:            types.DeviceOnline,
			LastSeen:          now,
			MaxConcurrent:     info.MaxConcurrentTasks,
			RegisteredAt:      now,
			ConnectionHandler: handler,
		}
		r.devices[info.DeviceID] = d
		metrics.DevicesTotal.WithLabelValues(d.Role, string(types.DeviceOnline)).Inc()
		r.publish(events.EventDeviceRegistered, "device "+info.DeviceID+" registered", map[string]string{"device_id": info.DeviceID})
		return d.Snapshot(), true
	}

	if existing.Status == types.DeviceOnline && existing.ConnectionHandler != nil && existing.ConnectionHandler != handler {
		// A device_id collision means the newest registration wins; the
		// prior socket is marked for close.
		stale := existing.ConnectionHandler
		go stale.Close()
	} else if existing.Status == types.DeviceOffline {
		metrics.DevicesTotal.WithLabelValues(existing.Role, string(types.DeviceOffline)).Dec()
		metrics.DevicesTotal.WithLabelValues(info.Role, string(types.DeviceOnline)).Inc()
	}

	existing.Role = info.Role
	existing.Platform = info.Platform
	existing.Architecture = info.Architecture
	existing.RuntimeVersion = info.RuntimeVersion
	existing.Capabilities = info.Capabilities
	existing.Address = info.Address
	existing.MaxConcurrent = info.MaxConcurrentTasks
	existing.Status = types.DeviceOnline
	existing.LastSeen = now
	existing.ConnectionHandler = handler

	r.publish(events.EventDeviceRegistered, "device "+info.DeviceID+" re-registered", map[string]string{"device_id": info.DeviceID})
	return existing.Snapshot(), false
}

// RestoreOffline seeds the registry with a device loaded from persisted
// state at startup. Per the documented restart semantics, no connection
// handler and no task state survives a restart, so the device is always
// inserted offline regardless of what its persisted Status was.
func (r *Registry) RestoreOffline(d types.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.devices[d.DeviceID]; known {
		return
	}
	d.Status = types.DeviceOffline
	d.ActiveTaskCount = 0
	d.ConnectionHandler = nil
	r.devices[d.DeviceID] = &d
	metrics.DevicesTotal.WithLabelValues(d.Role, string(types.DeviceOffline)).Inc()
}

// Touch updates last_seen and rolling metrics from an inbound heartbeat or
// any other message carrying liveness information.
func (r *Registry) Touch(deviceID string, cpuPercent, memoryPercent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.LastSeen = time.Now()
	d.CPUPercent = cpuPercent
	d.MemoryPercent = memoryPercent
}

// TouchLiveness updates only last_seen, for messages (status_query,
// task_result) that carry no metrics payload.
func (r *Registry) TouchLiveness(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.LastSeen = time.Now()
	}
}

// Detach clears a device's handler and marks it offline, but only if
// handler is still the currently attached one: a detach racing a newer
// Register for the same device must not undo the newer registration.
func (r *Registry) Detach(deviceID string, handler types.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.ConnectionHandler != handler {
		return
	}
	d.Status = types.DeviceOffline
	d.ConnectionHandler = nil
	metrics.DevicesTotal.WithLabelValues(d.Role, string(types.DeviceOnline)).Dec()
	metrics.DevicesTotal.WithLabelValues(d.Role, string(types.DeviceOffline)).Inc()
	r.publish(events.EventDeviceOffline, "device "+deviceID+" went offline", map[string]string{"device_id": deviceID})
}

// MarkOfflineIfStale is used by the heartbeat monitor: it marks the device
// offline if it is still online and its last_seen is still at least
// threshold old, both checked under the same lock the sweep's snapshot
// read released, so a heartbeat landing between snapshot and transition
// cannot be clobbered. No handler-identity check is made (unlike Detach),
// since the sweep is the authoritative transitioner in this direction.
// Returns whether a transition actually occurred.
func (r *Registry) MarkOfflineIfStale(deviceID string, threshold time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok || d.Status != types.DeviceOnline || time.Since(d.LastSeen) < threshold {
		return false
	}
	if d.ConnectionHandler != nil {
		h := d.ConnectionHandler
		go h.Close()
	}
	d.Status = types.DeviceOffline
	d.ConnectionHandler = nil
	metrics.DevicesTotal.WithLabelValues(d.Role, string(types.DeviceOnline)).Dec()
	metrics.DevicesTotal.WithLabelValues(d.Role, string(types.DeviceOffline)).Inc()
	metrics.DeviceTimeoutsTotal.Inc()
	r.publish(events.EventDeviceOffline, "device "+deviceID+" timed out", map[string]string{"device_id": deviceID})
	return true
}

// Remove forcibly drops a device, online or not. It does not itself know
// which tasks were in flight; callers (the coordinator) consult the
// scheduler for that before or after removal.
func (r *Registry) Remove(deviceID string) (types.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return types.Device{}, false
	}
	if d.ConnectionHandler != nil {
		h := d.ConnectionHandler
		go h.Close()
	}
	delete(r.devices, deviceID)
	metrics.DevicesTotal.WithLabelValues(d.Role, string(d.Status)).Dec()
	r.publish(events.EventDeviceRemoved, "device "+deviceID+" removed", map[string]string{"device_id": deviceID})
	return d.Snapshot(), true
}

// AdjustActiveTaskCount applies delta to a device's active_task_count,
// clamped at zero. It is the scheduler's sole means of mutating this
// field: the registry lock guards it, the scheduler decides when.
func (r *Registry) AdjustActiveTaskCount(deviceID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.ActiveTaskCount += delta
	if d.ActiveTaskCount < 0 {
		d.ActiveTaskCount = 0
	}
	metrics.DeviceActiveTasks.WithLabelValues(deviceID).Set(float64(d.ActiveTaskCount))
}

// Filter narrows Snapshot/FindEligible queries.
type Filter struct {
	Status   types.DeviceStatus
	Role     string
	Platform types.Platform
	HasTag   string
}

func (f Filter) matches(d *types.Device) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Role != "" && d.Role != f.Role {
		return false
	}
	if f.Platform != "" && d.Platform != f.Platform {
		return false
	}
	if f.HasTag != "" && !d.Capabilities.Tags[f.HasTag] {
		return false
	}
	return true
}

// Snapshot returns a copy-on-read list of devices matching filter, sorted
// by device_id for deterministic output.
func (r *Registry) Snapshot(filter Filter) []types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if filter.matches(d) {
			out = append(out, d.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Get returns a single device snapshot.
func (r *Registry) Get(deviceID string) (types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return types.Device{}, false
	}
	return d.Snapshot(), true
}

// handlerOf returns the live connection handler for a device, used
// internally by the scheduler package's dispatcher lookup.
func (r *Registry) handlerOf(deviceID string) (types.Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok || d.Status != types.DeviceOnline || d.ConnectionHandler == nil {
		return nil, false
	}
	return d.ConnectionHandler, true
}

// Dispatcher returns the current connection handler for an online device,
// or nil if the device is unknown or offline. Exported for the scheduler.
func (r *Registry) Dispatcher(deviceID string) (types.Dispatcher, bool) {
	return r.handlerOf(deviceID)
}

// Eligible is a candidate returned by FindEligible: enough of the device's
// state for the scheduler to rank it without a second registry round-trip.
type Eligible struct {
	Device types.Device
}

// FindEligible returns all online devices whose capabilities satisfy reqs
// and who advertise support for taskType.
func (r *Registry) FindEligible(taskType string, reqs types.TaskRequirements) []Eligible {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Eligible
	for _, d := range r.devices {
		if !eligible(d, taskType, reqs) {
			continue
		}
		out = append(out, Eligible{Device: d.Snapshot()})
	}
	return out
}

// IsEligible reports whether a single device (looked up fresh) satisfies
// reqs for taskType; used when re-checking a preferred device.
func (r *Registry) IsEligible(deviceID, taskType string, reqs types.TaskRequirements) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	return eligible(d, taskType, reqs)
}

func eligible(d *types.Device, taskType string, reqs types.TaskRequirements) bool {
	if d.Status != types.DeviceOnline {
		return false
	}
	c := d.Capabilities
	if c.CPUCores < reqs.MinCPUCores || c.MemoryGB < reqs.MinMemoryGB || c.StorageGB < reqs.MinStorageGB {
		return false
	}
	if reqs.RequiredPlatform != "" && reqs.RequiredPlatform != d.Platform {
		return false
	}
	if reqs.RequiredRole != "" && reqs.RequiredRole != d.Role {
		return false
	}
	if !c.HasAllTags(reqs.RequiredTags) {
		return false
	}
	if reqs.GPURequired && !c.HasGPU {
		return false
	}
	if reqs.InternetRequired && !c.HasInternet {
		return false
	}
	if taskType != "" && !c.SupportedTask[taskType] {
		return false
	}
	if d.MaxConcurrent > 0 && d.ActiveTaskCount >= d.MaxConcurrent {
		return false
	}
	return true
}

// Count returns the number of known devices, for diagnostics/logging.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

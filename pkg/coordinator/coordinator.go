// Package coordinator is the composition root: it wires the registry,
// queue, scheduler, result store, persistence, heartbeat monitor, and
// worker-facing listener together and exposes the Go-level API boundary
// an external HTTP layer would call into.
package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/4ier/retire-cluster/pkg/config"
	"github.com/4ier/retire-cluster/pkg/connection"
	"github.com/4ier/retire-cluster/pkg/events"
	"github.com/4ier/retire-cluster/pkg/heartbeat"
	"github.com/4ier/retire-cluster/pkg/metrics"
	"github.com/4ier/retire-cluster/pkg/queue"
	"github.com/4ier/retire-cluster/pkg/registry"
	"github.com/4ier/retire-cluster/pkg/resultstore"
	"github.com/4ier/retire-cluster/pkg/scheduler"
	"github.com/4ier/retire-cluster/pkg/storage"
	"github.com/4ier/retire-cluster/pkg/types"
)

// ErrUnknownTask is returned by get_task for a task_id the coordinator
// has never seen or has since forgotten (evicted from the result store's
// retention window). cancel_task reports the same case as false.
var ErrUnknownTask = errors.New("unknown_task")

// ErrUnknownDevice is returned by remove_device for an unregistered
// device_id.
var ErrUnknownDevice = errors.New("unknown_device")

// Coordinator is the assembled core. It holds no network listener state
// of its own beyond the connection.Listener it constructs.
type Coordinator struct {
	cfg    config.Config
	logger zerolog.Logger

	store    storage.Store
	broker   *events.Broker
	registry *registry.Registry
	queue    *queue.Queue
	results  *resultstore.Store
	sched    *scheduler.Scheduler
	hb       *heartbeat.Monitor
	listener *connection.Listener

	eventLogSub  events.Subscriber
	snapshotStop chan struct{}
}

// New assembles every component but starts nothing.
func New(cfg config.Config, logger zerolog.Logger) (*Coordinator, error) {
	store, err := storage.NewBoltStore(cfg.Storage.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	broker := events.NewBroker()
	reg := registry.New(broker)
	q := queue.New(cfg.Scheduler.QueueCapacity, broker)
	results := resultstore.New(cfg.Results.RetentionCount, cfg.Results.RetentionDuration())
	sched := scheduler.New(reg, q, results, broker, logger.With().Str("component", "scheduler").Logger())
	hb := heartbeat.New(reg, sched, cfg.Heartbeat, logger.With().Str("component", "heartbeat").Logger())
	listener := connection.New(cfg.Server, reg, sched, logger.With().Str("component", "connection").Logger())

	return &Coordinator{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		broker:   broker,
		registry: reg,
		queue:    q,
		results:  results,
		sched:    sched,
		hb:       hb,
		listener: listener,
	}, nil
}

// Start restores the persisted device snapshot (every restored device
// comes back offline, no task state is ever resumed), then launches the
// scheduler, heartbeat sweeps, the event-log consumer, the periodic
// snapshot writer, and the worker-facing TCP listener.
func (c *Coordinator) Start() error {
	restored, err := c.store.LoadDeviceSnapshot()
	if err != nil {
		return fmt.Errorf("restoring device snapshot: %w", err)
	}
	for _, d := range restored {
		c.registry.RestoreOffline(d)
	}
	c.logger.Info().Int("restored_devices", len(restored)).Msg("device snapshot restored, all devices offline until reconnect")

	c.broker.Start()
	c.sched.Start()
	c.hb.Start()

	c.eventLogSub = c.broker.Subscribe()
	go c.runEventLog()

	c.snapshotStop = make(chan struct{})
	go c.runSnapshotLoop()

	go func() {
		if err := c.listener.Serve(); err != nil {
			c.logger.Error().Err(err).Msg("worker listener stopped")
		}
	}()

	return nil
}

// Shutdown stops accepting connections, halts the scheduler and heartbeat
// timers, flushes a final device snapshot, and closes the store.
func (c *Coordinator) Shutdown() error {
	c.listener.Stop()
	c.hb.Stop()
	c.sched.Stop()

	close(c.snapshotStop)
	c.broker.Unsubscribe(c.eventLogSub)
	c.broker.Stop()

	if err := c.flushSnapshot(); err != nil {
		c.logger.Error().Err(err).Msg("final device snapshot flush failed")
	}
	return c.store.Close()
}

func (c *Coordinator) runSnapshotLoop() {
	interval := c.cfg.Storage.SnapshotInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.flushSnapshot(); err != nil {
				c.logger.Error().Err(err).Msg("periodic device snapshot flush failed")
			}
		case <-c.snapshotStop:
			return
		}
	}
}

func (c *Coordinator) flushSnapshot() error {
	err := c.store.SaveDeviceSnapshot(c.registry.Snapshot(registry.Filter{}))
	if err != nil {
		metrics.UpdateComponent("storage", false, err.Error())
	} else {
		metrics.UpdateComponent("storage", true, "")
	}
	return err
}

// runEventLog translates lifecycle events into the append-only task event
// log. A persistence failure here is logged and does not affect the
// in-memory operation it describes: the event has already happened.
func (c *Coordinator) runEventLog() {
	for evt := range c.eventLogSub {
		kind, ok := taskEventKind(evt.Type)
		if !ok {
			continue
		}
		taskID := evt.Metadata["task_id"]
		if taskID == "" {
			continue
		}
		err := c.store.AppendTaskEvent(storage.TaskEvent{
			TaskID:    taskID,
			Kind:      kind,
			Timestamp: evt.Timestamp.Unix(),
		})
		if err != nil {
			c.logger.Error().Err(err).Str("task_id", taskID).Msg("persistence_failure: task event not logged")
		}
	}
}

func taskEventKind(t events.EventType) (storage.TaskEventKind, bool) {
	switch t {
	case events.EventTaskQueued:
		return storage.TaskEventSubmitted, true
	case events.EventTaskAssigned:
		return storage.TaskEventDispatched, true
	case events.EventTaskSucceeded, events.EventTaskFailed, events.EventTaskCancelled, events.EventTaskTimedOut:
		return storage.TaskEventCompleted, true
	default:
		return "", false
	}
}

// TaskSpec is the caller-supplied shape of submit_task, before the
// coordinator fills in identity and scheduling defaults.
type TaskSpec struct {
	TaskType       string
	Payload        interface{}
	Priority       types.Priority
	Requirements   types.TaskRequirements
	TimeoutSeconds int
	MaxAttempts    int
}

// SubmitTask enqueues a new task, applying the scheduler's configured
// defaults for any field the caller left zero. It returns queue.ErrQueueFull
// unchanged when the queue is at capacity.
func (c *Coordinator) SubmitTask(spec TaskSpec) (string, error) {
	priority := spec.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	timeout := spec.TimeoutSeconds
	if timeout <= 0 {
		timeout = c.cfg.Scheduler.DefaultTaskTimeoutSeconds
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.Scheduler.DefaultMaxRetries + 1
	}

	task := &types.Task{
		TaskID:         uuid.NewString(),
		TaskType:       spec.TaskType,
		Payload:        spec.Payload,
		Priority:       priority,
		Requirements:   spec.Requirements,
		State:          types.TaskPending,
		MaxAttempts:    maxAttempts,
		TimeoutSeconds: timeout,
		CreatedAt:      time.Now(),
	}

	if err := c.queue.Enqueue(task); err != nil {
		return "", err
	}
	c.sched.Notify()
	return task.TaskID, nil
}

// CancelTask requests cancellation of a queued or in-flight task. It
// reports whether the task was still queued or in flight (false for an
// unknown or already terminal task), not whether cancellation has taken
// effect yet (an in-flight cancellation is cooperative).
func (c *Coordinator) CancelTask(taskID string) bool {
	return c.sched.CancelTask(taskID)
}

// GetTask resolves a task's current state wherever it lives: still
// queued, in flight, or holding a terminal result. Absence across all
// three is reported as ErrUnknownTask.
func (c *Coordinator) GetTask(taskID string) (types.Task, error) {
	if t, ok := c.queue.Get(taskID); ok {
		return t, nil
	}
	if t, ok := c.sched.GetInFlight(taskID); ok {
		return t, nil
	}
	if t, ok := c.results.Get(taskID); ok {
		return t, nil
	}
	return types.Task{}, ErrUnknownTask
}

// DeviceFilter narrows list_devices.
type DeviceFilter struct {
	Status   types.DeviceStatus
	Role     string
	Platform types.Platform
	HasTag   string
}

// ListDevices returns every device matching filter, sorted by device_id.
func (c *Coordinator) ListDevices(filter DeviceFilter) []types.Device {
	return c.registry.Snapshot(registry.Filter{
		Status:   filter.Status,
		Role:     filter.Role,
		Platform: filter.Platform,
		HasTag:   filter.HasTag,
	})
}

// ClusterStats is the cluster_stats response: counts by status/role/
// platform, queue depth per priority band, and the in-flight task count.
type ClusterStats struct {
	DevicesByStatus   map[types.DeviceStatus]int
	DevicesByRole     map[string]int
	DevicesByPlatform map[types.Platform]int
	QueueDepthByBand  map[types.Priority]int
	QueueDepthTotal   int
	InFlightTasks     int
}

// ClusterStats aggregates current registry, queue, and scheduler state.
func (c *Coordinator) ClusterStats() ClusterStats {
	stats := ClusterStats{
		DevicesByStatus:   make(map[types.DeviceStatus]int),
		DevicesByRole:     make(map[string]int),
		DevicesByPlatform: make(map[types.Platform]int),
		QueueDepthByBand:  make(map[types.Priority]int),
	}
	for _, d := range c.registry.Snapshot(registry.Filter{}) {
		stats.DevicesByStatus[d.Status]++
		stats.DevicesByRole[d.Role]++
		stats.DevicesByPlatform[d.Platform]++
	}
	bandStats, total := c.queue.PeekStats()
	for _, b := range bandStats {
		stats.QueueDepthByBand[b.Priority] = b.Count
	}
	stats.QueueDepthTotal = total
	stats.InFlightTasks = c.sched.InFlightCount()
	return stats
}

// RemoveDeviceResult is remove_device's response.
type RemoveDeviceResult struct {
	Reassigned int
}

// RemoveDevice forcibly drops a device, reassigning whatever it had
// in flight before removing it from the registry: removal itself does
// not know which tasks were in flight, so the scheduler is consulted
// first.
func (c *Coordinator) RemoveDevice(deviceID string) (RemoveDeviceResult, error) {
	ids := c.sched.InFlightTaskIDsForDevice(deviceID)
	if len(ids) > 0 {
		c.sched.Reassign(ids, "device_removed")
	}

	if _, ok := c.registry.Remove(deviceID); !ok {
		return RemoveDeviceResult{}, ErrUnknownDevice
	}
	return RemoveDeviceResult{Reassigned: len(ids)}, nil
}

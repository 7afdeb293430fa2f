// Package scheduler matches queued tasks to eligible online devices,
// tracks in-flight work, and handles completion, timeout, and reassignment.
// It is the sole mutator of task state once a task leaves the queue.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/4ier/retire-cluster/pkg/events"
	"github.com/4ier/retire-cluster/pkg/log"
	"github.com/4ier/retire-cluster/pkg/metrics"
	"github.com/4ier/retire-cluster/pkg/protocol"
	"github.com/4ier/retire-cluster/pkg/queue"
	"github.com/4ier/retire-cluster/pkg/registry"
	"github.com/4ier/retire-cluster/pkg/resultstore"
	"github.com/4ier/retire-cluster/pkg/types"
)

// maxDispatchIterationsPerWake bounds a single dispatchLoop pass so a
// pathologically uncooperative device (one whose Send keeps failing)
// cannot spin the scheduler goroutine forever.
const maxDispatchIterationsPerWake = 1000

// Scheduler is the task subsystem's core: it owns every task from the
// moment it is dequeued until it reaches a terminal state.
type Scheduler struct {
	reg     *registry.Registry
	q       *queue.Queue
	results *resultstore.Store
	broker  *events.Broker
	logger  zerolog.Logger

	mu              sync.Mutex
	inFlight        map[string]*types.Task     // task_id -> task, state in {assigned, running}
	byDevice        map[string]map[string]bool // device_id -> set of in-flight task_ids
	typeInFlightOn  map[string]map[string]int  // device_id -> task_type -> count
	cancelRequested map[string]bool

	wakeCh chan struct{}
	stopCh chan struct{}
}

// New constructs a Scheduler over the given registry, queue, and result
// store. logger should already carry component="scheduler".
func New(reg *registry.Registry, q *queue.Queue, results *resultstore.Store, broker *events.Broker, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		reg:             reg,
		q:               q,
		results:         results,
		broker:          broker,
		logger:          logger,
		inFlight:        make(map[string]*types.Task),
		byDevice:        make(map[string]map[string]bool),
		typeInFlightOn:  make(map[string]map[string]int),
		cancelRequested: make(map[string]bool),
		wakeCh:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the scheduler's cooperative loop: it wakes on Notify()
// (enqueue, result, timeout, device_up, device_down) and on a fallback
// ticker so a missed notification never stalls dispatch indefinitely.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduler loop. In-flight bookkeeping is not persisted:
// per the declared restart semantics, in-flight tasks do not survive a
// coordinator restart.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Notify wakes the dispatch loop. Non-blocking: if a wake is already
// pending, this is a no-op. The loop drains the queue fully on its next
// pass regardless of how many notifications coalesced.
func (s *Scheduler) Notify() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.wakeCh:
			s.dispatchLoop()
		case <-ticker.C:
			s.dispatchLoop()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) dispatchLoop() {
	for i := 0; i < maxDispatchIterationsPerWake; i++ {
		if !s.dispatchOne() {
			return
		}
	}
}

// eligiblePredicate reports whether at least one online device currently
// satisfies task's requirements. The final device is chosen separately,
// after dequeue, by selectDevice.
func (s *Scheduler) eligiblePredicate(task *types.Task) bool {
	return len(s.reg.FindEligible(task.TaskType, task.Requirements)) > 0
}

// dispatchOne dequeues and dispatches a single task. It returns false only
// when no queued task currently has an eligible device: the fixed point
// that ends a dispatchLoop pass.
func (s *Scheduler) dispatchOne() bool {
	task := s.q.DequeueMatching(s.eligiblePredicate)
	if task == nil {
		return false
	}

	if task.Attempts >= task.MaxAttempts {
		// Defensive: a prior dispatch_failure already consumed the last
		// attempt budget. Finalize rather than dispatch again.
		s.finalize(task, types.TaskFailed, "failed", &types.ErrorInfo{
			Code:    "attempts_exhausted",
			Message: "no attempts remaining",
		})
		return true
	}

	eligible := s.reg.FindEligible(task.TaskType, task.Requirements)
	if len(eligible) == 0 {
		// Registry state moved between the predicate check and here
		// (e.g. the device just went offline). Put it back and let the
		// next wake re-evaluate; do not spin on this exact task.
		s.q.RequeueHead(task)
		return false
	}

	deviceID := s.selectDevice(task, eligible)
	s.dispatchToDevice(task, deviceID)
	return true
}

// selectDevice ranks eligible candidates: preferred_device_id wins
// outright if still eligible, otherwise lowest active_task_count first,
// same-task-type affinity as a tie-break, then highest headroom, then
// device_id for determinism.
func (s *Scheduler) selectDevice(task *types.Task, eligible []registry.Eligible) string {
	if task.Requirements.PreferredDeviceID != "" {
		for _, e := range eligible {
			if e.Device.DeviceID == task.Requirements.PreferredDeviceID {
				return e.Device.DeviceID
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	best := eligible[0]
	bestAffinity := s.hasTypeInFlightLocked(best.Device.DeviceID, task.TaskType)
	bestHeadroom := headroom(best.Device)

	for _, cand := range eligible[1:] {
		affinity := s.hasTypeInFlightLocked(cand.Device.DeviceID, task.TaskType)
		h := headroom(cand.Device)

		switch {
		case cand.Device.ActiveTaskCount < best.Device.ActiveTaskCount:
			best, bestAffinity, bestHeadroom = cand, affinity, h
		case cand.Device.ActiveTaskCount > best.Device.ActiveTaskCount:
			// worse, skip
		case affinity && !bestAffinity:
			best, bestAffinity, bestHeadroom = cand, affinity, h
		case affinity != bestAffinity:
			// best already has affinity, cand doesn't: skip
		case h > bestHeadroom:
			best, bestAffinity, bestHeadroom = cand, affinity, h
		case h == bestHeadroom && cand.Device.DeviceID < best.Device.DeviceID:
			best, bestAffinity, bestHeadroom = cand, affinity, h
		}
	}
	return best.Device.DeviceID
}

func (s *Scheduler) hasTypeInFlightLocked(deviceID, taskType string) bool {
	return s.typeInFlightOn[deviceID][taskType] > 0
}

// headroom approximates spare capacity: cpu cores minus current load
// (proxied by active task count) plus memory free after the device's
// self-reported utilization.
func headroom(d types.Device) float64 {
	load := float64(d.ActiveTaskCount)
	freeMemFrac := 1 - d.MemoryPercent/100
	if freeMemFrac < 0 {
		freeMemFrac = 0
	}
	return (float64(d.Capabilities.CPUCores) - load) + d.Capabilities.MemoryGB*freeMemFrac
}

// dispatchToDevice commits the queued→assigned transition. A posting
// failure reverts the active_task_count/assignment mutations but, per the
// documented "counts" policy on dispatch_failure, keeps the attempts
// increment, so a chronically unreachable device cannot cause unbounded
// redispatch of the same task.
func (s *Scheduler) dispatchToDevice(task *types.Task, deviceID string) {
	dispatcher, ok := s.reg.Dispatcher(deviceID)
	if !ok {
		task.Attempts++
		s.q.RequeueHead(task)
		return
	}

	timer := metrics.NewTimer()

	task.Attempts++
	task.AssignedDeviceID = deviceID
	task.DispatchedAt = time.Now()
	task.State = types.TaskAssigned
	s.reg.AdjustActiveTaskCount(deviceID, 1)

	err := dispatcher.Send(protocol.MsgTaskAssign, protocol.TaskAssignData{
		TaskID:         task.TaskID,
		TaskType:       task.TaskType,
		Payload:        task.Payload,
		TimeoutSeconds: task.TimeoutSeconds,
		Attempt:        task.Attempts,
	})
	if err != nil {
		s.reg.AdjustActiveTaskCount(deviceID, -1)
		task.AssignedDeviceID = ""
		task.DispatchedAt = time.Time{}
		s.q.RequeueHead(task)
		s.logger.Warn().Str("task_id", task.TaskID).Str("device_id", deviceID).Err(err).Msg("dispatch send failed, requeued")
		return
	}

	s.mu.Lock()
	s.inFlight[task.TaskID] = task
	if s.byDevice[deviceID] == nil {
		s.byDevice[deviceID] = make(map[string]bool)
	}
	s.byDevice[deviceID][task.TaskID] = true
	if s.typeInFlightOn[deviceID] == nil {
		s.typeInFlightOn[deviceID] = make(map[string]int)
	}
	s.typeInFlightOn[deviceID][task.TaskType]++
	s.mu.Unlock()

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.TasksDispatchedTotal.Inc()
	metrics.InFlightTasks.Inc()
	s.publish(events.EventTaskAssigned, task.TaskID, "task "+task.TaskID+" assigned to "+deviceID)
}

// releaseLocked removes task from in-flight bookkeeping. Caller holds s.mu.
func (s *Scheduler) releaseLocked(task *types.Task) {
	delete(s.inFlight, task.TaskID)
	delete(s.cancelRequested, task.TaskID)
	if task.AssignedDeviceID == "" {
		return
	}
	if set, ok := s.byDevice[task.AssignedDeviceID]; ok {
		delete(set, task.TaskID)
		if len(set) == 0 {
			delete(s.byDevice, task.AssignedDeviceID)
		}
	}
	if counts, ok := s.typeInFlightOn[task.AssignedDeviceID]; ok {
		counts[task.TaskType]--
		if counts[task.TaskType] <= 0 {
			delete(counts, task.TaskType)
		}
	}
}

// HandleResult processes a task_result message.
func (s *Scheduler) HandleResult(deviceID string, data protocol.TaskResultData) {
	s.mu.Lock()
	task, ok := s.inFlight[data.TaskID]
	if !ok || task.AssignedDeviceID != deviceID {
		s.mu.Unlock()
		s.logger.Warn().Str("task_id", data.TaskID).Str("device_id", deviceID).Msg("task_result for unknown or misattributed task, discarded")
		return
	}
	cancelled := s.cancelRequested[data.TaskID]
	s.releaseLocked(task)
	s.mu.Unlock()

	s.reg.AdjustActiveTaskCount(deviceID, -1)
	metrics.InFlightTasks.Dec()
	s.Notify()

	if cancelled {
		s.finalize(task, types.TaskCancelled, "cancelled", nil)
		return
	}

	if data.Status == "success" {
		task.Result = data.Result
		s.finalize(task, types.TaskSuccess, "", nil)
		return
	}

	var errInfo *types.ErrorInfo
	retryable := false
	if data.Error != nil {
		errInfo = &types.ErrorInfo{Code: data.Error.Code, Message: data.Error.Message, Retryable: data.Error.Retryable}
		retryable = data.Error.Retryable
	}
	s.failOrRetry(task, retryable, errInfo, "failed")
}

// failOrRetry implements the shared retry-budget check used by
// completion, timeout, and reassignment. A task is retried only while
// strictly fewer attempts have been made than max_attempts allows. Once
// attempts reaches max_attempts, the task is terminal.
func (s *Scheduler) failOrRetry(task *types.Task, retryable bool, errInfo *types.ErrorInfo, reason string) {
	if retryable && task.Attempts < task.MaxAttempts {
		task.AssignedDeviceID = ""
		task.DispatchedAt = time.Time{}
		task.Error = nil
		if err := s.q.Enqueue(task); err != nil {
			// Queue is full even for a retry: surface as terminal rather
			// than drop it silently.
			s.finalize(task, types.TaskFailed, "failed", errInfo)
			return
		}
		metrics.TasksRetriedTotal.Inc()
		s.publish(events.EventTaskRetried, task.TaskID, "task "+task.TaskID+" re-queued for retry")
		s.Notify()
		return
	}
	s.finalize(task, types.TaskFailed, reason, errInfo)
}

func (s *Scheduler) finalize(task *types.Task, state types.TaskState, reason string, errInfo *types.ErrorInfo) {
	task.State = state
	task.FailureReason = reason
	task.Error = errInfo
	task.FinishedAt = time.Now()
	s.results.Put(task.Snapshot())

	switch state {
	case types.TaskSuccess:
		metrics.TasksSucceededTotal.Inc()
		s.publish(events.EventTaskSucceeded, task.TaskID, "task "+task.TaskID+" succeeded")
	case types.TaskCancelled:
		s.publish(events.EventTaskCancelled, task.TaskID, "task "+task.TaskID+" cancelled")
	default:
		metrics.TasksFailedTotal.WithLabelValues(reason).Inc()
		s.publish(events.EventTaskFailed, task.TaskID, "task "+task.TaskID+" "+string(state))
	}
}

// Timeout processes the per-task timeout sweep's finding for taskID.
func (s *Scheduler) Timeout(taskID string) {
	s.mu.Lock()
	task, ok := s.inFlight[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	deviceID := task.AssignedDeviceID
	cancelled := s.cancelRequested[taskID]
	s.releaseLocked(task)
	s.mu.Unlock()

	tlog := log.WithTaskID(s.logger, taskID)
	tlog.Warn().Str("device_id", deviceID).Msg("task exceeded timeout_seconds")

	if deviceID != "" {
		s.reg.AdjustActiveTaskCount(deviceID, -1)
		if dispatcher, ok := s.reg.Dispatcher(deviceID); ok {
			_ = dispatcher.Send(protocol.MsgTaskCancel, protocol.TaskCancelData{TaskID: taskID, Reason: "timeout"})
		}
	}
	metrics.InFlightTasks.Dec()
	metrics.TaskTimeoutsTotal.Inc()

	if cancelled {
		tlog.Info().Msg("timed-out task was already cancel-requested, finalizing as cancelled")
		s.finalize(task, types.TaskCancelled, "cancelled", nil)
		return
	}
	s.failOrRetry(task, true, &types.ErrorInfo{Code: "timeout", Message: "task exceeded timeout_seconds", Retryable: true}, "timeout")
}

// Reassign handles tasks stranded by a lost device.
func (s *Scheduler) Reassign(taskIDs []string, reason string) {
	for _, id := range taskIDs {
		s.mu.Lock()
		task, ok := s.inFlight[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		deviceID := task.AssignedDeviceID
		s.releaseLocked(task)
		s.mu.Unlock()

		dlog := log.WithDeviceID(s.logger, deviceID)
		dlog.Warn().Str("task_id", id).Str("reason", reason).Msg("reassigning task stranded by lost device")

		s.reg.AdjustActiveTaskCount(deviceID, -1)
		metrics.InFlightTasks.Dec()
		s.failOrRetry(task, true, &types.ErrorInfo{Code: "device_lost", Message: "assigned device is no longer reachable", Retryable: true}, reason)
	}
}

// CancelTask removes a queued task immediately, or requests cooperative
// cancellation of an in-flight one (it becomes cancelled once the worker
// resolves it or its timeout sweep fires, whichever comes first).
func (s *Scheduler) CancelTask(taskID string) bool {
	if task := s.q.Cancel(taskID); task != nil {
		s.finalize(task, types.TaskCancelled, "cancelled", nil)
		return true
	}

	s.mu.Lock()
	task, ok := s.inFlight[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.cancelRequested[taskID] = true
	deviceID := task.AssignedDeviceID
	s.mu.Unlock()

	if dispatcher, ok := s.reg.Dispatcher(deviceID); ok {
		_ = dispatcher.Send(protocol.MsgTaskCancel, protocol.TaskCancelData{TaskID: taskID, Reason: "cancelled"})
	}
	return true
}

// InFlightTaskIDsForDevice returns the task ids currently assigned to
// deviceID, for the heartbeat monitor's device-loss handling.
func (s *Scheduler) InFlightTaskIDsForDevice(deviceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byDevice[deviceID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// TimedOutTaskIDs returns in-flight task ids whose timeout_seconds has
// elapsed since dispatch, for the timeout sweep.
func (s *Scheduler) TimedOutTaskIDs(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, task := range s.inFlight {
		if task.DispatchedAt.IsZero() {
			continue
		}
		deadline := task.DispatchedAt.Add(time.Duration(task.TimeoutSeconds) * time.Second)
		if now.After(deadline) {
			out = append(out, id)
		}
	}
	return out
}

// InFlightCount reports the number of assigned/running tasks, for
// cluster_stats.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// GetInFlight returns a snapshot of an in-flight task, if present. Used
// by get_task so queued/in-flight/terminal all resolve through one call.
func (s *Scheduler) GetInFlight(taskID string) (types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.inFlight[taskID]
	if !ok {
		return types.Task{}, false
	}
	return task.Snapshot(), true
}

func (s *Scheduler) publish(t events.EventType, taskID, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: map[string]string{"task_id": taskID}})
}

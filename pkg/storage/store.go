// Package storage persists the device registry snapshot and an
// append-only task event log so a restarted coordinator can rebuild its
// device roster without resuming in-flight task state.
package storage

import (
	"github.com/4ier/retire-cluster/pkg/types"
)

// TaskEventKind names the lifecycle point an event log entry records.
type TaskEventKind string

const (
	TaskEventSubmitted  TaskEventKind = "submitted"
	TaskEventDispatched TaskEventKind = "dispatched"
	TaskEventCompleted  TaskEventKind = "completed"
)

// TaskEvent is one append-only entry in the task event log, ordered by
// Sequence.
type TaskEvent struct {
	Sequence  uint64          `json:"sequence"`
	TaskID    string          `json:"task_id"`
	Kind      TaskEventKind   `json:"kind"`
	State     types.TaskState `json:"state"`
	DeviceID  string          `json:"device_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Store defines the coordinator's persistence boundary: the device
// registry snapshot and the task event log. It holds no scheduling logic
// of its own: in-flight task state never survives a restart, so only the
// device roster and a historical event trail are durable here.
type Store interface {
	// SaveDeviceSnapshot overwrites the persisted device roster.
	SaveDeviceSnapshot(devices []types.Device) error
	// LoadDeviceSnapshot returns the last persisted device roster.
	LoadDeviceSnapshot() ([]types.Device, error)

	// AppendTaskEvent appends one entry to the task event log, assigning
	// it the next sequence number.
	AppendTaskEvent(evt TaskEvent) error
	// TaskEvents returns every logged event with Sequence > since, in
	// ascending sequence order.
	TaskEvents(since uint64) ([]TaskEvent, error)

	Close() error
}

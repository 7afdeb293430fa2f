// Package types defines the data structures shared across the coordinator:
// devices, tasks, and the requirement set used to match them.
package types

import "time"

// Platform identifies a worker's operating system.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformAndroid Platform = "android"
	PlatformOther   Platform = "other"
)

// DeviceStatus is the liveness state of a registered device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Capabilities describes what a device brings to the cluster.
type Capabilities struct {
	CPUCores      int             `json:"cpu_cores"`
	MemoryGB      float64         `json:"memory_gb"`
	StorageGB     float64         `json:"storage_gb"`
	HasGPU        bool            `json:"has_gpu"`
	HasInternet   bool            `json:"has_internet"`
	Tags          map[string]bool `json:"tags"`
	SupportedTask map[string]bool `json:"supported_task_types"`
}

// HasAllTags reports whether the device advertises every tag in required.
func (c Capabilities) HasAllTags(required map[string]bool) bool {
	for t := range required {
		if !c.Tags[t] {
			return false
		}
	}
	return true
}

// Dispatcher is the connection-handler side of a registered device: the
// subset of the connection handler the registry and scheduler need without
// importing the connection package (which would create an import cycle).
type Dispatcher interface {
	// Send enqueues an outbound message for the device; it must not block
	// for longer than the handler's outbox policy allows.
	Send(messageType string, data interface{}) error
	// Close requests the underlying connection be torn down.
	Close()
	// RemoteAddr is the advisory remote endpoint, used for Device.Address.
	RemoteAddr() string
}

// Device is a worker node known to the coordinator.
type Device struct {
	DeviceID          string       `json:"device_id"`
	Role              string       `json:"role"`
	Platform          Platform     `json:"platform"`
	Architecture      string       `json:"architecture"`
	RuntimeVersion    string       `json:"runtime_version"`
	Capabilities      Capabilities `json:"capabilities"`
	Address           string       `json:"address"`
	Status            DeviceStatus `json:"status"`
	LastSeen          time.Time    `json:"last_seen"`
	ActiveTaskCount   int          `json:"active_task_count"`
	MaxConcurrent     int          `json:"max_concurrent_tasks"`
	CPUPercent        float64      `json:"cpu_percent"`
	MemoryPercent     float64      `json:"memory_percent"`
	RegisteredAt      time.Time    `json:"registered_at"`
	ConnectionHandler Dispatcher   `json:"-"`
}

// Snapshot returns a value copy of the device safe to hand to callers
// outside the registry's lock. ConnectionHandler is cleared: callers never
// need to reach back into a live connection through a snapshot.
func (d *Device) Snapshot() Device {
	cp := *d
	cp.ConnectionHandler = nil
	return cp
}

// Priority is the task's scheduling band.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders bands from most to least urgent, for comparisons.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// TaskState is a task's position in its lifecycle.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskQueued    TaskState = "queued"
	TaskAssigned  TaskState = "assigned"
	TaskRunning   TaskState = "running"
	TaskSuccess   TaskState = "success"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
	TaskTimeout   TaskState = "timeout"
)

// IsTerminal reports whether state has no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	default:
		return false
	}
}

// InFlight reports whether a task in this state is owned by the scheduler.
func (s TaskState) InFlight() bool {
	return s == TaskAssigned || s == TaskRunning
}

// TaskRequirements constrains which devices may run a task.
type TaskRequirements struct {
	MinCPUCores       int             `json:"min_cpu_cores"`
	MinMemoryGB       float64         `json:"min_memory_gb"`
	MinStorageGB      float64         `json:"min_storage_gb"`
	RequiredPlatform  Platform        `json:"required_platform,omitempty"`
	RequiredRole      string          `json:"required_role,omitempty"`
	RequiredTags      map[string]bool `json:"required_tags,omitempty"`
	GPURequired       bool            `json:"gpu_required"`
	InternetRequired  bool            `json:"internet_required"`
	PreferredDeviceID string          `json:"preferred_device_id,omitempty"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	MaxRetries        int             `json:"max_retries"`
}

// ErrorInfo is the structured error a worker reports on task failure.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Task is a single unit of dispatched work.
type Task struct {
	TaskID           string           `json:"task_id"`
	TaskType         string           `json:"task_type"`
	Payload          interface{}      `json:"payload"`
	Priority         Priority         `json:"priority"`
	Requirements     TaskRequirements `json:"requirements"`
	State            TaskState        `json:"state"`
	AssignedDeviceID string           `json:"assigned_device_id,omitempty"`
	Attempts         int              `json:"attempts"`
	MaxAttempts      int              `json:"max_attempts"`
	TimeoutSeconds   int              `json:"timeout_seconds"`
	CreatedAt        time.Time        `json:"created_at"`
	DispatchedAt     time.Time        `json:"dispatched_at,omitempty"`
	FinishedAt       time.Time        `json:"finished_at,omitempty"`
	Result           interface{}      `json:"result,omitempty"`
	Error            *ErrorInfo       `json:"error,omitempty"`
	FailureReason    string           `json:"failure_reason,omitempty"`
}

// Snapshot returns a value copy of the task safe to hand out of a locked
// section.
func (t *Task) Snapshot() Task {
	return *t
}

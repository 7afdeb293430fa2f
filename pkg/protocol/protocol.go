// Package protocol implements the length-prefixed JSON wire codec between
// the coordinator and worker devices, and the envelope/message payload
// schemas that ride on top of it.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Message types carried in Envelope.MessageType.
const (
	MsgRegister     = "register"
	MsgRegisterAck  = "register_ack"
	MsgHeartbeat    = "heartbeat"
	MsgHeartbeatAck = "heartbeat_ack"
	MsgTaskAssign   = "task_assign"
	MsgTaskResult   = "task_result"
	MsgTaskCancel   = "task_cancel"
	MsgStatusQuery  = "status_query"
	MsgStatusReply  = "status_reply"
	MsgError        = "error"
)

// DefaultMaxMessageBytes bounds a single frame's declared length. A worker
// that claims more is disconnected before any body bytes are read.
const DefaultMaxMessageBytes = 1 << 20 // 1 MiB

// Envelope is the outer shape of every message on the wire.
type Envelope struct {
	MessageType string          `json:"message_type"`
	SenderID    string          `json:"sender_id"`
	Timestamp   time.Time       `json:"timestamp"`
	MessageID   string          `json:"message_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// RegisterData is the payload of a register message.
type RegisterData struct {
	DeviceID            string   `json:"device_id"`
	Role                string   `json:"role"`
	Platform            string   `json:"platform"`
	Architecture        string   `json:"architecture"`
	RuntimeVersion      string   `json:"runtime_version"`
	Capabilities        CapsData `json:"capabilities"`
	SupportedTaskTypes  []string `json:"supported_task_types"`
	MaxConcurrentTasks  int      `json:"max_concurrent_tasks"`
}

// CapsData mirrors types.Capabilities on the wire.
type CapsData struct {
	CPUCores    int      `json:"cpu_cores"`
	MemoryGB    float64  `json:"memory_gb"`
	StorageGB   float64  `json:"storage_gb"`
	HasGPU      bool     `json:"has_gpu"`
	HasInternet bool     `json:"has_internet"`
	Tags        []string `json:"tags"`
}

// RegisterAckData is the coordinator's reply to register.
type RegisterAckData struct {
	Accepted         bool   `json:"accepted"`
	Reason           string `json:"reason,omitempty"`
	AssignedDeviceID string `json:"assigned_device_id"`
}

// HeartbeatData is the payload of a heartbeat message.
type HeartbeatData struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	ActiveTasks    int     `json:"active_tasks"`
	UptimeSeconds  int     `json:"uptime_seconds"`
}

// HeartbeatAckData is the coordinator's reply to heartbeat.
type HeartbeatAckData struct {
	ServerTime       time.Time `json:"server_time"`
	PendingTaskHint  int       `json:"pending_task_hint"`
}

// TaskAssignData dispatches a task to a device.
type TaskAssignData struct {
	TaskID         string      `json:"task_id"`
	TaskType       string      `json:"task_type"`
	Payload        interface{} `json:"payload"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	Attempt        int         `json:"attempt"`
}

// TaskResultError mirrors types.ErrorInfo on the wire.
type TaskResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TaskResultData is a worker's report of task completion.
type TaskResultData struct {
	TaskID               string           `json:"task_id"`
	Status               string           `json:"status"` // "success" | "failure"
	Result               interface{}      `json:"result,omitempty"`
	Error                *TaskResultError `json:"error,omitempty"`
	ExecutionTimeSeconds float64          `json:"execution_time_seconds"`
}

// TaskCancelData asks a worker to abandon a task.
type TaskCancelData struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// ErrorData is carried in a best-effort error frame sent to a misbehaving
// connection before it is closed.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ProtocolError reports a codec-level violation: an oversized, truncated,
// or malformed frame. It is always terminal for the connection that raised
// it, never for the process.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// Codec frames messages over a single connection-scoped reader/writer.
// It holds no synchronization of its own: exactly one goroutine reads and
// exactly one writes at a time, enforced by the connection handler that
// owns a Codec.
type Codec struct {
	r              *bufio.Reader
	w              WriteFlusher
	maxMessageSize int
}

// WriteFlusher is the minimal surface Codec needs from the outbound side
// of a connection (satisfied by *bufio.Writer or a net.Conn wrapped in one).
type WriteFlusher interface {
	Write(p []byte) (int, error)
	Flush() error
}

// NewCodec builds a codec bounded by maxMessageSize (0 selects the default).
func NewCodec(r *bufio.Reader, w WriteFlusher, maxMessageSize int) *Codec {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageBytes
	}
	return &Codec{r: r, w: w, maxMessageSize: maxMessageSize}
}

// ReadEnvelope blocks for the next frame, decoding its length prefix and
// JSON body. Any framing or decode failure returns a *ProtocolError.
func (c *Codec) ReadEnvelope() (*Envelope, error) {
	lengthLine, err := c.r.ReadString('\n')
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("reading length prefix: %v", err)}
	}
	lengthLine = strings.TrimRight(lengthLine, "\r\n")
	n, err := strconv.Atoi(lengthLine)
	if err != nil || n < 0 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid length prefix %q", lengthLine)}
	}
	if n > c.maxMessageSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds max %d", n, c.maxMessageSize)}
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("reading frame body: %v", err)}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("decoding envelope: %v", err)}
	}
	return &env, nil
}

// WriteEnvelope serializes and frames env, writing the length prefix and
// body in a single flush.
func (c *Codec) WriteEnvelope(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if len(body) > c.maxMessageSize {
		return &ProtocolError{Reason: fmt.Sprintf("outbound frame of %d bytes exceeds max %d", len(body), c.maxMessageSize)}
	}
	if _, err := fmt.Fprintf(c.w, "%d\n", len(body)); err != nil {
		return err
	}
	if _, err := c.w.Write(body); err != nil {
		return err
	}
	return c.w.Flush()
}

// BuildEnvelope wraps typed data into an Envelope ready for WriteEnvelope.
func BuildEnvelope(messageType, senderID, messageID string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", messageType, err)
	}
	return &Envelope{
		MessageType: messageType,
		SenderID:    senderID,
		Timestamp:   time.Now(),
		MessageID:   messageID,
		Data:        raw,
	}, nil
}

// DecodeData unmarshals an envelope's Data field into dst.
func DecodeData(env *Envelope, dst interface{}) error {
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("decoding %s data: %v", env.MessageType, err)}
	}
	return nil
}

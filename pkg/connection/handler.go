package connection

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/4ier/retire-cluster/pkg/config"
	"github.com/4ier/retire-cluster/pkg/metrics"
	"github.com/4ier/retire-cluster/pkg/protocol"
	"github.com/4ier/retire-cluster/pkg/registry"
	"github.com/4ier/retire-cluster/pkg/scheduler"
	"github.com/4ier/retire-cluster/pkg/types"
)

type handlerState string

const (
	stateAccepted   handlerState = "accepted"
	stateRegistered handlerState = "registered"
	stateClosed     handlerState = "closed"
)

// Handler owns one worker connection for its entire lifetime: the
// register handshake, the steady-state message loop, and teardown. It
// implements types.Dispatcher so the registry/scheduler can push
// messages back out without reaching into connection internals.
type Handler struct {
	conn    net.Conn
	codec   *protocol.Codec
	cfg     config.ServerConfig
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	logger  zerolog.Logger
	onClose func(*Handler)

	outbox chan *protocol.Envelope

	mu       sync.Mutex
	state    handlerState
	deviceID string

	closeOnce sync.Once
	stopCh    chan struct{}
}

func newHandler(conn net.Conn, cfg config.ServerConfig, reg *registry.Registry, sched *scheduler.Scheduler, logger zerolog.Logger, onClose func(*Handler)) *Handler {
	w := bufio.NewWriter(conn)
	highWater := cfg.OutboxHighWaterMark
	if highWater <= 0 {
		highWater = 64
	}
	return &Handler{
		conn:    conn,
		codec:   protocol.NewCodec(bufio.NewReader(conn), w, cfg.MaxMessageBytes),
		cfg:     cfg,
		reg:     reg,
		sched:   sched,
		logger:  logger,
		onClose: onClose,
		outbox:  make(chan *protocol.Envelope, highWater),
		state:   stateAccepted,
		stopCh:  make(chan struct{}),
	}
}

// run drives the handshake then the steady-state loop. It always ends by
// tearing the connection down and, if registration succeeded, detaching
// from the registry.
func (h *Handler) run() {
	go h.writeLoop()

	defer h.teardown()

	if !h.handshake() {
		return
	}

	h.messageLoop()
}

// handshake enforces the ACCEPTED→REGISTERED transition: the first frame
// must be a register message within handshake_timeout_seconds.
func (h *Handler) handshake() bool {
	timeout := time.Duration(h.cfg.HandshakeTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h.conn.SetReadDeadline(time.Now().Add(timeout))

	env, err := h.codec.ReadEnvelope()
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("handshake_timeout_or_protocol_error").Inc()
		return false
	}
	if env.MessageType != protocol.MsgRegister {
		metrics.ConnectionsRejected.WithLabelValues("expected_register").Inc()
		h.sendError("protocol_error", "first message must be register")
		return false
	}

	var data protocol.RegisterData
	if err := protocol.DecodeData(env, &data); err != nil {
		metrics.ConnectionsRejected.WithLabelValues("malformed_register").Inc()
		h.sendError("protocol_error", "malformed register payload")
		return false
	}
	if data.DeviceID == "" {
		metrics.ConnectionsRejected.WithLabelValues("missing_device_id").Inc()
		h.sendError("protocol_error", "device_id is required")
		return false
	}

	h.conn.SetReadDeadline(time.Time{})

	info := registry.RegisterInfo{
		DeviceID:           data.DeviceID,
		Role:               data.Role,
		Platform:           types.Platform(data.Platform),
		Architecture:       data.Architecture,
		RuntimeVersion:     data.RuntimeVersion,
		Capabilities:       capsFromWire(data),
		Address:            h.RemoteAddr(),
		MaxConcurrentTasks: data.MaxConcurrentTasks,
	}
	h.reg.Register(info, h)

	h.mu.Lock()
	h.state = stateRegistered
	h.deviceID = data.DeviceID
	h.mu.Unlock()

	h.Send(protocol.MsgRegisterAck, protocol.RegisterAckData{Accepted: true, AssignedDeviceID: data.DeviceID})
	h.sched.Notify()
	return true
}

func capsFromWire(data protocol.RegisterData) types.Capabilities {
	tags := make(map[string]bool, len(data.Capabilities.Tags))
	for _, t := range data.Capabilities.Tags {
		tags[t] = true
	}
	supported := make(map[string]bool, len(data.SupportedTaskTypes))
	for _, t := range data.SupportedTaskTypes {
		supported[t] = true
	}
	return types.Capabilities{
		CPUCores:      data.Capabilities.CPUCores,
		MemoryGB:      data.Capabilities.MemoryGB,
		StorageGB:     data.Capabilities.StorageGB,
		HasGPU:        data.Capabilities.HasGPU,
		HasInternet:   data.Capabilities.HasInternet,
		Tags:          tags,
		SupportedTask: supported,
	}
}

// messageLoop reads frames until the connection fails or is closed,
// dispatching each to its handler by message_type.
func (h *Handler) messageLoop() {
	for {
		env, err := h.codec.ReadEnvelope()
		if err != nil {
			return
		}
		h.handleMessage(env)
	}
}

func (h *Handler) handleMessage(env *protocol.Envelope) {
	deviceID := h.deviceIDLocked()

	switch env.MessageType {
	case protocol.MsgHeartbeat:
		var data protocol.HeartbeatData
		if err := protocol.DecodeData(env, &data); err != nil {
			metrics.ProtocolErrorsTotal.WithLabelValues(env.MessageType).Inc()
			h.Close()
			return
		}
		h.reg.Touch(deviceID, data.CPUPercent, data.MemoryPercent)
		h.Send(protocol.MsgHeartbeatAck, protocol.HeartbeatAckData{ServerTime: time.Now()})

	case protocol.MsgTaskResult:
		var data protocol.TaskResultData
		if err := protocol.DecodeData(env, &data); err != nil {
			metrics.ProtocolErrorsTotal.WithLabelValues(env.MessageType).Inc()
			h.Close()
			return
		}
		h.reg.TouchLiveness(deviceID)
		h.sched.HandleResult(deviceID, data)

	case protocol.MsgStatusQuery:
		h.reg.TouchLiveness(deviceID)
		d, _ := h.reg.Get(deviceID)
		h.Send(protocol.MsgStatusReply, d)

	default:
		metrics.ProtocolErrorsTotal.WithLabelValues(env.MessageType).Inc()
		h.logger.Warn().Str("device_id", deviceID).Str("message_type", env.MessageType).Msg("unrecognized message type, ignored")
	}
}

func (h *Handler) deviceIDLocked() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceID
}

// writeLoop is the connection's single writer goroutine; the codec is
// not safe for concurrent writes, so every outbound frame after the
// handshake flows through this channel. Handshake error frames are
// written directly by sendError, before anything can be queued here.
func (h *Handler) writeLoop() {
	for {
		select {
		case env, ok := <-h.outbox:
			if !ok {
				return
			}
			if err := h.codec.WriteEnvelope(env); err != nil {
				h.Close()
				return
			}
		case <-h.stopCh:
			return
		}
	}
}

// Send implements types.Dispatcher. A full outbox means the worker isn't
// draining fast enough; per the documented policy the connection is
// dropped rather than let the queue grow unbounded.
func (h *Handler) Send(messageType string, data interface{}) error {
	env, err := protocol.BuildEnvelope(messageType, "coordinator", uuid.NewString(), data)
	if err != nil {
		return err
	}
	select {
	case h.outbox <- env:
		return nil
	default:
		metrics.ConnectionsRejected.WithLabelValues("outbox_full").Inc()
		h.Close()
		return &protocol.ProtocolError{Reason: "outbox full"}
	}
}

// Close implements types.Dispatcher: it requests teardown and is safe to
// call multiple times or concurrently.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.stopCh)
		h.conn.Close()
	})
}

// RemoteAddr implements types.Dispatcher.
func (h *Handler) RemoteAddr() string {
	return h.conn.RemoteAddr().String()
}

func (h *Handler) sendError(code, message string) {
	env, err := protocol.BuildEnvelope(protocol.MsgError, "coordinator", uuid.NewString(), protocol.ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = h.codec.WriteEnvelope(env)
}

func (h *Handler) teardown() {
	h.mu.Lock()
	deviceID := h.deviceID
	wasRegistered := h.state == stateRegistered
	h.state = stateClosed
	h.mu.Unlock()

	h.Close()
	if wasRegistered {
		h.reg.Detach(deviceID, h)

		ids := h.sched.InFlightTaskIDsForDevice(deviceID)
		if len(ids) > 0 {
			h.sched.Reassign(ids, "connection_closed")
		}
	}
	if h.onClose != nil {
		h.onClose(h)
	}
}

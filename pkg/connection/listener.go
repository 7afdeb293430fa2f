// Package connection owns the worker-facing TCP surface: accepting
// sockets, running each one's ACCEPTED→REGISTERED→CLOSED handshake and
// message loop, and exposing registered devices as types.Dispatcher so
// the registry and scheduler can address them without importing this
// package back.
package connection

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/4ier/retire-cluster/pkg/config"
	"github.com/4ier/retire-cluster/pkg/metrics"
	"github.com/4ier/retire-cluster/pkg/registry"
	"github.com/4ier/retire-cluster/pkg/scheduler"
)

// Listener accepts worker connections and spawns a Handler goroutine for
// each, bounded by cfg.MaxConnections.
type Listener struct {
	cfg    config.ServerConfig
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	logger zerolog.Logger

	ln net.Listener

	mu       sync.Mutex
	handlers map[*Handler]bool
	open     int64

	stopCh chan struct{}
}

// New builds a Listener. logger should already carry component="connection".
func New(cfg config.ServerConfig, reg *registry.Registry, sched *scheduler.Scheduler, logger zerolog.Logger) *Listener {
	return &Listener{
		cfg:      cfg,
		reg:      reg,
		sched:    sched,
		logger:   logger,
		handlers: make(map[*Handler]bool),
		stopCh:   make(chan struct{}),
	}
}

// Serve binds the configured address and blocks accepting connections
// until Stop is called.
func (l *Listener) Serve() error {
	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.logger.Info().Str("addr", addr).Msg("listening for worker connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return nil
			default:
				l.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}

		if atomic.LoadInt64(&l.open) >= int64(l.cfg.MaxConnections) {
			metrics.ConnectionsRejected.WithLabelValues("max_connections").Inc()
			conn.Close()
			continue
		}

		h := newHandler(conn, l.cfg, l.reg, l.sched, l.logger, l.onClosed)
		l.mu.Lock()
		l.handlers[h] = true
		l.mu.Unlock()
		atomic.AddInt64(&l.open, 1)
		metrics.ConnectionsOpen.Inc()

		go h.run()
	}
}

func (l *Listener) onClosed(h *Handler) {
	l.mu.Lock()
	delete(l.handlers, h)
	l.mu.Unlock()
	atomic.AddInt64(&l.open, -1)
	metrics.ConnectionsOpen.Dec()
}

// Stop closes the listening socket and every open connection.
func (l *Listener) Stop() {
	close(l.stopCh)
	if l.ln != nil {
		l.ln.Close()
	}
	l.mu.Lock()
	handlers := make([]*Handler, 0, len(l.handlers))
	for h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h.Close()
	}
}

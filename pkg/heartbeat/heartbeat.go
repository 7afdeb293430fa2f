// Package heartbeat runs the two periodic sweeps that keep the registry
// and scheduler honest about liveness: marking silent devices offline
// and reclaiming tasks whose timeout_seconds has elapsed.
package heartbeat

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/4ier/retire-cluster/pkg/config"
	"github.com/4ier/retire-cluster/pkg/registry"
	"github.com/4ier/retire-cluster/pkg/scheduler"
	"github.com/4ier/retire-cluster/pkg/types"
)

// Monitor owns the offline sweep and the timeout sweep, each on its own
// ticker, per the configured intervals.
type Monitor struct {
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	cfg    config.HeartbeatConfig
	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds a Monitor. logger should already carry component="heartbeat".
func New(reg *registry.Registry, sched *scheduler.Scheduler, cfg config.HeartbeatConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		reg:    reg,
		sched:  sched,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches both sweep loops.
func (m *Monitor) Start() {
	go m.offlineSweepLoop()
	go m.timeoutSweepLoop()
}

// Stop halts both loops.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) offlineSweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOffline()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) timeoutSweepLoop() {
	ticker := time.NewTicker(m.cfg.TimeoutSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepTimeouts()
		case <-m.stopCh:
			return
		}
	}
}

// sweepOffline transitions any online device whose last_seen is older
// than offline_threshold_seconds, and hands its in-flight tasks to the
// scheduler for reassignment. The snapshot here only picks candidates to
// check; the actual offline transition re-validates last_seen under the
// registry lock, so a heartbeat arriving between snapshot and transition
// cannot get a live device marked offline.
func (m *Monitor) sweepOffline() {
	threshold := m.cfg.OfflineThreshold()
	now := time.Now()

	for _, d := range m.reg.Snapshot(registry.Filter{Status: types.DeviceOnline}) {
		if now.Sub(d.LastSeen) < threshold {
			continue
		}
		if !m.reg.MarkOfflineIfStale(d.DeviceID, threshold) {
			continue
		}
		m.logger.Warn().Str("device_id", d.DeviceID).Dur("silent_for", now.Sub(d.LastSeen)).Msg("device offline, reassigning in-flight tasks")

		ids := m.sched.InFlightTaskIDsForDevice(d.DeviceID)
		if len(ids) > 0 {
			m.sched.Reassign(ids, "device_lost")
		}
	}
}

// sweepTimeouts finds in-flight tasks past their deadline and lets the
// scheduler apply its retry-or-fail policy to each.
func (m *Monitor) sweepTimeouts() {
	now := time.Now()
	for _, id := range m.sched.TimedOutTaskIDs(now) {
		m.sched.Timeout(id)
	}
	m.sched.Notify()
}

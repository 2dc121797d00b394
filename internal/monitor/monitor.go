// Package monitor runs the periodic sweeps: heartbeat liveness, in-flight
// task deadlines and result store retention.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/retire-cluster/coordinator/internal/config"
	"github.com/retire-cluster/coordinator/internal/metrics"
	"github.com/retire-cluster/coordinator/internal/registry"
	"github.com/retire-cluster/coordinator/internal/results"
	"github.com/retire-cluster/coordinator/internal/scheduler"
)

// Monitor drives the background sweeps.
type Monitor struct {
	cfg     config.HeartbeatConfig
	resCfg  config.ResultsConfig
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	results *results.Store
	log     *slog.Logger
}

// New wires the monitor to its collaborators.
func New(cfg config.HeartbeatConfig, resCfg config.ResultsConfig, reg *registry.Registry, sched *scheduler.Scheduler, res *results.Store, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		resCfg:  resCfg,
		reg:     reg,
		sched:   sched,
		results: res,
		log:     log,
	}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	liveness := time.NewTicker(m.cfg.SweepInterval)
	defer liveness.Stop()
	deadlines := time.NewTicker(m.cfg.TaskSweepInterval)
	defer deadlines.Stop()
	retention := time.NewTicker(m.resCfg.SweepInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-liveness.C:
			m.sweepLiveness()
		case <-deadlines.C:
			if n := m.sched.SweepTimeouts(); n > 0 {
				m.log.Info("expired in-flight tasks", slog.Int("count", n))
			}
		case <-retention.C:
			if n := m.results.Sweep(); n > 0 {
				m.log.Info("evicted aged task results", slog.Int("count", n))
			}
		}
	}
}

// sweepLiveness expires devices past the offline threshold and reassigns
// their work, then refreshes the device gauges.
func (m *Monitor) sweepLiveness() {
	for _, id := range m.reg.MarkStale(m.cfg.OfflineThreshold()) {
		m.sched.DeviceDown(id, "heartbeat timeout")
	}

	stats := m.reg.Stats()
	metrics.DevicesOnline.Set(float64(stats.OnlineDevices))
	metrics.DevicesRegistered.Set(float64(stats.TotalDevices))
}

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retire-cluster/coordinator/internal/config"
	"github.com/retire-cluster/coordinator/internal/models"
	"github.com/retire-cluster/coordinator/internal/protocol"
	"github.com/retire-cluster/coordinator/internal/queue"
	"github.com/retire-cluster/coordinator/internal/registry"
	"github.com/retire-cluster/coordinator/internal/results"
	"github.com/retire-cluster/coordinator/internal/scheduler"
)

type noopHandler struct{}

func (noopHandler) Post(protocol.Message) bool { return true }
func (noopHandler) Close(string)               {}

func TestLivenessSweepMarksStaleDevicesOffline(t *testing.T) {
	reg := registry.New(nil, nil)
	sched := scheduler.New(reg, queue.New(0), results.New(0, 0), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	reg.Register(protocol.RegisterData{
		DeviceID:           "w1",
		Role:               "worker",
		SupportedTaskTypes: []string{"echo"},
		MaxConcurrentTasks: 1,
	}, "addr", noopHandler{})

	m := New(config.HeartbeatConfig{
		IntervalSeconds:         1,
		OfflineThresholdSeconds: 0, // everything is instantly stale
		SweepInterval:           10 * time.Millisecond,
		TaskSweepInterval:       time.Hour,
	}, config.ResultsConfig{SweepInterval: time.Hour}, reg, sched, results.New(0, 0), nil)

	go m.Run(ctx)

	require.Eventually(t, func() bool {
		dev, ok := reg.Get("w1")
		return ok && dev.Status == models.DeviceOffline
	}, time.Second, 5*time.Millisecond)
}

package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retire-cluster/coordinator/internal/config"
	"github.com/retire-cluster/coordinator/internal/models"
	"github.com/retire-cluster/coordinator/internal/queue"
	"github.com/retire-cluster/coordinator/internal/registry"
	"github.com/retire-cluster/coordinator/internal/results"
	"github.com/retire-cluster/coordinator/internal/scheduler"
	"github.com/retire-cluster/coordinator/internal/server"
)

// startCoordinator brings up a real scheduler and TCP listener so the
// client is exercised end to end.
func startCoordinator(t *testing.T) (*registry.Registry, *scheduler.Scheduler, string) {
	t.Helper()

	reg := registry.New(nil, nil)
	sched := scheduler.New(reg, queue.New(0), results.New(0, 0), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	srv := server.New(config.ServerConfig{
		Host:             "127.0.0.1",
		Port:             0,
		MaxConnections:   4,
		HandshakeTimeout: time.Second,
		MaxFrameBytes:    1 << 20,
		OutboxSize:       16,
	}, reg, sched, nil)

	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return reg, sched, srv.Addr().String()
}

func TestClientRegistersAndExecutes(t *testing.T) {
	reg, sched, addr := startCoordinator(t)

	client := NewClient(ClientConfig{
		DeviceID:           "agent-1",
		CoordinatorAddr:    addr,
		HeartbeatInterval:  50 * time.Millisecond,
		MaxConcurrentTasks: 2,
		Tags:               []string{"test"},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		dev, ok := reg.Get("agent-1")
		return ok && dev.Status == models.DeviceOnline
	}, 2*time.Second, 10*time.Millisecond)

	dev, _ := reg.Get("agent-1")
	assert.Equal(t, "worker", dev.Role)
	assert.Contains(t, dev.SupportedTaskTypes, "echo")

	// Heartbeats flow.
	require.Eventually(t, func() bool {
		return len(reg.RecentHeartbeats("agent-1", 10)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	// A submitted task executes and settles.
	task := models.NewTask("t1", "echo", json.RawMessage(`{"msg":"hi"}`), models.PriorityNormal,
		models.Requirements{TimeoutSeconds: 30, MaxRetries: 0})
	require.NoError(t, sched.Submit(task))

	require.Eventually(t, func() bool {
		got, ok := sched.Get("t1")
		return ok && got.State == models.TaskSuccess
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := sched.Get("t1")
	assert.JSONEq(t, `{"msg":"hi"}`, string(got.Result))
	assert.GreaterOrEqual(t, got.ExecutionSeconds, 0.0)
}

func TestClientReconnects(t *testing.T) {
	reg, _, addr := startCoordinator(t)

	client := NewClient(ClientConfig{
		DeviceID:           "agent-1",
		CoordinatorAddr:    addr,
		HeartbeatInterval:  time.Hour,
		MaxConcurrentTasks: 1,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		dev, ok := reg.Get("agent-1")
		return ok && dev.Status == models.DeviceOnline
	}, 2*time.Second, 10*time.Millisecond)

	// Kill the connection server-side; the agent must come back.
	h := reg.Handler("agent-1")
	require.NotNil(t, h)
	h.Close("test kill")

	require.Eventually(t, func() bool {
		dev, _ := reg.Get("agent-1")
		return dev.Status == models.DeviceOnline && reg.Handler("agent-1") != nil && reg.Handler("agent-1") != h
	}, 5*time.Second, 10*time.Millisecond)
}

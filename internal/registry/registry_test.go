package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retire-cluster/coordinator/internal/models"
	"github.com/retire-cluster/coordinator/internal/protocol"
)

type fakeHandler struct {
	posted      []protocol.Message
	closed      bool
	closeReason string
}

func (h *fakeHandler) Post(m protocol.Message) bool {
	h.posted = append(h.posted, m)
	return true
}

func (h *fakeHandler) Close(reason string) {
	h.closed = true
	h.closeReason = reason
}

func registerInfo(id string) protocol.RegisterData {
	return protocol.RegisterData{
		DeviceID: id,
		Role:     "worker",
		Platform: "linux",
		Capabilities: models.Capabilities{
			CPUCores:  4,
			MemoryGB:  8,
			StorageGB: 64,
			Tags:      []string{"home"},
		},
		SupportedTaskTypes: []string{"echo", "sleep"},
		MaxConcurrentTasks: 2,
	}
}

func TestRegisterNewDevice(t *testing.T) {
	r := New(nil, nil)
	h := &fakeHandler{}

	dev, wasNew, replaced := r.Register(registerInfo("w1"), "10.0.0.5:1234", h)
	assert.True(t, wasNew)
	assert.False(t, replaced)
	assert.Equal(t, models.DeviceOnline, dev.Status)
	assert.Equal(t, "10.0.0.5:1234", dev.Address)
	assert.False(t, dev.RegisteredAt.IsZero())

	got, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, "worker", got.Role)
	assert.Same(t, Handler(h), r.Handler("w1"))
}

func TestReRegisterEvictsOldHandler(t *testing.T) {
	r := New(nil, nil)
	old := &fakeHandler{}
	r.Register(registerInfo("w1"), "addr-a", old)

	fresh := &fakeHandler{}
	info := registerInfo("w1")
	info.MaxConcurrentTasks = 4
	dev, wasNew, replaced := r.Register(info, "addr-b", fresh)

	assert.False(t, wasNew)
	assert.True(t, replaced)
	assert.True(t, old.closed)
	assert.Equal(t, 4, dev.MaxConcurrentTasks)
	assert.Equal(t, "addr-b", dev.Address)
	assert.Same(t, Handler(fresh), r.Handler("w1"))
}

func TestDetachIgnoresStaleHandler(t *testing.T) {
	r := New(nil, nil)
	old := &fakeHandler{}
	r.Register(registerInfo("w1"), "addr-a", old)
	fresh := &fakeHandler{}
	r.Register(registerInfo("w1"), "addr-b", fresh)

	// A replaced connection terminating late must not knock the new one off.
	assert.False(t, r.Detach("w1", old))
	got, _ := r.Get("w1")
	assert.Equal(t, models.DeviceOnline, got.Status)

	assert.True(t, r.Detach("w1", fresh))
	got, _ = r.Get("w1")
	assert.Equal(t, models.DeviceOffline, got.Status)
	assert.Nil(t, r.Handler("w1"))
}

func TestDetachedDeviceIsRemembered(t *testing.T) {
	r := New(nil, nil)
	h := &fakeHandler{}
	r.Register(registerInfo("w1"), "addr", h)
	r.Detach("w1", h)

	got, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOffline, got.Status)
}

func TestTouchUpdatesLastSeenAndHistory(t *testing.T) {
	r := New(nil, nil)
	r.Register(registerInfo("w1"), "addr", &fakeHandler{})
	before, _ := r.Get("w1")

	time.Sleep(5 * time.Millisecond)
	m := models.HeartbeatMetrics{CPUPercent: 80, ActiveTasks: 1}
	require.True(t, r.Touch("w1", &m))

	after, _ := r.Get("w1")
	assert.True(t, after.LastSeen.After(before.LastSeen))
	assert.Equal(t, 80.0, after.Metrics.CPUPercent)

	samples := r.RecentHeartbeats("w1", 10)
	require.Len(t, samples, 1)
	assert.Equal(t, 1, samples[0].Metrics.ActiveTasks)

	assert.False(t, r.Touch("unknown", &m))
}

func TestHeartbeatHistoryBounded(t *testing.T) {
	r := New(nil, nil)
	r.Register(registerInfo("w1"), "addr", &fakeHandler{})

	for i := 0; i < heartbeatHistoryLimit+50; i++ {
		r.Touch("w1", &models.HeartbeatMetrics{ActiveTasks: i})
	}
	samples := r.RecentHeartbeats("w1", heartbeatHistoryLimit*2)
	assert.Len(t, samples, heartbeatHistoryLimit)
	// Newest first.
	assert.Equal(t, heartbeatHistoryLimit+49, samples[0].Metrics.ActiveTasks)
}

func TestRemoveClosesHandler(t *testing.T) {
	r := New(nil, nil)
	h := &fakeHandler{}
	r.Register(registerInfo("w1"), "addr", h)
	r.Touch("w1", &models.HeartbeatMetrics{})

	require.True(t, r.Remove("w1"))
	assert.True(t, h.closed)
	_, ok := r.Get("w1")
	assert.False(t, ok)
	assert.Empty(t, r.RecentHeartbeats("w1", 10))

	assert.False(t, r.Remove("w1"))
}

func TestMarkStale(t *testing.T) {
	r := New(nil, nil)
	fresh := &fakeHandler{}
	stale := &fakeHandler{}
	r.Register(registerInfo("fresh"), "addr", fresh)
	r.Register(registerInfo("stale"), "addr", stale)

	// Age the stale device past the threshold.
	r.mu.Lock()
	r.devices["stale"].device.LastSeen = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()

	ids := r.MarkStale(90 * time.Second)
	assert.Equal(t, []string{"stale"}, ids)
	assert.True(t, stale.closed)
	assert.False(t, fresh.closed)

	got, _ := r.Get("stale")
	assert.Equal(t, models.DeviceOffline, got.Status)

	// Already offline devices are not reported again.
	assert.Empty(t, r.MarkStale(90*time.Second))
}

func TestSnapshotFilter(t *testing.T) {
	r := New(nil, nil)
	r.Register(registerInfo("w1"), "addr", &fakeHandler{})
	info := registerInfo("w2")
	info.Role = "storage"
	r.Register(info, "addr", &fakeHandler{})
	h3 := &fakeHandler{}
	r.Register(registerInfo("w3"), "addr", h3)
	r.Detach("w3", h3)

	all := r.Snapshot(models.DeviceFilter{})
	assert.Len(t, all, 3)
	assert.Equal(t, "w1", all[0].DeviceID)

	online := r.Snapshot(models.DeviceFilter{Status: models.DeviceOnline})
	assert.Len(t, online, 2)

	workers := r.Snapshot(models.DeviceFilter{Role: "worker"})
	assert.Len(t, workers, 2)
}

func eligibilityTask(taskType string, req models.Requirements) *models.Task {
	return models.NewTask("t1", taskType, json.RawMessage(`{}`), models.PriorityNormal, req)
}

func TestEligibility(t *testing.T) {
	r := New(nil, nil)
	r.Register(registerInfo("w1"), "addr", &fakeHandler{})

	tests := []struct {
		name     string
		taskType string
		req      models.Requirements
		want     bool
	}{
		{"plain echo", "echo", models.Requirements{}, true},
		{"unsupported type", "transcode", models.Requirements{}, false},
		{"cpu too high", "echo", models.Requirements{MinCPUCores: 8}, false},
		{"memory too high", "echo", models.Requirements{MinMemoryGB: 16}, false},
		{"gpu required", "echo", models.Requirements{GPURequired: true}, false},
		{"internet required", "echo", models.Requirements{InternetRequired: true}, false},
		{"wrong platform", "echo", models.Requirements{RequiredPlatform: "android"}, false},
		{"matching platform", "echo", models.Requirements{RequiredPlatform: "linux"}, true},
		{"wrong role", "echo", models.Requirements{RequiredRole: "storage"}, false},
		{"tag subset", "echo", models.Requirements{RequiredTags: []string{"home"}}, true},
		{"missing tag", "echo", models.Requirements{RequiredTags: []string{"home", "gpu"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.FindEligible(eligibilityTask(tt.taskType, tt.req))
			if tt.want {
				assert.Len(t, got, 1)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestEligibilityExcludesSaturatedAndOffline(t *testing.T) {
	r := New(nil, nil)
	h := &fakeHandler{}
	r.Register(registerInfo("w1"), "addr", h)

	r.AdjustActiveTasks("w1", 2) // max_concurrent_tasks is 2
	assert.Empty(t, r.FindEligible(eligibilityTask("echo", models.Requirements{})))

	r.AdjustActiveTasks("w1", -1)
	assert.Len(t, r.FindEligible(eligibilityTask("echo", models.Requirements{})), 1)

	r.Detach("w1", h)
	assert.Empty(t, r.FindEligible(eligibilityTask("echo", models.Requirements{})))
}

func TestAdjustActiveTasksNeverNegative(t *testing.T) {
	r := New(nil, nil)
	r.Register(registerInfo("w1"), "addr", &fakeHandler{})
	r.AdjustActiveTasks("w1", -5)
	got, _ := r.Get("w1")
	assert.Equal(t, 0, got.ActiveTaskCount)
}

func TestStats(t *testing.T) {
	r := New(nil, nil)
	r.Register(registerInfo("w1"), "addr", &fakeHandler{})
	info := registerInfo("w2")
	info.Role = "storage"
	info.Platform = "android"
	info.Capabilities.CPUCores = 8
	r.Register(info, "addr", &fakeHandler{})
	h3 := &fakeHandler{}
	r.Register(registerInfo("w3"), "addr", h3)
	r.Detach("w3", h3)

	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalDevices)
	assert.Equal(t, 2, stats.OnlineDevices)
	assert.Equal(t, 1, stats.OfflineDevices)
	assert.Equal(t, 1, stats.ByRole["worker"])
	assert.Equal(t, 1, stats.ByRole["storage"])
	assert.Equal(t, 1, stats.ByPlatform["linux"])
	assert.Equal(t, 1, stats.ByPlatform["android"])
	// Offline w3 contributes nothing to resources.
	assert.Equal(t, 12, stats.TotalResources.CPUCores)
}

type fakeRepo struct {
	saved   map[string]models.Device
	deleted []string
	loaded  []*models.Device
	saveErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{saved: make(map[string]models.Device)}
}

func (f *fakeRepo) Save(d *models.Device) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[d.DeviceID] = *d
	return nil
}

func (f *fakeRepo) Delete(deviceID string) error {
	f.deleted = append(f.deleted, deviceID)
	return nil
}

func (f *fakeRepo) LoadAll() ([]*models.Device, error) {
	return f.loaded, nil
}

func TestPersistenceOnChange(t *testing.T) {
	repo := newFakeRepo()
	r := New(repo, nil)

	h := &fakeHandler{}
	r.Register(registerInfo("w1"), "addr", h)
	require.Contains(t, repo.saved, "w1")
	assert.Equal(t, models.DeviceOnline, repo.saved["w1"].Status)

	r.Detach("w1", h)
	assert.Equal(t, models.DeviceOffline, repo.saved["w1"].Status)

	r.Remove("w1")
	assert.Equal(t, []string{"w1"}, repo.deleted)
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	repo := newFakeRepo()
	repo.saveErr = assert.AnError
	r := New(repo, nil)

	dev, wasNew, _ := r.Register(registerInfo("w1"), "addr", &fakeHandler{})
	assert.True(t, wasNew)
	assert.Equal(t, models.DeviceOnline, dev.Status)
	_, ok := r.Get("w1")
	assert.True(t, ok)
}

func TestRestoreMarksEverythingOffline(t *testing.T) {
	repo := newFakeRepo()
	repo.loaded = []*models.Device{
		{DeviceID: "w1", Status: models.DeviceOnline, ActiveTaskCount: 3},
		{DeviceID: "w2", Status: models.DeviceOffline},
	}
	r := New(repo, nil)
	r.Restore()

	got, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceOffline, got.Status)
	assert.Zero(t, got.ActiveTaskCount)
	_, ok = r.Get("w2")
	assert.True(t, ok)
}

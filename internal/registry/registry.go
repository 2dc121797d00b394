// Package registry is the authoritative map of known devices, their
// capabilities, live status and connection handles. All operations are
// atomic compound operations; no lock is held across I/O.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/retire-cluster/coordinator/internal/models"
	"github.com/retire-cluster/coordinator/internal/protocol"
)

// Handler is the write side of a live worker connection. Post must be
// non-blocking; Close requests socket teardown and may be called more
// than once.
type Handler interface {
	Post(m protocol.Message) bool
	Close(reason string)
}

// DeviceRepository persists registry state. Implementations must tolerate
// being called concurrently. A nil repository disables persistence.
type DeviceRepository interface {
	Save(d *models.Device) error
	Delete(deviceID string) error
	LoadAll() ([]*models.Device, error)
}

const heartbeatHistoryLimit = 1000

type deviceState struct {
	device  models.Device
	handler Handler
}

// Registry tracks every device that has ever registered. A device is never
// forgotten unless explicitly removed; it merely transitions offline.
type Registry struct {
	mu         sync.RWMutex
	devices    map[string]*deviceState
	heartbeats []models.HeartbeatSample

	repo DeviceRepository
	log  *slog.Logger
}

// New creates an empty registry. repo may be nil.
func New(repo DeviceRepository, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		devices: make(map[string]*deviceState),
		repo:    repo,
		log:     log,
	}
}

// Restore loads persisted devices, marking every one offline. Task state is
// never restored. Persistence failures are logged, not fatal.
func (r *Registry) Restore() {
	if r.repo == nil {
		return
	}
	devices, err := r.repo.LoadAll()
	if err != nil {
		r.log.Error("failed to restore device registry", slog.Any("error", err))
		return
	}

	r.mu.Lock()
	for _, d := range devices {
		d.Status = models.DeviceOffline
		d.ActiveTaskCount = 0
		r.devices[d.DeviceID] = &deviceState{device: *d}
	}
	n := len(r.devices)
	r.mu.Unlock()

	r.log.Info("device registry restored", slog.Int("devices", n))
}

// Register inserts or re-attaches a device. When the id is already online
// under a different handler, the prior handler is evicted and closed so at
// most one live connection per id exists. Returns the device snapshot,
// whether the id was previously unknown, and whether a live handler was
// replaced (in which case the caller must reassign that device's in-flight
// tasks).
func (r *Registry) Register(info protocol.RegisterData, addr string, h Handler) (models.Device, bool, bool) {
	now := time.Now()

	r.mu.Lock()
	st, known := r.devices[info.DeviceID]
	var evicted Handler
	replaced := false
	if known {
		if st.handler != nil && st.handler != h {
			evicted = st.handler
			replaced = true
		}
	} else {
		st = &deviceState{device: models.Device{
			DeviceID:     info.DeviceID,
			RegisteredAt: now,
		}}
		r.devices[info.DeviceID] = st
	}

	st.device.Role = info.Role
	st.device.Platform = models.NormalizePlatform(info.Platform)
	st.device.Architecture = info.Architecture
	st.device.RuntimeVersion = info.RuntimeVersion
	st.device.Capabilities = info.Capabilities
	st.device.SupportedTaskTypes = info.SupportedTaskTypes
	st.device.MaxConcurrentTasks = info.MaxConcurrentTasks
	st.device.Address = addr
	st.device.Status = models.DeviceOnline
	st.device.LastSeen = now
	st.handler = h
	snapshot := st.device
	r.mu.Unlock()

	if evicted != nil {
		evicted.Close("replaced by newer registration")
	}
	r.persist(&snapshot)

	r.log.Info("device registered",
		slog.String("device_id", snapshot.DeviceID),
		slog.String("role", snapshot.Role),
		slog.String("platform", snapshot.Platform),
		slog.Bool("new", !known),
		slog.Bool("replaced_connection", replaced),
	)
	return snapshot, !known, replaced
}

// Touch updates last_seen and rolling metrics on any inbound traffic from
// the device. Heartbeats additionally record a history sample.
func (r *Registry) Touch(deviceID string, metrics *models.HeartbeatMetrics) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	st.device.LastSeen = now
	if metrics != nil {
		st.device.Metrics = *metrics
		r.heartbeats = append(r.heartbeats, models.HeartbeatSample{
			DeviceID:  deviceID,
			Timestamp: now,
			Metrics:   *metrics,
		})
		if len(r.heartbeats) > heartbeatHistoryLimit {
			r.heartbeats = r.heartbeats[len(r.heartbeats)-heartbeatHistoryLimit:]
		}
	}
	return true
}

// Detach marks the device offline if h is its currently attached handler;
// otherwise it is a no-op (a replaced handler terminating late must not
// knock the replacement offline).
func (r *Registry) Detach(deviceID string, h Handler) bool {
	r.mu.Lock()
	st, ok := r.devices[deviceID]
	if !ok || st.handler != h {
		r.mu.Unlock()
		return false
	}
	st.handler = nil
	st.device.Status = models.DeviceOffline
	snapshot := st.device
	r.mu.Unlock()

	r.persist(&snapshot)
	r.log.Info("device detached", slog.String("device_id", deviceID))
	return true
}

// Remove forcibly drops a device from the registry. The caller is
// responsible for reassigning any in-flight tasks it held.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	st, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	h := st.handler
	delete(r.devices, deviceID)
	kept := r.heartbeats[:0]
	for _, s := range r.heartbeats {
		if s.DeviceID != deviceID {
			kept = append(kept, s)
		}
	}
	r.heartbeats = kept
	r.mu.Unlock()

	if h != nil {
		h.Close("device removed")
	}
	if r.repo != nil {
		if err := r.repo.Delete(deviceID); err != nil {
			r.log.Error("failed to delete persisted device",
				slog.String("device_id", deviceID), slog.Any("error", err))
		}
	}
	r.log.Info("device removed", slog.String("device_id", deviceID))
	return true
}

// MarkStale transitions every online device whose last_seen is older than
// threshold to offline, closing its handler. Returns the ids transitioned.
func (r *Registry) MarkStale(threshold time.Duration) []string {
	cutoff := time.Now().Add(-threshold)

	r.mu.Lock()
	var stale []string
	var handlers []Handler
	var snapshots []models.Device
	for id, st := range r.devices {
		if st.device.Status != models.DeviceOnline {
			continue
		}
		if st.device.LastSeen.After(cutoff) {
			continue
		}
		st.device.Status = models.DeviceOffline
		if st.handler != nil {
			handlers = append(handlers, st.handler)
			st.handler = nil
		}
		stale = append(stale, id)
		snapshots = append(snapshots, st.device)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h.Close("heartbeat timeout")
	}
	for i := range snapshots {
		r.persist(&snapshots[i])
	}
	for _, id := range stale {
		r.log.Warn("device marked offline by heartbeat monitor", slog.String("device_id", id))
	}
	sort.Strings(stale)
	return stale
}

// Get returns a snapshot of the device, if known.
func (r *Registry) Get(deviceID string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return st.device, true
}

// Handler returns the live connection handle for the device, or nil.
func (r *Registry) Handler(deviceID string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	return st.handler
}

// Snapshot returns copies of all devices passing the filter, ordered by id.
func (r *Registry) Snapshot(filter models.DeviceFilter) []models.Device {
	r.mu.RLock()
	out := make([]models.Device, 0, len(r.devices))
	for _, st := range r.devices {
		if filter.Matches(&st.device) {
			out = append(out, st.device)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// FindEligible returns snapshots of all online devices satisfying the
// task's requirements, ordered by id for reproducibility.
func (r *Registry) FindEligible(task *models.Task) []models.Device {
	r.mu.RLock()
	var out []models.Device
	for _, st := range r.devices {
		if Eligible(&st.device, task) {
			out = append(out, st.device)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Eligible is the device/task eligibility predicate.
func Eligible(d *models.Device, task *models.Task) bool {
	req := task.Requirements
	if d.Status != models.DeviceOnline {
		return false
	}
	if d.Capabilities.CPUCores < req.MinCPUCores {
		return false
	}
	if d.Capabilities.MemoryGB < req.MinMemoryGB {
		return false
	}
	if d.Capabilities.StorageGB < req.MinStorageGB {
		return false
	}
	if req.RequiredPlatform != "" && d.Platform != req.RequiredPlatform {
		return false
	}
	if req.RequiredRole != "" && d.Role != req.RequiredRole {
		return false
	}
	if !d.Capabilities.HasTags(req.RequiredTags) {
		return false
	}
	if req.GPURequired && !d.Capabilities.HasGPU {
		return false
	}
	if req.InternetRequired && !d.Capabilities.HasInternet {
		return false
	}
	if !d.SupportsTaskType(task.TaskType) {
		return false
	}
	if d.MaxConcurrentTasks > 0 && d.ActiveTaskCount >= d.MaxConcurrentTasks {
		return false
	}
	return true
}

// AdjustActiveTasks changes the device's in-flight bookkeeping counter.
// The count never goes negative. Offline devices are still adjusted so a
// lost device's counter returns to zero as its tasks are reassigned.
func (r *Registry) AdjustActiveTasks(deviceID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.devices[deviceID]
	if !ok {
		return
	}
	st.device.ActiveTaskCount += delta
	if st.device.ActiveTaskCount < 0 {
		st.device.ActiveTaskCount = 0
	}
}

// RecentHeartbeats returns up to limit most recent samples, newest first,
// optionally filtered to one device.
func (r *Registry) RecentHeartbeats(deviceID string, limit int) []models.HeartbeatSample {
	if limit <= 0 {
		limit = 50
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.HeartbeatSample, 0, limit)
	for i := len(r.heartbeats) - 1; i >= 0 && len(out) < limit; i-- {
		s := r.heartbeats[i]
		if deviceID != "" && s.DeviceID != deviceID {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Stats aggregates device counts and online resources for the API layer.
func (r *Registry) Stats() models.ClusterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := models.ClusterStats{
		ByRole:     make(map[string]int),
		ByPlatform: make(map[string]int),
	}
	for _, st := range r.devices {
		stats.TotalDevices++
		if st.device.Status != models.DeviceOnline {
			stats.OfflineDevices++
			continue
		}
		stats.OnlineDevices++
		stats.ByRole[st.device.Role]++
		stats.ByPlatform[st.device.Platform]++
		stats.TotalResources.CPUCores += st.device.Capabilities.CPUCores
		stats.TotalResources.MemoryGB += st.device.Capabilities.MemoryGB
		stats.TotalResources.StorageGB += st.device.Capabilities.StorageGB
	}
	return stats
}

// persist saves a device snapshot outside the registry lock.
func (r *Registry) persist(d *models.Device) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Save(d); err != nil {
		// In-memory state remains authoritative.
		r.log.Error("failed to persist device",
			slog.String("device_id", d.DeviceID), slog.Any("error", err))
	}
}

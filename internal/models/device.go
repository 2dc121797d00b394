// Package models defines the core domain types shared across the coordinator.
package models

import (
	"time"
)

// DeviceStatus is the liveness state of a registered device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Known platform values. Anything else is normalized to PlatformOther.
const (
	PlatformLinux   = "linux"
	PlatformWindows = "windows"
	PlatformMacOS   = "macos"
	PlatformAndroid = "android"
	PlatformOther   = "other"
)

// NormalizePlatform maps an advertised platform string onto the known set.
func NormalizePlatform(p string) string {
	switch p {
	case PlatformLinux, PlatformWindows, PlatformMacOS, PlatformAndroid:
		return p
	default:
		return PlatformOther
	}
}

// Capabilities describes what a device can do, as advertised at registration.
type Capabilities struct {
	CPUCores    int      `json:"cpu_cores"`
	MemoryGB    float64  `json:"memory_gb"`
	StorageGB   float64  `json:"storage_gb"`
	HasGPU      bool     `json:"has_gpu"`
	HasInternet bool     `json:"has_internet"`
	Tags        []string `json:"tags"`
}

// HasTags reports whether the device's tag set is a superset of required.
func (c Capabilities) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	tags := make(map[string]struct{}, len(c.Tags))
	for _, t := range c.Tags {
		tags[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := tags[r]; !ok {
			return false
		}
	}
	return true
}

// HeartbeatMetrics carries the rolling metrics reported with each heartbeat.
type HeartbeatMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	ActiveTasks   int     `json:"active_tasks"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// HeartbeatSample is one recorded heartbeat for a device.
type HeartbeatSample struct {
	DeviceID  string           `json:"device_id"`
	Timestamp time.Time        `json:"timestamp"`
	Metrics   HeartbeatMetrics `json:"metrics"`
}

// Device is the registry's view of a worker node. A registered device is
// never forgotten unless explicitly removed; it merely transitions offline.
type Device struct {
	DeviceID           string           `json:"device_id"`
	Role               string           `json:"role"`
	Platform           string           `json:"platform"`
	Architecture       string           `json:"architecture"`
	RuntimeVersion     string           `json:"runtime_version"`
	Capabilities       Capabilities     `json:"capabilities"`
	SupportedTaskTypes []string         `json:"supported_task_types"`
	MaxConcurrentTasks int              `json:"max_concurrent_tasks"`
	Address            string           `json:"address"`
	Status             DeviceStatus     `json:"status"`
	RegisteredAt       time.Time        `json:"registered_at"`
	LastSeen           time.Time        `json:"last_seen"`
	ActiveTaskCount    int              `json:"active_task_count"`
	Metrics            HeartbeatMetrics `json:"metrics"`
}

// SupportsTaskType reports whether the device advertises a handler for t.
func (d *Device) SupportsTaskType(t string) bool {
	for _, s := range d.SupportedTaskTypes {
		if s == t {
			return true
		}
	}
	return false
}

// DeviceFilter narrows registry snapshots.
type DeviceFilter struct {
	Status   DeviceStatus
	Role     string
	Platform string
	Tags     []string
}

// Matches reports whether the device passes every set filter field.
func (f DeviceFilter) Matches(d *Device) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Role != "" && d.Role != f.Role {
		return false
	}
	if f.Platform != "" && d.Platform != f.Platform {
		return false
	}
	return d.Capabilities.HasTags(f.Tags)
}

// ClusterStats summarizes the cluster for the API layer.
type ClusterStats struct {
	TotalDevices   int            `json:"total_devices"`
	OnlineDevices  int            `json:"online_devices"`
	OfflineDevices int            `json:"offline_devices"`
	ByRole         map[string]int `json:"by_role"`
	ByPlatform     map[string]int `json:"by_platform"`
	TotalResources ResourceTotals `json:"total_resources"`
	QueueDepths    map[string]int `json:"queue_depths"`
	QueuedTasks    int            `json:"queued_tasks"`
	InFlightTasks  int            `json:"in_flight_tasks"`
	Scheduler      SchedulerStats `json:"scheduler"`
}

// ResourceTotals aggregates capabilities across online devices.
type ResourceTotals struct {
	CPUCores  int     `json:"cpu_cores"`
	MemoryGB  float64 `json:"memory_gb"`
	StorageGB float64 `json:"storage_gb"`
}

// SchedulerStats carries scheduler counters for the stats endpoint.
type SchedulerStats struct {
	TasksScheduled int64 `json:"tasks_scheduled"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksRetried   int64 `json:"tasks_retried"`
}

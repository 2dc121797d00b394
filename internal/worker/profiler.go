// Package worker implements the device-side agent: hardware profiling,
// task execution and the coordinator client.
package worker

import (
	"net"
	"os/exec"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/retire-cluster/coordinator/internal/models"
)

// Profile is the device description advertised at registration.
type Profile struct {
	Platform       string
	Architecture   string
	RuntimeVersion string
	Capabilities   models.Capabilities
}

// DetectProfile inspects the local machine. Probes that fail leave their
// field zeroed; registration succeeds regardless.
func DetectProfile(tags []string) Profile {
	p := Profile{
		Platform:       normalizeGOOS(runtime.GOOS),
		Architecture:   runtime.GOARCH,
		RuntimeVersion: runtime.Version(),
		Capabilities: models.Capabilities{
			Tags: tags,
		},
	}

	if cores, err := cpu.Counts(true); err == nil {
		p.Capabilities.CPUCores = cores
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		p.Capabilities.MemoryGB = float64(vm.Total) / (1 << 30)
	}
	if du, err := disk.Usage("/"); err == nil {
		p.Capabilities.StorageGB = float64(du.Free) / (1 << 30)
	}
	p.Capabilities.HasGPU = detectGPU()
	p.Capabilities.HasInternet = detectInternet()
	return p
}

func normalizeGOOS(goos string) string {
	switch goos {
	case "darwin":
		return models.PlatformMacOS
	case "linux", "windows", "android":
		return goos
	default:
		return models.PlatformOther
	}
}

func detectGPU() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func detectInternet() bool {
	conn, err := net.DialTimeout("tcp", "1.1.1.1:53", 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SampleMetrics reads the current load for a heartbeat.
func SampleMetrics(activeTasks int, startedAt time.Time) models.HeartbeatMetrics {
	m := models.HeartbeatMetrics{
		ActiveTasks:   activeTasks,
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	return m
}

// SystemInfo returns the diagnostic blob served by the system_info handler.
func SystemInfo() map[string]any {
	info := map[string]any{
		"platform":     runtime.GOOS,
		"architecture": runtime.GOARCH,
		"go_version":   runtime.Version(),
		"num_cpu":      runtime.NumCPU(),
	}
	if hi, err := host.Info(); err == nil {
		info["hostname"] = hi.Hostname
		info["os"] = hi.OS
		info["kernel_version"] = hi.KernelVersion
		info["uptime_seconds"] = hi.Uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_total_bytes"] = vm.Total
		info["memory_used_percent"] = vm.UsedPercent
	}
	return info
}

// Package diskmanager gates capture on available disk space. The butler
// consults it before each flush pass so a filling disk stops recording on
// the affected tracks instead of corrupting takes mid-write.
package diskmanager

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/logging"
)

var log = logging.ForService("diskmanager")

// DiskSpaceInfo reports the filesystem state behind a capture directory.
type DiskSpaceInfo struct {
	TotalBytes     uint64
	UsedBytes      uint64
	AvailableBytes uint64
	UsedPercent    float64
}

// GetDetailedDiskUsage returns usage for the filesystem containing path.
func GetDetailedDiskUsage(path string) (DiskSpaceInfo, error) {
	start := time.Now()
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskSpaceInfo{}, errors.New(err).
			Component("diskmanager").
			Category(errors.CategoryDiskUsage).
			Context("path", path).
			Timing("disk_usage_check", time.Since(start)).
			Build()
	}
	return DiskSpaceInfo{
		TotalBytes:     usage.Total,
		UsedBytes:      usage.Used,
		AvailableBytes: usage.Free,
		UsedPercent:    usage.UsedPercent,
	}, nil
}

// Monitor caches disk usage for a capture directory and answers the
// butler's "may I keep writing" question without a syscall per flush.
type Monitor struct {
	path          string
	minFreeBytes  uint64
	checkInterval time.Duration

	mu          sync.Mutex
	lastCheck   time.Time
	lastInfo    DiskSpaceInfo
	lastHealthy bool
	checked     bool
}

// NewMonitor creates a monitor for the given capture directory that
// requires at least minFreeBytes to remain available. Usage is probed at
// most once per checkInterval.
func NewMonitor(path string, minFreeBytes uint64, checkInterval time.Duration) *Monitor {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	return &Monitor{path: path, minFreeBytes: minFreeBytes, checkInterval: checkInterval}
}

// CaptureAllowed reports whether enough space remains for capture to
// continue. A probe failure is treated as unhealthy: stopping a record
// pass beats writing into an unknown filesystem state.
func (m *Monitor) CaptureAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checked && time.Since(m.lastCheck) < m.checkInterval {
		return m.lastHealthy
	}

	info, err := GetDetailedDiskUsage(m.path)
	m.lastCheck = time.Now()
	m.checked = true
	if err != nil {
		log.Error("disk usage probe failed, disallowing capture", "path", m.path, "error", err)
		m.lastHealthy = false
		return false
	}
	m.lastInfo = info
	healthy := info.AvailableBytes >= m.minFreeBytes
	if healthy != m.lastHealthy && m.lastHealthy {
		log.Warn("disk space below capture threshold",
			"path", m.path,
			"available_bytes", info.AvailableBytes,
			"min_free_bytes", m.minFreeBytes)
	}
	m.lastHealthy = healthy
	return healthy
}

// LastInfo returns the most recent successful probe result.
func (m *Monitor) LastInfo() DiskSpaceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInfo
}

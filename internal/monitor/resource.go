// Package monitor reports host resources relevant to downloads: free
// space at the destination and a short host summary.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// DiskSpace describes the filesystem holding a download location
type DiskSpace struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// HostInfo is a short summary of the machine
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	Arch            string `json:"arch"`
	Uptime          uint64 `json:"uptime"`
	CPUs            int    `json:"cpus"`
	MemoryTotal     uint64 `json:"memoryTotal"`
	MemoryAvailable uint64 `json:"memoryAvailable"`
}

// DiskUsage measures the filesystem of path. A location that does not
// exist yet is measured at its nearest existing parent.
func DiskUsage(ctx context.Context, path string) (*DiskSpace, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	existing, err := nearestExisting(path)
	if err != nil {
		return nil, err
	}
	stat, err := disk.UsageWithContext(ctx, existing)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage of %s: %w", existing, err)
	}
	return &DiskSpace{
		Path:        path,
		Total:       stat.Total,
		Free:        stat.Free,
		Used:        stat.Used,
		UsedPercent: stat.UsedPercent,
	}, nil
}

func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no existing parent for %s", path)
		}
		abs = parent
	}
}

// Host collects the host summary. Fields gopsutil cannot read are left
// zero.
func Host(ctx context.Context) *HostInfo {
	info := &HostInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}
	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.Uptime = h.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryAvailable = vm.Available
	}
	return info
}

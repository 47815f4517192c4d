package monitor

import (
	"runtime"
	"time"

	"github.com/prometheus/procfs"

	"github.com/vbrwatch/vbr-monitor/internal/vbr"
)

// DashboardStats is the derived summary published to dashboard observers.
type DashboardStats struct {
	TotalJobs       int            `json:"totalJobs"`
	JobResults      map[string]int `json:"jobResults"`
	JobStatuses     map[string]int `json:"jobStatuses"`
	FailedJobs      int            `json:"failedJobs"`
	TotalRepos      int            `json:"totalRepositories"`
	CapacityTB      float64        `json:"capacityTB"`
	UsedTB          float64        `json:"usedTB"`
	FreeTB          float64        `json:"freeTB"`
	StorageUsagePct float64        `json:"storageUsagePercent"`
	GeneratedAt     time.Time      `json:"generatedAt"`
}

// HealthStatus aggregates the health-check cycle's sub-checks.
type HealthStatus struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
	Failing    []string        `json:"failing,omitempty"`
	CheckedAt  time.Time       `json:"checkedAt"`
}

// SystemMetrics is one metrics-cycle sample. Network and disk figures are
// placeholders until an external collector supplies them.
type SystemMetrics struct {
	CPUSeconds     float64   `json:"cpuSeconds"`
	MemoryRSSBytes int       `json:"memoryRssBytes"`
	HeapAllocBytes uint64    `json:"heapAllocBytes"`
	Goroutines     int       `json:"goroutines"`
	NetworkRxBytes uint64    `json:"networkRxBytes"`
	NetworkTxBytes uint64    `json:"networkTxBytes"`
	DiskReadBytes  uint64    `json:"diskReadBytes"`
	DiskWriteBytes uint64    `json:"diskWriteBytes"`
	SampledAt      time.Time `json:"sampledAt"`
}

// deriveDashboardStats summarizes job results and repository capacity.
// Capacity totals convert GB to TB; a zero-capacity fleet reports 0% usage.
func deriveDashboardStats(jobs []vbr.JobState, repos []vbr.RepositoryState, now time.Time) DashboardStats {
	stats := DashboardStats{
		TotalJobs:   len(jobs),
		JobResults:  make(map[string]int),
		JobStatuses: make(map[string]int),
		TotalRepos:  len(repos),
		GeneratedAt: now,
	}

	for _, job := range jobs {
		stats.JobResults[job.LastResult]++
		stats.JobStatuses[job.Status]++
		if job.LastResult == "Failed" {
			stats.FailedJobs++
		}
	}

	var capacityGB, usedGB float64
	for _, repo := range repos {
		capacityGB += repo.CapacityGB
		usedGB += repo.UsedSpaceGB
	}
	stats.CapacityTB = capacityGB / 1024
	stats.UsedTB = usedGB / 1024
	stats.FreeTB = (capacityGB - usedGB) / 1024
	if capacityGB > 0 {
		stats.StorageUsagePct = usedGB / capacityGB * 100
	}
	return stats
}

// sampleSystemMetrics reads process CPU and RSS from procfs plus Go runtime
// figures. procfs errors degrade to zero values rather than failing the cycle.
func sampleSystemMetrics(now time.Time) SystemMetrics {
	sample := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  now,
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	sample.HeapAllocBytes = memStats.HeapAlloc

	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil {
			sample.CPUSeconds = stat.CPUTime()
			sample.MemoryRSSBytes = stat.ResidentMemory()
		}
	}
	return sample
}

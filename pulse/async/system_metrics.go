package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/cascade/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`
	WorkersTotal  int     `json:"workers_total"`
	JobsProcessed int     `json:"jobs_processed"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	JobsQueued    int     `json:"jobs_queued"`
	JobsRunning   int     `json:"jobs_running"`
}

// memoryStats is replaceable in tests
var memoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// recommendedWorkers caps worker count by available memory. Provider calls
// are network-bound, so the budget per worker is small.
func recommendedWorkers(availableGB float64) int {
	const memoryPerWorker = 0.25 // GB
	const memoryBuffer = 0.5     // GB

	if availableGB < memoryBuffer {
		return 1
	}
	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	return max(1, min(recommended, 64))
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	var m SystemMetrics

	if total, available, err := memoryStats(); err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}

	// Database errors leave the counts at zero
	if stats, err := wp.queue.GetStats(ctx); err == nil {
		m.JobsQueued = stats.Queued
		m.JobsRunning = stats.Running
	}

	wp.mu.Lock()
	m.WorkersActive = wp.activeWorkers
	m.JobsProcessed = wp.jobsProcessed
	wp.mu.Unlock()
	m.WorkersTotal = wp.workers
	return m
}

// checkMemoryPressure returns a warning when the worker count exceeds what
// available memory supports, or "" when it is fine or unknown.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := memoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := recommendedWorkers(availableGB)
	if wp.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB)",
			wp.workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}

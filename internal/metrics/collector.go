package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// SystemMetrics holds current system metrics snapshot
type SystemMetrics struct {
	CPUPercent        float64 // System-wide CPU usage (0-100%)
	ProcessCPUPercent float64 // Can exceed 100% on multi-core
	ProcessRSSBytes   uint64
	MemoryUsedBytes   uint64
	MemoryTotalBytes  uint64
	MemoryAvailable   uint64
	MemoryPercent     float64
	StoreBytes        int64 // Column footprint reported by the footprint func
	Timestamp         time.Time
}

// Collector periodically samples system metrics, logs them and mirrors them
// into gauges of a Registry.
type Collector struct {
	interval  time.Duration
	logger    *zap.Logger
	proc      *process.Process
	footprint func() int64

	rss       prometheus.Gauge
	memUsed   prometheus.Gauge
	memAvail  prometheus.Gauge
	sysCPU    prometheus.Gauge
	storeSize prometheus.Gauge

	mu          sync.RWMutex
	lastMetrics *SystemMetrics
}

// NewCollector creates a collector. reg may be nil to only log; footprint
// may be nil when no stores are tracked.
func NewCollector(interval time.Duration, logger *zap.Logger, reg *Registry, footprint func() int64) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	// Without a process handle only system-wide values are collected.
	proc, _ := process.NewProcess(int32(os.Getpid()))

	c := &Collector{
		interval:  interval,
		logger:    logger,
		proc:      proc,
		footprint: footprint,
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osmstore_process_resident_bytes",
			Help: "Resident set size of the process.",
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osmstore_system_memory_used_bytes",
			Help: "Used system memory.",
		}),
		memAvail: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osmstore_system_memory_available_bytes",
			Help: "Available system memory, the budget capacity checks compare against.",
		}),
		sysCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osmstore_system_cpu_percent",
			Help: "System-wide CPU usage.",
		}),
		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osmstore_stores_bytes_total",
			Help: "Combined column footprint of all loaded stores.",
		}),
	}
	if reg != nil {
		reg.reg.MustRegister(c.rss, c.memUsed, c.memAvail, c.sysCPU, c.storeSize)
	}
	return c
}

// Start begins periodic metrics collection. Returns when context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// GetMetrics returns the last collected metrics
func (c *Collector) GetMetrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

// Collect takes one sample, logs it and updates the gauges.
func (c *Collector) Collect() *SystemMetrics {
	m := &SystemMetrics{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			m.ProcessCPUPercent = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil && info != nil {
			m.ProcessRSSBytes = info.RSS
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vmem.UsedPercent
		m.MemoryUsedBytes = vmem.Used
		m.MemoryTotalBytes = vmem.Total
		m.MemoryAvailable = vmem.Available
	}
	if c.footprint != nil {
		m.StoreBytes = c.footprint()
	}

	c.rss.Set(float64(m.ProcessRSSBytes))
	c.memUsed.Set(float64(m.MemoryUsedBytes))
	c.memAvail.Set(float64(m.MemoryAvailable))
	c.sysCPU.Set(m.CPUPercent)
	c.storeSize.Set(float64(m.StoreBytes))

	c.mu.Lock()
	c.lastMetrics = m
	c.mu.Unlock()

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", m.CPUPercent),
		zap.Float64("proc_cpu", m.ProcessCPUPercent),
		zap.String("rss", formatGB(m.ProcessRSSBytes)),
		zap.Float64("mem_pct", m.MemoryPercent),
		zap.String("mem_avail", formatGB(m.MemoryAvailable)),
		zap.String("stores", formatGB(uint64(max(m.StoreBytes, 0)))),
	)
	return m
}

// formatGB formats a byte count as gigabytes with one decimal place
func formatGB(bytes uint64) string {
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1<<30))
}

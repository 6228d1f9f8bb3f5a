package stats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

const monitorInterval = 15 * time.Second

// HostStats holds the host-level metrics a Reporter enriches its
// per-worker/merger cycle counters with.
type HostStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

// hostMonitor collects HostStats periodically in the background so Reporter
// never blocks its once-per-second tick on a gopsutil syscall.
type hostMonitor struct {
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup
	stats  HostStats
	mu     sync.RWMutex
}

func newHostMonitor(logger *slog.Logger) *hostMonitor {
	return &hostMonitor{
		logger: logger.With("component", "host_monitor"),
		close:  make(chan struct{}),
	}
}

func (hm *hostMonitor) Start() {
	hm.wg.Add(1)
	go hm.run()
}

func (hm *hostMonitor) Stop() {
	close(hm.close)
	hm.wg.Wait()
}

func (hm *hostMonitor) Stats() HostStats {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.stats
}

func (hm *hostMonitor) run() {
	defer hm.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	hm.collect()
	for {
		select {
		case <-hm.close:
			return
		case <-ticker.C:
			hm.collect()
		}
	}
}

func (hm *hostMonitor) collect() {
	var s HostStats

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else {
		hm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		hm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		s.DiskUsagePercent = d.UsedPercent
	} else {
		hm.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage = l.Load1
	} else {
		hm.logger.Debug("failed to collect load stats", "error", err)
	}

	hm.mu.Lock()
	hm.stats = s
	hm.mu.Unlock()
}

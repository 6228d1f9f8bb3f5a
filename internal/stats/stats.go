// Package stats reports the per-worker and merger cycle-occupancy counters
// described in spec.md §4.H once per second to a diagnostic sink. Counters
// are advisory: single-writer atomics, tolerant readers, no synchronization
// beyond what the counters themselves already provide.
package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/fmadio/fcap/internal/merger"
	"github.com/fmadio/fcap/internal/receiver"
)

const reportInterval = 1 * time.Second

// WorkerStats pairs a worker's identity with its live counters, for
// reporting.
type WorkerStats struct {
	ID    int
	Stats *receiver.Stats
}

// Reporter periodically logs per-worker and merger cycle counters, enriched
// with host CPU/memory figures (repurposing gopsutil, which the teacher
// pulls in for host stats elsewhere in the pack).
type Reporter struct {
	workers []WorkerStats
	merger  *merger.Stats
	host    *hostMonitor
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Reporter over the given worker and merger counters.
func New(workers []WorkerStats, mergerStats *merger.Stats, logger *slog.Logger) *Reporter {
	l := logger.With("component", "stats")
	return &Reporter{
		workers: workers,
		merger:  mergerStats,
		host:    newHostMonitor(l),
		logger:  l,
		done:    make(chan struct{}),
	}
}

// Start begins the once-per-second reporting loop.
func (r *Reporter) Start() {
	r.host.Start()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.report()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the reporting loop and waits for it to exit.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.host.Stop()
}

func (r *Reporter) report() {
	for _, w := range r.workers {
		r.logger.Info("worker cycles",
			"worker", w.ID,
			"total", w.Stats.TotalCycles.Load(),
			"io", w.Stats.IOCycles.Load(),
			"rewrite", w.Stats.RewriteCycles.Load(),
			"stall", w.Stats.StallCycles.Load(),
		)
	}

	r.logger.Info("merger cycles",
		"total", r.merger.TotalCycles.Load(),
		"disk_write", r.merger.DiskSinkWriteCycles.Load(),
	)

	host := r.host.Stats()
	r.logger.Info("host",
		"cpu_percent", host.CPUPercent,
		"mem_percent", host.MemoryPercent,
		"disk_percent", host.DiskUsagePercent,
		"load1", host.LoadAverage,
	)
}

// Package orchestrator wires the chunk pool, per-connection SPSC queues,
// receiver workers, and the reorder/merger together (spec.md §4.I): it
// opens N data connections, writes the PCAP global header, spawns workers,
// runs the merger loop, enforces the idle watchdog, and reports a transfer
// summary on completion.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/fmadio/fcap/internal/chunkpool"
	"github.com/fmadio/fcap/internal/merger"
	"github.com/fmadio/fcap/internal/receiver"
	"github.com/fmadio/fcap/internal/sink"
	"github.com/fmadio/fcap/internal/spscqueue"
	"github.com/fmadio/fcap/internal/stats"
	"github.com/fmadio/fcap/internal/wire"
)

// IdleTimeout is the maximum time the merger may go without advancing
// before the orchestrator raises a fatal abort (spec.md §4.I, scenario 5).
const IdleTimeout = 10 * time.Second

// Config configures a transfer run.
type Config struct {
	ServerIP        string
	DataPortBase    int // 10010 + worker-id
	ConnectionCount int
	CPUAffinity     []int // one entry per worker, -1 or omitted means "no pin"

	ChunkPoolSize     int
	QueueCapacity     int // must be a power of two
	BackpressureDepth uint64

	RateLimitBytesPerSec float64 // 0 disables receiver-side rate limiting

	Sink sink.Dispatcher

	// Quiet suppresses the once-per-second stats.Reporter (SPEC_FULL.md
	// §12's -q flag).
	Quiet bool

	Logger *slog.Logger
}

// Summary reports the outcome of a completed transfer.
type Summary struct {
	TotalBytes   int64
	TotalPackets uint32
	Duration     time.Duration
}

// Run executes one GET transfer to completion: opens the data connections,
// spawns workers, runs the merger, and returns once EOF has propagated and
// every sink has been closed and flushed.
func Run(ctx context.Context, cfg Config) (Summary, error) {
	logger := cfg.Logger.With("component", "orchestrator")
	start := time.Now()

	if err := cfg.Sink.Write(wire.NewPCAPGlobalHeader().MarshalBinary()); err != nil {
		return Summary{}, fmt.Errorf("orchestrator: writing PCAP global header: %w", err)
	}

	pool := chunkpool.New(cfg.ChunkPoolSize)

	queues := make([]*spscqueue.Queue, cfg.ConnectionCount)
	for i := range queues {
		queues[i] = spscqueue.New(cfg.QueueCapacity)
	}

	var eofSeqNo atomic.Uint32
	var stop atomic.Bool

	conns := make([]net.Conn, cfg.ConnectionCount)
	for i := 0; i < cfg.ConnectionCount; i++ {
		addr := fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.DataPortBase+i)
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			closeAll(conns[:i])
			return Summary{}, fmt.Errorf("orchestrator: dialing data connection %d (%s): %w", i, addr, err)
		}
		if err := tuneSocket(conn); err != nil {
			logger.Warn("orchestrator: socket tuning failed", "worker", i, "error", err)
		}
		conns[i] = conn
	}
	defer closeAll(conns)

	var limiter *rate.Limiter
	if cfg.RateLimitBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBytesPerSec), int(cfg.RateLimitBytesPerSec))
	}

	workers := make([]*receiver.Worker, cfg.ConnectionCount)
	var wg sync.WaitGroup
	workerErrs := make([]error, cfg.ConnectionCount)

	for i := 0; i < cfg.ConnectionCount; i++ {
		w := receiver.New(receiver.Config{
			ID:                    i,
			Conn:                  conns[i],
			Pool:                  pool,
			Queue:                 queues[i],
			EOFSeqNo:              &eofSeqNo,
			Stop:                  &stop,
			Limiter:               limiter,
			BackpressureThreshold: cfg.BackpressureDepth,
			Logger:                logger,
		})
		workers[i] = w

		pin := -1
		if i < len(cfg.CPUAffinity) {
			pin = cfg.CPUAffinity[i]
		}

		wg.Add(1)
		go func(idx int, pinTo int) {
			defer wg.Done()
			if pinTo >= 0 {
				// A pinned goroutine must own its OS thread for the
				// lifetime of the pin, or the scheduler may migrate it.
				runtime.LockOSThread()
				if err := pinCurrentGoroutine(pinTo); err != nil {
					logger.Warn("orchestrator: cpu pin failed", "worker", idx, "cpu", pinTo, "error", err)
				}
			}
			if err := workers[idx].Run(); err != nil {
				workerErrs[idx] = err
				logger.Error("orchestrator: worker exited with error", "worker", idx, "error", err)
				stop.Store(true) // a failed worker is fatal; wake the others and the merger
			}
		}(i, pin)
	}

	watchdog := newIdleWatchdog(IdleTimeout)
	m := merger.New(queues, pool, cfg.Sink, &eofSeqNo, watchdog.Tick, logger)

	var reporter *stats.Reporter
	if !cfg.Quiet {
		workerStats := make([]stats.WorkerStats, cfg.ConnectionCount)
		for i, w := range workers {
			workerStats[i] = stats.WorkerStats{ID: i, Stats: &w.Stats}
		}
		reporter = stats.New(workerStats, &m.Stats, logger)
		reporter.Start()
		defer reporter.Stop()
	}

	mergerErrCh := make(chan error, 1)
	go func() {
		mergerErrCh <- m.Run(stop.Load)
	}()

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	watchdogFired := make(chan struct{})
	go func() {
		if watchdog.Wait(watchdogCtx) {
			close(watchdogFired)
		}
		// Either the watchdog fired or ctx was cancelled (for example by
		// SIGINT/SIGTERM in cmd/fcap): both stop the workers and the merger.
		stop.Store(true)
	}()

	var mergerErr error
	select {
	case mergerErr = <-mergerErrCh:
	case <-watchdogFired:
		mergerErr = <-mergerErrCh
		if mergerErr == nil {
			mergerErr = fmt.Errorf("orchestrator: idle watchdog fired after %s without progress", IdleTimeout)
		}
	}
	if mergerErr == nil && ctx.Err() != nil {
		mergerErr = fmt.Errorf("orchestrator: transfer interrupted: %w", ctx.Err())
	}
	cancelWatchdog()

	stop.Store(true)
	closeAll(conns)
	wg.Wait()

	if err := cfg.Sink.Close(); err != nil {
		if mergerErr == nil {
			mergerErr = fmt.Errorf("orchestrator: closing sink: %w", err)
		}
	}

	if mergerErr != nil {
		return Summary{}, mergerErr
	}
	for i, err := range workerErrs {
		if err != nil {
			return Summary{}, fmt.Errorf("orchestrator: worker %d: %w", i, err)
		}
	}

	return Summary{
		TotalBytes:   m.Stats.BytesEmitted.Load(),
		TotalPackets: uint32(m.Stats.PacketsEmitted.Load()),
		Duration:     time.Since(start),
	}, nil
}

func closeAll(conns []net.Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}

// tuneSocket sets a generous receive buffer (256 MiB, per spec.md §5) so
// receiver workers are rarely the bottleneck waiting on the kernel socket
// buffer.
func tuneSocket(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tcpConn.SetReadBuffer(256 * 1024 * 1024)
}

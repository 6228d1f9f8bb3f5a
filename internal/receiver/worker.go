// Package receiver implements the per-connection receiver worker: drains one
// TCP connection, performs the in-place packet-header rewrite, and enqueues
// the result onto its SPSC queue (spec.md §4.C).
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/fmadio/fcap/internal/chunkpool"
	"github.com/fmadio/fcap/internal/spscqueue"
	"github.com/fmadio/fcap/internal/wire"

	"golang.org/x/time/rate"
)

// BackpressureThreshold is the queue depth (put-get) at or above which a worker
// yields instead of reading more data (spec.md §4.C step 1).
const BackpressureThreshold = 192

// yieldDelay is the sub-millisecond sleep used on pool starvation and
// queue back-pressure, standing in for the original's ndelay busy-wait.
const yieldDelay = 200 * time.Microsecond

// Stats holds the per-worker cycle counters spec.md §4.H calls for.
// Single-writer (this worker's own goroutine); reads are advisory and need
// no synchronization beyond what atomic.Int64 already gives.
type Stats struct {
	TotalCycles   atomic.Int64
	IOCycles      atomic.Int64
	RewriteCycles atomic.Int64
	StallCycles   atomic.Int64
}

// Worker drains one data connection into one SPSC queue.
type Worker struct {
	id                    int
	conn                  net.Conn
	pool                  *chunkpool.Pool
	queue                 *spscqueue.Queue
	eofSeqNo              *atomic.Uint32 // shared across all workers; published once by whoever sees EOF
	stop                  *atomic.Bool
	limiter               *rate.Limiter // optional; nil disables throttling
	backpressureThreshold uint64
	logger                *slog.Logger
	Stats                 Stats
}

// Config bundles the shared state a Worker needs, constructed once by the
// orchestrator and handed to every worker.
type Config struct {
	ID       int
	Conn     net.Conn
	Pool     *chunkpool.Pool
	Queue    *spscqueue.Queue
	EOFSeqNo *atomic.Uint32
	Stop     *atomic.Bool
	Limiter  *rate.Limiter
	// BackpressureThreshold overrides the package default when non-zero
	// (config.Config's backpressure_threshold, SPEC_FULL.md §7).
	BackpressureThreshold uint64
	Logger                *slog.Logger
}

// New constructs a Worker from cfg.
func New(cfg Config) *Worker {
	threshold := cfg.BackpressureThreshold
	if threshold == 0 {
		threshold = BackpressureThreshold
	}
	return &Worker{
		id:                    cfg.ID,
		conn:                  cfg.Conn,
		pool:                  cfg.Pool,
		queue:                 cfg.Queue,
		eofSeqNo:              cfg.EOFSeqNo,
		stop:                  cfg.Stop,
		limiter:               cfg.Limiter,
		backpressureThreshold: threshold,
		logger:                cfg.Logger.With("component", "receiver", "worker", cfg.ID),
	}
}

// Run drives the worker's state machine until an end-of-stream frame, a
// fatal read error, or the shared stop flag is set. It never returns an
// error for the end-of-stream frame — that is the normal termination path.
// A connection closed without that frame (io.EOF) is a connection failure
// and is returned as an error, like any other read error.
func (w *Worker) Run() error {
	headerBuf := make([]byte, wire.PacketHeaderSize)

	for {
		if w.stop.Load() {
			return nil
		}

		w.Stats.TotalCycles.Add(1)

		if w.queue.Depth() >= w.backpressureThreshold {
			w.Stats.StallCycles.Add(1)
			w.yield()
			continue
		}

		c, ok := w.pool.Alloc()
		if !ok {
			w.Stats.StallCycles.Add(1)
			w.yield()
			continue
		}

		if err := w.readChunk(c, headerBuf); err != nil {
			w.pool.Free(c)
			if errors.Is(err, errWorkerEOFFrame) {
				return nil
			}
			w.logger.Error("receiver worker failed", "error", err)
			return err
		}

		for !w.queue.TryPush(c) {
			// Should not normally happen: we already checked Depth() above,
			// but another observer could have raced the back-pressure
			// window between the check and this push. Yield and retry.
			w.Stats.StallCycles.Add(1)
			w.yield()
		}
	}
}

var errWorkerEOFFrame = errors.New("receiver: clean end-of-stream frame")

// readChunk reads one wire-framed chunk (header + payload) into c and
// performs the in-place rewrite. A returned errWorkerEOFFrame signals a
// clean, expected termination.
func (w *Worker) readChunk(c *chunkpool.Chunk, headerBuf []byte) error {
	ioStart := time.Now()
	if _, err := io.ReadFull(w.throttledReader(), headerBuf); err != nil {
		return fmt.Errorf("reading wire header: %w", err)
	}
	w.Stats.IOCycles.Add(int64(time.Since(ioStart)))

	hdr := wire.UnmarshalPacketHeader(headerBuf)

	if hdr.IsEOF() {
		if hdr.SeqNo != 0 {
			w.eofSeqNo.Store(hdr.SeqNo)
		}
		return errWorkerEOFFrame
	}

	if hdr.SeqNo == 0 {
		panic("receiver: protocol violation: seq_no 0 on a non-EOF chunk")
	}

	c.SeqNo = hdr.SeqNo
	c.XferLength = hdr.XferLength
	c.DataLength = hdr.DataLength
	c.Flag = hdr.Flag

	if int(hdr.XferLength) > len(c.Payload) {
		return fmt.Errorf("receiver: xfer_length %d exceeds chunk payload capacity %d", hdr.XferLength, len(c.Payload))
	}

	ioStart = time.Now()
	if _, err := io.ReadFull(w.throttledReader(), c.Payload[:hdr.XferLength]); err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	w.Stats.IOCycles.Add(int64(time.Since(ioStart)))

	rewriteStart := time.Now()
	pktCount, err := wire.Rewrite(c.Payload[:], hdr.DataLength)
	if err != nil {
		panic(fmt.Sprintf("receiver: malformed chunk seq=%d: %v", hdr.SeqNo, err))
	}
	c.PktCount = pktCount
	w.Stats.RewriteCycles.Add(int64(time.Since(rewriteStart)))

	return nil
}

func (w *Worker) throttledReader() io.Reader {
	if w.limiter == nil {
		return w.conn
	}
	return &rateLimitedReader{r: w.conn, limiter: w.limiter}
}

func (w *Worker) yield() {
	runtime.Gosched()
	time.Sleep(yieldDelay)
}

// rateLimitedReader applies an optional golang.org/x/time/rate.Limiter to a
// receiver worker's reads, giving the connection_count-style configuration
// surface a matching max_read_bytes_per_sec throttle (SPEC_FULL.md §11).
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	// WaitN rejects requests larger than the burst without waiting, so a
	// single read is capped at the burst size.
	if b := rl.limiter.Burst(); b > 0 && len(p) > b {
		p = p[:b]
	}
	n, err := rl.r.Read(p)
	if n > 0 {
		_ = rl.limiter.WaitN(context.Background(), n)
	}
	return n, err
}

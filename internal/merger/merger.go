// Package merger implements the reorder/merge stage: it scans every
// receiver worker's queue for the next expected global sequence number and
// emits chunks through the sink dispatcher in strict ascending order
// (spec.md §4.D).
package merger

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fmadio/fcap/internal/chunkpool"
	"github.com/fmadio/fcap/internal/spscqueue"
)

// idleSleep is the short delay taken when a full scan advances nothing.
const idleSleep = 200 * time.Microsecond

// Sink is the minimal surface the merger needs from the sink dispatcher.
type Sink interface {
	Write(payload []byte) error
}

// Stats holds the merger's own cycle counters (spec.md §4.H), plus running
// totals used for the orchestrator's transfer summary.
type Stats struct {
	TotalCycles         atomic.Int64
	DiskSinkWriteCycles atomic.Int64
	BytesEmitted        atomic.Int64
	PacketsEmitted      atomic.Int64
}

// Merger runs single-threaded, on the one goroutine orchestrator.Run starts
// for it.
type Merger struct {
	queues   []*spscqueue.Queue
	pool     *chunkpool.Pool
	sink     Sink
	eofSeqNo *atomic.Uint32
	onAdvance func() // called after every successful emit, e.g. to feed the idle watchdog
	logger   *slog.Logger

	nextSeq uint32
	Stats   Stats
}

// New constructs a Merger over the given per-worker queues.
func New(queues []*spscqueue.Queue, pool *chunkpool.Pool, sink Sink, eofSeqNo *atomic.Uint32, onAdvance func(), logger *slog.Logger) *Merger {
	return &Merger{
		queues:    queues,
		pool:      pool,
		sink:      sink,
		eofSeqNo:  eofSeqNo,
		onAdvance: onAdvance,
		logger:    logger.With("component", "merger"),
		nextSeq:   1,
	}
}

// Run loops until the published EOF sequence number equals the next
// expected sequence number, or stop reports true.
func (m *Merger) Run(stop func() bool) error {
	for {
		if stop != nil && stop() {
			return nil
		}

		if eof := m.eofSeqNo.Load(); eof != 0 && eof == m.nextSeq {
			return nil
		}

		m.Stats.TotalCycles.Add(1)

		advanced, err := m.scanOnce()
		if err != nil {
			return err
		}
		if !advanced {
			time.Sleep(idleSleep)
		}
	}
}

// scanOnce performs one pass over every queue in index order, emitting at
// most one chunk (spec.md §4.D: at most one queue can hold next_seq at any
// time, so the scan order is immaterial for correctness).
func (m *Merger) scanOnce() (advanced bool, err error) {
	for _, q := range m.queues {
		c, ok := q.PeekHead()
		if !ok {
			continue
		}
		if c.SeqNo != m.nextSeq {
			continue
		}

		if c.DataLength > 0 {
			writeStart := time.Now()
			if werr := m.sink.Write(c.Payload[:c.DataLength]); werr != nil {
				return false, fmt.Errorf("merger: writing seq %d: %w", c.SeqNo, werr)
			}
			m.Stats.DiskSinkWriteCycles.Add(int64(time.Since(writeStart)))
			m.Stats.BytesEmitted.Add(int64(c.DataLength))
			m.Stats.PacketsEmitted.Add(int64(c.PktCount))
		}

		if _, ok := q.TryPop(); !ok {
			// Unreachable for a correct SPSC producer/consumer pairing:
			// PeekHead and TryPop are both called only from this single
			// consumer goroutine.
			panic("merger: queue head vanished between peek and pop")
		}

		m.pool.Free(c)
		m.nextSeq++
		if m.onAdvance != nil {
			m.onAdvance()
		}
		return true, nil
	}
	return false, nil
}

// NextSeq returns the next expected sequence number, for tests and stats.
func (m *Merger) NextSeq() uint32 {
	return m.nextSeq
}

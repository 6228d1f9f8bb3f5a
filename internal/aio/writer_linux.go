//go:build linux

package aio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StagingBufferSize is the fixed block size submitted per AIO write
// (spec.md §3 Write ring, §4.E).
const StagingBufferSize = 256 * 1024

// WriteRingDepth is the number of page-aligned staging buffers in the write
// ring (R in spec.md §3).
const WriteRingDepth = 16

// SubmitDepth is the submission depth configured at io_setup — the kernel's
// own queue-depth limit. Design Notes §9 flags this as an order of
// magnitude larger than OpFreeListSize; OpFreeListSize is the effective
// limit in practice.
const SubmitDepth = 4096

// OpFreeListSize is the number of async-op records drawn from the fixed
// free list, matching original_source/fAIO.c's AIOOpMax=256. This, not
// SubmitDepth, is what actually bounds outstanding operations.
const OpFreeListSize = 256

// completionBatch is the number of completion records drained per Update
// call (spec.md §4.E: "drain up to a batch (e.g., 128)").
const completionBatch = 128

// submitRetryLimit is the bounded retry count for a rejected submission
// before it is treated as fatal (spec.md §7).
const submitRetryLimit = 1000

const (
	opStateFree = iota
	opStatePending
	opStateComplete
)

// op is one async-operation record, drawn from a fixed free list.
type op struct {
	iocb    iocb
	next    *op // free-list link
	kickAt  time.Time
	state   int
	isWrite bool
	length  int
}

// Writer owns an async-I/O context and the write ring described in
// spec.md §3/§4.E. WriteBlock's contract is the spec's literal operation:
// length must equal StagingBufferSize. The
// 1MiB accumulation of arbitrary-length input belongs to sink.DiskSink, one
// layer up, matching original_source/main.c's split between DataWrite
// (accumulator) and fAIO_Write (fixed-block submitter).
//
// Not safe for concurrent use — the disk sink is its sole caller, on the
// merger goroutine.
type Writer struct {
	fd        int
	ctx       aioContextT
	eventFD   int
	logger    *slog.Logger
	Histogram Histogram

	opFree    *op
	opPending atomic.Int32

	ringOp      [WriteRingDepth]*op
	ringBuf     [WriteRingDepth][]byte // page-aligned staging buffers, allocated on first use
	ringPut     uint32
	ringGet     uint32
	writeOffset int64
}

// Open creates an AIO context over fd (which must already be opened with
// O_DIRECT) and allocates the op free list.
func Open(fd int, logger *slog.Logger) (*Writer, error) {
	ctx, err := ioSetup(SubmitDepth)
	if err != nil {
		return nil, fmt.Errorf("aio: io_setup: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		ioDestroy(ctx)
		return nil, fmt.Errorf("aio: eventfd: %w", err)
	}

	w := &Writer{
		fd:      fd,
		ctx:     ctx,
		eventFD: efd,
		logger:  logger.With("component", "aio"),
	}

	ops := make([]op, OpFreeListSize)
	for i := range ops {
		ops[i].state = opStateFree
		ops[i].next = w.opFree
		w.opFree = &ops[i]
	}

	return w, nil
}

// Close destroys the AIO context and the eventfd. Callers must call Flush
// first to guarantee durability.
func (w *Writer) Close() error {
	if err := ioDestroy(w.ctx); err != nil {
		return fmt.Errorf("aio: io_destroy: %w", err)
	}
	return unix.Close(w.eventFD)
}

// ErrBackpressure is returned by WriteBlock when the ring has no free slot.
var ErrBackpressure = errors.New("aio: write ring full")

// AllocStagingBuffer returns a page-aligned buffer of exactly
// StagingBufferSize bytes, suitable for direct I/O and for WriteBlock.
func AllocStagingBuffer() []byte {
	return alignedBuffer(StagingBufferSize)
}

// AllocStagingBuffer4x returns a page-aligned buffer four times
// StagingBufferSize, suitable for a sink's 1 MiB accumulator — slicing it
// into four contiguous StagingBufferSize blocks keeps every block
// page-aligned too, since StagingBufferSize is itself a multiple of the
// page size.
func AllocStagingBuffer4x() []byte {
	return alignedBuffer(4 * StagingBufferSize)
}

// WriteBlock copies buf (which must be exactly StagingBufferSize bytes) into
// the ring's next page-aligned staging buffer and submits that buffer at the
// next ascending file offset. The caller may reuse buf as soon as WriteBlock
// returns. It advances the ring head and kicks the submission queue.
// Returns ErrBackpressure when the ring has no free slot (spec.md §4.E).
func (w *Writer) WriteBlock(buf []byte) error {
	if len(buf) != StagingBufferSize {
		return fmt.Errorf("aio: WriteBlock requires exactly %d bytes, got %d", StagingBufferSize, len(buf))
	}

	if w.ringPut-w.ringGet >= WriteRingDepth-1 {
		return ErrBackpressure
	}

	slot := w.ringPut & (WriteRingDepth - 1)
	if w.ringBuf[slot] == nil {
		w.ringBuf[slot] = alignedBuffer(StagingBufferSize)
	}
	copy(w.ringBuf[slot], buf)

	o, err := w.submitWithRetry(w.ringBuf[slot], w.writeOffset)
	if err != nil {
		return err
	}

	w.ringOp[slot] = o
	w.ringPut++
	w.writeOffset += StagingBufferSize
	return nil
}

func (w *Writer) submitWithRetry(buf []byte, offset int64) (*op, error) {
	lastErr := errors.New("op free list full")
	for attempt := 0; attempt < submitRetryLimit; attempt++ {
		o, ok := w.queueOp(buf, offset)
		if ok {
			_, err := ioSubmit(w.ctx, []*iocb{&o.iocb})
			if err == nil {
				return o, nil
			}
			w.opPending.Add(-1)
			w.releaseOp(o)
			lastErr = fmt.Errorf("io_submit: %w", err)
		}
		w.Update()
	}
	return nil, fmt.Errorf("aio: submission exhausted after %d retries: %w", submitRetryLimit, lastErr)
}

func (w *Writer) queueOp(buf []byte, offset int64) (*op, bool) {
	if w.opFree == nil {
		return nil, false
	}
	o := w.opFree
	w.opFree = o.next
	o.next = nil
	o.state = opStatePending
	o.isWrite = true
	o.length = len(buf)
	o.kickAt = time.Now()

	o.iocb = iocb{
		aioFildes:    uint32(w.fd),
		aioLioOpcode: iocbCmdPwrite,
		aioBuf:       uint64(uintptr(unsafe.Pointer(&buf[0]))),
		aioNbytes:    uint64(len(buf)),
		aioOffset:    offset,
		aioFlags:     iocbFlagResFD,
		aioResFD:     uint32(w.eventFD),
		aioData:      uint64(uintptr(unsafe.Pointer(o))),
	}

	w.opPending.Add(1)
	return o, true
}

func (w *Writer) releaseOp(o *op) {
	o.state = opStateFree
	o.length = 0
	o.next = w.opFree
	w.opFree = o
}

// Update performs a non-blocking check of the eventfd and, if signalled,
// drains up to completionBatch completion records (spec.md §4.E).
func (w *Writer) Update() {
	var counter [8]byte
	n, err := unix.Read(w.eventFD, counter[:])
	if err != nil || n != 8 {
		return // EAGAIN or nothing pending: nothing to drain
	}

	events := make([]ioEvent, completionBatch)
	got, err := ioGetevents(w.ctx, 0, completionBatch, events)
	if err != nil {
		w.logger.Error("aio: io_getevents failed", "error", err)
		return
	}

	for i := 0; i < got; i++ {
		ev := events[i]
		// Safe to round-trip through uintptr: the real *op pointer stays
		// reachable via ringOp for as long as the kernel can return this
		// completion, so the GC never reclaims it out from under us.
		o := (*op)(unsafe.Pointer(uintptr(ev.data)))
		o.state = opStateComplete
		w.opPending.Add(-1)

		latency := time.Since(o.kickAt)
		w.Histogram.record(o.isWrite, latency)

		if ev.res < 0 {
			w.logger.Error("aio: completion reported negative result", "res", ev.res)
		} else if int(ev.res) != o.length {
			w.logger.Warn("aio: completion byte-count mismatch", "requested", o.length, "got", ev.res)
		}
	}
}

// WriteUpdate inspects the oldest ring slot; if its op is COMPLETE, it is
// released and the ring tail advances. This decouples reclamation from
// emission (spec.md §4.E).
func (w *Writer) WriteUpdate() {
	if w.ringGet == w.ringPut {
		return
	}
	o := w.ringOp[w.ringGet&(WriteRingDepth-1)]
	if o == nil || o.state != opStateComplete {
		return
	}
	w.releaseOp(o)
	w.ringOp[w.ringGet&(WriteRingDepth-1)] = nil
	w.ringGet++
}

// Flush spin-loops Update + WriteUpdate until the ring is fully drained
// (put == get), guaranteeing durability before the file descriptor is
// reused or closed.
func (w *Writer) Flush() {
	for w.ringGet != w.ringPut {
		w.Update()
		w.WriteUpdate()
	}
}

// Pending returns the number of async operations currently PENDING.
func (w *Writer) Pending() int {
	return int(w.opPending.Load())
}

// alignedBuffer allocates a page-aligned buffer of size n, required by
// direct I/O. It over-allocates by one page and slices to the aligned
// offset, matching the memalign-via-oversized-malloc trick in
// original_source/fAIO.c's WriteUnaligned allocation.
func alignedBuffer(n int) []byte {
	const pageSize = 4096
	raw := make([]byte, n+pageSize)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := (pageSize - int(addr%pageSize)) % pageSize
	return raw[offset : offset+n : offset+n]
}

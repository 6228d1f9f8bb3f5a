//go:build linux

package sink

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fmadio/fcap/internal/aio"

	"golang.org/x/sys/unix"
)

// accumulatorSize is the disk sink's own page-aligned staging buffer — 1
// MiB, four times aio.StagingBufferSize — matching
// original_source/main.c's DataWrite accumulation buffer.
const accumulatorSize = 4 * aio.StagingBufferSize

// DiskSink accumulates arbitrary-length writes into a page-aligned 1 MiB
// buffer; when it fills, its four 256 KiB blocks are submitted through the
// async writer, and any remainder is copied into the now-empty buffer
// (spec.md §4.F).
type DiskSink struct {
	path   string
	file   *os.File
	writer *aio.Writer
	logger *slog.Logger

	accum []byte
	pos   int

	totalWritten int64
}

// OpenDiskSink opens path with O_DIRECT|O_CREAT|O_TRUNC and wires up an
// async writer over it. A failure here is fatal at startup, with no
// partial state (spec.md §7).
func OpenDiskSink(path string, logger *slog.Logger) (*DiskSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_DIRECT, 0644)
	if err != nil {
		return nil, fmt.Errorf("disk sink: open %s: %w", path, err)
	}

	w, err := aio.Open(int(f.Fd()), logger)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk sink: aio open: %w", err)
	}

	return &DiskSink{
		path:   path,
		file:   f,
		writer: w,
		logger: logger.With("component", "disk_sink"),
		accum:  aio.AllocStagingBuffer4x(),
	}, nil
}

// Write accumulates payload, submitting full 256 KiB blocks to the async
// writer as the accumulator fills.
func (d *DiskSink) Write(payload []byte) error {
	for len(payload) > 0 {
		n := copy(d.accum[d.pos:], payload)
		d.pos += n
		payload = payload[n:]
		d.totalWritten += int64(n)

		if d.pos < len(d.accum) {
			continue
		}

		if err := d.flushFullBlocks(); err != nil {
			return err
		}
		d.pos = 0
	}
	// Reclaim completed async ops opportunistically between writes so the
	// ring doesn't wait until the next fill to make progress.
	d.writer.Update()
	d.writer.WriteUpdate()
	return nil
}

// flushFullBlocks submits the four 256 KiB blocks currently filling the
// accumulator.
func (d *DiskSink) flushFullBlocks() error {
	for i := 0; i < 4; i++ {
		block := d.accum[i*aio.StagingBufferSize : (i+1)*aio.StagingBufferSize]
		if err := d.submitWithBackpressureRetry(block); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiskSink) submitWithBackpressureRetry(block []byte) error {
	for {
		err := d.writer.WriteBlock(block)
		if err == nil {
			return nil
		}
		if err != aio.ErrBackpressure {
			return fmt.Errorf("disk sink: %w", err)
		}
		d.writer.Update()
		d.writer.WriteUpdate()
		time.Sleep(100 * time.Microsecond)
	}
}

// Close flushes all in-flight async writes, then reopens the file in
// append mode and writes the unaligned tail synchronously — direct I/O
// requires aligned lengths, and the tail cannot be aligned without padding
// the file (spec.md §4.F).
func (d *DiskSink) Close() error {
	d.writer.Flush()
	if err := d.writer.Close(); err != nil {
		d.logger.Error("disk sink: closing aio writer", "error", err)
	}
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("disk sink: closing aligned fd: %w", err)
	}

	if d.pos == 0 {
		return nil
	}

	tail, err := os.OpenFile(d.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("disk sink: reopening for tail append: %w", err)
	}
	defer tail.Close()

	if _, err := tail.Write(d.accum[:d.pos]); err != nil {
		return fmt.Errorf("disk sink: writing unaligned tail: %w", err)
	}
	return nil
}

// TotalWritten returns the total number of payload bytes accepted by
// Write, for the transfer summary and testable-property checks.
func (d *DiskSink) TotalWritten() int64 {
	return d.totalWritten
}

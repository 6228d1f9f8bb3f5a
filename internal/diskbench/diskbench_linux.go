//go:build linux

// Package diskbench implements the local direct-I/O sequential-write
// throughput benchmark invoked via --test <bytes> (SPEC_FULL.md §12,
// grounded on original_source/main.c's TestStream: no network I/O, just
// repeated fixed-size async writes of a pseudo-random buffer so the kernel
// can't short-circuit the write via compression).
package diskbench

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fmadio/fcap/internal/aio"
)

// Result summarizes a completed benchmark run.
type Result struct {
	TotalBytes int64
	Duration   time.Duration
	Gbps       float64
}

// Run writes totalBytes of pseudo-random data to path using direct I/O and
// the async writer, rounded up to a whole number of aio.StagingBufferSize
// blocks, reporting throughput once per second unless quiet.
func Run(path string, totalBytes int64, quiet bool, logger *slog.Logger) (Result, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|unix.O_DIRECT, 0644)
	if err != nil {
		return Result{}, fmt.Errorf("diskbench: open %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(totalBytes); err != nil {
		logger.Warn("diskbench: truncate failed", "error", err)
	}

	w, err := aio.Open(int(f.Fd()), logger)
	if err != nil {
		return Result{}, fmt.Errorf("diskbench: aio open: %w", err)
	}
	defer w.Close()

	buf := lcgFill(aio.AllocStagingBuffer())

	start := time.Now()
	var totalWritten int64
	lastReport := start
	lastByte := int64(0)

	for totalWritten < totalBytes {
		w.Update()
		w.WriteUpdate()

		if err := w.WriteBlock(buf); err != nil {
			if err == aio.ErrBackpressure {
				continue
			}
			return Result{}, fmt.Errorf("diskbench: write: %w", err)
		}
		totalWritten += int64(len(buf))

		if !quiet {
			now := time.Now()
			if now.Sub(lastReport) >= time.Second {
				dBytes := float64(totalWritten - lastByte)
				dT := now.Sub(lastReport).Seconds()
				logger.Info("diskbench progress",
					"gb_written", float64(totalWritten)/1e9,
					"gbps", (dBytes*8/dT)/1e9,
				)
				lastReport = now
				lastByte = totalWritten
			}
		}
	}

	w.Flush()

	dur := time.Since(start)
	gbps := (float64(totalWritten) * 8 / dur.Seconds()) / 1e9

	if !quiet {
		logger.Info("diskbench complete", "gb_written", float64(totalWritten)/1e9, "gbps", gbps)
	}

	return Result{TotalBytes: totalWritten, Duration: dur, Gbps: gbps}, nil
}

// lcgFill fills buf with the same linear-congruential pattern
// original_source/main.c's TestStream uses, so repeated direct-I/O writes
// can't be silently elided by the kernel as a run of identical zero pages.
func lcgFill(buf []byte) []byte {
	rnd := uint32(0x12345678)
	for i := range buf {
		buf[i] = byte(rnd >> 16)
		rnd = rnd*214013 + 2531011
	}
	return buf
}

//go:build !linux

package diskbench

import (
	"log/slog"
	"time"

	"github.com/fmadio/fcap/internal/aio"
)

// Result summarizes a completed benchmark run.
type Result struct {
	TotalBytes int64
	Duration   time.Duration
	Gbps       float64
}

// Run always fails on non-Linux platforms; direct I/O benchmarking requires
// the Linux AIO syscalls.
func Run(path string, totalBytes int64, quiet bool, logger *slog.Logger) (Result, error) {
	return Result{}, aio.ErrUnsupported
}

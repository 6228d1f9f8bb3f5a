//go:build linux

package aio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// aioContextT mirrors the kernel's aio_context_t: an opaque handle returned
// by io_setup and passed to every other AIO syscall.
type aioContextT uintptr

// iocb mirrors struct iocb from original_source/fAIO.h field for field; the
// kernel ABI requires this exact layout.
type iocb struct {
	aioData       uint64
	aioKey        uint32
	aioReserved1  uint32
	aioLioOpcode  uint16
	aioReqPrio    int16
	aioFildes     uint32
	aioBuf        uint64
	aioNbytes     uint64
	aioOffset     int64
	aioReserved2  uint64
	aioFlags      uint32
	aioResFD      uint32
}

// ioEvent mirrors struct io_event from original_source/fAIO.h.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
	iocbFlagResFD = 1 << 0
)

func ioSetup(nrEvents uint32) (aioContextT, error) {
	var ctx aioContextT
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func ioDestroy(ctx aioContextT) error {
	_, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, uintptr(ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioSubmit(ctx aioContextT, iocbs []*iocb) (int, error) {
	if len(iocbs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(ctx), uintptr(len(iocbs)), uintptr(unsafe.Pointer(&iocbs[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// ioGetevents drains up to len(events) completions. A zero timeout makes
// the call non-blocking, matching fAIO_Update's poll-then-drain pattern in
// original_source/fAIO.c.
func ioGetevents(ctx aioContextT, minNr, maxNr int, events []ioEvent) (int, error) {
	timeout := unix.Timespec{Sec: 0, Nsec: 0}
	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(ctx), uintptr(minNr), uintptr(maxNr),
		uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(&timeout)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

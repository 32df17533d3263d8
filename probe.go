package iuring

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rsveldema/iuring/internal/logging"
)

// io_uring opcodes this core cares about, from linux/io_uring.h.
const (
	opSendmsg uint8 = 9
	opRecvmsg uint8 = 10
	opAccept  uint8 = 13
	opConnect uint8 = 16
	opClose   uint8 = 19
	opSend    uint8 = 26
	opRecv    uint8 = 27
)

const (
	ioringRegisterProbe = 8
	ioringOpSupported   = 1 << 0
	probeOpCount        = 256
)

// probeOp matches struct io_uring_probe_op.
type probeOp struct {
	Op    uint8
	Resv  uint8
	Flags uint16
	Resv2 uint32
}

// uringProbe matches struct io_uring_probe with a full op table.
type uringProbe struct {
	LastOp uint8
	OpsLen uint8
	Resv   uint16
	Resv2  [3]uint32
	Ops    [probeOpCount]probeOp
}

// probeSupportedOps asks the kernel which opcodes the ring supports.
func probeSupportedOps(ringFd int) (map[uint8]bool, error) {
	var p uringProbe
	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(ringFd),
		ioringRegisterProbe,
		uintptr(unsafe.Pointer(&p)),
		probeOpCount,
		0, 0,
	)
	if errno != 0 {
		return nil, NewErrorWithErrno("PROBE", ErrCodeKernelNotSupported, errno)
	}

	supported := make(map[uint8]bool)
	n := int(p.OpsLen)
	if n > probeOpCount {
		n = probeOpCount
	}
	for i := 0; i < n; i++ {
		if p.Ops[i].Flags&ioringOpSupported != 0 {
			supported[p.Ops[i].Op] = true
		}
	}
	return supported, nil
}

// assertRequiredOps verifies the ops the driver submits are all present.
func assertRequiredOps(ringFd int, logger *logging.Logger) error {
	supported, err := probeSupportedOps(ringFd)
	if err != nil {
		logger.Error("op probe failed, requires kernel >= 6.0", "error", err)
		return err
	}

	required := []struct {
		op   uint8
		name string
	}{
		{opAccept, "ACCEPT"},
		{opRecv, "RECV"},
		{opRecvmsg, "RECVMSG"},
		{opSend, "SEND"},
		{opSendmsg, "SENDMSG"},
		{opClose, "CLOSE"},
		{opConnect, "CONNECT"},
	}
	for _, r := range required {
		if !supported[r.op] {
			logger.Error("kernel missing io_uring op, requires kernel >= 6.0", "op", r.name)
			return NewError("PROBE", ErrCodeKernelNotSupported, "missing io_uring op "+r.name)
		}
	}
	return nil
}

package iuring

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rsveldema/iuring/internal/logging"
)

// OpKind is the operation a work item has in flight.
type OpKind int

const (
	OpUnknown OpKind = iota
	OpAccept
	OpConnect
	OpRecv
	OpSend
	OpClose
)

func (k OpKind) String() string {
	switch k {
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	case OpClose:
		return "close"
	}
	return "unknown"
}

type workItemState int

const (
	stateInUse workItemState = iota
	stateFree
)

// WorkItem is the bookkeeping for one in-flight kernel operation. Its
// (id, generation) pair is the user-data carried through the kernel; the
// generation is bumped on free so a late completion for a recycled id can
// be told apart from the current occupant.
type WorkItem struct {
	id    uint32
	gen   uint32
	kind  OpKind
	state workItemState

	socket *Socket
	descr  string
	logger *logging.Logger

	// exactly one callback is set, matching kind
	acceptCB  AcceptCallback
	connectCB ConnectCallback
	recvCB    RecvCallback
	sendCB    SendCallback
	closeCB   CloseCallback

	// scratch handed to the kernel: peer sockaddr for accept/connect, the
	// message header and single-entry iovec for datagram traffic
	rsa    unix.RawSockaddrAny
	rsaLen uint32
	msg    syscall.Msghdr
	iov    [1]syscall.Iovec

	// outbound payload staging
	packet *SendPacket

	// link the next submission to this one at the kernel
	linkNext bool
}

// ID returns the pool id. Stable across re-armed completions.
func (w *WorkItem) ID() uint32 {
	return w.id
}

// Kind returns the operation kind.
func (w *WorkItem) Kind() OpKind {
	return w.kind
}

// Socket returns the socket the operation targets.
func (w *WorkItem) Socket() *Socket {
	return w.socket
}

// Descr returns the human-readable tag given at allocation.
func (w *WorkItem) Descr() string {
	return w.descr
}

func (w *WorkItem) isFree() bool {
	return w.state == stateFree
}

func (w *WorkItem) markFree() {
	if w.state != stateInUse {
		panic("iuring: freeing work item that is not in use")
	}
	w.state = stateFree
}

func (w *WorkItem) isStream() bool {
	return w.socket.IsStream()
}

// userData packs (generation, id) into the 64-bit value bound to the SQE.
func (w *WorkItem) userData() uint64 {
	return packUserData(w.id, w.gen)
}

func packUserData(id, gen uint32) uint64 {
	return uint64(gen)<<32 | uint64(id)
}

func unpackUserData(ud uint64) (id, gen uint32) {
	return uint32(ud), uint32(ud >> 32)
}

func (w *WorkItem) setAcceptCallback(cb AcceptCallback) {
	w.kind = OpAccept
	w.acceptCB = cb
}

func (w *WorkItem) setConnectCallback(target IPAddress, cb ConnectCallback) {
	w.rsaLen = target.writeSockaddr(&w.rsa)
	w.kind = OpConnect
	w.connectCB = cb
}

func (w *WorkItem) setRecvCallback(cb RecvCallback) {
	w.kind = OpRecv
	w.recvCB = cb
}

func (w *WorkItem) setSendCallback(cb SendCallback) {
	w.kind = OpSend
	w.sendCB = cb
}

func (w *WorkItem) setCloseCallback(cb CloseCallback) {
	w.kind = OpClose
	w.closeCB = cb
}

// The call* helpers assert that the stored callback matches the operation
// kind the completion was dispatched for.

func (w *WorkItem) callAccept(res AcceptResult) {
	if w.kind != OpAccept || w.acceptCB == nil {
		panic("iuring: accept completion on non-accept work item")
	}
	w.acceptCB(res)
}

func (w *WorkItem) callConnect(res ConnectResult) {
	if w.kind != OpConnect || w.connectCB == nil {
		panic("iuring: connect completion on non-connect work item")
	}
	w.connectCB(res)
}

func (w *WorkItem) callRecv(msg *ReceivedMessage) ReceivePostAction {
	if w.kind != OpRecv || w.recvCB == nil {
		panic("iuring: recv completion on non-recv work item")
	}
	return w.recvCB(msg)
}

func (w *WorkItem) callSend(res SendResult) {
	if w.kind != OpSend || w.sendCB == nil {
		panic("iuring: send completion on non-send work item")
	}
	w.sendCB(res)
}

func (w *WorkItem) callClose(res CloseResult) {
	if w.kind != OpClose || w.closeCB == nil {
		panic("iuring: close completion on non-close work item")
	}
	w.closeCB(res)
}

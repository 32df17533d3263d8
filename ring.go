package iuring

import (
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/rsveldema/iuring/internal/logging"
)

// Options configures a Ring.
type Options struct {
	RingEntries uint32 // submission queue depth
	Buffers     uint32 // provided buffers, power of two; half is receive pool
	BufferShift uint32 // per-buffer size is 1 << BufferShift
}

// DefaultOptions is the configuration used by the bundled programs.
var DefaultOptions = Options{
	RingEntries: 1024,
	Buffers:     1024,
	BufferShift: 12,
}

// Ring multiplexes TCP stream and UDP datagram sockets through one kernel
// submission/completion ring. Submissions prepare SQEs without entering the
// kernel; the syscall happens on Flush, which PollCompletions issues for any
// batch still pending.
//
// The ring is single-threaded cooperative: one owner thread calls the
// Submit* methods, Flush and PollCompletions. The only concession to other
// threads is SubmitSend, which merely allocates (the work pool is
// mutex-guarded); the returned handle must still be submitted from the
// owner thread.
type Ring struct {
	ring     *giouring.Ring
	bufs     *BufferPool
	pool     *WorkPool
	resolver *Resolver

	logger  *logging.Logger
	adapter *NetworkAdapter
	metrics *Metrics
	opts    Options

	pendingSubmits int
	initialized    bool
}

// New creates an uninitialized Ring. adapter may be nil when no interface
// tuning is wanted.
func New(logger *logging.Logger, adapter *NetworkAdapter, opts Options) *Ring {
	if opts.RingEntries == 0 {
		opts.RingEntries = DefaultOptions.RingEntries
	}
	if opts.Buffers == 0 {
		opts.Buffers = DefaultOptions.Buffers
	}
	if opts.BufferShift == 0 {
		opts.BufferShift = DefaultOptions.BufferShift
	}
	metrics := NewMetrics()
	return &Ring{
		pool:     newWorkPool(logger, metrics),
		resolver: newResolver(logger),
		logger:   logger,
		adapter:  adapter,
		metrics:  metrics,
		opts:     opts,
	}
}

// Init sets up the kernel ring, probes operation support and registers the
// provided-buffer pool. The ring is created with no setup flags; the
// advanced single-issuer/defer-taskrun configuration stays off until
// something needs it. Errors from Init are fatal for the instance.
func (r *Ring) Init() error {
	ring, err := giouring.CreateRing(r.opts.RingEntries)
	if err != nil {
		r.logger.Error("io_uring queue init failed", "error", err)
		return WrapError("INIT", err)
	}
	r.ring = ring

	if err := assertRequiredOps(ring.RingFd(), r.logger); err != nil {
		ring.QueueExit()
		r.ring = nil
		return err
	}

	bufs, err := newBufferPool(ring, r.opts.Buffers, r.opts.BufferShift, r.logger, r.metrics)
	if err != nil {
		ring.QueueExit()
		r.ring = nil
		return err
	}
	r.bufs = bufs

	r.initialized = true
	r.logger.Info("ring initialized",
		"entries", r.opts.RingEntries,
		"buffers", r.opts.Buffers,
		"buffer_size", bufs.BufferSize())
	return nil
}

// Close tears down the ring and the buffer pool. In-flight operations are
// abandoned; their callbacks never fire.
func (r *Ring) Close() {
	if r.ring != nil {
		r.ring.QueueExit()
		r.ring = nil
	}
	if r.bufs != nil {
		r.bufs.close()
		r.bufs = nil
	}
	r.initialized = false
}

// Metrics returns the ring's counters.
func (r *Ring) Metrics() *Metrics {
	return r.metrics
}

// getSQE obtains a submission entry, flushing once if the queue is full.
// A second nil is fatal: the caller over-submitted or the completion loop
// is starved.
func (r *Ring) getSQE() (*giouring.SubmissionQueueEntry, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		r.logger.Error("no sqe available, flushing submission queue")
		if err := r.Flush(); err != nil {
			return nil, err
		}
		sqe = r.ring.GetSQE()
	}
	if sqe == nil {
		return nil, NewError("GET_SQE", ErrCodeQueueFull, "submission queue still full after flush")
	}
	return sqe, nil
}

// Flush enters the kernel with every prepared submission.
func (r *Ring) Flush() error {
	submitted, err := r.ring.Submit()
	if err != nil {
		r.logger.Error("failed to submit sqes", "error", err)
		return WrapError("SUBMIT", err)
	}
	r.pendingSubmits = 0
	r.metrics.Flushes.Add(1)
	r.logger.Debug("jobs submitted", "count", submitted)
	return nil
}

// prepare fills a submission entry for the work item's operation kind and
// binds the item's user-data to it. The entry is not submitted; Flush (or
// the next PollCompletions) issues the syscall.
func (r *Ring) prepare(item *WorkItem) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.UserData = item.userData()
	fd := item.socket.Fd()

	switch item.kind {
	case OpClose:
		sqe.PrepareClose(fd)
		r.metrics.CloseOps.Add(1)

	case OpAccept:
		r.logger.Info("accept on socket", "fd", fd)
		item.rsa = unix.RawSockaddrAny{}
		item.rsaLen = unix.SizeofSockaddrAny
		sqe.PrepareAccept(fd,
			uintptr(unsafe.Pointer(&item.rsa)),
			uint64(uintptr(unsafe.Pointer(&item.rsaLen))),
			0)
		r.metrics.AcceptOps.Add(1)

	case OpConnect:
		if item.rsaLen == 0 {
			return NewSocketError("SUBMIT_CONNECT", fd, ErrCodeTransport, unix.EINVAL)
		}
		r.logger.Debug("prep connect", "fd", fd)
		sqe.PrepareConnect(fd,
			uintptr(unsafe.Pointer(&item.rsa)),
			uint64(item.rsaLen))
		if item.linkNext {
			sqe.Flags |= giouring.SqeIOLink
		}
		r.metrics.ConnectOps.Add(1)

	case OpRecv:
		if item.isStream() {
			r.logger.Debug("register recv", "fd", fd)
			// nil buffer pointer; the kernel picks from group 0
			sqe.PrepareRecv(fd, 0, r.bufs.BufferSize(), 0)
		} else {
			item.msg = syscall.Msghdr{}
			item.msg.Name = (*byte)(unsafe.Pointer(&item.rsa))
			item.msg.Namelen = unix.SizeofSockaddrAny
			item.iov[0] = syscall.Iovec{}
			item.msg.Iov = &item.iov[0]
			item.msg.Iovlen = 1
			sqe.PrepareRecvMsgMultishot(fd, &item.msg, unix.MSG_TRUNC)
		}
		sqe.Flags |= giouring.SqeBufferSelect
		sqe.BufIG = bufferGroupID
		r.metrics.RecvOps.Add(1)

	case OpSend:
		payload := item.packet.Bytes()
		if item.isStream() {
			r.logger.Info("sending bytes", "fd", fd, "len", len(payload))
			var addr uintptr
			if len(payload) > 0 {
				addr = uintptr(unsafe.Pointer(&payload[0]))
			}
			sqe.PrepareSend(fd, addr, uint32(len(payload)), 0)
		} else {
			r.logger.Debug("send datagram", "fd", fd, "len", len(payload))
			item.msg = syscall.Msghdr{}
			if item.rsaLen > 0 {
				item.msg.Name = (*byte)(unsafe.Pointer(&item.rsa))
				item.msg.Namelen = item.rsaLen
			}
			item.iov[0] = syscall.Iovec{}
			if len(payload) > 0 {
				item.iov[0].Base = &payload[0]
				item.iov[0].Len = uint64(len(payload))
			}
			item.msg.Iov = &item.iov[0]
			item.msg.Iovlen = 1
			sqe.PrepareSendMsg(fd, &item.msg, 0)
		}
		if item.linkNext {
			sqe.Flags |= giouring.SqeIOLink
		}
		r.metrics.SendOps.Add(1)

	default:
		return NewError("PREPARE", ErrCodeTransport, "unhandled work item kind "+item.kind.String())
	}

	r.pendingSubmits++
	return nil
}

// SubmitAccept arms an accept on a listening stream socket. The callback
// fires once per accepted connection; accept re-arms itself on the same
// work item until a completion fails.
func (r *Ring) SubmitAccept(socket *Socket, handler AcceptCallback) error {
	if !r.initialized {
		return NewError("SUBMIT_ACCEPT", ErrCodeTransport, "ring not initialized")
	}
	if socket.Kind() != ServerStreamSocket {
		return NewSocketError("SUBMIT_ACCEPT", socket.Fd(), ErrCodeTransport, unix.EINVAL)
	}
	item := r.pool.alloc(socket, "accept-job")
	item.setAcceptCallback(handler)
	if err := r.prepare(item); err != nil {
		r.pool.free(item.id)
		return err
	}
	return nil
}

// SubmitConnect arms a connect to target. The entry is kernel-linked to the
// next submission prepared before the flush, so a send staged immediately
// after is rejected with ECANCELED if the connect fails.
func (r *Ring) SubmitConnect(socket *Socket, target IPAddress, handler ConnectCallback) error {
	if !r.initialized {
		return NewError("SUBMIT_CONNECT", ErrCodeTransport, "ring not initialized")
	}
	r.logger.Info("connecting", "fd", socket.Fd(), "target", target.String())
	item := r.pool.alloc(socket, "connect-job")
	item.setConnectCallback(target, handler)
	item.linkNext = true
	if err := r.prepare(item); err != nil {
		r.pool.free(item.id)
		return err
	}
	return nil
}

// SubmitRecv arms a receive. Stream sockets get a provided-buffer recv that
// re-arms while the callback returns PostActionResubmit; datagram sockets
// get a kernel-multishot recvmsg.
func (r *Ring) SubmitRecv(socket *Socket, handler RecvCallback) error {
	if !r.initialized {
		return NewError("SUBMIT_RECV", ErrCodeTransport, "ring not initialized")
	}
	item := r.pool.alloc(socket, "read-from-socket")
	item.setRecvCallback(handler)
	if err := r.prepare(item); err != nil {
		r.pool.free(item.id)
		return err
	}
	return nil
}

// SubmitSend allocates a send work item and returns its handle. The caller
// fills the packet (and destination, for datagrams), then calls
// Handle.Submit from the owner thread. Allocation itself is safe from any
// thread.
func (r *Ring) SubmitSend(socket *Socket) (*SendHandle, error) {
	if !r.initialized {
		return nil, NewError("SUBMIT_SEND", ErrCodeTransport, "ring not initialized")
	}
	item := r.pool.alloc(socket, "write-to-socket")
	item.packet = newSendPacket(r.bufs)
	return &SendHandle{ring: r, item: item}, nil
}

// SubmitClose arms a close of the socket's fd.
func (r *Ring) SubmitClose(socket *Socket, handler CloseCallback) error {
	if !r.initialized {
		return NewError("SUBMIT_CLOSE", ErrCodeTransport, "ring not initialized")
	}
	item := r.pool.alloc(socket, "close-of-socket")
	item.setCloseCallback(handler)
	if err := r.prepare(item); err != nil {
		r.pool.free(item.id)
		return err
	}
	return nil
}

// SendHandle is a staged send: an allocated work item whose payload the
// caller fills before submitting.
type SendHandle struct {
	ring *Ring
	item *WorkItem
}

// Packet returns the staging buffer for the outgoing payload.
func (h *SendHandle) Packet() *SendPacket {
	return h.item.packet
}

// SetDestination sets the datagram destination. Ignored for stream sockets
// and for connected datagram sockets that want the default peer.
func (h *SendHandle) SetDestination(target IPAddress) {
	h.item.rsaLen = target.writeSockaddr(&h.item.rsa)
}

// WorkItem exposes the underlying item (its id is stable for the send's
// lifetime).
func (h *SendHandle) WorkItem() *WorkItem {
	return h.item
}

// Submit arms the send with its completion callback. Owner thread only.
func (h *SendHandle) Submit(handler SendCallback) error {
	h.item.setSendCallback(handler)
	if err := h.ring.prepare(h.item); err != nil {
		h.ring.pool.free(h.item.id)
		return err
	}
	return nil
}

// PollCompletions flushes pending submissions, then peeks a single
// completion and dispatches it. Non-blocking; optimized for latency, not
// batch throughput.
func (r *Ring) PollCompletions() error {
	if !r.initialized {
		return NewError("POLL", ErrCodeTransport, "ring not initialized")
	}
	if r.pendingSubmits > 0 {
		if err := r.Flush(); err != nil {
			return err
		}
	}

	var cqes [1]*giouring.CompletionQueueEvent
	if n := r.ring.PeekBatchCQE(cqes[:]); n > 0 {
		cqe := cqes[0]
		r.handleCompletion(cqe.UserData, cqe.Res, cqe.Flags)
		r.ring.CQAdvance(1)
	}

	r.resolver.drain()
	return nil
}

// WaitCompletions blocks up to timeout for at least one completion, then
// dispatches like PollCompletions. Offered for callers that would
// otherwise spin; the polling variant is the primary interface.
func (r *Ring) WaitCompletions(timeout time.Duration) error {
	if !r.initialized {
		return NewError("WAIT", ErrCodeTransport, "ring not initialized")
	}
	if r.pendingSubmits > 0 {
		if err := r.Flush(); err != nil {
			return err
		}
	}

	ts := syscall.NsecToTimespec(timeout.Nanoseconds())
	if _, err := r.ring.WaitCQEs(1, &ts, nil); err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			switch errno {
			case syscall.EAGAIN, syscall.EINTR, syscall.ETIME:
				return nil
			}
		}
		return WrapError("WAIT", err)
	}
	return r.PollCompletions()
}

// handleCompletion routes one completion back to its work item's callback
// and decides re-arm or free. Split from the CQE plumbing so the dispatch
// rules are testable.
func (r *Ring) handleCompletion(userData uint64, res int32, flags uint32) {
	r.metrics.Completions.Add(1)

	id, gen := unpackUserData(userData)
	item := r.pool.lookupGen(id, gen)
	if item == nil {
		r.logger.Error("no work item exists anymore",
			"id", id, "gen", gen, "res", res, "flags", flags)
		r.metrics.CallbackMisses.Add(1)
		return
	}

	if res == -int32(unix.ENOBUFS) {
		// No buffer was selected, so there is nothing to recycle and the
		// operation is not re-armed automatically.
		r.logger.Error("completion with ENOBUFS", "descr", item.descr, "res", res)
		r.metrics.NoBufferEvents.Add(1)
		return
	}

	if flags&giouring.CQEFMore != 0 {
		r.logger.Debug("more completion events to follow", "descr", item.descr)
	}

	switch item.kind {
	case OpAccept:
		r.completeAccept(item, res, flags)
	case OpClose:
		item.callClose(CloseResult{Status: res})
		r.pool.free(item.id)
	case OpRecv:
		r.completeRecv(item, res, flags)
	case OpConnect:
		r.completeConnect(item, res)
		r.pool.free(item.id)
	case OpSend:
		r.completeSend(item, res)
		r.pool.free(item.id)
	default:
		r.logger.Error("completion for unhandled work item kind",
			"kind", item.kind, "id", item.id)
		r.pool.free(item.id)
	}
}

func (r *Ring) completeAccept(item *WorkItem, res int32, flags uint32) {
	if res < 0 {
		r.logKernelHint("accept", res)
		r.pool.free(item.id)
		return
	}

	addr, err := ipAddressFromRaw(&item.rsa, item.rsaLen)
	if err != nil {
		r.logger.Error("accept peer address unreadable", "error", err, "len", item.rsaLen)
	}
	item.callAccept(AcceptResult{NewFd: int(res), Address: addr})

	// accept is multishot by resubmission: same item, same callback
	if err := r.prepare(item); err != nil {
		r.logger.Error("accept re-arm failed", "error", err)
		r.pool.free(item.id)
	}
}

func (r *Ring) completeConnect(item *WorkItem, res int32) {
	if res < 0 {
		r.logKernelHint("connect", res)
	}
	addr, _ := ipAddressFromRaw(&item.rsa, item.rsaLen)
	item.callConnect(ConnectResult{Status: res, Address: addr})
}

func (r *Ring) completeSend(item *WorkItem, res int32) {
	if res < 0 {
		r.logKernelHint("send", res)
	}
	item.callSend(SendResult{Status: res})
}

func (r *Ring) completeRecv(item *WorkItem, res int32, flags uint32) {
	if res < 0 {
		r.logKernelHint("recv", res)
		// Surfaced to the callback rather than aborting; the callback's
		// post-action still decides whether to re-arm.
		action := item.callRecv(&ReceivedMessage{Status: res})
		r.finishRecv(item, action, flags)
		return
	}

	if item.isStream() {
		r.completeRecvStream(item, res, flags)
	} else {
		r.completeRecvDatagram(item, res, flags)
	}
}

func (r *Ring) completeRecvStream(item *WorkItem, res int32, flags uint32) {
	if flags&giouring.CQEFBuffer == 0 {
		if res == 0 {
			// Zero-length read carries no buffer: peer shut down.
			action := item.callRecv(&ReceivedMessage{Status: 0})
			r.finishRecv(item, action, flags)
			return
		}
		r.logger.Error("stream recv without provided buffer", "res", res, "flags", flags)
		r.pool.free(item.id)
		return
	}

	idx := flags >> giouring.CQEBufferShift
	if !r.bufs.validRecvIndex(idx) {
		r.logger.Error("buffer index out of range", "idx", idx)
		r.pool.free(item.id)
		return
	}

	data := r.bufs.Buffer(idx)[:res]
	action := item.callRecv(&ReceivedMessage{Data: data, Status: res})
	r.bufs.Recycle(idx)
	r.finishRecv(item, action, flags)
}

func (r *Ring) completeRecvDatagram(item *WorkItem, res int32, flags uint32) {
	if flags&giouring.CQEFBuffer == 0 {
		// Protocol violation: a datagram completion must carry a buffer.
		r.logger.Error("datagram recv without provided buffer", "res", res, "flags", flags)
		r.rearmRecv(item, flags)
		return
	}

	idx := flags >> giouring.CQEBufferShift
	if !r.bufs.validRecvIndex(idx) {
		r.logger.Error("buffer index out of range", "idx", idx)
		r.pool.free(item.id)
		return
	}
	buf := r.bufs.Buffer(idx)

	view, perr := parseRecvmsg(buf, res, &item.msg)
	if perr != nil {
		r.logger.Error("bad recvmsg", "error", perr)
		if perr.Code == ErrCodeTruncated {
			r.metrics.TruncatedDatagrams.Add(1)
		}
		r.bufs.Recycle(idx)
		r.rearmRecv(item, flags)
		return
	}

	var source IPAddress
	if len(view.name) > 0 {
		var err error
		source, err = ipAddressFromBytes(view.name)
		if err != nil {
			r.logger.Error("unexpected source sockaddr", "error", err, "namelen", len(view.name))
			r.bufs.Recycle(idx)
			r.rearmRecv(item, flags)
			return
		}
	}

	r.logger.Debug("received datagram",
		"len", len(view.payload), "from", source.String())

	msg := &ReceivedMessage{
		Data:   view.payload,
		Source: source,
		Status: int32(len(view.payload)),
	}
	action := item.callRecv(msg)
	r.bufs.Recycle(idx)
	r.finishRecv(item, action, flags)
}

// rearmRecv re-submits a receive the callback never saw (dropped datagram).
func (r *Ring) rearmRecv(item *WorkItem, flags uint32) {
	if flags&giouring.CQEFMore != 0 {
		// kernel multishot is still armed
		return
	}
	if err := r.prepare(item); err != nil {
		r.logger.Error("recv re-arm failed", "error", err)
		r.pool.free(item.id)
	}
}

// finishRecv applies the callback's post-action. A kernel-multishot receive
// with further completions pending (MORE set) stays armed regardless; its
// terminal completion is the one with MORE clear.
func (r *Ring) finishRecv(item *WorkItem, action ReceivePostAction, flags uint32) {
	more := flags&giouring.CQEFMore != 0

	switch action {
	case PostActionResubmit:
		if more {
			return
		}
		if err := r.prepare(item); err != nil {
			r.logger.Error("recv re-arm failed", "error", err)
			r.pool.free(item.id)
		}
	case PostActionNone:
		if more {
			r.logger.Debug("recv callback done but multishot still armed", "id", item.id)
			return
		}
		r.pool.free(item.id)
	}
}

// logKernelHint logs a failed completion, flagging the errnos that mean
// the kernel predates the ops this core needs.
func (r *Ring) logKernelHint(op string, res int32) {
	errno := syscall.Errno(-res)
	r.logger.Error(op+" cqe bad res", "res", res, "errno", errno.Error())
	if errno == syscall.EFAULT || errno == syscall.EINVAL {
		r.logger.Error("NB: this requires a kernel version >= 6.0")
	}
}

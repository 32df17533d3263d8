package iuring

import (
	"unsafe"

	"github.com/eapache/queue"
	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/rsveldema/iuring/internal/logging"
)

// bufferGroupID is the provided-buffer group registered at init. Every
// receive submission that selects a buffer names the same group.
const bufferGroupID = 0

// BufferPool owns one anonymous mapping of fixed-size buffers shared with
// the kernel through a provided-buffer ring. The lower half of the index
// range is published for kernel-side selection on receives; the upper half
// is reserved as send-side scratch and never reaches the kernel's ring.
//
// Only the ring owner thread touches the pool after init.
type BufferPool struct {
	br     *giouring.BufAndRing
	data   []byte
	count  uint32
	shift  uint32
	logger *logging.Logger

	// reserved send-scratch indices (upper half of the range)
	freeSendIDs *queue.Queue

	metrics *Metrics
}

// newBufferPool maps the buffer region, registers it as buffer group 0 and
// publishes the receive half. count must be a power of two.
func newBufferPool(ring *giouring.Ring, count, shift uint32, logger *logging.Logger, metrics *Metrics) (*BufferPool, error) {
	if count == 0 || count&(count-1) != 0 {
		return nil, NewError("BUF_POOL", ErrCodeMmapFailed, "buffer count must be a power of two")
	}

	size := int(count) << shift
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		logger.Error("buf_ring mmap failed", "error", err)
		return nil, &Error{Op: "MMAP", Fd: -1, Code: ErrCodeMmapFailed, Msg: err.Error(), Inner: err}
	}

	// The kernel writes into selected buffers; a forked child must not
	// share them.
	if err := unix.Madvise(data, unix.MADV_DONTFORK); err != nil {
		logger.Warn("madvise MADV_DONTFORK failed", "error", err)
	}

	br, err := ring.SetupBufRing(count, bufferGroupID, 0)
	if err != nil {
		unix.Munmap(data)
		logger.Error("buf_ring init failed, requires kernel >= 6.0", "error", err)
		return nil, &Error{Op: "REGISTER_BUF_RING", Fd: -1, Code: ErrCodeKernelNotSupported, Msg: err.Error(), Inner: err}
	}

	p := &BufferPool{
		br:          br,
		data:        data,
		count:       count,
		shift:       shift,
		logger:      logger,
		freeSendIDs: queue.New(),
		metrics:     metrics,
	}

	bufLen := uint32(1) << shift
	mask := giouring.BufRingMask(count)
	for i := uint32(0); i < count; i++ {
		p.br.BufRingAdd(
			uintptr(unsafe.Pointer(&data[uintptr(i)<<shift])),
			bufLen,
			uint16(i),
			mask,
			int(i),
		)
	}
	// Publish only the lower half; the upper half stays out of the
	// kernel's view so send staging can use it without re-registering.
	p.br.BufRingAdvance(int(count / 2))
	metrics.BuffersPublished.Add(uint64(count / 2))

	for i := count / 2; i < count; i++ {
		p.freeSendIDs.Add(i)
	}

	return p, nil
}

// BufferSize returns the fixed per-buffer size in bytes.
func (p *BufferPool) BufferSize() uint32 {
	return 1 << p.shift
}

// Count returns the total number of buffers, both halves.
func (p *BufferPool) Count() uint32 {
	return p.count
}

// recvPoolSize returns the number of kernel-selectable receive buffers.
func (p *BufferPool) recvPoolSize() uint32 {
	return p.count / 2
}

// validRecvIndex reports whether a completion-carried index falls inside
// the receive half.
func (p *BufferPool) validRecvIndex(idx uint32) bool {
	return idx < p.recvPoolSize()
}

// Buffer returns the raw bytes of buffer idx. The slice's capacity ends at
// the buffer's own end, so appending past it cannot reach a neighbour.
func (p *BufferPool) Buffer(idx uint32) []byte {
	base := uintptr(idx) << p.shift
	end := base + uintptr(p.BufferSize())
	return p.data[base:end:end]
}

// Recycle re-adds buffer idx to the kernel's ring and advances the tail by
// one. Called exactly once per buffer-carrying completion.
func (p *BufferPool) Recycle(idx uint32) {
	p.br.BufRingAdd(
		uintptr(unsafe.Pointer(&p.data[uintptr(idx)<<p.shift])),
		p.BufferSize(),
		uint16(idx),
		giouring.BufRingMask(p.count),
		0,
	)
	p.br.BufRingAdvance(1)
	p.metrics.BuffersRecycled.Add(1)
	p.metrics.BuffersPublished.Add(1)
}

// acquireSendBuffer reserves a scratch buffer from the send half. Returns
// false when all scratch buffers are staged in in-flight sends.
func (p *BufferPool) acquireSendBuffer() (uint32, bool) {
	if p.freeSendIDs.Length() == 0 {
		return 0, false
	}
	return p.freeSendIDs.Remove().(uint32), true
}

// releaseSendBuffer returns a scratch buffer to the send free list.
func (p *BufferPool) releaseSendBuffer(idx uint32) {
	p.freeSendIDs.Add(idx)
}

// close unmaps the buffer region. The descriptor ring is torn down with the
// io_uring instance itself.
func (p *BufferPool) close() {
	if p.data != nil {
		_ = unix.Munmap(p.data)
		p.data = nil
	}
}

package iuring

import (
	"github.com/bytedance/gopkg/lang/mcache"
)

// SendPacket stages the outbound payload of one send work item. Small
// payloads live in a scratch buffer reserved from the send half of the
// buffer pool; payloads that outgrow it (or arrive when every scratch
// buffer is staged in an in-flight send) move to mcache-backed memory.
// The staging is released when the send completes.
type SendPacket struct {
	pool *BufferPool

	buf         []byte
	scratchIdx  uint32
	hasScratch  bool
	usingMcache bool
}

const sendPacketMinCap = 4096

func newSendPacket(pool *BufferPool) *SendPacket {
	if idx, ok := pool.acquireSendBuffer(); ok {
		return &SendPacket{
			pool:       pool,
			buf:        pool.Buffer(idx)[:0],
			scratchIdx: idx,
			hasScratch: true,
		}
	}
	return &SendPacket{
		pool:        pool,
		buf:         mcache.Malloc(0, sendPacketMinCap),
		usingMcache: true,
	}
}

// Append adds bytes to the staged payload.
func (sp *SendPacket) Append(b []byte) {
	sp.grow(len(b))
	sp.buf = append(sp.buf, b...)
}

// AppendString adds a string to the staged payload.
func (sp *SendPacket) AppendString(s string) {
	sp.grow(len(s))
	sp.buf = append(sp.buf, s...)
}

// Bytes returns the staged payload. Valid until the send completes.
func (sp *SendPacket) Bytes() []byte {
	return sp.buf
}

// Len returns the staged payload length.
func (sp *SendPacket) Len() int {
	return len(sp.buf)
}

// Reset drops the staged payload, keeping the backing memory.
func (sp *SendPacket) Reset() {
	sp.buf = sp.buf[:0]
}

// grow moves the payload to mcache memory when n more bytes would not fit
// in the current backing.
func (sp *SendPacket) grow(n int) {
	need := len(sp.buf) + n
	if need <= cap(sp.buf) {
		return
	}
	newCap := cap(sp.buf) * 2
	if newCap < need {
		newCap = need
	}
	if newCap < sendPacketMinCap {
		newCap = sendPacketMinCap
	}
	nb := mcache.Malloc(0, newCap)
	nb = append(nb, sp.buf...)
	sp.freeBacking()
	sp.buf = nb
	sp.usingMcache = true
}

func (sp *SendPacket) freeBacking() {
	if sp.usingMcache {
		mcache.Free(sp.buf)
		sp.usingMcache = false
	}
	if sp.hasScratch {
		sp.pool.releaseSendBuffer(sp.scratchIdx)
		sp.hasScratch = false
	}
}

// release returns the backing memory after the terminal send completion.
func (sp *SendPacket) release() {
	sp.freeBacking()
	sp.buf = nil
}

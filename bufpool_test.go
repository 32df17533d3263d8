package iuring

import (
	"testing"

	"github.com/eapache/queue"

	"github.com/rsveldema/iuring/internal/logging"
)

// newUnregisteredBufferPool builds a pool over plain memory with no kernel
// registration. Recycle is off-limits; the index math and the send-scratch
// ledger work the same.
func newUnregisteredBufferPool(count, shift uint32) *BufferPool {
	p := &BufferPool{
		data:        make([]byte, int(count)<<shift),
		count:       count,
		shift:       shift,
		logger:      logging.NewLogger(nil),
		freeSendIDs: queue.New(),
		metrics:     NewMetrics(),
	}
	for i := count / 2; i < count; i++ {
		p.freeSendIDs.Add(i)
	}
	return p
}

func TestBufferPoolIndexMath(t *testing.T) {
	p := newUnregisteredBufferPool(1024, 12)

	if got := p.BufferSize(); got != 4096 {
		t.Errorf("BufferSize() = %d, want 4096", got)
	}
	if got := p.Count(); got != 1024 {
		t.Errorf("Count() = %d, want 1024", got)
	}
	if got := p.recvPoolSize(); got != 512 {
		t.Errorf("recvPoolSize() = %d, want 512", got)
	}
}

func TestBufferPoolValidRecvIndex(t *testing.T) {
	p := newUnregisteredBufferPool(1024, 12)

	tests := []struct {
		idx  uint32
		want bool
	}{
		{0, true},
		{511, true},
		{512, false}, // first send-scratch index
		{1023, false},
		{4096, false},
	}
	for _, tt := range tests {
		if got := p.validRecvIndex(tt.idx); got != tt.want {
			t.Errorf("validRecvIndex(%d) = %v, want %v", tt.idx, got, tt.want)
		}
	}
}

func TestBufferPoolBufferSlices(t *testing.T) {
	p := newUnregisteredBufferPool(8, 5) // 8 x 32-byte buffers

	for i := uint32(0); i < 8; i++ {
		buf := p.Buffer(i)
		if len(buf) != 32 {
			t.Fatalf("Buffer(%d) len = %d, want 32", i, len(buf))
		}
		buf[0] = byte(i)
	}
	// slices must not overlap
	for i := uint32(0); i < 8; i++ {
		if p.Buffer(i)[0] != byte(i) {
			t.Fatalf("buffer %d overlaps a neighbour", i)
		}
	}
}

func TestBufferPoolSendScratchReservation(t *testing.T) {
	p := newUnregisteredBufferPool(16, 5)

	seen := make(map[uint32]bool)
	var held []uint32
	for {
		idx, ok := p.acquireSendBuffer()
		if !ok {
			break
		}
		if idx < p.recvPoolSize() {
			t.Fatalf("send scratch index %d collides with the receive half", idx)
		}
		if seen[idx] {
			t.Fatalf("send scratch index %d handed out twice", idx)
		}
		seen[idx] = true
		held = append(held, idx)
	}
	if len(held) != 8 {
		t.Fatalf("reserved %d send buffers, want 8", len(held))
	}

	// exhausted
	if _, ok := p.acquireSendBuffer(); ok {
		t.Fatal("acquire succeeded with no free send buffers")
	}

	p.releaseSendBuffer(held[0])
	idx, ok := p.acquireSendBuffer()
	if !ok || idx != held[0] {
		t.Fatalf("release/acquire = (%d, %v), want (%d, true)", idx, ok, held[0])
	}
}

func TestBufferPoolRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := newBufferPool(nil, 1000, 12, logging.NewLogger(nil), NewMetrics()); err == nil {
		t.Fatal("non-power-of-two buffer count accepted")
	}
}

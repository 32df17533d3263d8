package iuring

import (
	"bytes"
	"strings"
	"testing"
)

func TestSendPacketAppend(t *testing.T) {
	pool := newUnregisteredBufferPool(8, 12)
	sp := newSendPacket(pool)

	sp.AppendString("GET /posts/1 HTTP/1.1\r\n")
	sp.AppendString("Host: example.com\r\n")
	sp.AppendString("Accept: application/json\r\n")
	sp.AppendString("\r\n")

	want := "GET /posts/1 HTTP/1.1\r\nHost: example.com\r\nAccept: application/json\r\n\r\n"
	if got := string(sp.Bytes()); got != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
	if sp.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", sp.Len(), len(want))
	}
	if !sp.hasScratch {
		t.Error("small payload should stage in a pool scratch buffer")
	}

	sp.release()
	if _, ok := pool.acquireSendBuffer(); !ok {
		t.Error("release did not return the scratch buffer")
	}
}

func TestSendPacketOverflowMovesToMcache(t *testing.T) {
	pool := newUnregisteredBufferPool(8, 5) // 32-byte buffers
	sp := newSendPacket(pool)

	before := pool.freeSendIDs.Length()
	payload := strings.Repeat("x", 100) // larger than the scratch buffer
	sp.AppendString(payload)

	if sp.hasScratch {
		t.Error("overflowed packet still holds pool scratch")
	}
	if !sp.usingMcache {
		t.Error("overflowed packet did not move to mcache")
	}
	if pool.freeSendIDs.Length() != before+1 {
		t.Error("scratch buffer not returned on overflow")
	}
	if got := string(sp.Bytes()); got != payload {
		t.Errorf("payload corrupted across migration: %d bytes", len(got))
	}

	sp.AppendString("tail")
	if !strings.HasSuffix(string(sp.Bytes()), "tail") {
		t.Error("append after migration lost data")
	}

	sp.release()
}

func TestSendPacketReset(t *testing.T) {
	pool := newUnregisteredBufferPool(8, 12)
	sp := newSendPacket(pool)

	sp.Append([]byte{1, 2, 3})
	sp.Reset()
	if sp.Len() != 0 {
		t.Errorf("Len() after Reset = %d", sp.Len())
	}

	sp.Append([]byte{9, 9})
	if !bytes.Equal(sp.Bytes(), []byte{9, 9}) {
		t.Errorf("Bytes() after Reset+Append = %v", sp.Bytes())
	}
	sp.release()
}

func TestSendPacketFallsBackWhenScratchExhausted(t *testing.T) {
	pool := newUnregisteredBufferPool(4, 5) // only 2 send-scratch buffers

	a := newSendPacket(pool)
	b := newSendPacket(pool)
	c := newSendPacket(pool) // no scratch left

	if !a.hasScratch || !b.hasScratch {
		t.Fatal("first two packets should hold scratch buffers")
	}
	if c.hasScratch || !c.usingMcache {
		t.Fatal("third packet should stage in mcache")
	}

	c.AppendString("still works")
	if c.Len() != len("still works") {
		t.Errorf("Len() = %d", c.Len())
	}

	a.release()
	b.release()
	c.release()
}

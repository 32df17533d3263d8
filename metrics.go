package iuring

import "sync/atomic"

// Metrics tracks operational statistics for a Ring. All fields are safe for
// concurrent use; the driver updates them from the owner thread and user
// threads may snapshot at any time.
type Metrics struct {
	// Submission counters
	AcceptOps  atomic.Uint64 // accept submissions (including re-arms)
	ConnectOps atomic.Uint64 // connect submissions
	RecvOps    atomic.Uint64 // recv submissions (including re-arms)
	SendOps    atomic.Uint64 // send submissions
	CloseOps   atomic.Uint64 // close submissions
	Flushes    atomic.Uint64 // io_uring_enter submission syscalls

	// Completion counters
	Completions        atomic.Uint64 // CQEs dispatched
	CallbackMisses     atomic.Uint64 // CQEs whose id mapped to no work item
	NoBufferEvents     atomic.Uint64 // -ENOBUFS receive completions
	TruncatedDatagrams atomic.Uint64 // datagrams dropped for truncation

	// Buffer pool counters
	BuffersPublished atomic.Uint64 // buffers made visible to the kernel
	BuffersRecycled  atomic.Uint64 // buffers re-added after a completion

	// Work pool counters
	ItemsAllocated atomic.Uint64
	ItemsFreed     atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	AcceptOps  uint64
	ConnectOps uint64
	RecvOps    uint64
	SendOps    uint64
	CloseOps   uint64
	Flushes    uint64

	Completions        uint64
	CallbackMisses     uint64
	NoBufferEvents     uint64
	TruncatedDatagrams uint64

	BuffersPublished uint64
	BuffersRecycled  uint64

	ItemsAllocated uint64
	ItemsFreed     uint64
	ItemsLive      uint64
}

// NewMetrics creates a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns a consistent-enough copy for reporting. Counters are read
// individually; exact cross-field consistency is not guaranteed.
func (m *Metrics) Snapshot() MetricsSnapshot {
	alloc := m.ItemsAllocated.Load()
	freed := m.ItemsFreed.Load()
	var live uint64
	if alloc > freed {
		live = alloc - freed
	}
	return MetricsSnapshot{
		AcceptOps:  m.AcceptOps.Load(),
		ConnectOps: m.ConnectOps.Load(),
		RecvOps:    m.RecvOps.Load(),
		SendOps:    m.SendOps.Load(),
		CloseOps:   m.CloseOps.Load(),
		Flushes:    m.Flushes.Load(),

		Completions:        m.Completions.Load(),
		CallbackMisses:     m.CallbackMisses.Load(),
		NoBufferEvents:     m.NoBufferEvents.Load(),
		TruncatedDatagrams: m.TruncatedDatagrams.Load(),

		BuffersPublished: m.BuffersPublished.Load(),
		BuffersRecycled:  m.BuffersRecycled.Load(),

		ItemsAllocated: alloc,
		ItemsFreed:     freed,
		ItemsLive:      live,
	}
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.AcceptOps.Store(0)
	m.ConnectOps.Store(0)
	m.RecvOps.Store(0)
	m.SendOps.Store(0)
	m.CloseOps.Store(0)
	m.Flushes.Store(0)
	m.Completions.Store(0)
	m.CallbackMisses.Store(0)
	m.NoBufferEvents.Store(0)
	m.TruncatedDatagrams.Store(0)
	m.BuffersPublished.Store(0)
	m.BuffersRecycled.Store(0)
	m.ItemsAllocated.Store(0)
	m.ItemsFreed.Store(0)
}

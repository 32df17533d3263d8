package iuring

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/rsveldema/iuring/internal/logging"
)

// WorkPool is a dense table of in-flight work items indexed by a small
// integer id. Ids are recycled through a free queue; each slot carries a
// generation counter that survives the item, bumped on every free, so a
// completion that arrives after free-and-realloc fails the generation check
// instead of reaching the wrong callback.
//
// All operations hold one mutex. Contention is low: the ring owner thread
// does nearly everything, the lock exists so a helper thread can stage a
// send while the owner drains completions.
type WorkPool struct {
	mu      sync.Mutex
	logger  *logging.Logger
	metrics *Metrics

	items   []*WorkItem
	gens    []uint32
	freeIDs *queue.Queue
}

func newWorkPool(logger *logging.Logger, metrics *Metrics) *WorkPool {
	return &WorkPool{
		logger:  logger,
		metrics: metrics,
		freeIDs: queue.New(),
	}
}

// alloc returns a fresh IN_USE work item bound to socket, reusing a free id
// when one is available and extending the table otherwise.
func (p *WorkPool) alloc(socket *Socket, descr string) *WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id uint32
	if p.freeIDs.Length() == 0 {
		id = uint32(len(p.items))
		p.items = append(p.items, nil)
		p.gens = append(p.gens, 0)
		p.logger.Debug("new work item id", "id", id, "descr", descr)
	} else {
		id = p.freeIDs.Remove().(uint32)
		p.logger.Debug("reusing work item id", "id", id, "descr", descr)
	}

	item := &WorkItem{
		id:     id,
		gen:    p.gens[id],
		state:  stateInUse,
		socket: socket,
		descr:  descr,
		logger: p.logger,
	}
	p.items[id] = item
	p.metrics.ItemsAllocated.Add(1)
	return item
}

// lookup resolves an id to its current occupant. Nil means the item was
// already freed; legitimate when a multishot operation completes after the
// user cancelled.
func (p *WorkPool) lookup(id uint32) *WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id >= uint32(len(p.items)) {
		return nil
	}
	item := p.items[id]
	if item == nil {
		return nil
	}
	if item.isFree() {
		panic("iuring: free work item left in pool table")
	}
	return item
}

// lookupGen resolves (id, generation) as decoded from completion user-data.
// A generation mismatch means the completion belongs to a prior occupant of
// the id and must not be dispatched.
func (p *WorkPool) lookupGen(id, gen uint32) *WorkItem {
	item := p.lookup(id)
	if item == nil || item.gen != gen {
		return nil
	}
	return item
}

// free marks the item free, clears the slot, bumps the slot generation and
// recycles the id.
func (p *WorkPool) free(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id >= uint32(len(p.items)) {
		panic("iuring: freeing out-of-range work item id")
	}
	item := p.items[id]
	if item == nil {
		panic("iuring: double free of work item id")
	}
	item.markFree()
	if item.packet != nil {
		item.packet.release()
		item.packet = nil
	}
	item.socket = nil

	p.items[id] = nil
	p.gens[id]++
	p.freeIDs.Add(id)
	p.metrics.ItemsFreed.Add(1)
}

// live returns the number of IN_USE items.
func (p *WorkPool) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, item := range p.items {
		if item != nil {
			n++
		}
	}
	return n
}

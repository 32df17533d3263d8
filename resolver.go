package iuring

import (
	"net"
	"sync"

	"github.com/rsveldema/iuring/internal/logging"
)

// ResolveResult carries the addresses found for a hostname.
type ResolveResult struct {
	Host      string
	Addresses []IPAddress
	Err       error
}

// ResolveCallback fires on the ring owner thread once a lookup finishes.
type ResolveCallback func(ResolveResult)

type resolveEntry struct {
	host string
	port uint16
	cb   ResolveCallback

	mu     sync.Mutex
	done   bool
	result ResolveResult
}

// Resolver tracks outstanding hostname lookups for the ring. Lookups run on
// their own goroutine (the kernel ring has no DNS operation); results are
// delivered by the owner thread while it polls, so callbacks see the same
// threading as every other completion.
type Resolver struct {
	logger *logging.Logger

	mu      sync.Mutex
	pending []*resolveEntry
}

func newResolver(logger *logging.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// SubmitResolve starts an asynchronous lookup of host. The callback runs
// during a later PollCompletions.
func (r *Ring) SubmitResolve(host string, port uint16, handler ResolveCallback) {
	r.resolver.submit(host, port, handler)
}

func (rv *Resolver) submit(host string, port uint16, cb ResolveCallback) {
	entry := &resolveEntry{host: host, port: port, cb: cb}

	rv.mu.Lock()
	rv.pending = append(rv.pending, entry)
	rv.mu.Unlock()

	go func() {
		ips, err := net.LookupIP(host)
		result := ResolveResult{Host: host, Err: err}
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				var addr [4]byte
				copy(addr[:], ip4)
				result.Addresses = append(result.Addresses, NewIPv4(addr, port))
			} else if ip16 := ip.To16(); ip16 != nil {
				var addr [16]byte
				copy(addr[:], ip16)
				result.Addresses = append(result.Addresses, NewIPv6(addr, port))
			}
		}

		entry.mu.Lock()
		entry.result = result
		entry.done = true
		entry.mu.Unlock()
	}()
}

// drain delivers finished lookups. Owner thread only.
func (rv *Resolver) drain() {
	rv.mu.Lock()
	if len(rv.pending) == 0 {
		rv.mu.Unlock()
		return
	}
	var ready []*resolveEntry
	var still []*resolveEntry
	for _, e := range rv.pending {
		e.mu.Lock()
		done := e.done
		e.mu.Unlock()
		if done {
			ready = append(ready, e)
		} else {
			still = append(still, e)
		}
	}
	rv.pending = still
	rv.mu.Unlock()

	for _, e := range ready {
		if e.result.Err != nil {
			rv.logger.Error("hostname lookup failed", "host", e.host, "error", e.result.Err)
		}
		e.cb(e.result)
	}
}

// outstanding returns the number of lookups not yet delivered.
func (rv *Resolver) outstanding() int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return len(rv.pending)
}

package iuring

import (
	"errors"
	"testing"

	"github.com/rsveldema/iuring/internal/logging"
)

func TestResolverDrainDeliversFinishedLookups(t *testing.T) {
	rv := newResolver(logging.NewLogger(nil))

	finished := &resolveEntry{host: "a.example"}
	finished.result = ResolveResult{
		Host:      "a.example",
		Addresses: []IPAddress{NewIPv4([4]byte{10, 0, 0, 1}, 80)},
	}
	finished.done = true

	pending := &resolveEntry{host: "b.example"}

	var delivered []ResolveResult
	finished.cb = func(res ResolveResult) { delivered = append(delivered, res) }
	pending.cb = func(res ResolveResult) { t.Fatal("unfinished lookup delivered") }

	rv.pending = []*resolveEntry{finished, pending}
	rv.drain()

	if len(delivered) != 1 {
		t.Fatalf("delivered %d results, want 1", len(delivered))
	}
	if delivered[0].Host != "a.example" {
		t.Errorf("Host = %q", delivered[0].Host)
	}
	if len(delivered[0].Addresses) != 1 || delivered[0].Addresses[0].Port() != 80 {
		t.Errorf("Addresses = %v", delivered[0].Addresses)
	}
	if rv.outstanding() != 1 {
		t.Errorf("outstanding = %d, want 1", rv.outstanding())
	}
}

func TestResolverDrainDeliversErrors(t *testing.T) {
	rv := newResolver(logging.NewLogger(&logging.Config{Level: logging.LevelError + 1}))

	failed := &resolveEntry{host: "nxdomain.example"}
	failed.result = ResolveResult{Host: "nxdomain.example", Err: errors.New("no such host")}
	failed.done = true

	var got *ResolveResult
	failed.cb = func(res ResolveResult) { got = &res }

	rv.pending = []*resolveEntry{failed}
	rv.drain()

	if got == nil {
		t.Fatal("error result not delivered")
	}
	if got.Err == nil {
		t.Error("Err lost in delivery")
	}
	if rv.outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", rv.outstanding())
	}
}

func TestResolverDrainEmpty(t *testing.T) {
	rv := newResolver(logging.NewLogger(nil))
	rv.drain() // must not panic or block
	if rv.outstanding() != 0 {
		t.Errorf("outstanding = %d", rv.outstanding())
	}
}

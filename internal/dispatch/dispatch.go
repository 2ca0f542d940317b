// Package dispatch implements the consistent routing of capture records
// to shards (C5, spec.md §4.1): the same source address always lands on
// the same shard for the lifetime of the process.
package dispatch

import (
	"net/netip"
	"sync"

	"github.com/inetrg/spoki-reactor/internal/metrics"
	"github.com/inetrg/spoki-reactor/internal/packet"
)

// Inbox is the mailbox a Shard actor exposes to the Dispatcher. Send must
// not block indefinitely; a full inbox is the ingest backpressure point
// spec.md §6 says is simply absorbed as a dropped capture record upstream
// of the core, so implementations are expected to use a buffered channel
// and a non-blocking send.
type Inbox interface {
	Send(p packet.Packet) bool
}

// Index deterministically maps a source address to a shard index in
// [0, shardCount). It uses the last octet of an IPv4 address modulo
// shardCount — any stable function satisfies spec.md's contract; this one
// is picked because it is cheap and the darknet's address space already
// diversifies well across low-order bits.
func Index(saddr netip.Addr, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	if saddr.Is4() {
		b := saddr.As4()
		return int(b[3]) % shardCount
	}
	// IPv6 (or an invalid/unspecified address): fold all bytes instead of
	// just the last octet, since the last octet alone carries far less
	// entropy for IPv6 allocations.
	b := saddr.As16()
	sum := 0
	for _, v := range b {
		sum += int(v)
	}
	return sum % shardCount
}

// Dispatcher owns the routing table from shard index to shard inbox.
// Removal (on a supervisor-observed shard death, spec.md §7 item 6) and
// lookup share a mutex that is held only to touch the slice, never across
// a send or any other suspension point.
type Dispatcher struct {
	mu      sync.RWMutex
	shards  []Inbox // nil entry means "removed"
	metrics *metrics.Metrics

	// filter, if non-empty, restricts dispatch to these source addresses
	// (spec.md §6's "source-address filter set"). An empty filter admits
	// everything.
	filter map[netip.Addr]struct{}
}

// New creates a Dispatcher with shardCount routing slots, all initially
// unpopulated. Register must be called once per shard before traffic
// flows.
func New(shardCount int, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		shards:  make([]Inbox, shardCount),
		metrics: m,
	}
}

// SetFilter installs a source-address allowlist: only packets whose
// Saddr is in addrs are dispatched; everything else is dropped and
// counted. Passing an empty set disables filtering (the zero-value
// default: admit everything).
func (d *Dispatcher) SetFilter(addrs map[netip.Addr]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(addrs) == 0 {
		d.filter = nil
		return
	}
	d.filter = addrs
}

// Register attaches a shard's inbox at index.
func (d *Dispatcher) Register(index int, inbox Inbox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.shards) {
		return
	}
	d.shards[index] = inbox
}

// Remove detaches the shard at index, e.g. after the supervisor observes
// it die. Subsequent packets destined for this index are dropped and
// counted (spec.md §7 item 6).
func (d *Dispatcher) Remove(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.shards) {
		return
	}
	d.shards[index] = nil
}

// Dispatch routes p to its shard. Dispatch never fails: if the target
// slot is empty (or the shard's inbox refuses the send), the record is
// dropped and counted — it does not propagate an error (spec.md §4.1).
func (d *Dispatcher) Dispatch(p packet.Packet) {
	d.mu.RLock()
	if d.filter != nil {
		if _, ok := d.filter[p.Saddr]; !ok {
			d.mu.RUnlock()
			if d.metrics != nil {
				d.metrics.DispatchDropped.Inc()
			}
			return
		}
	}
	idx := Index(p.Saddr, len(d.shards))
	inbox := d.shards[idx]
	d.mu.RUnlock()

	if d.metrics != nil {
		d.metrics.PacketsDispatched.WithLabelValues(p.Proto.String()).Inc()
	}
	if inbox == nil || !inbox.Send(p) {
		if d.metrics != nil {
			d.metrics.DispatchDropped.Inc()
		}
	}
}

// ShardCount returns the number of routing slots.
func (d *Dispatcher) ShardCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.shards)
}

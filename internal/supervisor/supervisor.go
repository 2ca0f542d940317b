// Package supervisor implements the actor-death propagation rule of
// spec.md §7 item 6: a prober going down kills its dependent shards, and
// each shard it stops is logged and removed from the dispatcher's routing
// table. Only prober deaths are watched; a shard that exits for any other
// reason is not observed and stays in the routing table.
//
// This replaces the teacher's OS-process restart supervisor
// (internal/supervisor/supervisor.go, which exec's and restarts child
// binaries) with its goroutine-actor equivalent: there is no child
// process here, so "restart" becomes "propagate death along the
// dependency edge" instead of "re-exec". The shape — a context fanning
// cancellation out to a set of watched units, a done-channel per unit,
// log.Printf status lines — is kept from the teacher.
package supervisor

import (
	"context"
	"log"
	"sync"

	"github.com/inetrg/spoki-reactor/internal/dispatch"
)

// ShardUnit is the supervised handle for one Shard actor.
type ShardUnit struct {
	Index int
	Stop  func()
}

// ProberUnit is the supervised handle for one protocol's Scamper Driver.
// Done closes when the driver's goroutines have all exited, whatever the
// cause; Dependents lists the shard indices that must be torn down if this
// prober dies.
type ProberUnit struct {
	Name       string
	Done       <-chan struct{}
	Dependents []int
}

// Supervisor watches a fixed set of prober units for the lifetime of the
// process and reacts to their death by stopping dependent shards and
// detaching them from the dispatcher.
type Supervisor struct {
	dispatcher *dispatch.Dispatcher
	shards     map[int]ShardUnit

	mu      sync.Mutex
	stopped map[int]bool
}

// New builds a Supervisor over dispatcher's routing table. RegisterShard
// must be called once per shard before the corresponding index can appear
// in a ProberUnit's Dependents.
func New(dispatcher *dispatch.Dispatcher) *Supervisor {
	return &Supervisor{
		dispatcher: dispatcher,
		shards:     make(map[int]ShardUnit),
		stopped:    make(map[int]bool),
	}
}

// RegisterShard records the stop function for a shard index so a prober
// death can tear it down.
func (s *Supervisor) RegisterShard(u ShardUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[u.Index] = u
}

// Watch spawns one goroutine per prober unit that blocks on its Done
// channel; when a prober dies, every dependent shard is stopped and
// removed from the dispatcher's routing table. Watch returns immediately;
// the watcher goroutines exit when ctx is cancelled.
func (s *Supervisor) Watch(ctx context.Context, probers []ProberUnit) {
	for _, p := range probers {
		p := p
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-p.Done:
				log.Printf("supervisor: prober %q died, stopping %d dependent shard(s)", p.Name, len(p.Dependents))
				for _, idx := range p.Dependents {
					s.killShard(idx)
				}
			}
		}()
	}
}

// killShard stops the shard at idx (idempotent) and removes it from the
// dispatcher so subsequent packets destined for that slot are dropped and
// counted rather than delivered to a dead mailbox.
func (s *Supervisor) killShard(idx int) {
	s.mu.Lock()
	if s.stopped[idx] {
		s.mu.Unlock()
		return
	}
	s.stopped[idx] = true
	unit, ok := s.shards[idx]
	s.mu.Unlock()

	if ok && unit.Stop != nil {
		unit.Stop()
	}
	s.dispatcher.Remove(idx)
	log.Printf("supervisor: shard %d stopped and removed from dispatch", idx)
}

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/inetrg/spoki-reactor/internal/dispatch"
	"github.com/inetrg/spoki-reactor/internal/packet"
)

type countingInbox struct{ sends int }

func (c *countingInbox) Send(p packet.Packet) bool {
	c.sends++
	return true
}

func TestProberDeathStopsDependentShardAndRemovesFromDispatch(t *testing.T) {
	d := dispatch.New(1, nil)
	inbox := &countingInbox{}
	d.Register(0, inbox)

	sup := New(d)
	stopped := make(chan struct{})
	sup.RegisterShard(ShardUnit{Index: 0, Stop: func() { close(stopped) }})

	proberDone := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Watch(ctx, []ProberUnit{{Name: "tcp", Done: proberDone, Dependents: []int{0}}})

	close(proberDone)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected dependent shard to be stopped after prober death")
	}

	// Give the supervisor's goroutine a moment to also call Remove.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d2 := dispatch.New(1, nil) // sanity: unrelated dispatcher unaffected
		_ = d2
		if probe(t, d, inbox) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected shard to be removed from dispatch after prober death")
}

func probe(t *testing.T, d *dispatch.Dispatcher, inbox *countingInbox) bool {
	t.Helper()
	before := inbox.sends
	d.Dispatch(packet.Packet{})
	return inbox.sends == before
}

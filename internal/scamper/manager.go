package scamper

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inetrg/spoki-reactor/internal/logcsv"
	"github.com/inetrg/spoki-reactor/internal/metrics"
	"github.com/inetrg/spoki-reactor/internal/packet"
)

// Submitter is the subset of *Driver the Manager depends on; narrowed to
// an interface so tests can substitute a recorder.
type Submitter interface {
	Submit(req packet.Request) bool
}

// ReplySink receives the CSV-encoded line for every decoded reply that
// matched an in-flight request. Stray replies are counted, not logged.
type ReplySink interface {
	Append(line []byte, hourBucket int64) error
}

type inflight struct {
	key       packet.TargetKey
	req       packet.Request
	submitted time.Time
}

// Manager implements the at-most-one-in-flight-per-target dedup, reply
// correlation, and accounting contract of spec.md §4.3. It is the
// structural implementation of the shard.Prober interface; Manager and
// Shard do not import one another to avoid a cycle, so the match is
// verified only by the compiler at the call site that wires them
// together.
type Manager struct {
	name    string
	driver  Submitter
	limiter *rate.Limiter
	metrics *metrics.Metrics
	buf     ReplySink

	retryTimeout time.Duration
	dropTimeout  time.Duration

	mu      sync.Mutex
	targets map[packet.TargetKey]uint32 // target -> userid currently holding it
	pending map[uint32]inflight         // userid -> in-flight request + submit time

	accepted int64
	returned int64
}

// SetDriver attaches the driver this manager forwards requests to. Needed
// because a Driver's ReplyCollector is the very Manager being
// constructed — main() dials the driver with the manager already in hand
// and then closes the loop with SetDriver.
func (m *Manager) SetDriver(driver Submitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driver = driver
}

// NewManager builds a Manager. rateLimit <= 0 disables admission limiting.
func NewManager(name string, driver Submitter, rateLimit float64, retryTimeout, dropTimeout time.Duration, buf ReplySink, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		name:         name,
		driver:       driver,
		metrics:      m,
		buf:          buf,
		retryTimeout: retryTimeout,
		dropTimeout:  dropTimeout,
		targets:      make(map[packet.TargetKey]uint32),
		pending:      make(map[uint32]inflight),
	}
	if rateLimit > 0 {
		mgr.limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)+1)
	}
	return mgr
}

// Submit implements shard.Prober. A request whose TargetKey is already
// in flight is dropped and counted; otherwise it is admitted (subject to
// the optional rate limiter), remembered, and forwarded to the driver.
func (m *Manager) Submit(req packet.Request, isScannerLike bool) {
	key := packet.TargetKey{Addr: req.Daddr, IsScannerLike: isScannerLike}

	m.mu.Lock()
	if _, inFlight := m.targets[key]; inFlight {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RequestsDeduped.WithLabelValues(string(req.Method)).Inc()
		}
		return
	}
	if m.limiter != nil && !m.limiter.Allow() {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RequestsDeduped.WithLabelValues(string(req.Method)).Inc()
		}
		return
	}
	m.targets[key] = req.UserID
	m.pending[req.UserID] = inflight{key: key, req: req, submitted: time.Now()}
	m.accepted++
	driver := m.driver
	m.mu.Unlock()

	if driver == nil || !driver.Submit(req) {
		m.evict(req.UserID)
		return
	}
	if m.metrics != nil {
		m.metrics.RequestsForwarded.WithLabelValues(string(req.Method)).Inc()
	}
}

// Deliver implements ReplyCollector: the Driver hands every decoded ping
// here. A user-id with no matching in-flight entry is a stray.
func (m *Manager) Deliver(reply packet.Reply) {
	m.mu.Lock()
	in, ok := m.pending[reply.UserID]
	if !ok {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.StrayReplies.Inc()
		}
		return
	}
	delete(m.pending, reply.UserID)
	delete(m.targets, in.key)
	m.returned++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RepliesReceived.WithLabelValues(string(reply.Method)).Inc()
	}
	if m.buf != nil {
		line := logcsv.EncodeReply(reply)
		bucket := logcsv.HourBucket(time.Unix(reply.StartSec, 0).UTC())
		if err := m.buf.Append([]byte(line), bucket); err != nil {
			log.Printf("scamper[%s]: reply buffer append: %v", m.name, err)
		}
	}
}

// evict removes a just-admitted, just-failed-to-submit entry so a later
// request for the same target is not wrongly deduped forever.
func (m *Manager) evict(userID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.pending[userID]; ok {
		delete(m.pending, userID)
		delete(m.targets, in.key)
	}
}

// Sweep runs the once-per-second accounting tick spec.md §4.3 describes,
// plus the T_drop timer spec.md §9 assigns the manager: an entry older
// than dropTimeout is evicted as failed. T_retry is intentionally not
// wired to an automatic resubmission — spec.md is explicit that these
// timers "do not affect shard correctness", and the shard already owns
// retransmission-shaped decisions (e.g. the RST delayed-release path), so
// adding a second independent retry source here would just race it.
func (m *Manager) Sweep(ctx context.Context, driverQueueDepth func() int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(driverQueueDepth)
		}
	}
}

func (m *Manager) tick(driverQueueDepth func() int) {
	now := time.Now()
	m.mu.Lock()
	var dropped []uint32
	for uid, in := range m.pending {
		if m.dropTimeout > 0 && now.Sub(in.submitted) > m.dropTimeout {
			dropped = append(dropped, uid)
		}
	}
	for _, uid := range dropped {
		in := m.pending[uid]
		delete(m.pending, uid)
		delete(m.targets, in.key)
	}
	accepted, returned := m.accepted, m.returned
	m.mu.Unlock()

	depth := 0
	if driverQueueDepth != nil {
		depth = driverQueueDepth()
	}
	log.Printf("scamper[%s]: accepted=%d returned=%d queue_depth=%d dropped_stale=%d",
		m.name, accepted, returned, depth, len(dropped))
}

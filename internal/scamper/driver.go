// Package scamper implements the driver that owns one connected socket to
// an external probing daemon (C2, spec.md §4.4) and the manager that
// dedups and correlates requests flowing through it (C3, spec.md §4.3).
//
// The original single-thread readiness-multiplexing event loop (one
// epoll/kqueue/poll call driving five file descriptors) is recast here as
// three goroutines per driver — a reader, a writer, and a decode goroutine
// fed by the reader through an io.Pipe — which is the same "split the event loop
// into a goroutine per concern, join with channels" shape the teacher
// uses for its control-connection handling in internal/hdhomerun/control.go
// and its background worker in internal/sdtprobe/worker.go. A
// context.Context takes the place of the wake pipe for cooperative
// shutdown.
package scamper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/inetrg/spoki-reactor/internal/metrics"
	"github.com/inetrg/spoki-reactor/internal/packet"
	"github.com/inetrg/spoki-reactor/internal/wire"
)

// ReplyCollector receives every decoded ping reply a Driver produces.
// *Manager implements this.
type ReplyCollector interface {
	Deliver(reply packet.Reply)
}

// Driver owns one daemon connection. Dial returns a Driver whose reader,
// writer, and decode goroutines are already running; Close tears all three
// down.
type Driver struct {
	name string
	conn net.Conn
	m    *metrics.Metrics

	submitCh chan packet.Request
	moreCh   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pipeW *io.PipeWriter

	queueDepth atomic.Int64
	dead       chan struct{}
}

// Done returns a channel that closes once the driver's reader, writer, and
// decode goroutines have all exited — whether from Close or from an
// unrecoverable I/O error. The supervisor watches this to implement
// spec.md §7 item 6's "a prober going down kills its dependent shard".
func (d *Driver) Done() <-chan struct{} {
	return d.dead
}

// QueueDepth returns the number of commands currently queued for
// transmission, for the manager's once-per-second accounting tick.
func (d *Driver) QueueDepth() int {
	return int(d.queueDepth.Load())
}

// Dial connects to address over network ("tcp" or "unix", as split by the
// caller from a "tcp:host:port" or "unix:/path" endpoint string) and starts
// the driver's goroutines. collector receives every decoded ping; name is used
// only to label metrics.
func Dial(ctx context.Context, network, address, name string, collector ReplyCollector, m *metrics.Metrics) (*Driver, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("scamper: dial %s %s: %w", network, address, err)
	}
	return newDriver(ctx, conn, name, collector, m), nil
}

// newDriver wires up a Driver around an already-connected conn; split out
// from Dial so tests can hand it a net.Pipe() end instead of a real socket.
func newDriver(ctx context.Context, conn net.Conn, name string, collector ReplyCollector, m *metrics.Metrics) *Driver {
	dctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	d := &Driver{
		name:     name,
		conn:     conn,
		m:        m,
		submitCh: make(chan packet.Request, 1024),
		moreCh:   make(chan struct{}, 1<<20),
		ctx:      dctx,
		cancel:   cancel,
		pipeW:    pw,
		dead:     make(chan struct{}),
	}

	d.wg.Add(3)
	// Whichever of the writer and reader exits first tears the connection
	// down, so the other one and the decode goroutine exit as well and Done
	// closes after an I/O failure just as it does after Close.
	go func() {
		d.writeLoop()
		cancel()
		conn.Close()
	}()
	go func() {
		d.readLoop()
		cancel()
		conn.Close()
		pw.Close()
	}()
	go func() {
		defer d.wg.Done()
		if err := decodeObjects(pr, collector, func() {
			if d.m != nil {
				d.m.RepliesReceived.WithLabelValues(d.name).Inc()
			}
		}); err != nil && dctx.Err() == nil {
			log.Printf("scamper[%s]: decode pipeline: %v", d.name, err)
		}
		pr.Close()
	}()
	go func() {
		d.wg.Wait()
		close(d.dead)
	}()
	return d
}

// Submit enqueues req for transmission. Non-blocking: a full queue drops
// the request and counts it as a driver error, mirroring the bounded-queue
// backpressure policy the dispatcher and shard mailboxes already use.
func (d *Driver) Submit(req packet.Request) bool {
	select {
	case d.submitCh <- req:
		return true
	default:
		if d.m != nil {
			d.m.DriverErrors.WithLabelValues(d.name).Inc()
		}
		return false
	}
}

// Close cancels the driver's context, closes the connection (unblocking
// any in-progress read), and waits for all three goroutines to exit.
func (d *Driver) Close() error {
	d.cancel()
	err := d.conn.Close()
	d.pipeW.CloseWithError(context.Canceled)
	d.wg.Wait()
	return err
}

// writeLoop is the credit-gated command writer: it only transmits a queued
// command while credit (the daemon's "more") is positive. Credit and the
// pending queue are both only ever touched here, so no locking is needed.
func (d *Driver) writeLoop() {
	defer d.wg.Done()
	bw := bufio.NewWriter(d.conn)
	// One unit of credit is pre-allocated for the attach handshake
	// (spec.md §6), which is queued as the first pending command and then
	// flows through the same credit-gated write path as every other
	// command below — the driver never writes with credit at 0.
	credit := 1
	pending := []packet.Request{attachRequest}

	for {
		if credit > 0 && len(pending) > 0 {
			req := pending[0]
			if err := d.writeCommand(bw, req); err != nil {
				if d.ctx.Err() == nil {
					log.Printf("scamper[%s]: write: %v", d.name, err)
					if d.m != nil {
						d.m.DriverErrors.WithLabelValues(d.name).Inc()
					}
				}
				return
			}
			pending = pending[1:]
			credit--
			d.queueDepth.Store(int64(len(pending)))
			if d.m != nil {
				d.m.DriverCredit.WithLabelValues(d.name).Set(float64(credit))
				d.m.DriverQueueDepth.WithLabelValues(d.name).Set(float64(len(pending)))
			}
			continue
		}

		select {
		case <-d.ctx.Done():
			return
		case req := <-d.submitCh:
			pending = append(pending, req)
			d.queueDepth.Store(int64(len(pending)))
			if d.m != nil {
				d.m.DriverQueueDepth.WithLabelValues(d.name).Set(float64(len(pending)))
			}
		case <-d.moreCh:
			credit++
			if d.m != nil {
				d.m.DriverCredit.WithLabelValues(d.name).Set(float64(credit))
			}
		}
	}
}

// attachMethod tags the sentinel request writeLoop pre-queues for the
// attach handshake; writeCommand recognizes it and writes the literal
// "attach\n" line instead of running it through wire.EncodeCommand.
const attachMethod packet.Method = "attach"

var attachRequest = packet.Request{Method: attachMethod}

// writeCommand encodes and flushes one command line. A short write here is
// a genuine I/O error (unlike the FD-level partial-write case spec.md's
// original event loop has to track a byte offset for): bufio.Writer.Write
// itself loops until the full line is accepted by the OS or an error
// occurs, so there is no partial-command state to preserve across calls.
func (d *Driver) writeCommand(bw *bufio.Writer, req packet.Request) error {
	line := "attach\n"
	if req.Method != attachMethod {
		line = wire.EncodeCommand(req)
	}
	if _, err := bw.WriteString(line); err != nil {
		return err
	}
	return bw.Flush()
}

// readLoop consumes the daemon's line-delimited control protocol and
// siphons DATA payload bytes into the uudecode-then-object-decode
// pipeline.
func (d *Driver) readLoop() {
	defer d.wg.Done()
	br := bufio.NewReader(d.conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if d.ctx.Err() == nil {
				log.Printf("scamper[%s]: read: %v", d.name, err)
			}
			return
		}
		ctl, err := wire.ParseControlLine(line)
		if err != nil {
			continue
		}
		switch ctl.Kind {
		case wire.ControlOK:
			// Acknowledgement only; nothing to do.
		case wire.ControlMore:
			select {
			case d.moreCh <- struct{}{}:
			case <-d.ctx.Done():
				return
			}
		case wire.ControlData:
			if err := d.consumeData(br, ctl.N); err != nil {
				if d.ctx.Err() == nil {
					log.Printf("scamper[%s]: consume DATA: %v", d.name, err)
				}
				return
			}
		case wire.ControlErr:
			log.Printf("scamper[%s]: daemon error: %s", d.name, ctl.Message)
			if d.m != nil {
				d.m.DriverErrors.WithLabelValues(d.name).Inc()
			}
		}
	}
}

// consumeData reads uuencoded lines until n raw (still-encoded) bytes have
// been consumed, decoding each line and forwarding the decoded bytes to the
// object-decode pipeline.
func (d *Driver) consumeData(br *bufio.Reader, n int) error {
	remaining := n
	for remaining > 0 {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		remaining -= len(line)
		decoded, _, err := wire.UUDecode([]byte(line))
		if err != nil {
			// A malformed uuencoded line is a decoder failure (spec.md §7
			// kind 4): skip it and keep draining the announced byte count.
			continue
		}
		if len(decoded) == 0 {
			continue
		}
		if _, err := d.pipeW.Write(decoded); err != nil {
			return err
		}
	}
	return nil
}

// Package replybuf implements the per-shard CSV-line accumulator that
// batches writes by hour bucket before handing them to the Log Writer
// (C6, spec.md §4.5).
package replybuf

import "github.com/inetrg/spoki-reactor/internal/logcsv"

// Sink receives a complete buffer handed off in one piece. Implementations
// must not retain buf beyond the call (the accumulator may reuse it).
type Sink interface {
	Flush(buf []byte, hourBucket int64) error
}

// Buffer accumulates CSV lines tagged with a single hour bucket and hands
// them to a Sink (normally a logcsv.Writer's actor) once either the byte
// threshold is reached or a record with a different hour bucket arrives.
// Not safe for concurrent use — driven by exactly one actor's mailbox.
type Buffer struct {
	sink           Sink
	writeThreshold int
	reserveSize    int

	active     []byte
	hourBucket int64
	hasBucket  bool

	spare []byte // swapped in after a flush, when available
}

// New creates a Buffer that flushes to sink once writeThreshold bytes have
// accumulated, pre-allocating reserveSize bytes for the active buffer.
func New(sink Sink, reserveSize, writeThreshold int) *Buffer {
	return &Buffer{
		sink:           sink,
		writeThreshold: writeThreshold,
		reserveSize:    reserveSize,
		active:         make([]byte, 0, reserveSize),
	}
}

// Append appends the CSV-encoded line into the buffer tagged with the
// given hour bucket. A differing bucket flushes whatever was accumulated
// before line is appended to the (now-empty) active buffer; once line is
// appended, reaching the byte threshold flushes the buffer including line.
func (b *Buffer) Append(line []byte, hourBucket int64) error {
	if b.hasBucket && hourBucket != b.hourBucket {
		if err := b.flush(); err != nil {
			return err
		}
	}
	b.hourBucket = hourBucket
	b.hasBucket = true
	b.active = append(b.active, line...)
	if len(b.active) >= b.writeThreshold {
		return b.flush()
	}
	return nil
}

// Flush forces whatever is currently accumulated out to the sink, even if
// under threshold. Used at shutdown so no buffered record is lost.
func (b *Buffer) Flush() error {
	if !b.hasBucket || len(b.active) == 0 {
		return nil
	}
	return b.flush()
}

func (b *Buffer) flush() error {
	if len(b.active) == 0 {
		b.hasBucket = false
		return nil
	}
	out := b.active
	bucket := b.hourBucket
	if b.spare != nil {
		b.active = b.spare[:0]
		b.spare = nil
	} else {
		b.active = make([]byte, 0, b.reserveSize)
	}
	b.hasBucket = false
	err := b.sink.Flush(out, bucket)
	// The flushed buffer becomes the next spare once the sink is done with
	// it (Sink.Flush must not retain out beyond the call).
	b.spare = out[:0]
	return err
}

// writerSink adapts a *logcsv.Writer to the Sink interface.
type writerSink struct {
	w *logcsv.Writer
}

// NewWriterSink wraps w so a Buffer can flush directly into a Log Writer.
func NewWriterSink(w *logcsv.Writer) Sink {
	return writerSink{w: w}
}

func (s writerSink) Flush(buf []byte, hourBucket int64) error {
	return s.w.Append(buf, hourBucket)
}

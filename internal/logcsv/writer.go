package logcsv

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/andybalholm/brotli"

	"github.com/inetrg/spoki-reactor/internal/metrics"
)

// State is the Log Writer's explicit state variable (spec.md §9: "recast
// as an explicit state variable and a function table indexed by (state,
// event), no hidden behavior stack").
type State uint8

const (
	Idle State = iota
	OneLog
	TwoLogs
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OneLog:
		return "one-log"
	case TwoLogs:
		return "two-logs"
	default:
		return "unknown"
	}
}

const hourSeconds = 3600

// Writer is a single hour-bucketed, two-file-window CSV log writer. It is
// not safe for concurrent use: per spec.md §5, it is driven by exactly one
// actor's mailbox, and writes into one file are strictly ordered on that
// mailbox.
type Writer struct {
	OutDir        string
	DatasourceTag string
	ProtoTag      string
	ComponentTag  string
	Header        string // written once per new file
	Compress      bool   // background-brotli rotated-out files

	state State
	cur   int64 // hour bucket of the current file
	prev  int64 // hour bucket of the previous file

	curFile  *os.File
	prevFile *os.File

	m         *metrics.Metrics
	component string
}

// New creates a Writer in the Idle state.
func New(outDir, datasourceTag, protoTag, componentTag, header string, compress bool) *Writer {
	return &Writer{
		OutDir:        outDir,
		DatasourceTag: datasourceTag,
		ProtoTag:      protoTag,
		ComponentTag:  componentTag,
		Header:        header,
		Compress:      compress,
		state:         Idle,
	}
}

// SetMetrics attaches the Prometheus bundle this writer reports open-file
// count, rotation, and drop counters to, labeled by component. A nil or
// never-called SetMetrics leaves the writer fully functional but silent,
// which is what the unit tests rely on.
func (w *Writer) SetMetrics(m *metrics.Metrics, component string) {
	w.m = m
	w.component = component
}

// State reports the writer's current state (Idle, OneLog, TwoLogs).
func (w *Writer) State() State { return w.state }

func (w *Writer) reportOpenFiles() {
	if w.m == nil {
		return
	}
	n := 0
	if w.curFile != nil {
		n++
	}
	if w.prevFile != nil {
		n++
	}
	w.m.LogWriterOpenFiles.WithLabelValues(w.component).Set(float64(n))
}

func (w *Writer) countRotation() {
	if w.m != nil {
		w.m.LogWriterRotations.WithLabelValues(w.component).Inc()
	}
}

func (w *Writer) countDropped() {
	if w.m != nil {
		w.m.LogWriterDropped.WithLabelValues(w.component).Inc()
	}
}

// Append appends buf (already-encoded CSV lines) tagged with timestamp t
// (Unix seconds) to the appropriate file, opening/rotating/closing files
// per the state machine in spec.md §4.6. t is first floored to its hour
// bucket, so an already-floored bucket passes through unchanged. Besides
// errors from opening or writing a file, it returns a non-nil error for
// the "too old" diagnostic case (spec.md: "log-and-drop"); callers should
// log and continue, never abort, per spec.md §7 item 7.
func (w *Writer) Append(buf []byte, t int64) error {
	t -= t % hourSeconds
	switch w.state {
	case Idle:
		return w.transitionIdle(buf, t)
	case OneLog:
		return w.transitionOneLog(buf, t)
	case TwoLogs:
		return w.transitionTwoLogs(buf, t)
	default:
		return fmt.Errorf("logcsv: writer in unknown state %v", w.state)
	}
}

func (w *Writer) transitionIdle(buf []byte, t int64) error {
	f, err := w.openFile(t)
	if err != nil {
		return err
	}
	w.curFile = f
	w.cur = t
	w.prev = t - hourSeconds
	if _, err := w.curFile.Write(buf); err != nil {
		return fmt.Errorf("logcsv: write: %w", err)
	}
	w.state = OneLog
	w.reportOpenFiles()
	return nil
}

func (w *Writer) transitionOneLog(buf []byte, t int64) error {
	switch {
	case t == w.cur:
		_, err := w.curFile.Write(buf)
		return err
	case t == w.cur+hourSeconds:
		w.prevFile = w.curFile
		f, err := w.openFile(t)
		if err != nil {
			return err
		}
		w.curFile = f
		w.cur = t
		w.prev = t - hourSeconds
		_, err = w.curFile.Write(buf)
		w.state = TwoLogs
		w.countRotation()
		w.reportOpenFiles()
		return err
	case t > w.cur+hourSeconds:
		w.closeAndMaybeCompress(w.curFile)
		f, err := w.openFile(t)
		if err != nil {
			return err
		}
		w.curFile = f
		w.cur = t
		w.prev = t - hourSeconds
		_, err = w.curFile.Write(buf)
		w.countRotation()
		w.reportOpenFiles()
		return err // stays in OneLog
	case t == w.prev:
		f, err := w.openFile(t)
		if err != nil {
			return err
		}
		w.prevFile = f
		if _, err := w.prevFile.Write(buf); err != nil {
			return err
		}
		w.state = TwoLogs
		w.reportOpenFiles()
		return nil
	default: // t < prev
		log.Printf("logcsv[%s/%s]: diagnostic: record hour %d precedes window [%d,%d); dropped",
			w.DatasourceTag, w.ProtoTag, t, w.prev, w.cur+hourSeconds)
		w.countDropped()
		return fmt.Errorf("logcsv: record hour %d too old (window starts at %d)", t, w.prev)
	}
}

func (w *Writer) transitionTwoLogs(buf []byte, t int64) error {
	switch {
	case t == w.cur:
		_, err := w.curFile.Write(buf)
		return err
	case t == w.prev:
		_, err := w.prevFile.Write(buf)
		return err
	case t == w.cur+hourSeconds:
		w.closeAndMaybeCompress(w.prevFile)
		w.prevFile = w.curFile
		w.prev = w.cur
		f, err := w.openFile(t)
		if err != nil {
			return err
		}
		w.curFile = f
		w.cur = t
		_, err = w.curFile.Write(buf)
		w.countRotation()
		w.reportOpenFiles()
		return err // remains TwoLogs
	case t > w.cur+hourSeconds:
		w.closeAndMaybeCompress(w.prevFile)
		w.closeAndMaybeCompress(w.curFile)
		f, err := w.openFile(t)
		if err != nil {
			return err
		}
		w.curFile = f
		w.prevFile = nil
		w.cur = t
		w.prev = t - hourSeconds
		_, err = w.curFile.Write(buf)
		w.state = OneLog
		w.countRotation()
		w.reportOpenFiles()
		return err
	default: // t < prev
		log.Printf("logcsv[%s/%s]: diagnostic: record hour %d precedes window [%d,%d); dropped",
			w.DatasourceTag, w.ProtoTag, t, w.prev, w.cur+hourSeconds)
		w.countDropped()
		return fmt.Errorf("logcsv: record hour %d too old (window starts at %d)", t, w.prev)
	}
}

// Close flushes and closes whatever files are open, leaving the writer in
// Idle. Safe to call once at shutdown.
func (w *Writer) Close() error {
	var firstErr error
	if w.prevFile != nil {
		if err := w.prevFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.prevFile = nil
	}
	if w.curFile != nil {
		if err := w.curFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.curFile = nil
	}
	w.state = Idle
	w.reportOpenFiles()
	return firstErr
}

func (w *Writer) openFile(hourStart int64) (*os.File, error) {
	path := FilePath(w.OutDir, hourStart, w.DatasourceTag, w.ProtoTag, w.ComponentTag)
	if err := os.MkdirAll(w.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("logcsv: mkdir %s: %w", w.OutDir, err)
	}
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logcsv: open %s: %w", path, err)
	}
	if statErr != nil || info.Size() == 0 {
		if _, err := f.WriteString(w.Header); err != nil {
			f.Close()
			return nil, fmt.Errorf("logcsv: write header %s: %w", path, err)
		}
	}
	return f, nil
}

// closeAndMaybeCompress closes f and, if Compress is enabled, brotli-
// compresses it in the background (atomic temp-file-then-rename, same
// durability pattern the teacher uses for its on-disk probe cache).
func (w *Writer) closeAndMaybeCompress(f *os.File) {
	if f == nil {
		return
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		log.Printf("logcsv: close %s: %v", name, err)
	}
	if !w.Compress {
		return
	}
	go compressFile(name)
}

func compressFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("logcsv: compress: read %s: %v", path, err)
		return
	}
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write(data); err != nil {
		log.Printf("logcsv: compress: brotli write %s: %v", path, err)
		return
	}
	if err := bw.Close(); err != nil {
		log.Printf("logcsv: compress: brotli close %s: %v", path, err)
		return
	}
	tmp := path + ".br.tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		log.Printf("logcsv: compress: write %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, path+".br"); err != nil {
		log.Printf("logcsv: compress: rename %s: %v", tmp, err)
		os.Remove(tmp)
		return
	}
	if err := os.Remove(path); err != nil {
		log.Printf("logcsv: compress: remove original %s: %v", path, err)
	}
}

package replybuf

import "testing"

type fakeSink struct {
	flushes [][]byte
	buckets []int64
}

func (f *fakeSink) Flush(buf []byte, hourBucket int64) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.flushes = append(f.flushes, cp)
	f.buckets = append(f.buckets, hourBucket)
	return nil
}

func TestBufferFlushesOnThreshold(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, 16, 10)
	if err := b.Append([]byte("01234"), 100); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(sink.flushes) != 0 {
		t.Fatalf("flushed early: %d", len(sink.flushes))
	}
	if err := b.Append([]byte("56789"), 100); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(sink.flushes) != 1 {
		t.Fatalf("expected 1 flush at threshold, got %d", len(sink.flushes))
	}
	if string(sink.flushes[0]) != "0123456789" {
		t.Fatalf("unexpected flush content: %q", sink.flushes[0])
	}
}

func TestBufferFlushesOnHourBucketChange(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, 64, 1000)
	if err := b.Append([]byte("a"), 100); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Append([]byte("b"), 200); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(sink.flushes) != 1 {
		t.Fatalf("expected 1 flush on bucket change, got %d", len(sink.flushes))
	}
	if string(sink.flushes[0]) != "a" || sink.buckets[0] != 100 {
		t.Fatalf("unexpected flush: %q bucket=%d", sink.flushes[0], sink.buckets[0])
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("final Flush: %v", err)
	}
	if len(sink.flushes) != 2 || string(sink.flushes[1]) != "b" || sink.buckets[1] != 200 {
		t.Fatalf("unexpected final flush state: %+v", sink)
	}
}

func TestBufferSpareReuse(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, 64, 4)
	for i := 0; i < 3; i++ {
		if err := b.Append([]byte("abcd"), int64(i)*3600); err != nil {
			t.Fatalf("Append round %d: %v", i, err)
		}
	}
	if len(sink.flushes) != 3 {
		t.Fatalf("expected 3 flushes, got %d", len(sink.flushes))
	}
}

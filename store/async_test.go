package store

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerkv/ledgerkv/kv"
)

func openTestAsync(t *testing.T, dir string, cfg kv.Config) *AsyncStore {
	t.Helper()
	cfg.DataDir = dir
	a, err := OpenAsync(cfg)
	if err != nil {
		t.Fatalf("OpenAsync: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAsyncPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := openTestAsync(t, dir, kv.Config{})

	seq, err := a.Put(kv.Key("a"), kv.Value("1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !a.WaitForSeq(seq, time.Second) {
		t.Fatalf("WaitForSeq timed out")
	}

	v, ok, err := a.Get(kv.Key("a"))
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(v) != "1" {
		t.Fatalf("expected %q, got %q", "1", v)
	}
}

func TestAsyncManyWritesAllApplyAndFence(t *testing.T) {
	dir := t.TempDir()
	a := openTestAsync(t, dir, kv.Config{MemtableMaxBytes: 1024})

	var lastSeq kv.Seq
	for i := 0; i < 500; i++ {
		seq, err := a.Put(kv.Key(padKey(i)), kv.Value(padValue(i)))
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		lastSeq = seq
	}

	if !a.WaitForSeq(lastSeq, 5*time.Second) {
		t.Fatalf("WaitForSeq timed out waiting for seq %d", lastSeq)
	}

	for i := 0; i < 500; i++ {
		v, ok, err := a.Get(kv.Key(padKey(i)))
		if err != nil || !ok {
			t.Fatalf("Get(%d): ok=%v err=%v", i, ok, err)
		}
		if string(v) != padValue(i) {
			t.Fatalf("Get(%d): expected %q, got %q", i, padValue(i), v)
		}
	}
}

func TestAsyncWaitForSeqTimesOutWhenNeverReached(t *testing.T) {
	dir := t.TempDir()
	a := openTestAsync(t, dir, kv.Config{})

	if a.WaitForSeq(kv.Seq(1_000_000), 20*time.Millisecond) {
		t.Fatalf("expected WaitForSeq to time out for an unreachable seq")
	}
}

func TestAsyncScheduleCompactionWaits(t *testing.T) {
	dir := t.TempDir()
	a := openTestAsync(t, dir, kv.Config{})

	for i := 0; i < 4; i++ {
		if _, err := a.Put(kv.Key(padKey(i)), kv.Value(padValue(i))); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		if err := a.inner.FlushMemtable(); err != nil {
			t.Fatalf("FlushMemtable %d: %v", i, err)
		}
	}

	id, err := a.ScheduleCompaction(0, true)
	if err != nil {
		t.Fatalf("ScheduleCompaction: %v", err)
	}

	status, err, ok := a.GetStatus(id)
	if !ok {
		t.Fatalf("expected job %v to be tracked", id)
	}
	if err != nil {
		t.Fatalf("compaction job failed: %v", err)
	}
	if status != JobCompleted {
		t.Fatalf("expected JobCompleted, got %v", status)
	}

	for i := 0; i < 4; i++ {
		v, ok, err := a.Get(kv.Key(padKey(i)))
		if err != nil || !ok {
			t.Fatalf("Get(%d) after compaction: ok=%v err=%v", i, ok, err)
		}
		if string(v) != padValue(i) {
			t.Fatalf("Get(%d): expected %q, got %q", i, padValue(i), v)
		}
	}
}

func TestAsyncWaitForCompactionUnknownJobReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	a := openTestAsync(t, dir, kv.Config{})

	if _, ok := a.WaitForCompaction(uuid.New(), 10*time.Millisecond); ok {
		t.Fatalf("expected an unknown job id to report ok=false")
	}
}

func TestAsyncCloseIsIdempotentAndRejectsFurtherWrites(t *testing.T) {
	dir := t.TempDir()
	a := openTestAsync(t, dir, kv.Config{})

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := a.Put(kv.Key("a"), kv.Value("1")); err != kv.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

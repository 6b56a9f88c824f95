package sparseindex

import (
	"bytes"
	"fmt"
	"testing"
)

func TestFindBlockOffsetEmpty(t *testing.T) {
	idx := New()
	if _, ok := idx.FindBlockOffset([]byte("a")); ok {
		t.Fatalf("expected ok == false for an empty index")
	}
}

func TestFindBlockOffsetBeforeFirstSample(t *testing.T) {
	idx := New()
	idx.Record([]byte("m"), 100)
	idx.Record([]byte("z"), 200)

	off, ok := idx.FindBlockOffset([]byte("a"))
	if !ok || off != 100 {
		t.Fatalf("expected first block offset 100, got %d (ok=%v)", off, ok)
	}
}

func TestFindBlockOffsetExactAndBetween(t *testing.T) {
	idx := New()
	idx.Record([]byte("b"), 0)
	idx.Record([]byte("m"), 400)
	idx.Record([]byte("x"), 900)

	cases := []struct {
		key  string
		want int64
	}{
		{"b", 0},
		{"f", 0},
		{"m", 400},
		{"n", 400},
		{"x", 900},
		{"zz", 900},
	}

	for _, c := range cases {
		off, ok := idx.FindBlockOffset([]byte(c.key))
		if !ok || off != c.want {
			t.Fatalf("key %q: expected offset %d, got %d (ok=%v)", c.key, c.want, off, ok)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	idx := New()
	for i := 0; i < 20; i++ {
		idx.Record([]byte(fmt.Sprintf("key-%03d", i*16)), int64(i*4096))
	}

	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	idx2, _, err := ReadFrom(&buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	if idx2.Len() != idx.Len() {
		t.Fatalf("expected %d entries, got %d", idx.Len(), idx2.Len())
	}

	for i, e := range idx.entries {
		got := idx2.entries[i]
		if !bytes.Equal(got.Key, e.Key) || got.Offset != e.Offset {
			t.Fatalf("entry %d mismatch: want %+v, got %+v", i, e, got)
		}
	}
}

// Package compaction merges a level's SSTables into the next level: a
// heap-based k-way merge that resolves duplicate keys by last-writer-wins
// and drops expired tombstones at the deepest level.
//
// The k-way merge is grounded on the teacher pack's
// ChinmayNoob-lsm-go/compaction/compaction.go, which streams each input
// table through a container/heap min-heap keyed on the current record's
// key and keeps the highest-Seq record per key; this package generalizes
// that to sstable.Reader's push iterator (via iter.Pull2) and adds
// timestamp-based tie-breaking, tombstone retention, and output splitting
// that the teacher's single-output Run did not need.
package compaction

import (
	"container/heap"
	"iter"

	"github.com/ledgerkv/ledgerkv/kv"
	"github.com/ledgerkv/ledgerkv/sstable"
)

// Options configures one compaction run.
type Options struct {
	Dir                       string // the sst/ directory new outputs are written to
	TargetLevel               int
	IsDeepestLevel            bool
	SSTableMaxBytes           int64
	BlockTargetBytes          int
	SparseIndexSampleInterval int
	BloomFalsePositiveRate    float64
	TombstoneRetentionSeconds int64
	NowUnixSeconds            int64
	// NextID is called once per output SSTable to obtain its id.
	NextID func() uint64
}

// Compact merges inputs (each already open for reading) into one or more
// new SSTables at opts.TargetLevel, per spec.md §4.8. It returns the
// descriptors of every output produced; the caller is responsible for the
// atomic catalog swap (remove inputs, add outputs) and unlinking the input
// files afterward.
func Compact(inputs []*sstable.Reader, opts Options) ([]sstable.Meta, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	sources := make([]*source, 0, len(inputs))
	defer func() {
		for _, s := range sources {
			s.stop()
		}
	}()

	h := &mergeHeap{}
	for _, r := range inputs {
		s := newSource(r)
		if s.advance() {
			heap.Push(h, s)
		}
		if s.err != nil {
			return nil, s.err
		}
		sources = append(sources, s)
	}

	var estimated uint
	for _, r := range inputs {
		estimated += uint(r.Meta().Count)
	}

	var outputs []sstable.Meta
	var w *sstable.Writer
	finalizeCurrent := func() error {
		if w == nil {
			return nil
		}
		m, err := w.Finalize()
		w = nil
		if err != nil {
			return err
		}
		outputs = append(outputs, m)
		return nil
	}
	ensureWriter := func() error {
		if w != nil {
			return nil
		}
		var err error
		w, err = sstable.NewWriter(sstable.WriterOptions{
			Dir:                       opts.Dir,
			Level:                     opts.TargetLevel,
			ID:                        opts.NextID(),
			BlockTargetBytes:          opts.BlockTargetBytes,
			SparseIndexSampleInterval: opts.SparseIndexSampleInterval,
			BloomFalsePositiveRate:    opts.BloomFalsePositiveRate,
			EstimatedRecords:          estimated,
		})
		return err
	}

	var curKey kv.Key
	var best kv.Record
	haveBest := false

	emit := func() error {
		if !haveBest {
			return nil
		}
		defer func() { haveBest = false }()

		if best.IsTombstone() && opts.IsDeepestLevel {
			age := opts.NowUnixSeconds - int64(best.Ts)/1000
			if age > opts.TombstoneRetentionSeconds {
				return nil // dropped: expired tombstone at the deepest level
			}
		}

		if err := ensureWriter(); err != nil {
			return err
		}
		if err := w.Write(best); err != nil {
			return err
		}
		if opts.SSTableMaxBytes > 0 && estimatedSize(w) >= opts.SSTableMaxBytes {
			return finalizeCurrent()
		}
		return nil
	}

	for h.Len() > 0 {
		s := heap.Pop(h).(*source)
		rec := s.cur

		if !haveBest || !keyEqual(rec.Key, curKey) {
			if err := emit(); err != nil {
				return nil, err
			}
			curKey = kv.CloneKey(rec.Key)
			best = rec
			haveBest = true
		} else if newer(rec, best) {
			best = rec
		}

		if s.advance() {
			heap.Push(h, s)
		}
		if s.err != nil {
			return nil, s.err
		}
	}
	if err := emit(); err != nil {
		return nil, err
	}
	if err := finalizeCurrent(); err != nil {
		return nil, err
	}

	return outputs, nil
}

// newer reports whether candidate should replace current as the
// last-writer for their shared key: greatest timestamp wins, ties broken
// by the greater Seq, matching the memtable's own newer() rule.
func newer(candidate, current kv.Record) bool {
	if candidate.Ts != current.Ts {
		return candidate.Ts > current.Ts
	}
	return candidate.Seq > current.Seq
}

func keyEqual(a, b kv.Key) bool {
	return kv.Compare(a, b) == 0
}

// estimatedSize is a conservative proxy for "how big is the data file so
// far", since Writer doesn't expose its running byte count directly.
func estimatedSize(w *sstable.Writer) int64 {
	return w.ApproxDataBytes()
}

// source adapts one sstable.Reader's push iterator (IterRange) to a
// pull-style cursor so the merge heap can compare "current record" across
// many sources at once, the same shape as the teacher's tableIter.
type source struct {
	next  func() (kv.Record, error, bool)
	stop  func()
	cur   kv.Record
	err   error
	valid bool
}

func newSource(r *sstable.Reader) *source {
	next, stop := iter.Pull2(r.IterRange(nil, nil))
	return &source{next: next, stop: stop}
}

func (s *source) advance() bool {
	rec, err, ok := s.next()
	if err != nil {
		s.err = err
		s.valid = false
		return false
	}
	if !ok {
		s.valid = false
		return false
	}
	s.cur = rec
	s.valid = true
	return true
}

// mergeHeap is a container/heap min-heap over sources ordered by their
// current record's key, directly grounded on the teacher's mergeHeap.
type mergeHeap []*source

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return kv.Compare(h[i].cur.Key, h[j].cur.Key) < 0 }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)         { *h = append(*h, x.(*source)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ShouldCompactL0 reports whether L0's SSTable count has reached the
// administrative compaction threshold, per spec.md §4.8.
func ShouldCompactL0(l0Count int) bool {
	return l0Count >= 4
}

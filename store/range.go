package store

import (
	"container/heap"
	"errors"
	"iter"
	"os"

	"github.com/ledgerkv/ledgerkv/kv"
	"github.com/ledgerkv/ledgerkv/sstable"
)

// rangeSource is one contributor to a Range merge: the memtable (level -1,
// id 0, so it always wins a timestamp tie per spec.md §5's level-ascending
// rule) or one SSTable reader restricted to [lo, hi).
type rangeSource struct {
	level int
	id    uint64

	nextMem func() (kv.Record, bool)
	nextSST func() (kv.Record, error, bool)
	stopSST func()

	cur   kv.Record
	err   error
	valid bool
}

func (s *rangeSource) advance() bool {
	if s.nextMem != nil {
		rec, ok := s.nextMem()
		if !ok {
			s.valid = false
			return false
		}
		s.cur = rec
		s.valid = true
		return true
	}
	rec, err, ok := s.nextSST()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The reader opens its data file lazily, so a compaction unlink
			// after the catalog snapshot surfaces here as file-not-found.
			err = kv.NewError(kv.KindTransient, "store.Range", err)
		}
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

type rangeHeap []*rangeSource

func (h rangeHeap) Len() int           { return len(h) }
func (h rangeHeap) Less(i, j int) bool { return kv.Compare(h[i].cur.Key, h[j].cur.Key) < 0 }
func (h rangeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *rangeHeap) Push(x any)        { *h = append(*h, x.(*rangeSource)) }
func (h *rangeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Range returns every live (non-tombstoned) key in [lo, hi) in ascending
// key order, merged across the memtable and every intersecting SSTable,
// emitting the highest-timestamped record per key, per spec.md §4.9.
// A nil lo or hi means "no bound" on that side.
func (s *Store) Range(lo, hi kv.Key) iter.Seq2[kv.Record, error] {
	return func(yield func(kv.Record, error) bool) {
		s.storeMu.RLock()
		mem := s.mem
		levels := s.cat.Levels()
		closed := s.closed
		s.storeMu.RUnlock()
		if closed {
			yield(kv.Record{}, kv.ErrClosed)
			return
		}

		var sources []*rangeSource
		memNext, memStop := iter.Pull(mem.IterRange(lo, hi))
		defer memStop()
		sources = append(sources, &rangeSource{level: -1, nextMem: memNext})

		var readers []*sstable.Reader
		defer func() {
			for _, r := range readers {
				r.Close()
			}
		}()

		maxLevel := 0
		for level := range levels {
			if level > maxLevel {
				maxLevel = level
			}
		}
		for level := 0; level <= maxLevel; level++ {
			for _, d := range levels[level] {
				if hi != nil && kv.Compare(d.MinKey, hi) >= 0 {
					continue
				}
				if lo != nil && kv.Compare(d.MaxKey, lo) < 0 {
					continue
				}
				r, err := openReader(d)
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						// A compaction unlinked this file after we
						// snapshotted the catalog; this snapshot may not
						// yet include the freshly-swapped output holding
						// this range's records, so skipping it here could
						// silently drop live keys instead of the
						// transient, caller-retryable failure spec.md
						// §5/§7 mandate.
						yield(kv.Record{}, kv.NewError(kv.KindTransient, "store.Range", err))
						return
					}
					yield(kv.Record{}, err)
					return
				}
				readers = append(readers, r)
				next, stop := iter.Pull2(r.IterRange(lo, hi))
				sources = append(sources, &rangeSource{level: level, id: d.ID, nextSST: next, stopSST: stop})
			}
		}
		defer func() {
			for _, src := range sources {
				if src.stopSST != nil {
					src.stopSST()
				}
			}
		}()

		h := &rangeHeap{}
		for _, src := range sources {
			if src.advance() {
				heap.Push(h, src)
			}
			if src.err != nil {
				yield(kv.Record{}, src.err)
				return
			}
		}

		var curKey kv.Key
		var best kv.Record
		var bestLevel int
		var bestID uint64
		haveBest := false

		emit := func() bool {
			if !haveBest {
				return true
			}
			defer func() { haveBest = false }()
			if best.IsTombstone() {
				return true
			}
			return yield(best, nil)
		}

		for h.Len() > 0 {
			src := heap.Pop(h).(*rangeSource)
			rec := src.cur

			if !haveBest || kv.Compare(rec.Key, curKey) != 0 {
				if !emit() {
					return
				}
				curKey = kv.CloneKey(rec.Key)
				best = rec
				bestLevel = src.level
				bestID = src.id
				haveBest = true
			} else if recordWins(rec, src.level, src.id, best, bestLevel, bestID) {
				best = rec
				bestLevel = src.level
				bestID = src.id
			}

			if src.advance() {
				heap.Push(h, src)
			}
			if src.err != nil {
				yield(kv.Record{}, src.err)
				return
			}
		}
		emit()
	}
}

package sstable

import (
	"bufio"
	"io"
	"iter"
	"os"

	"github.com/ledgerkv/ledgerkv/bloom"
	"github.com/ledgerkv/ledgerkv/kv"
	"github.com/ledgerkv/ledgerkv/sparseindex"
)

// Reader opens an immutable SSTable for point lookups and range scans,
// consulting the resident bloom filter and sparse index before touching
// the data file, per spec.md §4.6.
type Reader struct {
	meta  Meta
	bloom *bloom.Filter
	index *sparseindex.Index
	path  string
}

// Open loads meta.MetaPath's sidecar into memory; the data file itself is
// opened lazily per read, since many SSTables can be resident at once.
func Open(meta Meta) (*Reader, error) {
	mf, err := os.Open(meta.MetaPath)
	if err != nil {
		return nil, kv.NewError(kv.KindSSTable, "sstable.Open", err)
	}
	defer mf.Close()

	m, sc, err := readSidecar(bufio.NewReader(mf))
	if err != nil {
		return nil, err
	}
	// The descriptor passed in carries the authoritative paths/level/id;
	// the sidecar only supplies keys/ts/count/checksum.
	m.ID, m.Level, m.DataPath, m.MetaPath = meta.ID, meta.Level, meta.DataPath, meta.MetaPath

	return &Reader{meta: m, bloom: sc.bloom, index: sc.index, path: meta.DataPath}, nil
}

// Meta returns the descriptor this reader was opened with.
func (r *Reader) Meta() Meta {
	return r.meta
}

// MayContain consults the resident bloom filter only.
func (r *Reader) MayContain(key []byte) bool {
	return r.bloom.MayContain(key)
}

// inRange reports whether key falls within [min_key, max_key] inclusive.
func (r *Reader) inRange(key []byte) bool {
	return kv.Compare(key, r.meta.MinKey) >= 0 && kv.Compare(key, r.meta.MaxKey) <= 0
}

// Get returns the record for key, or ok=false if the key is definitely
// absent (out of range, bloom-filtered, or not found by linear scan within
// the candidate block), per spec.md §4.6.
func (r *Reader) Get(key []byte) (kv.Record, bool, error) {
	if !r.inRange(key) || !r.MayContain(key) {
		return kv.Record{}, false, nil
	}

	offset, ok := r.index.FindBlockOffset(key)
	if !ok {
		return kv.Record{}, false, nil
	}

	f, err := os.Open(r.path)
	if err != nil {
		return kv.Record{}, false, kv.NewError(kv.KindSSTable, "sstable.Get", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return kv.Record{}, false, kv.NewError(kv.KindSSTable, "sstable.Get", err)
	}
	br := bufio.NewReader(f)

	for {
		rec, sawSentinel, err := decodeRecord(br)
		if err != nil {
			return kv.Record{}, false, kv.NewError(kv.KindSSTable, "sstable.Get", err)
		}
		if sawSentinel {
			return kv.Record{}, false, nil
		}
		cmp := kv.Compare(rec.Key, key)
		if cmp == 0 {
			return rec, true, nil
		}
		if cmp > 0 {
			// Keys are sorted; we've passed where key would be, and we only
			// scan within the one block the sparse index pointed us at, so
			// a miss here is a definitive miss.
			return kv.Record{}, false, nil
		}
	}
}

// IterRange yields every record with a key in [lo, hi) in ascending key
// order, a nil bound meaning "open" on that side. It performs a full
// sequential scan from the start of the file (or from the block
// containing lo, when lo is non-nil), matching the compactor's merge
// access pattern.
func (r *Reader) IterRange(lo, hi kv.Key) iter.Seq2[kv.Record, error] {
	return func(yield func(kv.Record, error) bool) {
		var startOffset int64
		if lo != nil {
			if off, ok := r.index.FindBlockOffset(lo); ok {
				startOffset = off
			}
		}

		f, err := os.Open(r.path)
		if err != nil {
			yield(kv.Record{}, kv.NewError(kv.KindSSTable, "sstable.IterRange", err))
			return
		}
		defer f.Close()

		if startOffset > 0 {
			if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
				yield(kv.Record{}, kv.NewError(kv.KindSSTable, "sstable.IterRange", err))
				return
			}
		}
		br := bufio.NewReader(f)

		for {
			rec, sawSentinel, err := decodeRecord(br)
			if err != nil {
				yield(kv.Record{}, kv.NewError(kv.KindSSTable, "sstable.IterRange", err))
				return
			}
			if sawSentinel {
				return
			}
			if lo != nil && kv.Compare(rec.Key, lo) < 0 {
				continue
			}
			if hi != nil && kv.Compare(rec.Key, hi) >= 0 {
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Close releases any resources held by the reader. The current
// implementation opens the data file per call, so this is a no-op, kept so
// callers have a stable lifecycle hook if a future revision pools handles.
func (r *Reader) Close() error {
	return nil
}

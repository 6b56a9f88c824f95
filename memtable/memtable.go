// Package memtable implements the in-memory sorted map absorbing recent
// writes before they flush to an SSTable: a mapping Key -> (value-or-
// tombstone, timestamp), iterated in key order, backed by a skip list
// generalized from the teacher's memtable.SkipList.
package memtable

import (
	"iter"

	"github.com/ledgerkv/ledgerkv/kv"
)

// perEntryOverhead approximates the bookkeeping cost (node pointers, entry
// struct) size_bytes() adds on top of raw key/value bytes.
const perEntryOverhead = 48

// Memtable is the sorted in-memory table described in spec.md §4.4. The
// zero value is not usable; construct with New.
type Memtable struct {
	sl        *skipList
	sizeBytes int64
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{sl: newSkipList()}
}

// Put records a value for key at timestamp ts/seq. If an existing record for
// key is at least as new (by ts, then seq), the put is dropped: neither the
// stored entry nor size_bytes changes.
func (m *Memtable) Put(key kv.Key, value kv.Value, ts kv.Timestamp, seq kv.Seq) {
	m.apply(entry{key: kv.CloneKey(key), value: kv.CloneValue(value), ts: ts, op: kv.OpPut, seq: seq})
}

// Delete records a tombstone for key at timestamp ts/seq.
func (m *Memtable) Delete(key kv.Key, ts kv.Timestamp, seq kv.Seq) {
	m.apply(entry{key: kv.CloneKey(key), ts: ts, op: kv.OpDelete, seq: seq})
}

func (m *Memtable) apply(e entry) {
	before, existed := m.sl.get(e.key)
	if existed && !newer(e, before) {
		return
	}
	m.sl.put(e)

	added := int64(len(e.key)) + int64(len(e.value)) + perEntryOverhead
	if existed {
		added -= int64(len(before.key)) + int64(len(before.value)) + perEntryOverhead
	}
	if added > 0 {
		m.sizeBytes += added
	}
}

// Get returns the stored (value-or-tombstone, timestamp) pair for key, or
// ok == false if the key has never been written to this memtable.
func (m *Memtable) Get(key kv.Key) (value kv.Value, ts kv.Timestamp, op kv.Op, ok bool) {
	e, found := m.sl.get(key)
	if !found {
		return nil, 0, 0, false
	}
	return e.value, e.ts, e.op, true
}

// Len returns the number of distinct keys held.
func (m *Memtable) Len() int {
	return m.sl.size
}

// SizeBytes approximates the memory this memtable occupies: the sum of key
// length, value length, and a fixed per-entry overhead across all entries.
// It is monotonic under insertion of new keys.
func (m *Memtable) SizeBytes() int64 {
	return m.sizeBytes
}

// Items yields every (key, entry) pair in ascending key order.
func (m *Memtable) Items() iter.Seq[kv.Record] {
	return func(yield func(kv.Record) bool) {
		m.sl.items(func(e entry) bool {
			return yield(kv.Record{Key: e.key, Value: e.value, Ts: e.ts, Op: e.op, Seq: e.seq})
		})
	}
}

// IterRange yields records whose key is in [lo, hi), start-inclusive and
// end-exclusive; a nil lo or hi means that bound is open.
func (m *Memtable) IterRange(lo, hi kv.Key) iter.Seq[kv.Record] {
	return func(yield func(kv.Record) bool) {
		var curr *node
		if lo == nil {
			curr = m.sl.head.forward[0]
		} else {
			curr = m.sl.seek(lo)
		}
		for curr != nil {
			if hi != nil && kv.Compare(curr.e.key, hi) >= 0 {
				return
			}
			if !yield(kv.Record{Key: curr.e.key, Value: curr.e.value, Ts: curr.e.ts, Op: curr.e.op, Seq: curr.e.seq}) {
				return
			}
			curr = curr.forward[0]
		}
	}
}

// Package sparseindex implements the block-offset lookup an SSTable reader
// uses to avoid scanning a whole file for one key: a sorted array of
// (first-key-of-block, file-offset) samples, generalized from the
// indexBlock/indexEntry pair in the teacher's sst.diskSSTWriter.
package sparseindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Entry is one sample: the first key of a data block and that block's
// starting file offset.
type Entry struct {
	Key    []byte
	Offset int64
}

// Index is the sparse array of block samples for one SSTable, built
// incrementally while the SSTable is written and queried after it is sealed.
type Index struct {
	entries []Entry
}

// New returns an empty index ready for Record calls.
func New() *Index {
	return &Index{}
}

// Record appends a sample for a block whose first key is key, starting at
// offset. The writer calls this once per block boundary; callers must call
// it in increasing key order.
func (idx *Index) Record(key []byte, offset int64) {
	k := make([]byte, len(key))
	copy(k, key)
	idx.entries = append(idx.entries, Entry{Key: k, Offset: offset})
}

// Len returns the number of recorded block samples.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// FindBlockOffset returns the offset of the block that may contain key: the
// offset of the greatest sampled key <= key, or the first block's offset if
// key is smaller than every sample. ok is false only when the index is
// empty.
func (idx *Index) FindBlockOffset(key []byte) (offset int64, ok bool) {
	if len(idx.entries) == 0 {
		return 0, false
	}

	// sort.Search finds the first index i for which entries[i].Key > key;
	// the block we want is the one just before it.
	i := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].Key, key) > 0
	})
	if i == 0 {
		return idx.entries[0].Offset, true
	}
	return idx.entries[i-1].Offset, true
}

// WriteTo serializes the index as a u32 entry count followed by that many
// (key_len|key|offset) entries, with no checksum of its own (the caller
// wraps this blob in its own checksum, matching the teacher's per-section
// CRC placement in sst.writeIndexBlock).
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	var written int64

	if err := binary.Write(w, binary.LittleEndian, uint32(len(idx.entries))); err != nil {
		return written, fmt.Errorf("sparseindex: write count: %w", err)
	}
	written += 4

	for _, e := range idx.entries {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
			return written, fmt.Errorf("sparseindex: write key len: %w", err)
		}
		written += 4

		n, err := w.Write(e.Key)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("sparseindex: write key: %w", err)
		}

		if err := binary.Write(w, binary.LittleEndian, e.Offset); err != nil {
			return written, fmt.Errorf("sparseindex: write offset: %w", err)
		}
		written += 8
	}

	return written, nil
}

// ReadFrom deserializes an index previously written by WriteTo.
func ReadFrom(r io.Reader) (*Index, int64, error) {
	var read int64

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, read, fmt.Errorf("sparseindex: read count: %w", err)
	}
	read += 4

	idx := &Index{entries: make([]Entry, 0, count)}
	for i := uint32(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, read, fmt.Errorf("sparseindex: read key len: %w", err)
		}
		read += 4

		key := make([]byte, keyLen)
		n, err := io.ReadFull(r, key)
		read += int64(n)
		if err != nil {
			return nil, read, fmt.Errorf("sparseindex: read key: %w", err)
		}

		var offset int64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, read, fmt.Errorf("sparseindex: read offset: %w", err)
		}
		read += 8

		idx.entries = append(idx.entries, Entry{Key: key, Offset: offset})
	}

	return idx, read, nil
}

// Package bloom implements the probabilistic membership filter each SSTable
// carries: add keys as they're written, then let may_contain prune reads
// that can never succeed.
//
// It wraps github.com/bits-and-blooms/bloom/v3, the same library the
// teacher's SSTable writer already reaches for (see the original
// sst.diskSSTWriter, which calls bloom.NewWithEstimates, Add, and WriteTo
// directly). bloom/v3 derives m and k from n and p as
// m = ceil(-n·ln(p)/ln(2)^2) and k = ceil((m/n)·ln2), and hashes each key
// with a double-hashing scheme over a 128-bit murmur3 base hash; the base
// hash is not a cryptographic hash.
package bloom

import (
	"bufio"
	"fmt"
	"io"

	bloomlib "github.com/bits-and-blooms/bloom/v3"
)

// formatVersion is written ahead of the library's own serialized blob so a
// reader can reject filters produced by an incompatible encoder.
const formatVersion = 1

// Filter is a probabilistic set membership test with a bounded
// false-positive rate.
type Filter struct {
	f *bloomlib.BloomFilter
}

// New creates a filter sized for n expected elements at false-positive rate
// p, per spec.md §4.1's parameter derivation.
func New(n uint, p float64) *Filter {
	if n == 0 {
		n = 1
	}
	return &Filter{f: bloomlib.NewWithEstimates(n, p)}
}

// Add records key's membership.
func (f *Filter) Add(key []byte) {
	f.f.Add(key)
}

// MayContain tests key's membership. false is a definitive answer: the key
// is not in the set. true may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	return f.f.Test(key)
}

// K returns the number of hash functions in use.
func (f *Filter) K() uint {
	return f.f.K()
}

// M returns the bit array size in use.
func (f *Filter) M() uint {
	return f.f.Cap()
}

// WriteTo serializes the filter as [version byte | library blob], matching
// the self-describing layout spec.md §4.1 requires while deferring the
// bitmap's own internal layout to the wrapped library.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(formatVersion); err != nil {
		return 0, fmt.Errorf("bloom: write version: %w", err)
	}
	n, err := f.f.WriteTo(bw)
	if err != nil {
		return n + 1, fmt.Errorf("bloom: write filter: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return n + 1, fmt.Errorf("bloom: flush: %w", err)
	}
	return n + 1, nil
}

// ReadFrom deserializes a filter previously written by WriteTo.
func ReadFrom(r io.Reader) (*Filter, int64, error) {
	br := bufio.NewReader(r)
	version, err := br.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("bloom: read version: %w", err)
	}
	if version != formatVersion {
		return nil, 1, fmt.Errorf("bloom: unsupported format version %d", version)
	}

	f := &bloomlib.BloomFilter{}
	n, err := f.ReadFrom(br)
	if err != nil {
		return nil, n + 1, fmt.Errorf("bloom: read filter: %w", err)
	}
	return &Filter{f: f}, n + 1, nil
}

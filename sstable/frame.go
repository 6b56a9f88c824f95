// Package sstable implements the immutable, sorted, on-disk table a
// memtable flush or a compaction job produces: a data file of framed
// records plus a sidecar meta file (bloom filter, sparse index, footer).
//
// The block-buffering/sparse-index/bloom-population shape is grounded on
// the teacher's sst.diskSSTWriter (FlashLogGo), generalized from its
// fixed-schema, per-block-CRC layout to the bit-exact, timestamp-aware
// frame spec.md §6 mandates and to the self-describing meta sidecar
// spec.md §4.5 calls for.
package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/ledgerkv/ledgerkv/kv"
)

// sentinelKeyLen marks the end of the data section: a key_len field with
// every bit set, bit-exact per spec.md §6.
const sentinelKeyLen = math.MaxUint64

// FormatVersion is written into every meta file's header.
const FormatVersion = 1

// encodeRecord writes one data frame:
//
//	u64 key_len | key | u64 value_len | value | u64 ts | u8 op
//
// No per-frame checksum: the meta footer's checksum covers the whole data
// file, matching spec.md §6's bit-exact frame (which carries no per-record
// CRC, unlike the WAL frame).
func encodeRecord(w io.Writer, rec kv.Record) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(rec.Key))); err != nil {
		return fmt.Errorf("sstable: write key_len: %w", err)
	}
	if _, err := w.Write(rec.Key); err != nil {
		return fmt.Errorf("sstable: write key: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(rec.Value))); err != nil {
		return fmt.Errorf("sstable: write value_len: %w", err)
	}
	if _, err := w.Write(rec.Value); err != nil {
		return fmt.Errorf("sstable: write value: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(rec.Ts)); err != nil {
		return fmt.Errorf("sstable: write ts: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(rec.Op)); err != nil {
		return fmt.Errorf("sstable: write op: %w", err)
	}
	return nil
}

// recordFrameSize returns the byte size encodeRecord would write.
func recordFrameSize(keyLen, valueLen int) int64 {
	return 8 + int64(keyLen) + 8 + int64(valueLen) + 8 + 1
}

// writeSentinel writes the end-of-data marker.
func writeSentinel(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(sentinelKeyLen)); err != nil {
		return fmt.Errorf("sstable: write sentinel: %w", err)
	}
	return nil
}

// decodeRecord reads one data frame, or reports io.EOF-equivalent
// sawSentinel=true once the end-of-data marker is reached.
func decodeRecord(r io.Reader) (rec kv.Record, sawSentinel bool, err error) {
	var keyLen uint64
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return kv.Record{}, false, fmt.Errorf("sstable: read key_len: %w", err)
	}
	if keyLen == sentinelKeyLen {
		return kv.Record{}, true, nil
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return kv.Record{}, false, fmt.Errorf("sstable: read key: %w", err)
	}

	var valLen uint64
	if err := binary.Read(r, binary.LittleEndian, &valLen); err != nil {
		return kv.Record{}, false, fmt.Errorf("sstable: read value_len: %w", err)
	}
	value := make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return kv.Record{}, false, fmt.Errorf("sstable: read value: %w", err)
	}

	var ts uint64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return kv.Record{}, false, fmt.Errorf("sstable: read ts: %w", err)
	}

	var op uint8
	if err := binary.Read(r, binary.LittleEndian, &op); err != nil {
		return kv.Record{}, false, fmt.Errorf("sstable: read op: %w", err)
	}

	return kv.Record{Key: key, Value: value, Ts: kv.Timestamp(ts), Op: kv.Op(op)}, false, nil
}

// Package wal implements the write-ahead log: a framed, CRC-checked,
// crash-safe append log that every mutation passes through before it is
// visible in the memtable. Framing is grounded in the teacher's
// wal.go/wal_writer.go (FlashLogGo); the CRC is computed while the payload
// streams out and written after it, with no seeking back. Segment rotation
// is grounded in its segmentmanager.diskSegmentManager.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ledgerkv/ledgerkv/kv"
)

// Magic marks the start of a frame so a reader resynchronizing after a
// corrupt frame can, in principle, scan forward for the next one. Value is
// bit-exact per spec.md §6.
const Magic uint32 = 0x4C534D01

// MaxRecordBytes bounds a single frame's payload to guard against a
// corrupt length field driving an enormous allocation during replay.
const MaxRecordBytes = 128 << 20 // 128 MiB

// ErrCorrupt marks a frame whose CRC did not match its payload.
var ErrCorrupt = fmt.Errorf("wal: corrupt record")

// ErrBadMagic marks a frame (or segment header) whose magic number did not
// match, i.e. the stream was never a WAL frame to begin with.
var ErrBadMagic = fmt.Errorf("wal: bad magic")

// Record is one WAL frame: a mutation plus the sequence number assigned to
// it at append time.
type Record struct {
	Key   kv.Key
	Value kv.Value
	Ts    kv.Timestamp
	Op    kv.Op
	Seq   kv.Seq
}

// encode writes the bit-exact frame described in spec.md §6:
//
//	u32 magic | u64 key_len | key | u64 value_len | value | u64 ts_ms | u8 op | u32 crc32(payload)
//
// crc32 covers everything after the magic number (key_len through op).
func encode(w io.Writer, key kv.Key, value kv.Value, ts kv.Timestamp, op kv.Op) error {
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if err := binary.Write(w, binary.LittleEndian, Magic); err != nil {
		return fmt.Errorf("wal: write magic: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, uint64(len(key))); err != nil {
		return fmt.Errorf("wal: write key_len: %w", err)
	}
	if _, err := mw.Write(key); err != nil {
		return fmt.Errorf("wal: write key: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, uint64(len(value))); err != nil {
		return fmt.Errorf("wal: write value_len: %w", err)
	}
	if _, err := mw.Write(value); err != nil {
		return fmt.Errorf("wal: write value: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, uint64(ts)); err != nil {
		return fmt.Errorf("wal: write ts: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, uint8(op)); err != nil {
		return fmt.Errorf("wal: write op: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, crc.Sum32()); err != nil {
		return fmt.Errorf("wal: write crc: %w", err)
	}
	return nil
}

// frameSize returns the number of bytes encode would write for a record
// with the given key/value lengths, used to decide when a segment needs to
// rotate before the write would land.
func frameSize(keyLen, valueLen int) int64 {
	return 4 + 8 + int64(keyLen) + 8 + int64(valueLen) + 8 + 1 + 4
}

// decodeResult distinguishes the three outcomes spec.md §4.3 calls for: a
// clean record, a truncated tail (normal crash, silently skipped by the
// caller), and a mid-stream CRC mismatch (logged, terminates the segment).
type decodeResult int

const (
	decodeOK decodeResult = iota
	decodeTruncated
	decodeCorrupt
)

// decode reads one frame from r. It never allocates more than
// MaxRecordBytes for a single field.
func decode(r io.Reader) (Record, decodeResult, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		if err == io.EOF {
			return Record{}, decodeTruncated, nil
		}
		return Record{}, decodeTruncated, nil
	}
	if magic != Magic {
		return Record{}, decodeCorrupt, ErrBadMagic
	}

	crc := crc32.NewIEEE()
	tee := io.TeeReader(r, crc)

	var keyLen uint64
	if err := binary.Read(tee, binary.LittleEndian, &keyLen); err != nil {
		return Record{}, decodeTruncated, nil
	}
	if keyLen > MaxRecordBytes {
		return Record{}, decodeCorrupt, fmt.Errorf("wal: key_len %d exceeds limit", keyLen)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(tee, key); err != nil {
		return Record{}, decodeTruncated, nil
	}

	var valLen uint64
	if err := binary.Read(tee, binary.LittleEndian, &valLen); err != nil {
		return Record{}, decodeTruncated, nil
	}
	if valLen > MaxRecordBytes {
		return Record{}, decodeCorrupt, fmt.Errorf("wal: value_len %d exceeds limit", valLen)
	}
	value := make([]byte, valLen)
	if _, err := io.ReadFull(tee, value); err != nil {
		return Record{}, decodeTruncated, nil
	}

	var tsMs uint64
	if err := binary.Read(tee, binary.LittleEndian, &tsMs); err != nil {
		return Record{}, decodeTruncated, nil
	}

	var op uint8
	if err := binary.Read(tee, binary.LittleEndian, &op); err != nil {
		return Record{}, decodeTruncated, nil
	}

	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return Record{}, decodeTruncated, nil
	}

	if crc.Sum32() != storedCRC {
		return Record{}, decodeCorrupt, ErrCorrupt
	}

	return Record{
		Key:   key,
		Value: value,
		Ts:    kv.Timestamp(tsMs),
		Op:    kv.Op(op),
	}, decodeOK, nil
}

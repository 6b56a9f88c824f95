package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ledgerkv/ledgerkv/bloom"
	"github.com/ledgerkv/ledgerkv/kv"
	"github.com/ledgerkv/ledgerkv/sparseindex"
)

// Meta describes one SSTable: the descriptor the catalog persists and a
// reader consults before opening the underlying files, per spec.md §4.7.
type Meta struct {
	ID       uint64
	Level    int
	DataPath string
	MetaPath string
	MinKey   kv.Key
	MaxKey   kv.Key
	Count        uint64
	DataSize     int64
	TsMin        kv.Timestamp
	TsMax        kv.Timestamp
	DataChecksum uint32
}

// sidecar is the in-memory shape of the meta file's contents: everything
// besides the descriptor fields already captured in Meta.
type sidecar struct {
	bloom *bloom.Filter
	index *sparseindex.Index
}

// writeSidecar serializes the meta file:
//
//	u8 format_version
//	u64 bloom_len | bloom_bytes
//	u64 index_len | index_bytes
//	u64 min_key_len | min_key
//	u64 max_key_len | max_key
//	u64 ts_min | u64 ts_max | u64 count | u64 data_size
//	u32 data_checksum (crc32 of the data file)
//	u32 crc32(everything above)
//
// Each section is length-prefixed so a reader can skip sections it doesn't
// need, matching spec.md §6's "bloom + index + footer, each
// length-prefixed; header carries format_version" layout.
func writeSidecar(w io.Writer, m Meta, sc sidecar) error {
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if _, err := mw.Write([]byte{FormatVersion}); err != nil {
		return fmt.Errorf("sstable: write format_version: %w", err)
	}

	var bloomBuf, indexBuf []byte
	{
		bw := &byteCounter{}
		if _, err := sc.bloom.WriteTo(bw); err != nil {
			return fmt.Errorf("sstable: serialize bloom: %w", err)
		}
		bloomBuf = bw.buf
	}
	{
		iw := &byteCounter{}
		if _, err := sc.index.WriteTo(iw); err != nil {
			return fmt.Errorf("sstable: serialize index: %w", err)
		}
		indexBuf = iw.buf
	}

	if err := writeLenPrefixed(mw, bloomBuf); err != nil {
		return fmt.Errorf("sstable: write bloom section: %w", err)
	}
	if err := writeLenPrefixed(mw, indexBuf); err != nil {
		return fmt.Errorf("sstable: write index section: %w", err)
	}
	if err := writeLenPrefixed(mw, m.MinKey); err != nil {
		return fmt.Errorf("sstable: write min_key: %w", err)
	}
	if err := writeLenPrefixed(mw, m.MaxKey); err != nil {
		return fmt.Errorf("sstable: write max_key: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, uint64(m.TsMin)); err != nil {
		return fmt.Errorf("sstable: write ts_min: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, uint64(m.TsMax)); err != nil {
		return fmt.Errorf("sstable: write ts_max: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, m.Count); err != nil {
		return fmt.Errorf("sstable: write count: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, m.DataSize); err != nil {
		return fmt.Errorf("sstable: write data_size: %w", err)
	}
	if err := binary.Write(mw, binary.LittleEndian, m.DataChecksum); err != nil {
		return fmt.Errorf("sstable: write data_checksum: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, crc.Sum32()); err != nil {
		return fmt.Errorf("sstable: write checksum: %w", err)
	}
	return nil
}

// readSidecar deserializes a meta file previously written by writeSidecar,
// verifying its trailing checksum.
func readSidecar(r io.Reader) (Meta, sidecar, error) {
	var m Meta
	crc := crc32.NewIEEE()
	tee := io.TeeReader(r, crc)

	var version [1]byte
	if _, err := io.ReadFull(tee, version[:]); err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read format_version: %w", err))
	}
	if version[0] != FormatVersion {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("unsupported format_version %d", version[0]))
	}

	bloomBuf, err := readLenPrefixed(tee)
	if err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read bloom section: %w", err))
	}
	indexBuf, err := readLenPrefixed(tee)
	if err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read index section: %w", err))
	}
	minKey, err := readLenPrefixed(tee)
	if err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read min_key: %w", err))
	}
	maxKey, err := readLenPrefixed(tee)
	if err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read max_key: %w", err))
	}

	var tsMin, tsMax, count uint64
	var dataSize int64
	var dataChecksum uint32
	if err := binary.Read(tee, binary.LittleEndian, &tsMin); err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read ts_min: %w", err))
	}
	if err := binary.Read(tee, binary.LittleEndian, &tsMax); err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read ts_max: %w", err))
	}
	if err := binary.Read(tee, binary.LittleEndian, &count); err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read count: %w", err))
	}
	if err := binary.Read(tee, binary.LittleEndian, &dataSize); err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read data_size: %w", err))
	}
	if err := binary.Read(tee, binary.LittleEndian, &dataChecksum); err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read data_checksum: %w", err))
	}

	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("read checksum: %w", err))
	}
	if crc.Sum32() != storedCRC {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("meta checksum mismatch"))
	}

	bf, _, err := bloom.ReadFrom(bytes.NewReader(bloomBuf))
	if err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("decode bloom: %w", err))
	}
	idx, _, err := sparseindex.ReadFrom(bytes.NewReader(indexBuf))
	if err != nil {
		return m, sidecar{}, kv.NewError(kv.KindSSTable, "sstable.readSidecar", fmt.Errorf("decode index: %w", err))
	}

	m.MinKey = minKey
	m.MaxKey = maxKey
	m.TsMin = kv.Timestamp(tsMin)
	m.TsMax = kv.Timestamp(tsMax)
	m.Count = count
	m.DataSize = dataSize
	m.DataChecksum = dataChecksum

	return m, sidecar{bloom: bf, index: idx}, nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// byteCounter is a minimal growable io.Writer, used to serialize a section
// to a byte slice before length-prefixing it into the meta file.
type byteCounter struct {
	buf []byte
}

func (b *byteCounter) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

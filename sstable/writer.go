package sstable

import (
	"bufio"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/ledgerkv/ledgerkv/bloom"
	"github.com/ledgerkv/ledgerkv/kv"
	"github.com/ledgerkv/ledgerkv/sparseindex"
)

// dataFileName and metaFileName follow spec.md §6's on-disk layout:
// sst/sst-<level>-<id>.data and sst/sst-<level>-<id>.meta.
func dataFileName(level int, id uint64) string {
	return fmt.Sprintf("sst-%d-%020d.data", level, id)
}

func metaFileName(level int, id uint64) string {
	return fmt.Sprintf("sst-%d-%020d.meta", level, id)
}

// WriterOptions configures a single Writer.
type WriterOptions struct {
	Dir                       string
	Level                     int
	ID                        uint64
	BlockTargetBytes          int
	SparseIndexSampleInterval int
	BloomFalsePositiveRate    float64
	// EstimatedRecords sizes the bloom filter; it need not be exact.
	EstimatedRecords uint
}

// Writer accepts records in strictly non-decreasing key order and produces
// one immutable SSTable (a data file plus a meta sidecar), grounded on the
// teacher's diskSSTWriter block-buffering loop generalized to the
// timestamp-aware, CRC-free data frame spec.md §6 mandates.
type Writer struct {
	opts WriterOptions

	dataPath string
	metaPath string
	tmpData  string
	tmpMeta  string

	f  *os.File
	bw *bufio.Writer
	dc *countingCRCWriter

	block        []kv.Record
	blockBytes   int
	blockRecords int

	index *sparseindex.Index
	bf    *bloom.Filter

	minKey   kv.Key
	maxKey   kv.Key
	count    uint64
	tsMin    kv.Timestamp
	tsMax    kv.Timestamp
	haveKeys bool

	finalized bool
}

// NewWriter creates the temporary data file and returns a Writer ready to
// accept records.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.BlockTargetBytes <= 0 {
		opts.BlockTargetBytes = kv.DefaultBlockTargetBytes
	}
	if opts.SparseIndexSampleInterval <= 0 {
		opts.SparseIndexSampleInterval = kv.DefaultSparseIndexSampleInterval
	}
	if opts.BloomFalsePositiveRate <= 0 {
		opts.BloomFalsePositiveRate = kv.DefaultBloomFalsePositiveRate
	}

	dataPath := filepath.Join(opts.Dir, dataFileName(opts.Level, opts.ID))
	metaPath := filepath.Join(opts.Dir, metaFileName(opts.Level, opts.ID))
	tmpData := dataPath + ".tmp"
	tmpMeta := metaPath + ".tmp"

	f, err := os.Create(tmpData)
	if err != nil {
		return nil, kv.NewError(kv.KindIO, "sstable.NewWriter", err)
	}

	bw := bufio.NewWriter(f)
	crc := crc32.NewIEEE()

	return &Writer{
		opts:     opts,
		dataPath: dataPath,
		metaPath: metaPath,
		tmpData:  tmpData,
		tmpMeta:  tmpMeta,
		f:        f,
		bw:       bw,
		dc:       &countingCRCWriter{w: bw, crc: crc},
		index:    sparseindex.New(),
		bf:       bloom.New(maxUint(opts.EstimatedRecords, 1), opts.BloomFalsePositiveRate),
	}, nil
}

// ApproxDataBytes returns the number of data-file bytes flushed so far,
// including buffered-but-unflushed block bytes. Compaction uses this to
// decide when to split output into a new SSTable.
func (w *Writer) ApproxDataBytes() int64 {
	return w.dc.n + int64(w.blockBytes)
}

// Write appends rec to the current block. Keys must arrive in strictly
// non-decreasing order; a violation is a kv.KindSSTable error, per
// spec.md §3's "writer rejects out-of-order input" invariant.
func (w *Writer) Write(rec kv.Record) error {
	if w.finalized {
		return kv.NewError(kv.KindSSTable, "sstable.Write", fmt.Errorf("writer already finalized"))
	}
	if w.haveKeys && kv.Compare(rec.Key, w.maxKey) < 0 {
		return kv.NewError(kv.KindSSTable, "sstable.Write",
			fmt.Errorf("out-of-order key %q after %q", rec.Key, w.maxKey))
	}

	if !w.haveKeys {
		w.minKey = kv.CloneKey(rec.Key)
		w.tsMin = rec.Ts
		w.tsMax = rec.Ts
		w.haveKeys = true
	}
	w.maxKey = kv.CloneKey(rec.Key)
	if rec.Ts < w.tsMin {
		w.tsMin = rec.Ts
	}
	if rec.Ts > w.tsMax {
		w.tsMax = rec.Ts
	}

	w.bf.Add(rec.Key)
	w.count++

	size := int(recordFrameSize(len(rec.Key), len(rec.Value)))
	if len(w.block) > 0 && (w.blockRecords >= w.opts.SparseIndexSampleInterval ||
		w.blockBytes+size > w.opts.BlockTargetBytes) {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	w.block = append(w.block, kv.Record{
		Key:   kv.CloneKey(rec.Key),
		Value: kv.CloneValue(rec.Value),
		Ts:    rec.Ts,
		Op:    rec.Op,
	})
	w.blockBytes += size
	w.blockRecords++

	return nil
}

// flushBlock writes the buffered block's records to the data file and
// records its first key/offset in the sparse index.
func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	offset := w.dc.n
	w.index.Record(w.block[0].Key, offset)

	for _, rec := range w.block {
		if err := encodeRecord(w.dc, rec); err != nil {
			return kv.NewError(kv.KindIO, "sstable.flushBlock", err)
		}
	}

	w.block = w.block[:0]
	w.blockBytes = 0
	w.blockRecords = 0
	return nil
}

// Finalize flushes any buffered block, writes the end-of-data sentinel,
// serializes the meta sidecar, and atomically publishes both files
// (write to .tmp, fsync, rename), per spec.md §4.5.
func (w *Writer) Finalize() (Meta, error) {
	if w.finalized {
		return Meta{}, kv.NewError(kv.KindSSTable, "sstable.Finalize", fmt.Errorf("already finalized"))
	}
	w.finalized = true

	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}
	if err := writeSentinel(w.dc); err != nil {
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	dataSize := w.dc.n

	if err := w.bw.Flush(); err != nil {
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	if err := w.f.Sync(); err != nil {
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	if err := w.f.Close(); err != nil {
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	if err := os.Rename(w.tmpData, w.dataPath); err != nil {
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}

	m := Meta{
		ID:           w.opts.ID,
		Level:        w.opts.Level,
		DataPath:     w.dataPath,
		MetaPath:     w.metaPath,
		MinKey:       w.minKey,
		MaxKey:       w.maxKey,
		Count:        w.count,
		DataSize:     dataSize,
		TsMin:        w.tsMin,
		TsMax:        w.tsMax,
		DataChecksum: w.dc.crc.Sum32(),
	}

	mf, err := os.Create(w.tmpMeta)
	if err != nil {
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	mbw := bufio.NewWriter(mf)
	if err := writeSidecar(mbw, m, sidecar{bloom: w.bf, index: w.index}); err != nil {
		mf.Close()
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	if err := mbw.Flush(); err != nil {
		mf.Close()
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	if err := mf.Sync(); err != nil {
		mf.Close()
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	if err := mf.Close(); err != nil {
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}
	if err := os.Rename(w.tmpMeta, w.metaPath); err != nil {
		return Meta{}, kv.NewError(kv.KindIO, "sstable.Finalize", err)
	}

	return m, nil
}

// Abort discards a Writer that will not be finalized, removing its
// temporary file.
func (w *Writer) Abort() {
	if w.finalized {
		return
	}
	w.finalized = true
	w.f.Close()
	os.Remove(w.tmpData)
	os.Remove(w.tmpMeta)
}

// countingCRCWriter writes through to an underlying writer while tracking
// both the byte count (for sparse-index offsets and the footer's
// data_size) and a running CRC32 over everything written, so Finalize can
// checksum the whole data section without a second pass.
type countingCRCWriter struct {
	w   io.Writer
	crc hash.Hash32
	n   int64
}

func (c *countingCRCWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if n > 0 {
		c.crc.Write(p[:n])
	}
	return n, err
}

func maxUint(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}

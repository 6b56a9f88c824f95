package kv

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config bundles every tunable of the storage engine. Callers construct a
// Config, optionally leaving fields at their zero value, and pass it to
// store.Open; Open calls WithDefaults before using it.
//
// This mirrors the teacher's functional-options shape
// (segmentmanager.DiskSegmentManagerOption) at the granularity of a single
// struct, since the engine is embedded as a library rather than driven by a
// CLI: there is no flag/env parsing layer to own this.
type Config struct {
	// DataDir is the root directory for wal/, sst/, and meta/.
	DataDir string

	// MemtableMaxBytes is the approximate memtable size, in bytes, above
	// which a flush to a new L0 SSTable is triggered.
	MemtableMaxBytes int64

	// WalFlushEveryWrite, when true, fsyncs the WAL after every append.
	WalFlushEveryWrite bool

	// WalFileRotateBytes rotates the active WAL segment once its size
	// exceeds this many bytes.
	WalFileRotateBytes int64

	// BloomFalsePositiveRate is the target false-positive rate p for each
	// SSTable's bloom filter.
	BloomFalsePositiveRate float64

	// SSTableMaxBytes splits compaction/flush output into multiple SSTables
	// once a single output file would exceed this size.
	SSTableMaxBytes int64

	// MaxLevels bounds the depth of the LSM tree.
	MaxLevels int

	// TombstoneRetentionSeconds is the GC window: a tombstone compacted into
	// the deepest level is dropped once now-ts exceeds this many seconds.
	TombstoneRetentionSeconds int64

	// ApplyQueueMax bounds the async store's apply queue.
	ApplyQueueMax int

	// ApplyLockTimeoutMs bounds the async writer's fallback timed store-lock
	// acquisition when the apply queue is full.
	ApplyLockTimeoutMs int64

	// SparseIndexSampleInterval is the number of records between sparse
	// index samples within an SSTable (spec default N=16).
	SparseIndexSampleInterval int

	// BlockTargetBytes is the target size of an SSTable data block before a
	// new block (and sparse index sample) starts.
	BlockTargetBytes int

	// Logger receives structured diagnostics (corruption warnings,
	// compaction job lifecycle, recovery events). A nil Logger becomes
	// zap.NewNop() so embedding this library never forces output on a
	// caller that hasn't asked for it.
	Logger *zap.Logger
}

// Defaults mirror the configuration table in spec.md §6.
const (
	DefaultMemtableMaxBytes          = 64 << 20 // 64 MiB
	DefaultWalFileRotateBytes        = 64 << 20 // 64 MiB
	DefaultBloomFalsePositiveRate    = 0.01
	DefaultSSTableMaxBytes           = 64 << 20 // 64 MiB
	DefaultMaxLevels                 = 7
	DefaultTombstoneRetentionSeconds = int64(24 * time.Hour / time.Second)
	DefaultApplyQueueMax             = 4096
	DefaultApplyLockTimeoutMs        = int64(50)
	DefaultSparseIndexSampleInterval = 16
	DefaultBlockTargetBytes          = 4 << 10 // 4 KiB
)

// WithDefaults returns a copy of c with zero-valued fields replaced by their
// documented defaults.
func (c Config) WithDefaults() Config {
	if c.MemtableMaxBytes <= 0 {
		c.MemtableMaxBytes = DefaultMemtableMaxBytes
	}
	if c.WalFileRotateBytes <= 0 {
		c.WalFileRotateBytes = DefaultWalFileRotateBytes
	}
	if c.BloomFalsePositiveRate <= 0 {
		c.BloomFalsePositiveRate = DefaultBloomFalsePositiveRate
	}
	if c.SSTableMaxBytes <= 0 {
		c.SSTableMaxBytes = DefaultSSTableMaxBytes
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = DefaultMaxLevels
	}
	if c.TombstoneRetentionSeconds <= 0 {
		c.TombstoneRetentionSeconds = DefaultTombstoneRetentionSeconds
	}
	if c.ApplyQueueMax <= 0 {
		c.ApplyQueueMax = DefaultApplyQueueMax
	}
	if c.ApplyLockTimeoutMs <= 0 {
		c.ApplyLockTimeoutMs = DefaultApplyLockTimeoutMs
	}
	if c.SparseIndexSampleInterval <= 0 {
		c.SparseIndexSampleInterval = DefaultSparseIndexSampleInterval
	}
	if c.BlockTargetBytes <= 0 {
		c.BlockTargetBytes = DefaultBlockTargetBytes
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Validate checks the invariants the store needs to open safely.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return NewError(KindInvalidArgument, "config.Validate", fmt.Errorf("data_dir must not be empty"))
	}
	if c.MemtableMaxBytes < 0 {
		return NewError(KindInvalidArgument, "config.Validate", fmt.Errorf("memtable_max_bytes must not be negative"))
	}
	if c.BloomFalsePositiveRate < 0 || c.BloomFalsePositiveRate >= 1 {
		return NewError(KindInvalidArgument, "config.Validate", fmt.Errorf("bloom_false_positive_rate must be in [0, 1)"))
	}
	if c.MaxLevels < 1 {
		return NewError(KindInvalidArgument, "config.Validate", fmt.Errorf("max_levels must be at least 1"))
	}
	return nil
}

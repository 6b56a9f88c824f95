// Package catalog persists the set of live SSTables per level: a
// self-describing manifest document, replaced atomically on every mutation.
//
// Atomic-replace-with-backup-retention is grounded in the teacher pack's
// return2faye-SiltKV/internal/lsm/manifest.go (temp file + fsync + rename,
// one manifest per store), generalized from its line-oriented path list to
// the JSON, per-level structured document spec.md §4.7/§6 calls for.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ledgerkv/ledgerkv/kv"
	"go.uber.org/zap"
)

const (
	manifestFileName    = "manifest"
	manifestFormatVersion = 1
)

// Descriptor is the persisted record of one SSTable: everything the
// catalog needs to reconstruct a sstable.Meta without re-reading the meta
// sidecar, per spec.md §4.7.
type Descriptor struct {
	ID       uint64    `json:"id"`
	Level    int       `json:"level"`
	DataPath string    `json:"data_path"`
	MetaPath string    `json:"meta_path"`
	MinKey   []byte    `json:"min_key"`
	MaxKey   []byte    `json:"max_key"`
	Count    uint64    `json:"count"`
	DataSize int64     `json:"data_size"`
	TsMin    kv.Timestamp `json:"ts_min"`
	TsMax    kv.Timestamp `json:"ts_max"`
}

// document is the on-disk shape of the manifest file.
type document struct {
	FormatVersion int                   `json:"format_version"`
	Levels        map[int][]Descriptor  `json:"levels"`
}

// Catalog tracks the live SSTables per level in memory and keeps the
// on-disk manifest in sync with every mutation.
type Catalog struct {
	mu   sync.RWMutex
	dir  string // the meta/ directory
	path string
	log  *zap.Logger

	levels map[int][]Descriptor
}

func manifestPath(metaDir string) string {
	return filepath.Join(metaDir, manifestFileName)
}

// Open loads metaDir/manifest, falling back to metaDir/manifest.bak if the
// live manifest is missing or unreadable, per spec.md §4.7/§7 ("on
// failure, falls back to the backup; if both fail, Recovery is fatal").
// It then reconciles every descriptor against the filesystem: a
// descriptor whose data or meta file is missing is a hard KindRecovery
// error unless the missing path is a known temporary (a ".tmp" name),
// which is silently dropped — a half-finished publish or compaction swap
// whose stray ".tmp" file a startup sweep (see store.Open) reclaims.
func Open(metaDir string, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return nil, kv.NewError(kv.KindIO, "catalog.Open", err)
	}

	c := &Catalog{
		dir:    metaDir,
		path:   manifestPath(metaDir),
		log:    log,
		levels: make(map[int][]Descriptor),
	}

	doc, liveErr := readManifestDocument(c.path)
	if liveErr != nil {
		bakDoc, bakErr := readManifestDocument(c.path + ".bak")
		switch {
		case bakErr == nil:
			log.Warn("catalog: live manifest unreadable, recovered from backup", zap.Error(liveErr))
			doc = bakDoc
		case os.IsNotExist(liveErr) && os.IsNotExist(bakErr):
			// Neither the live manifest nor a backup exists: a fresh store.
			return c, nil
		default:
			return nil, kv.NewError(kv.KindRecovery, "catalog.Open",
				fmt.Errorf("manifest unreadable (%v) and backup unreadable (%v)", liveErr, bakErr))
		}
	}

	for level, descs := range doc.Levels {
		var kept []Descriptor
		for _, d := range descs {
			dataMissing := !fileExists(d.DataPath)
			metaMissing := !fileExists(d.MetaPath)
			if !dataMissing && !metaMissing {
				kept = append(kept, d)
				continue
			}

			if isKnownTemporary(d.DataPath) || isKnownTemporary(d.MetaPath) {
				log.Warn("catalog: dropping descriptor referencing a known temporary on recovery",
					zap.Uint64("id", d.ID), zap.Int("level", level))
				continue
			}

			missingPath := d.DataPath
			if !dataMissing {
				missingPath = d.MetaPath
			}
			return nil, kv.NewError(kv.KindRecovery, "catalog.Open",
				fmt.Errorf("descriptor id=%d level=%d references missing file %s", d.ID, level, missingPath))
		}
		if len(kept) > 0 {
			c.levels[level] = kept
		}
	}

	return c, nil
}

// readManifestDocument opens and decodes the manifest at path. Callers
// distinguish "never written" from "corrupt" via os.IsNotExist on the
// returned error.
func readManifestDocument(path string) (document, error) {
	f, err := os.Open(path)
	if err != nil {
		return document{}, err
	}
	defer f.Close()

	var doc document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return document{}, fmt.Errorf("manifest unreadable: %w", err)
	}
	return doc, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// isKnownTemporary reports whether path matches the ".tmp" naming
// temporary files use per spec.md §6.
func isKnownTemporary(path string) bool {
	return strings.HasSuffix(path, ".tmp")
}

// Levels returns a deep copy of the current per-level descriptor lists.
func (c *Catalog) Levels() map[int][]Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int][]Descriptor, len(c.levels))
	for level, descs := range c.levels {
		cp := make([]Descriptor, len(descs))
		copy(cp, descs)
		out[level] = cp
	}
	return out
}

// Level returns a deep copy of level's descriptor list, L0 first (newest
// first), L>=1 ordered by min-key.
func (c *Catalog) Level(level int) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make([]Descriptor, len(c.levels[level]))
	copy(cp, c.levels[level])
	return cp
}

// AddSSTable registers a newly-produced SSTable. L0 descriptors are
// prepended (newest first); L>=1 descriptors are inserted in min-key
// order, matching spec.md §3's catalog ordering invariant.
func (c *Catalog) AddSSTable(d Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Level == 0 {
		c.levels[0] = append([]Descriptor{d}, c.levels[0]...)
	} else {
		descs := append(c.levels[d.Level], d)
		sort.Slice(descs, func(i, j int) bool {
			return string(descs[i].MinKey) < string(descs[j].MinKey)
		})
		c.levels[d.Level] = descs
	}

	return c.persist()
}

// RemoveSSTables removes the given ids from level.
func (c *Catalog) RemoveSSTables(level int, ids []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	remove := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}

	var kept []Descriptor
	for _, d := range c.levels[level] {
		if !remove[d.ID] {
			kept = append(kept, d)
		}
	}
	c.levels[level] = kept

	return c.persist()
}

// ReplaceForCompaction atomically removes every descriptor named in
// removals (keyed by level) and adds every descriptor in additions, as one
// manifest write. This is the compactor's "swap the catalog" step from
// spec.md §4.8: remove all input descriptors, add all output descriptors,
// in a single atomic replace rather than two.
func (c *Catalog) ReplaceForCompaction(removals map[int][]uint64, additions []Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for level, ids := range removals {
		remove := make(map[uint64]bool, len(ids))
		for _, id := range ids {
			remove[id] = true
		}
		var kept []Descriptor
		for _, d := range c.levels[level] {
			if !remove[d.ID] {
				kept = append(kept, d)
			}
		}
		c.levels[level] = kept
	}

	for _, d := range additions {
		if d.Level == 0 {
			c.levels[0] = append([]Descriptor{d}, c.levels[0]...)
		} else {
			c.levels[d.Level] = append(c.levels[d.Level], d)
		}
	}
	touched := make(map[int]bool)
	for _, d := range additions {
		touched[d.Level] = true
	}
	for level := range touched {
		if level == 0 {
			continue
		}
		descs := c.levels[level]
		sort.Slice(descs, func(i, j int) bool {
			return string(descs[i].MinKey) < string(descs[j].MinKey)
		})
		c.levels[level] = descs
	}

	return c.persist()
}

// persist serializes the catalog to a temporary file, fsyncs it, retains
// the previous committed manifest as manifest.bak, and renames the
// temporary file over the live manifest. Caller must hold c.mu.
func (c *Catalog) persist() error {
	doc := document{FormatVersion: manifestFormatVersion, Levels: c.levels}

	tmpPath := c.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return kv.NewError(kv.KindIO, "catalog.persist", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return kv.NewError(kv.KindIO, "catalog.persist", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return kv.NewError(kv.KindIO, "catalog.persist", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return kv.NewError(kv.KindIO, "catalog.persist", err)
	}

	if fileExists(c.path) {
		bakPath := c.path + ".bak"
		if data, err := os.ReadFile(c.path); err == nil {
			if err := os.WriteFile(bakPath, data, 0o644); err != nil {
				c.log.Warn("catalog: failed to retain previous manifest as .bak", zap.Error(err))
			}
		}
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		return kv.NewError(kv.KindIO, "catalog.persist", err)
	}
	return nil
}

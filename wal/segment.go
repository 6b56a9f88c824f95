package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const segmentFileExt = ".wal"

var segmentFileNamePattern = regexp.MustCompile(`^wal-(\d+)\.wal$`)

// segmentPath returns the on-disk path for WAL segment seq under dir, per
// spec.md §6's wal/wal-<seq>.wal layout.
func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%020d.wal", seq))
}

// listSegments returns the ids of existing WAL segment files under dir, in
// ascending (creation) order, generalized from the id-sorting logic in the
// teacher's segmentmanager.diskSegmentManager.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []uint64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if filepath.Ext(e.Name()) != segmentFileExt {
			continue
		}
		matches := segmentFileNamePattern.FindStringSubmatch(e.Name())
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.ParseUint(matches[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

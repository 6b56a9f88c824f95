package wal

import (
	"bufio"
	"os"

	"github.com/ledgerkv/ledgerkv/kv"
	"go.uber.org/zap"
)

// ReplayFunc is called once per fully-present, CRC-valid record found during
// Replay, in segment-creation then intra-segment order.
type ReplayFunc func(Record) error

// Replay iterates every WAL segment under dir in creation order and invokes
// fn for each complete, valid frame, per spec.md §4.3:
//
//   - a truncated trailing frame (a clean crash mid-append) is silently
//     skipped;
//   - a CRC mismatch in the middle of a segment terminates that segment
//     (logged) and replay continues with the next segment;
//   - a segment whose very first frame can't even be parsed as a frame
//     header is a hard kv.KindWalCorruption error.
//
// Replay returns the highest Seq observed across all segments (or 0 if the
// log was empty), so the caller can resume sequence numbering past it.
func Replay(dir string, log *zap.Logger, fn ReplayFunc) (kv.Seq, error) {
	if log == nil {
		log = zap.NewNop()
	}

	ids, err := listSegments(dir)
	if err != nil {
		return 0, kv.NewError(kv.KindIO, "wal.Replay", err)
	}

	var maxSeq kv.Seq
	var nextSeq kv.Seq

segments:
	for _, id := range ids {
		path := segmentPath(dir, id)
		f, err := os.Open(path)
		if err != nil {
			return 0, kv.NewError(kv.KindIO, "wal.Replay", err)
		}

		r := bufio.NewReader(f)
		first := true

		for {
			rec, result, derr := decode(r)
			switch result {
			case decodeOK:
				rec.Seq = nextSeq
				nextSeq++
				if rec.Seq > maxSeq {
					maxSeq = rec.Seq
				}
				first = false
				if err := fn(rec); err != nil {
					f.Close()
					return 0, kv.NewError(kv.KindRecovery, "wal.Replay", err)
				}

			case decodeTruncated:
				// Clean crash at the tail: stop reading this segment, move on.
				f.Close()
				continue segments

			case decodeCorrupt:
				if first {
					f.Close()
					return 0, kv.NewError(kv.KindWalCorruption, "wal.Replay",
						errorf("segment %s: unreadable header: %v", path, derr))
				}
				log.Warn("wal: mid-segment corruption, abandoning rest of segment",
					zap.String("segment", path), zap.Error(derr))
				f.Close()
				continue segments
			}
		}
	}

	return maxSeq, nil
}

func errorf(format string, args ...any) error {
	return kv.Wrapf(kv.KindWalCorruption, "wal", format, args...).Err
}

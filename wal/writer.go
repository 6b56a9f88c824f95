package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/ledgerkv/ledgerkv/kv"
	"go.uber.org/zap"
)

// ErrClosed is returned by Append/Sync once the writer has been closed.
var ErrClosed = fmt.Errorf("wal: writer closed")

// appendRequest is one queued append; the background loop goroutine owns the
// active file and acks every request on its own channel once it has been
// encoded (and, if configured, fsynced). This is the same request-channel-
// plus-loop-goroutine shape as the teacher's WALWriter (wal_writer.go):
// a single goroutine owns file access, callers block on their own ack.
type appendRequest struct {
	syncOnly bool

	key   kv.Key
	value kv.Value
	ts    kv.Timestamp
	op    kv.Op
	seq   kv.Seq
	done  chan error
}

// Writer serializes appends to the active WAL segment, rotating to a new
// segment once the active file exceeds the configured size.
type Writer struct {
	mu sync.Mutex // guards closed and the fields loop() reports back through

	dir             string
	rotateBytes     int64
	flushEveryWrite bool
	log             *zap.Logger

	ids *kv.IDGenerator // segment ids

	active       *os.File
	activeSize   int64
	activeSeg    uint64
	seqGen       *kv.IDGenerator // record sequence numbers
	requests     chan *appendRequest
	done         chan struct{}
	wg           sync.WaitGroup
	closed       bool
}

// Open opens (or creates) the WAL directory at dir and positions a Writer at
// the end of the latest segment, ready to append. startSeq is the first Seq
// the writer should assign (the caller supplies max-seq-seen+1 after replay
// on a reopen, or 0 on a fresh store).
func Open(dir string, rotateBytes int64, flushEveryWrite bool, startSeq kv.Seq, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kv.NewError(kv.KindIO, "wal.Open", err)
	}

	ids, err := listSegments(dir)
	if err != nil {
		return nil, kv.NewError(kv.KindIO, "wal.Open", err)
	}

	w := &Writer{
		dir:             dir,
		rotateBytes:     rotateBytes,
		flushEveryWrite: flushEveryWrite,
		log:             log,
		ids:             kv.NewIDGenerator(0),
		seqGen:          kv.NewIDGenerator(uint64(startSeq)),
		requests:        make(chan *appendRequest, 256),
		done:            make(chan struct{}),
	}

	if len(ids) == 0 {
		if err := w.rotate(); err != nil {
			return nil, err
		}
	} else {
		last := ids[len(ids)-1]
		w.ids.Observe(last)
		f, err := os.OpenFile(segmentPath(dir, last), os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return nil, kv.NewError(kv.KindIO, "wal.Open", err)
		}
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, kv.NewError(kv.KindIO, "wal.Open", err)
		}
		w.active = f
		w.activeSize = stat.Size()
		w.activeSeg = last
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

func (w *Writer) rotate() error {
	if w.active != nil {
		if err := w.active.Close(); err != nil {
			return kv.NewError(kv.KindIO, "wal.rotate", err)
		}
	}
	id := w.ids.Next()
	f, err := os.Create(segmentPath(w.dir, id))
	if err != nil {
		return kv.NewError(kv.KindIO, "wal.rotate", err)
	}
	w.active = f
	w.activeSize = 0
	w.activeSeg = id
	return nil
}

// Append encodes (key, value, ts, op) as a new frame, assigns it the next
// Seq, and returns that Seq once the frame has been written (and, if
// wal_flush_every_write is set, fsynced).
func (w *Writer) Append(key kv.Key, value kv.Value, ts kv.Timestamp, op kv.Op) (kv.Seq, error) {
	req := &appendRequest{
		key:   kv.CloneKey(key),
		value: kv.CloneValue(value),
		ts:    ts,
		op:    op,
		seq:   kv.Seq(w.seqGen.Next()),
		done:  make(chan error, 1),
	}

	select {
	case w.requests <- req:
	case <-w.done:
		return 0, ErrClosed
	}

	select {
	case err := <-req.done:
		if err != nil {
			return 0, err
		}
		return req.seq, nil
	case <-w.done:
		return 0, ErrClosed
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()

	process := func(req *appendRequest) {
		if req.syncOnly {
			if w.active == nil {
				req.done <- nil
				return
			}
			if err := w.active.Sync(); err != nil {
				req.done <- kv.NewError(kv.KindIO, "wal.Sync", err)
				return
			}
			req.done <- nil
			return
		}

		size := frameSize(len(req.key), len(req.value))
		if w.activeSize+size > w.rotateBytes && w.activeSize > 0 {
			if err := w.rotate(); err != nil {
				req.done <- err
				return
			}
		}

		if err := encode(w.active, req.key, req.value, req.ts, req.op); err != nil {
			req.done <- kv.NewError(kv.KindIO, "wal.Append", err)
			return
		}
		w.activeSize += size

		if w.flushEveryWrite {
			if err := w.active.Sync(); err != nil {
				req.done <- kv.NewError(kv.KindIO, "wal.Append", err)
				return
			}
		}

		req.done <- nil
	}

	for {
		select {
		case req := <-w.requests:
			process(req)
		case <-w.done:
			for {
				select {
				case req := <-w.requests:
					process(req)
				default:
					return
				}
			}
		}
	}
}

// Sync fsyncs the active segment. It is idempotent and safe to call
// concurrently with Append: the request travels through the same loop
// goroutine that owns the active file, so there is no cross-goroutine
// access to *os.File without the channel serializing it.
func (w *Writer) Sync() error {
	req := &appendRequest{syncOnly: true, done: make(chan error, 1)}

	select {
	case w.requests <- req:
	case <-w.done:
		return ErrClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-w.done:
		return ErrClosed
	}
}

// Close drains any in-flight appends, syncs, and closes the active segment.
// It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	if w.active == nil {
		return nil
	}
	if err := w.active.Sync(); err != nil {
		w.log.Warn("wal: sync on close failed", zap.Error(err))
	}
	if err := w.active.Close(); err != nil {
		return kv.NewError(kv.KindIO, "wal.Close", err)
	}
	return nil
}

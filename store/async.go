package store

import (
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledgerkv/ledgerkv/kv"
)

// JobStatus is the lifecycle state of a background compaction job, per
// spec.md §4.10's Pending -> Running -> Completed|Failed state machine.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// job tracks one scheduled compaction's lifecycle, timestamps, and error.
type job struct {
	id    uuid.UUID
	level int

	mu        sync.Mutex
	status    JobStatus
	err       error
	createdAt time.Time
	startedAt time.Time
	finished  time.Time
	done      chan struct{}
}

func (j *job) snapshot() (JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.err
}

func (j *job) setRunning() {
	j.mu.Lock()
	j.status = JobRunning
	j.startedAt = time.Now()
	j.mu.Unlock()
}

func (j *job) finish(status JobStatus, err error) {
	j.mu.Lock()
	j.status = status
	j.err = err
	j.finished = time.Now()
	j.mu.Unlock()
	close(j.done)
}

// applyEntry is one deferred write the apply worker must apply to the
// memtable on the async store's behalf.
type applyEntry struct {
	key   kv.Key
	value kv.Value
	ts    kv.Timestamp
	seq   kv.Seq
	op    kv.Op
}

// AsyncStore wraps a *Store with a WAL-first write path, a background
// apply worker, and a background compaction worker, per spec.md §4.10.
// The apply and compaction worker loops are both grounded on the teacher's
// WALWriter.loop() request-channel-plus-drain-on-close shape
// (wal_writer.go), generalized to two independent queues instead of one.
type AsyncStore struct {
	inner *Store

	applyQueue       chan applyEntry
	applyLockTimeout time.Duration
	applyDone        chan struct{}
	applyWg          sync.WaitGroup

	seqMu          sync.Mutex // seq lock: guards lastAppliedSeq, isolated from the store lock
	lastAppliedSeq kv.Seq
	seqWaiters     []chan struct{}

	levelLocksMu sync.Mutex
	levelLocks   map[int]*sync.Mutex

	compactQueue chan *job
	compactDone  chan struct{}
	compactWg    sync.WaitGroup

	jobsMu sync.Mutex
	jobs   map[uuid.UUID]*job

	closed atomic.Bool
}

// OpenAsync opens the underlying synchronous store and starts its two
// background workers.
func OpenAsync(cfg kv.Config) (*AsyncStore, error) {
	inner, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewAsync(inner, cfg)
}

// NewAsync wraps an already-open Store in an AsyncStore.
func NewAsync(inner *Store, cfg kv.Config) (*AsyncStore, error) {
	cfg = cfg.WithDefaults()
	a := &AsyncStore{
		inner:            inner,
		applyQueue:       make(chan applyEntry, cfg.ApplyQueueMax),
		applyLockTimeout: time.Duration(cfg.ApplyLockTimeoutMs) * time.Millisecond,
		applyDone:        make(chan struct{}),
		levelLocks:       make(map[int]*sync.Mutex),
		compactQueue:     make(chan *job, cfg.ApplyQueueMax),
		compactDone:      make(chan struct{}),
		jobs:             make(map[uuid.UUID]*job),
	}

	a.applyWg.Add(1)
	go a.applyLoop()
	a.compactWg.Add(1)
	go a.compactLoop()

	return a, nil
}

// Put appends the write to the WAL (fsynced when WalFlushEveryWrite is
// set), then either applies it
// immediately (if the store lock is free) or hands it to the apply worker.
func (a *AsyncStore) Put(key kv.Key, value kv.Value) (kv.Seq, error) {
	return a.write(key, value, kv.OpPut)
}

// Delete is Put's tombstone counterpart.
func (a *AsyncStore) Delete(key kv.Key) (kv.Seq, error) {
	return a.write(key, nil, kv.OpDelete)
}

func (a *AsyncStore) write(key kv.Key, value kv.Value, op kv.Op) (kv.Seq, error) {
	if len(key) == 0 {
		return 0, kv.ErrEmptyKey
	}
	if a.closed.Load() {
		return 0, kv.ErrClosed
	}

	ts := a.inner.nextTimestamp()
	seq, err := a.inner.w.Append(key, value, ts, op)
	if err != nil {
		return 0, err
	}

	entry := applyEntry{key: kv.CloneKey(key), value: kv.CloneValue(value), ts: ts, seq: seq, op: op}

	if a.inner.storeMu.TryLock() {
		a.applyLocked(entry)
		a.inner.storeMu.Unlock()
		a.advanceAppliedSeq(seq)
		return seq, nil
	}

	select {
	case a.applyQueue <- entry:
		return seq, nil
	default:
	}

	if a.tryTimedLock(a.applyLockTimeout) {
		a.applyLocked(entry)
		a.inner.storeMu.Unlock()
		a.advanceAppliedSeq(seq)
		return seq, nil
	}

	// Queue is full and the lock stayed busy past apply_lock_timeout_ms:
	// block on the queue to preserve progress, per spec.md §4.10.
	a.applyQueue <- entry
	return seq, nil
}

// applyLocked applies one deferred write to the memtable, flushing if the
// write pushed it past memtable_max_bytes. Caller must hold inner.storeMu.
func (a *AsyncStore) applyLocked(e applyEntry) {
	if e.op == kv.OpDelete {
		a.inner.mem.Delete(e.key, e.ts, e.seq)
	} else {
		a.inner.mem.Put(e.key, e.value, e.ts, e.seq)
	}
	if a.inner.mem.SizeBytes() > a.inner.cfg.MemtableMaxBytes {
		if err := a.inner.flushLocked(); err != nil {
			a.inner.log.Warn("async store: background flush failed", zap.Error(err))
		}
	}
}

// tryTimedLock attempts storeMu.Lock() with a bounded wait, returning true
// (lock held) or false (caller must not unlock). sync.Mutex/RWMutex expose
// TryLock but not a timed variant, so this polls it with a short backoff,
// the same shape as the compaction worker's per-level retry below.
func (a *AsyncStore) tryTimedLock(budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for {
		if a.inner.storeMu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (a *AsyncStore) applyLoop() {
	defer a.applyWg.Done()
	for {
		select {
		case e := <-a.applyQueue:
			a.applyDeferred(e)
		case <-a.applyDone:
			for {
				select {
				case e := <-a.applyQueue:
					a.applyDeferred(e)
				default:
					return
				}
			}
		}
	}
}

// applyDeferred applies one queued entry, retrying the store lock with a
// brief yield when it is busy, per spec.md §4.10.
func (a *AsyncStore) applyDeferred(e applyEntry) {
	for !a.inner.storeMu.TryLock() {
		time.Sleep(time.Millisecond)
	}
	a.applyLocked(e)
	a.inner.storeMu.Unlock()
	a.advanceAppliedSeq(e.seq)
}

// advanceAppliedSeq bumps last_applied_seq and wakes any wait_for_seq
// callers whose fence has now been cleared.
func (a *AsyncStore) advanceAppliedSeq(seq kv.Seq) {
	a.seqMu.Lock()
	if seq > a.lastAppliedSeq {
		a.lastAppliedSeq = seq
	}
	waiters := a.seqWaiters
	a.seqWaiters = nil
	a.seqMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Get and Range pass straight through to the synchronous store: readers
// always see a consistent memtable+catalog snapshot regardless of whether
// some writes are still sitting in the apply queue.
func (a *AsyncStore) Get(key kv.Key) (kv.Value, bool, error) { return a.inner.Get(key) }

func (a *AsyncStore) GetWithMeta(key kv.Key) (kv.Value, kv.Timestamp, bool, error) {
	return a.inner.GetWithMeta(key)
}

func (a *AsyncStore) Range(lo, hi kv.Key) iter.Seq2[kv.Record, error] {
	return a.inner.Range(lo, hi)
}

// WaitForSeq blocks until last_applied_seq >= seq or timeout elapses,
// returning false on timeout.
func (a *AsyncStore) WaitForSeq(seq kv.Seq, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		a.seqMu.Lock()
		if a.lastAppliedSeq >= seq {
			a.seqMu.Unlock()
			return true
		}
		ch := make(chan struct{})
		a.seqWaiters = append(a.seqWaiters, ch)
		a.seqMu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}

// ScheduleCompaction enqueues a compaction job for level and returns its
// JobId. If wait is true, it blocks until the job reaches a terminal state
// before returning.
func (a *AsyncStore) ScheduleCompaction(level int, wait bool) (uuid.UUID, error) {
	if a.closed.Load() {
		return uuid.UUID{}, kv.ErrClosed
	}
	j := &job{
		id:        uuid.New(),
		level:     level,
		status:    JobPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}

	a.jobsMu.Lock()
	a.jobs[j.id] = j
	a.jobsMu.Unlock()

	select {
	case a.compactQueue <- j:
	case <-a.compactDone:
		return uuid.UUID{}, kv.ErrClosed
	}

	if wait {
		<-j.done
	}
	return j.id, nil
}

// WaitForCompaction blocks until job reaches a terminal state or timeout
// elapses, returning the job's status and false on timeout.
func (a *AsyncStore) WaitForCompaction(id uuid.UUID, timeout time.Duration) (JobStatus, bool) {
	a.jobsMu.Lock()
	j, ok := a.jobs[id]
	a.jobsMu.Unlock()
	if !ok {
		return JobFailed, false
	}

	select {
	case <-j.done:
		status, _ := j.snapshot()
		return status, true
	case <-time.After(timeout):
		status, _ := j.snapshot()
		return status, false
	}
}

// GetStatus returns the current status and (if Failed) captured error for
// a job id previously returned by ScheduleCompaction.
func (a *AsyncStore) GetStatus(id uuid.UUID) (JobStatus, error, bool) {
	a.jobsMu.Lock()
	j, ok := a.jobs[id]
	a.jobsMu.Unlock()
	if !ok {
		return 0, nil, false
	}
	status, err := j.snapshot()
	return status, err, true
}

func (a *AsyncStore) levelLock(level int) *sync.Mutex {
	a.levelLocksMu.Lock()
	defer a.levelLocksMu.Unlock()
	l, ok := a.levelLocks[level]
	if !ok {
		l = &sync.Mutex{}
		a.levelLocks[level] = l
	}
	return l
}

func (a *AsyncStore) compactLoop() {
	defer a.compactWg.Done()
	process := func(j *job) {
		lock := a.levelLock(j.level)
		if !lock.TryLock() {
			// Target level is already compacting: requeue with a short
			// backoff rather than blocking the whole worker on this job.
			go func() {
				time.Sleep(5 * time.Millisecond)
				select {
				case a.compactQueue <- j:
				case <-a.compactDone:
				}
			}()
			return
		}
		defer lock.Unlock()

		j.setRunning()
		err := a.inner.CompactLevel(j.level)
		if err != nil {
			j.finish(JobFailed, err)
			return
		}
		j.finish(JobCompleted, nil)
	}

	for {
		select {
		case j := <-a.compactQueue:
			process(j)
		case <-a.compactDone:
			for {
				select {
				case j := <-a.compactQueue:
					process(j)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting new work, drains both worker queues, and closes
// the underlying store (WAL synced and closed last), per spec.md §5.
func (a *AsyncStore) Close() error {
	if a.closed.Swap(true) {
		return nil
	}

	close(a.applyDone)
	a.applyWg.Wait()

	close(a.compactDone)
	a.compactWg.Wait()

	return a.inner.Close()
}

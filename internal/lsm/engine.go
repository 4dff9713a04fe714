// Package lsm implements the write-ahead-logged, memtable-fronted,
// sorted-table storage engine described in spec.md §4.7: writes land in
// the WAL and the memtable, a full memtable flushes to an immutable
// sorted table recorded in the manifest, and compaction merges the oldest
// tables into one to bound how many a read has to consult.
package lsm

import (
	"os"
	"sort"
	"sync"

	"github.com/kebukeYi/stormkv/internal/common"
	"github.com/kebukeYi/stormkv/internal/manifest"
	"github.com/kebukeYi/stormkv/internal/memtable"
	"github.com/kebukeYi/stormkv/internal/sstable"
	"github.com/kebukeYi/stormkv/internal/store"
	"github.com/kebukeYi/stormkv/internal/walog"
)

// Options configures a new Engine. Zero values fall back to spec.md §6
// defaults.
type Options struct {
	Dir                string
	MemtableByteLimit  int64
	SparseIndexStride  int
	BloomFalsePositive float64
	CompactionFanIn    int
}

// Stats is a read-only snapshot of engine internals, a lightweight stand-in
// for the teacher's GC-stats channel (SPEC_FULL.md §C.3).
type Stats struct {
	TablesLive                   int
	MemtableApproxBytes          int64
	LastCompactionBytesReclaimed int64
}

// Engine is an LSM-style key-value store rooted at one data directory.
type Engine struct {
	opt Options

	writeMu sync.Mutex // serializes WAL-append-then-memtable-mutate-then-maybe-flush as one unit
	wal     *walog.Wal
	mem     *memtable.Memtable

	manifestMu sync.Mutex // serializes flush/compact manifest mutations
	man        *manifest.Manifest

	lock    *store.DirLock
	started bool

	statsMu       sync.Mutex
	lastReclaimed int64
}

// New returns an unstarted Engine for opt.
func New(opt Options) *Engine {
	if opt.MemtableByteLimit <= 0 {
		opt.MemtableByteLimit = common.DefaultMemtableByteLimit
	}
	if opt.SparseIndexStride <= 0 {
		opt.SparseIndexStride = common.DefaultSparseIndexStride
	}
	if opt.BloomFalsePositive <= 0 {
		opt.BloomFalsePositive = 0.01
	}
	if opt.CompactionFanIn <= 0 {
		opt.CompactionFanIn = common.DefaultCompactionFanIn
	}
	return &Engine{opt: opt}
}

// Start acquires the directory lock, opens the WAL, loads or creates the
// manifest, and replays the WAL forward into a fresh memtable.
func (e *Engine) Start() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.started {
		return nil
	}

	if err := os.MkdirAll(e.opt.Dir, 0755); err != nil {
		return common.Wrap(err, "create data directory")
	}
	lock, err := store.Lock(e.opt.Dir)
	if err != nil {
		return err
	}
	e.lock = lock

	man, err := manifest.LoadOrCreate(e.opt.Dir)
	if err != nil {
		e.lock.Unlock()
		return err
	}
	e.man = man

	wal, err := walog.Open(e.opt.Dir)
	if err != nil {
		e.lock.Unlock()
		return err
	}
	e.wal = wal

	mem := memtable.New()
	if err := walog.Replay(e.opt.Dir, func(op byte, key, value []byte) error {
		switch op {
		case walog.OpPut:
			mem.Put(key, value)
		case walog.OpDelete:
			mem.Delete(key)
		}
		return nil
	}); err != nil {
		e.lock.Unlock()
		return err
	}
	e.mem = mem
	e.started = true
	return nil
}

// Close flushes the WAL and closes the manifest's readers and the
// directory lock.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if !e.started {
		return nil
	}
	var first error
	if err := e.wal.Fsync(); err != nil && first == nil {
		first = err
	}
	if err := e.wal.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.man.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.lock.Unlock(); err != nil && first == nil {
		first = err
	}
	e.started = false
	return first
}

// Put appends a put to the WAL, installs it in the memtable, and flushes
// the memtable to a sorted table if it has reached the configured size
// limit.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if !e.started {
		return common.ErrNotStarted
	}
	if _, err := e.wal.Append(walog.OpPut, key, value); err != nil {
		return err
	}
	e.mem.Put(key, value)
	return e.maybeFlushLocked()
}

// BatchPut appends every key/value pair to the WAL and the memtable as a
// sequence of individual writes (the WAL itself batches nothing special;
// the memtable update is what the caller actually waits on).
func (e *Engine) BatchPut(keys, values [][]byte) (int, error) {
	if len(keys) != len(values) {
		return 0, common.ErrInvalidArgument
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if !e.started {
		return 0, common.ErrNotStarted
	}
	for i := range keys {
		if len(keys[i]) == 0 {
			return 0, common.ErrEmptyKey
		}
		if _, err := e.wal.Append(walog.OpPut, keys[i], values[i]); err != nil {
			return 0, err
		}
		e.mem.Put(keys[i], values[i])
	}
	if err := e.maybeFlushLocked(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Delete appends a delete to the WAL and installs a tombstone in the
// memtable.
func (e *Engine) Delete(key []byte) error {
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if !e.started {
		return common.ErrNotStarted
	}
	if _, err := e.wal.Append(walog.OpDelete, key, nil); err != nil {
		return err
	}
	e.mem.Delete(key)
	return e.maybeFlushLocked()
}

// Read checks the memtable first, then consults sorted tables newest
// first, returning the first hit. A tombstone -- in the memtable or
// carried as a zero-length value in a table -- is reported as
// common.ErrKeyNotFound.
func (e *Engine) Read(key []byte) ([]byte, error) {
	if !e.isStarted() {
		return nil, common.ErrNotStarted
	}
	if v, ok := e.mem.Get(key); ok {
		if v.Tombstone {
			return nil, common.ErrKeyNotFound
		}
		return v.Bytes, nil
	}
	for _, r := range e.man.ReadersNewestFirst() {
		value, ok, err := r.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if len(value) == 0 {
			return nil, common.ErrKeyNotFound
		}
		return value, nil
	}
	return nil, common.ErrKeyNotFound
}

// mergeSource is one ordered input to the k-way range merge: the
// memtable's own entries (source 0, newest) or one sorted table's range
// entries (sources 1..N, strictly older the higher the index).
type mergeSource struct {
	entries []mergeEntry
	pos     int
}

type mergeEntry struct {
	key       []byte
	value     []byte
	tombstone bool
}

func (s *mergeSource) peek() ([]byte, bool) {
	if s.pos >= len(s.entries) {
		return nil, false
	}
	return s.entries[s.pos].key, true
}

// ReadRange merges the memtable and every sorted table's matching range,
// newest source wins on key collision, and returns up to limit live
// entries ascending by key (limit 0 means unlimited).
func (e *Engine) ReadRange(start, end []byte, limit int) ([]store.Entry, error) {
	if !e.isStarted() {
		return nil, common.ErrNotStarted
	}

	sources := make([]*mergeSource, 0, 1+e.man.Count())
	memEntries := e.mem.RangeIter(start, end)
	s0 := &mergeSource{entries: make([]mergeEntry, len(memEntries))}
	for i, me := range memEntries {
		s0.entries[i] = mergeEntry{key: me.Key, value: me.Value.Bytes, tombstone: me.Value.Tombstone}
	}
	sources = append(sources, s0)

	for _, r := range e.man.ReadersNewestFirst() {
		rangeEntries, err := r.RangeIter(start, end)
		if err != nil {
			return nil, err
		}
		s := &mergeSource{entries: make([]mergeEntry, len(rangeEntries))}
		for i, re := range rangeEntries {
			s.entries[i] = mergeEntry{key: re.Key, value: re.Value, tombstone: len(re.Value) == 0}
		}
		sources = append(sources, s)
	}

	var out []store.Entry
	for {
		if limit > 0 && len(out) >= limit {
			break
		}
		bestIdx := -1
		var bestKey []byte
		for i, s := range sources {
			k, ok := s.peek()
			if !ok {
				continue
			}
			if bestIdx == -1 || string(k) < string(bestKey) {
				bestIdx = i
				bestKey = k
			}
		}
		if bestIdx == -1 {
			break
		}
		winner := sources[bestIdx].entries[sources[bestIdx].pos]
		for _, s := range sources {
			for {
				k, ok := s.peek()
				if !ok || string(k) != string(bestKey) {
					break
				}
				s.pos++
			}
		}
		if !winner.tombstone {
			out = append(out, store.Entry{Key: winner.key, Value: winner.value})
		}
	}
	return out, nil
}

// Compact merges the configured fan-in of oldest sorted tables into one
// fresh table (oldest applied first, each newer table overwriting keys it
// also holds, tombstones carried through so a delete from an old table
// still shadows an even-older put) and records the swap in the manifest.
// Returns the number of bytes reclaimed from the removed tables. A data
// directory with fewer tables than the configured fan-in is a no-op.
func (e *Engine) Compact() (int64, error) {
	if !e.isStarted() {
		return 0, common.ErrNotStarted
	}
	e.manifestMu.Lock()
	defer e.manifestMu.Unlock()

	oldPaths := e.man.OldestN(e.opt.CompactionFanIn) // oldest first
	if len(oldPaths) < 2 {
		return 0, nil
	}

	merged := make(map[string][]byte)
	var order []string
	for _, p := range oldPaths {
		r, err := sstable.Open(p)
		if err != nil {
			return 0, err
		}
		entries, err := r.RangeIter(nil, nil)
		r.Close()
		if err != nil {
			return 0, err
		}
		for _, en := range entries {
			k := string(en.Key)
			if _, seen := merged[k]; !seen {
				order = append(order, k)
			}
			merged[k] = en.Value
		}
	}
	sort.Strings(order)

	tableEntries := make([]sstable.Entry, 0, len(order))
	for _, k := range order {
		tableEntries = append(tableEntries, sstable.Entry{Key: []byte(k), Value: merged[k]})
	}

	newPath, err := sstable.Write(e.opt.Dir, tableEntries, e.opt.SparseIndexStride, e.opt.BloomFalsePositive)
	if err != nil {
		return 0, err
	}
	if err := e.man.Replace(oldPaths, newPath); err != nil {
		return 0, err
	}

	var reclaimed int64
	for _, p := range oldPaths {
		if info, err := os.Stat(p); err == nil {
			reclaimed += info.Size()
		}
		if err := os.Remove(p); err != nil {
			common.Warnf("compact: failed to remove old table %s: %v", p, err)
		}
	}
	e.statsMu.Lock()
	e.lastReclaimed = reclaimed
	e.statsMu.Unlock()
	return reclaimed, nil
}

// Stats returns a snapshot of engine internals for operator visibility.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	reclaimed := e.lastReclaimed
	e.statsMu.Unlock()
	tables := 0
	if e.man != nil {
		tables = e.man.Count()
	}
	var memBytes int64
	if e.mem != nil {
		memBytes = e.mem.ApproxSize()
	}
	return Stats{
		TablesLive:                   tables,
		MemtableApproxBytes:          memBytes,
		LastCompactionBytesReclaimed: reclaimed,
	}
}

func (e *Engine) isStarted() bool {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.started
}

// maybeFlushLocked flushes the memtable to a fresh sorted table if it has
// reached the configured size limit. Caller holds e.writeMu. The table is
// made durable (fsync + atomic rename inside sstable.Write) before the
// manifest is updated, and the WAL is rotated only after that, so a crash
// between those steps never loses data: either the table isn't in the
// manifest yet and the active WAL still has the entries, or it is and the
// WAL covering them can be discarded.
func (e *Engine) maybeFlushLocked() error {
	if e.mem.ApproxSize() < e.opt.MemtableByteLimit {
		return nil
	}
	snapshot := e.mem.Snapshot()
	entries := make([]sstable.Entry, len(snapshot))
	for i, s := range snapshot {
		entries[i] = sstable.Entry{Key: s.Key, Value: s.Value.Bytes}
	}

	e.manifestMu.Lock()
	path, err := sstable.Write(e.opt.Dir, entries, e.opt.SparseIndexStride, e.opt.BloomFalsePositive)
	if err != nil {
		e.manifestMu.Unlock()
		return err
	}
	if err := e.man.AddHead(path); err != nil {
		e.manifestMu.Unlock()
		return err
	}
	if err := e.wal.Rotate(); err != nil {
		e.manifestMu.Unlock()
		return err
	}
	e.manifestMu.Unlock()

	e.mem.Clear()
	return nil
}

var _ store.KeyValueStore = (*Engine)(nil)

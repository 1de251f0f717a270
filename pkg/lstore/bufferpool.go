package lstore

import (
	"bytes"
	"container/list"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/calvinalkan/lstore/pkg/fs"
)

// Locking architecture
//
//  1. bufferPool.mu guards the resident directory, the LRU list, and pin
//     counts. It is held only for the short critical sections below, never
//     across partition I/O or across a caller's use of a returned
//     partition.
//  2. pins[i] counts in-flight callers holding partition i via [get]. A
//     partition with pins[i] > 0 is never selected for eviction; the release
//     func returned by [get] decrements the count and lets a later eviction
//     consider it again.
//  3. Partition reads/writes themselves are not separately locked here —
//     per spec.md §5, the per-RID lock obtained by the caller (Table) is
//     the synchronisation point for concurrent access to a partition's
//     pages.
//
// Lock ordering: callers acquire their RID lock first, then call into the
// buffer pool; the buffer pool never calls back into the lock manager.
type bufferPool struct {
	dir         string
	fsys        fs.FS
	atomicWrite *fs.AtomicWriter
	capacity    int
	userColumns int
	logger      *zap.Logger

	mu       sync.Mutex
	resident map[int]*partition
	pins     map[int]int
	lru      *list.List
	lruElem  map[int]*list.Element
	count    int
}

func newBufferPool(dir string, capacity, userColumns int, fsys fs.FS, logger *zap.Logger) *bufferPool {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &bufferPool{
		dir:         dir,
		fsys:        fsys,
		atomicWrite: fs.NewAtomicWriter(fsys),
		capacity:    capacity,
		userColumns: userColumns,
		logger:      logger,
		resident:    make(map[int]*partition),
		pins:        make(map[int]int),
		lru:         list.New(),
		lruElem:     make(map[int]*list.Element),
	}
}

// partitionCount returns the number of partitions that have ever been
// created (resident or not).
func (bp *bufferPool) partitionCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	return bp.count
}

// newPartition reserves the next partition index, constructs a fresh
// partition, evicts if the pool is full, and inserts it at MRU.
func (bp *bufferPool) newPartition() (int, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	idx := bp.count
	bp.count++

	if err := bp.ensureRoomLocked(); err != nil {
		return 0, err
	}

	p := newPartition(bp.userColumns)
	bp.resident[idx] = p
	bp.lruElem[idx] = bp.lru.PushBack(idx)

	bp.logger.Info("partition created", zap.Int("partition", idx))

	return idx, nil
}

// get returns the partition at index i, pinning it resident for the
// duration of the caller's operation. The caller must call the returned
// release function exactly once when done.
func (bp *bufferPool) get(i int) (*partition, func(), error) {
	bp.mu.Lock()

	if i < 0 || i >= bp.count {
		bp.mu.Unlock()

		return nil, nil, ErrOutOfRange
	}

	p, ok := bp.resident[i]
	if ok {
		bp.touchLocked(i)
		bp.pins[i]++
		bp.mu.Unlock()

		return p, bp.releaseFunc(i), nil
	}

	if err := bp.ensureRoomLocked(); err != nil {
		bp.mu.Unlock()

		return nil, nil, err
	}

	bp.mu.Unlock()

	loaded, err := bp.load(i)
	if err != nil {
		return nil, nil, err
	}

	bp.mu.Lock()

	// Another goroutine may have missed on i concurrently (no conflicting
	// per-RID lock forces misses on the same partition to serialize) and
	// already installed it while bp.mu was released for this load. Re-check
	// residency and defer to whichever install won the race instead of
	// pushing a second LRU element for the same index.
	if existing, ok := bp.resident[i]; ok {
		bp.touchLocked(i)
		bp.pins[i]++
		bp.mu.Unlock()

		return existing, bp.releaseFunc(i), nil
	}

	bp.resident[i] = loaded
	bp.lruElem[i] = bp.lru.PushBack(i)
	bp.pins[i]++
	bp.mu.Unlock()

	return loaded, bp.releaseFunc(i), nil
}

func (bp *bufferPool) releaseFunc(i int) func() {
	return func() {
		bp.mu.Lock()
		defer bp.mu.Unlock()

		bp.pins[i]--
		if bp.pins[i] <= 0 {
			delete(bp.pins, i)
		}
	}
}

func (bp *bufferPool) touchLocked(i int) {
	if elem, ok := bp.lruElem[i]; ok {
		bp.lru.MoveToBack(elem)
	}
}

// ensureRoomLocked evicts the least-recently-used unpinned resident
// partition if the pool is at capacity. bp.mu must be held.
func (bp *bufferPool) ensureRoomLocked() error {
	for len(bp.resident) >= bp.capacity {
		victim, ok := bp.pickVictimLocked()
		if !ok {
			// Every resident partition is pinned; the caller's own
			// operation must complete and release before more room
			// appears. This should not happen under the single-operation
			// pinning discipline Table follows.
			return fmt.Errorf("%w: buffer pool full and all partitions pinned", ErrIO)
		}

		if err := bp.evictLocked(victim); err != nil {
			return err
		}
	}

	return nil
}

func (bp *bufferPool) pickVictimLocked() (int, bool) {
	for elem := bp.lru.Front(); elem != nil; elem = elem.Next() {
		idx := elem.Value.(int) //nolint:forcetypeassert
		if bp.pins[idx] == 0 {
			return idx, true
		}
	}

	return 0, false
}

// evictLocked removes victim from the resident set, persisting it first if
// dirty. bp.mu must be held.
func (bp *bufferPool) evictLocked(victim int) error {
	p := bp.resident[victim]

	if p.isDirty() {
		bp.mu.Unlock()
		err := bp.persist(victim, p)
		bp.mu.Lock()

		if err != nil {
			return err
		}

		p.setClean()
	}

	if elem, ok := bp.lruElem[victim]; ok {
		bp.lru.Remove(elem)
		delete(bp.lruElem, victim)
	}

	delete(bp.resident, victim)

	bp.logger.Info("partition evicted", zap.Int("partition", victim))

	return nil
}

// flush persists every resident dirty partition and marks it clean. Used
// at Table.Close.
func (bp *bufferPool) flush() error {
	bp.mu.Lock()
	dirty := make(map[int]*partition)

	for idx, p := range bp.resident {
		if p.isDirty() {
			dirty[idx] = p
		}
	}
	bp.mu.Unlock()

	for idx, p := range dirty {
		if err := bp.persist(idx, p); err != nil {
			return err
		}

		p.setClean()
	}

	return nil
}

func (bp *bufferPool) path(i int) string {
	return filepath.Join(bp.dir, strconv.Itoa(i))
}

func (bp *bufferPool) persist(i int, p *partition) error {
	data := encodePartition(p)

	if err := bp.fsys.MkdirAll(bp.dir, 0o750); err != nil {
		return fmt.Errorf("%w: create partition directory: %v", ErrIO, err)
	}

	var opts fs.AtomicWriteOptions

	opts.Perm = 0o600
	opts.SyncDir = true

	if err := bp.atomicWrite.Write(bp.path(i), bytes.NewReader(data), opts); err != nil {
		return fmt.Errorf("%w: persist partition %d: %v", ErrIO, i, err)
	}

	return nil
}

func (bp *bufferPool) load(i int) (*partition, error) {
	data, err := bp.fsys.ReadFile(bp.path(i))
	if err != nil {
		return nil, fmt.Errorf("%w: load partition %d: %v", ErrIO, i, err)
	}

	p, err := decodePartition(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode partition %d: %v", ErrIO, i, err)
	}

	return p, nil
}

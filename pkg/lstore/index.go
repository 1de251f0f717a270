package lstore

import (
	"bytes"
	"encoding/gob"
	"math"
	"sort"
	"sync"

	"github.com/google/btree"
)

// indexEntry is a (value, rid) pair ordered first by value, then by RID.
// Because RIDs are allocated monotonically at insert time, ordering by RID
// within an equal value reproduces insertion order without the index
// needing to track it separately.
type indexEntry struct {
	value int64
	rid   RID
}

func lessIndexEntry(a, b indexEntry) bool {
	if a.value != b.value {
		return a.value < b.value
	}

	return a.rid < b.rid
}

const btreeDegree = 32

// index is the per-table secondary-index layer: one ordered tree per
// indexed column. See spec.md §4.5 for the operational contract.
type index struct {
	mu      sync.Mutex
	trees   map[int]*btree.BTreeG[indexEntry]
	pending map[int]struct{}
}

func newIndex() *index {
	return &index{
		trees:   make(map[int]*btree.BTreeG[indexEntry]),
		pending: make(map[int]struct{}),
	}
}

// createIndex installs an empty tree for col. If the table already has
// data, the column is queued for backfill (performed by Table before the
// next operation that touches it) and reportedly pending via the returned
// bool.
func (ix *index) createIndex(col int, hasExistingData bool) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.trees[col]; ok {
		return false
	}

	ix.trees[col] = btree.NewG(btreeDegree, lessIndexEntry)

	if hasExistingData {
		ix.pending[col] = struct{}{}

		return true
	}

	return false
}

// dropIndex removes the tree for col, if any.
func (ix *index) dropIndex(col int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delete(ix.trees, col)
	delete(ix.pending, col)
}

func (ix *index) hasIndex(col int) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, ok := ix.trees[col]

	return ok
}

// pendingColumns returns the set of columns awaiting backfill, sorted. It
// does not clear the set; see [index.clearPending].
func (ix *index) pendingColumns() []int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.pending) == 0 {
		return nil
	}

	cols := make([]int, 0, len(ix.pending))
	for c := range ix.pending {
		cols = append(cols, c)
	}

	sort.Ints(cols)

	return cols
}

func (ix *index) clearPending(col int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delete(ix.pending, col)
}

// insert appends (value, rid) to col's tree. Returns ErrNotIndexed if col
// has no index.
func (ix *index) insert(col int, value int64, rid RID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tree, ok := ix.trees[col]
	if !ok {
		return ErrNotIndexed
	}

	tree.ReplaceOrInsert(indexEntry{value: value, rid: rid})

	return nil
}

// delete removes (value, rid) from col's tree. A no-op if col has no
// index or the entry is absent.
func (ix *index) delete(col int, value int64, rid RID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tree, ok := ix.trees[col]
	if !ok {
		return
	}

	tree.Delete(indexEntry{value: value, rid: rid})
}

// update moves rid from oldValue to newValue within col's tree.
func (ix *index) update(col int, oldValue, newValue int64, rid RID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tree, ok := ix.trees[col]
	if !ok {
		return ErrNotIndexed
	}

	tree.Delete(indexEntry{value: oldValue, rid: rid})
	tree.ReplaceOrInsert(indexEntry{value: newValue, rid: rid})

	return nil
}

// locate returns every RID indexed under value in col, in insertion order.
// Returns an empty (not nil) slice if col has no index entries matching, and
// ErrNotIndexed if col itself has no index.
func (ix *index) locate(col int, value int64) ([]RID, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tree, ok := ix.trees[col]
	if !ok {
		return nil, ErrNotIndexed
	}

	rids := make([]RID, 0)

	visit := func(e indexEntry) bool {
		if e.value != value {
			return false
		}

		rids = append(rids, e.rid)

		return true
	}

	if value == math.MaxInt64 {
		// value+1 would overflow to MinInt64 and turn the range below into
		// an empty (or wrapped) one, silently dropping this value.
		tree.AscendGreaterOrEqual(indexEntry{value: value, rid: 0}, visit)
	} else {
		tree.AscendRange(indexEntry{value: value, rid: 0}, indexEntry{value: value + 1, rid: 0}, visit)
	}

	return rids, nil
}

// locateRange returns every RID indexed under [lo, hi) in col, values
// ascending, in insertion order within equal values.
func (ix *index) locateRange(col int, lo, hi int64) ([]RID, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tree, ok := ix.trees[col]
	if !ok {
		return nil, ErrNotIndexed
	}

	var rids []RID

	tree.AscendRange(
		indexEntry{value: lo, rid: 0},
		indexEntry{value: hi, rid: 0},
		func(e indexEntry) bool {
			rids = append(rids, e.rid)

			return true
		},
	)

	return rids, nil
}

// indexSnapshot is the gob-serialisable projection of an index used for
// persistence (spec.md §6, `<table_dir>/index`). Field names are exported
// for gob; the in-memory btree structure itself is never serialised
// directly.
type indexSnapshot struct {
	Columns map[int][]indexSnapshotEntry
}

type indexSnapshotEntry struct {
	Value int64
	RID   uint64
}

func (ix *index) snapshot() indexSnapshot {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	snap := indexSnapshot{Columns: make(map[int][]indexSnapshotEntry, len(ix.trees))}

	for col, tree := range ix.trees {
		entries := make([]indexSnapshotEntry, 0, tree.Len())

		tree.Ascend(func(e indexEntry) bool {
			entries = append(entries, indexSnapshotEntry{Value: e.value, RID: uint64(e.rid)})

			return true
		})

		snap.Columns[col] = entries
	}

	return snap
}

func (ix *index) restore(snap indexSnapshot) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.trees = make(map[int]*btree.BTreeG[indexEntry], len(snap.Columns))

	for col, entries := range snap.Columns {
		tree := btree.NewG(btreeDegree, lessIndexEntry)

		for _, e := range entries {
			tree.ReplaceOrInsert(indexEntry{value: e.Value, rid: RID(e.RID)})
		}

		ix.trees[col] = tree
	}

	ix.pending = make(map[int]struct{})
}

// encodeIndex serialises ix to bytes using gob (SPEC_FULL.md Open Question
// resolution (b)).
func encodeIndex(ix *index) ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(ix.snapshot()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeIndex deserialises bytes produced by [encodeIndex] into ix.
func decodeIndex(data []byte) (*index, error) {
	var snap indexSnapshot

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, err
	}

	ix := newIndex()
	ix.restore(snap)

	return ix, nil
}

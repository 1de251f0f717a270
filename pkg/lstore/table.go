package lstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/lstore/pkg/fs"
)

// OpKind identifies the kind of operation an [Op] requests.
type OpKind int

const (
	OpInsert OpKind = iota
	OpSelect
	OpUpdate
	OpDelete
	OpIncrement
)

// Op is one operation in a [Transaction]'s batch, or a single ad-hoc call
// made through Table's own convenience methods. Key-addressed operations
// (everything but insert) resolve against the table's key-column index.
type Op struct {
	Kind      OpKind
	Key       int64
	Mask      []bool
	NewValues []*int64
	Column    int
	UserCols  []int64
}

// OpResult is the outcome of one executed [Op].
type OpResult struct {
	Records []Record
	RID     RID
	Matched bool
}

const metaFileName = "meta"
const indexFileName = "index"

type tableMeta struct {
	UserColumns int
	KeyColumn   int
	NextRID     uint64
}

// Table owns a table's BufferPool, Index, RID allocator, and lock manager.
// See spec.md §4.6 for the operational contract; execution of a batch of
// [Op]s happens in [Table.runBatch], which implements the lock pre-check
// of spec.md §5.
type Table struct {
	name        string
	dir         string
	userColumns int
	keyColumn   int

	fsys   fs.FS
	logger *zap.Logger

	bp    *bufferPool
	idx   *index
	locks *lockManager

	ridMu   sync.Mutex
	nextRID RID
}

// OpenTable opens (or creates) the table rooted at dir, with bufferCapacity
// resident partitions. userColumns and keyColumn must match a previously
// created table's schema; they are validated against persisted metadata
// when present.
func OpenTable(dir, name string, userColumns, keyColumn, bufferCapacity int, fsys fs.FS, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if keyColumn < 0 || keyColumn >= userColumns {
		return nil, fmt.Errorf("%w: key column %d out of range for %d user columns", ErrOutOfRange, keyColumn, userColumns)
	}

	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create table directory %q: %v", ErrIO, dir, err)
	}

	t := &Table{
		name:        name,
		dir:         dir,
		userColumns: userColumns,
		keyColumn:   keyColumn,
		fsys:        fsys,
		logger:      logger,
		locks:       newLockManager(),
		nextRID:     1,
	}

	t.bp = newBufferPool(dir, bufferCapacity, userColumns, fsys, logger)

	meta, ok, err := t.loadMeta()
	if err != nil {
		return nil, err
	}

	if ok {
		if meta.UserColumns != userColumns || meta.KeyColumn != keyColumn {
			return nil, fmt.Errorf("%w: table %q schema mismatch: persisted (U=%d,k=%d), requested (U=%d,k=%d)",
				ErrOutOfRange, name, meta.UserColumns, meta.KeyColumn, userColumns, keyColumn)
		}

		t.nextRID = RID(meta.NextRID)

		// Partitions are created positionally as RIDs are issued, so the
		// last issued RID fixes how many partitions exist on disk.
		if t.nextRID > 1 {
			lastPartition, _ := (t.nextRID - 1).Locate()
			t.bp.count = lastPartition + 1
		}
	}

	idx, ok, err := t.loadIndex()
	if err != nil {
		return nil, err
	}

	if ok {
		t.idx = idx
	} else {
		t.idx = newIndex()
		t.idx.createIndex(keyColumn, t.bp.partitionCount() > 0)
	}

	return t, nil
}

func (t *Table) loadMeta() (tableMeta, bool, error) {
	path := filepath.Join(t.dir, metaFileName)

	exists, err := t.fsys.Exists(path)
	if err != nil {
		return tableMeta{}, false, fmt.Errorf("%w: stat table metadata: %v", ErrIO, err)
	}

	if !exists {
		return tableMeta{}, false, nil
	}

	data, err := t.fsys.ReadFile(path)
	if err != nil {
		return tableMeta{}, false, fmt.Errorf("%w: read table metadata: %v", ErrIO, err)
	}

	var meta tableMeta

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return tableMeta{}, false, fmt.Errorf("%w: decode table metadata: %v", ErrIO, err)
	}

	return meta, true, nil
}

func (t *Table) loadIndex() (*index, bool, error) {
	path := filepath.Join(t.dir, indexFileName)

	exists, err := t.fsys.Exists(path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: stat table index: %v", ErrIO, err)
	}

	if !exists {
		return nil, false, nil
	}

	data, err := t.fsys.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read table index: %v", ErrIO, err)
	}

	idx, err := decodeIndex(data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: decode table index: %v", ErrIO, err)
	}

	return idx, true, nil
}

// Close flushes the buffer pool and persists the index and table metadata.
func (t *Table) Close() error {
	if err := t.bp.flush(); err != nil {
		return err
	}

	if err := t.persistIndex(); err != nil {
		return err
	}

	return t.persistMeta()
}

func (t *Table) persistMeta() error {
	t.ridMu.Lock()
	meta := tableMeta{UserColumns: t.userColumns, KeyColumn: t.keyColumn, NextRID: uint64(t.nextRID)}
	t.ridMu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("%w: encode table metadata: %v", ErrIO, err)
	}

	writer := fs.NewAtomicWriter(t.fsys)

	opts := writer.DefaultOptions()
	if err := writer.Write(filepath.Join(t.dir, metaFileName), bytes.NewReader(buf.Bytes()), opts); err != nil {
		return fmt.Errorf("%w: persist table metadata: %v", ErrIO, err)
	}

	return nil
}

func (t *Table) persistIndex() error {
	data, err := encodeIndex(t.idx)
	if err != nil {
		return fmt.Errorf("%w: encode table index: %v", ErrIO, err)
	}

	writer := fs.NewAtomicWriter(t.fsys)

	opts := writer.DefaultOptions()
	if err := writer.Write(filepath.Join(t.dir, indexFileName), bytes.NewReader(data), opts); err != nil {
		return fmt.Errorf("%w: persist table index: %v", ErrIO, err)
	}

	return nil
}

// CreateIndex installs an index on the given user column, scheduling a
// backfill if the table already holds data.
func (t *Table) CreateIndex(col int) error {
	if col < 0 || col >= t.userColumns {
		return ErrOutOfRange
	}

	t.idx.createIndex(col, t.bp.partitionCount() > 0)

	return nil
}

// DropIndex removes the index on the given user column.
func (t *Table) DropIndex(col int) {
	t.idx.dropIndex(col)
}

// resolvedOp pairs a submitted Op with the RIDs it resolves to, computed
// during planning (before locks are acquired) so that execution never
// re-touches the index under a different view.
type resolvedOp struct {
	op   Op
	rids []RID
}

// planBatch resolves every op in ops to its target RID(s) and the lock
// requests needed to safely execute them, per spec.md §5's "determine the
// needed RID and lock mode" pre-check step. It runs any pending index
// backfill first.
//
// An insert's RID is only a candidate at this point (spec.md §9: "insert's
// target RID is next_rid+1 at the moment of lock acquisition, speculative").
// When hasInsert is true the caller must already hold t.ridMu and must keep
// holding it until the batch's checkAndLock outcome is known, so that the
// candidate RIDs returned here are never handed to a second, concurrently
// planned batch. planBatch itself never mutates t.nextRID.
func (t *Table) planBatch(ops []Op, hasInsert bool) ([]resolvedOp, []lockRequest, error) {
	if err := t.ensureBackfilled(); err != nil {
		return nil, nil, err
	}

	resolved := make([]resolvedOp, len(ops))

	var requests []lockRequest

	nextCandidate := RID(0)
	if hasInsert {
		nextCandidate = t.nextRID
	}

	for i, op := range ops {
		switch op.Kind {
		case OpInsert:
			rid := nextCandidate
			nextCandidate++
			resolved[i] = resolvedOp{op: op, rids: []RID{rid}}
			requests = append(requests, lockRequest{rid: rid, mode: lockExclusive})

		case OpSelect, OpUpdate, OpDelete, OpIncrement:
			rids, err := t.idx.locate(t.keyColumn, op.Key)
			if err != nil {
				return nil, nil, err
			}

			resolved[i] = resolvedOp{op: op, rids: rids}

			mode := lockExclusive
			if op.Kind == OpSelect {
				mode = lockShared
			}

			for _, rid := range rids {
				requests = append(requests, lockRequest{rid: rid, mode: mode})
			}

		default:
			return nil, nil, fmt.Errorf("%w: unknown op kind %d", ErrOutOfRange, op.Kind)
		}
	}

	return resolved, requests, nil
}

// runBatch implements spec.md §4.7's Transaction.run: plan, atomically
// acquire every lock, execute in submission order if granted, then release.
// It returns (committed, results, err). err is non-nil for a bad op shape or
// for a failure while backfilling, loading or persisting partitions; a lock
// conflict is reported via committed=false with a nil err.
//
// A batch that inserts holds t.ridMu across planning and lock acquisition so
// that the RID a candidate insert is given is never observed by another
// batch before this one's fate (commit or abort) is decided. t.nextRID only
// advances once checkAndLock has actually granted every lock; an aborted
// batch leaves it untouched, so no RID is ever burned and the positional
// rid.Locate() <-> partition.insert slot mapping never desyncs.
func (t *Table) runBatch(ops []Op) (bool, []OpResult, error) {
	hasInsert, insertCount := false, 0

	for _, op := range ops {
		if op.Kind == OpInsert {
			hasInsert = true
			insertCount++
		}
	}

	if hasInsert {
		t.ridMu.Lock()
		defer t.ridMu.Unlock()
	}

	resolved, requests, err := t.planBatch(ops, hasInsert)
	if err != nil {
		return false, nil, err
	}

	txn := t.locks.beginTxn()

	release, ok := t.locks.checkAndLock(txn, requests)
	if !ok {
		t.logger.Warn("transaction aborted: lock conflict", zap.Uint64("txn", txn))

		return false, nil, nil
	}

	defer release()

	if hasInsert {
		t.nextRID += RID(insertCount)
	}

	results := make([]OpResult, len(resolved))

	for i, rop := range resolved {
		res, err := t.execute(rop)
		if err != nil {
			return false, nil, err
		}

		results[i] = res
	}

	return true, results, nil
}

func (t *Table) execute(rop resolvedOp) (OpResult, error) {
	switch rop.op.Kind {
	case OpInsert:
		return t.doInsert(rop.rids[0], rop.op.UserCols)
	case OpSelect:
		return t.doSelect(rop.rids, rop.op.Mask)
	case OpUpdate:
		return t.doUpdate(rop.rids, rop.op.NewValues)
	case OpDelete:
		return t.doDelete(rop.rids)
	case OpIncrement:
		return t.doIncrement(rop.rids, rop.op.Column)
	default:
		return OpResult{}, fmt.Errorf("%w: unknown op kind %d", ErrOutOfRange, rop.op.Kind)
	}
}

func (t *Table) totalColumns() int {
	return numMetaColumns + t.userColumns
}

func (t *Table) keyMask() []bool {
	mask := make([]bool, t.totalColumns())
	mask[numMetaColumns+t.keyColumn] = true

	return mask
}

func (t *Table) userMask(mask []bool) []bool {
	full := make([]bool, t.totalColumns())

	for i, want := range mask {
		if want {
			full[numMetaColumns+i] = true
		}
	}

	return full
}

func (t *Table) columnMask(col int) []bool {
	full := make([]bool, t.totalColumns())
	full[numMetaColumns+col] = true

	return full
}

func (t *Table) ensurePartitionFor(rid RID) (int, error) {
	partitionIdx, _ := rid.Locate()

	for t.bp.partitionCount() <= partitionIdx {
		if _, err := t.bp.newPartition(); err != nil {
			return 0, err
		}
	}

	return partitionIdx, nil
}

func (t *Table) doInsert(rid RID, userCols []int64) (OpResult, error) {
	if len(userCols) != t.userColumns {
		return OpResult{}, ErrOutOfRange
	}

	partitionIdx, err := t.ensurePartitionFor(rid)
	if err != nil {
		return OpResult{}, err
	}

	p, release, err := t.bp.get(partitionIdx)
	if err != nil {
		return OpResult{}, err
	}

	row := make([]int64, t.totalColumns())
	row[colIndirection] = 0
	row[colRID] = int64(rid) //nolint:gosec
	row[colTimestamp] = int64(time.Now().Unix())
	row[colSchemaEnc] = 0

	copy(row[numMetaColumns:], userCols)

	ok, err := p.insert(row)

	release()

	if err != nil {
		return OpResult{}, err
	}

	if !ok {
		return OpResult{}, fmt.Errorf("%w: partition %d has no room for rid %d", errCapacityExceeded, partitionIdx, rid)
	}

	for i := range t.userColumns {
		if t.idx.hasIndex(i) {
			if err := t.idx.insert(i, userCols[i], rid); err != nil {
				return OpResult{}, err
			}
		}
	}

	t.logger.Debug("row inserted", zap.Uint64("rid", uint64(rid)))

	return OpResult{RID: rid}, nil
}

func (t *Table) doSelect(rids []RID, mask []bool) (OpResult, error) {
	if len(mask) != t.userColumns {
		return OpResult{}, ErrOutOfRange
	}

	keyMask := t.keyMask()
	fullMask := t.userMask(mask)

	var records []Record

	for _, rid := range rids {
		partitionIdx, slot := rid.Locate()

		p, release, err := t.bp.get(partitionIdx)
		if err != nil {
			return OpResult{}, err
		}

		live, err := p.isLive(slot)
		if err != nil {
			release()

			return OpResult{}, err
		}

		if !live {
			release()

			continue
		}

		keyVals, err := p.read(slot, keyMask)
		if err != nil {
			release()

			return OpResult{}, err
		}

		vals, err := p.read(slot, fullMask)

		release()

		if err != nil {
			return OpResult{}, err
		}

		records = append(records, Record{RID: rid, Key: keyVals[0], Columns: vals})
	}

	return OpResult{Records: records}, nil
}

func (t *Table) doUpdate(rids []RID, newValues []*int64) (OpResult, error) {
	if len(newValues) != t.userColumns {
		return OpResult{}, ErrOutOfRange
	}

	keyMask := t.keyMask()

	matched := false

	for _, rid := range rids {
		partitionIdx, slot := rid.Locate()

		p, release, err := t.bp.get(partitionIdx)
		if err != nil {
			return OpResult{}, err
		}

		live, err := p.isLive(slot)
		if err != nil {
			release()

			return OpResult{}, err
		}

		if !live {
			release()

			continue
		}

		var oldKey int64

		if newValues[t.keyColumn] != nil {
			keyVals, err := p.read(slot, keyMask)
			if err != nil {
				release()

				return OpResult{}, err
			}

			oldKey = keyVals[0]
		}

		err = p.update(slot, rid, newValues)

		release()

		if err != nil {
			return OpResult{}, err
		}

		matched = true

		if nv := newValues[t.keyColumn]; nv != nil && t.idx.hasIndex(t.keyColumn) {
			if err := t.idx.update(t.keyColumn, oldKey, *nv, rid); err != nil {
				return OpResult{}, err
			}
		}
	}

	return OpResult{Matched: matched}, nil
}

func (t *Table) doDelete(rids []RID) (OpResult, error) {
	keyMask := t.keyMask()

	matched := false

	for _, rid := range rids {
		partitionIdx, slot := rid.Locate()

		p, release, err := t.bp.get(partitionIdx)
		if err != nil {
			return OpResult{}, err
		}

		live, err := p.isLive(slot)
		if err != nil {
			release()

			return OpResult{}, err
		}

		if !live {
			release()

			continue
		}

		keyVals, err := p.read(slot, keyMask)
		if err != nil {
			release()

			return OpResult{}, err
		}

		err = p.delete(slot)

		release()

		if err != nil {
			return OpResult{}, err
		}

		matched = true

		t.idx.delete(t.keyColumn, keyVals[0], rid)
	}

	return OpResult{Matched: matched}, nil
}

func (t *Table) doIncrement(rids []RID, col int) (OpResult, error) {
	if col < 0 || col >= t.userColumns {
		return OpResult{}, ErrOutOfRange
	}

	mask := t.columnMask(col)

	matched := false

	for _, rid := range rids {
		partitionIdx, slot := rid.Locate()

		p, release, err := t.bp.get(partitionIdx)
		if err != nil {
			return OpResult{}, err
		}

		live, err := p.isLive(slot)
		if err != nil {
			release()

			return OpResult{}, err
		}

		if !live {
			release()

			continue
		}

		vals, err := p.read(slot, mask)
		if err != nil {
			release()

			return OpResult{}, err
		}

		newVal := vals[0] + 1
		newValues := make([]*int64, t.userColumns)
		newValues[col] = &newVal

		err = p.update(slot, rid, newValues)

		release()

		if err != nil {
			return OpResult{}, err
		}

		matched = true

		if col == t.keyColumn && t.idx.hasIndex(t.keyColumn) {
			if err := t.idx.update(t.keyColumn, vals[0], newVal, rid); err != nil {
				return OpResult{}, err
			}
		}
	}

	return OpResult{Matched: matched}, nil
}

// ensureBackfilled services any columns queued by [Table.CreateIndex] since
// the last backfill, scanning every live RID once and inserting (value,
// rid) pairs for each pending column. See spec.md §4.5 "Backfill".
func (t *Table) ensureBackfilled() error {
	pending := t.idx.pendingColumns()
	if len(pending) == 0 {
		return nil
	}

	masks := make(map[int][]bool, len(pending))
	for _, col := range pending {
		masks[col] = t.columnMask(col)
	}

	partitionCount := t.bp.partitionCount()

	for pi := range partitionCount {
		p, release, err := t.bp.get(pi)
		if err != nil {
			return err
		}

		for slot := range p.countBase {
			live, err := p.isLive(slot)
			if err != nil {
				release()

				return err
			}

			if !live {
				continue
			}

			rid := ridForSlot(pi, slot)

			for _, col := range pending {
				vals, err := p.read(slot, masks[col])
				if err != nil {
					release()

					return err
				}

				if err := t.idx.insert(col, vals[0], rid); err != nil {
					release()

					return err
				}
			}
		}

		release()
	}

	for _, col := range pending {
		t.idx.clearPending(col)
	}

	t.logger.Info("index backfill complete", zap.Ints("columns", pending))

	return nil
}

// Insert executes a single insert as its own one-operation transaction.
func (t *Table) Insert(userCols []int64) (RID, error) {
	committed, results, err := t.runBatch([]Op{{Kind: OpInsert, UserCols: userCols}})
	if err != nil {
		return 0, err
	}

	if !committed {
		return 0, ErrAborted
	}

	return results[0].RID, nil
}

// Select executes a single select as its own one-operation transaction.
func (t *Table) Select(key int64, mask []bool) ([]Record, error) {
	committed, results, err := t.runBatch([]Op{{Kind: OpSelect, Key: key, Mask: mask}})
	if err != nil {
		return nil, err
	}

	if !committed {
		return nil, ErrAborted
	}

	return results[0].Records, nil
}

// Update executes a single update as its own one-operation transaction.
func (t *Table) Update(key int64, newValues []*int64) (bool, error) {
	committed, results, err := t.runBatch([]Op{{Kind: OpUpdate, Key: key, NewValues: newValues}})
	if err != nil {
		return false, err
	}

	if !committed {
		return false, ErrAborted
	}

	return results[0].Matched, nil
}

// Delete executes a single delete as its own one-operation transaction.
func (t *Table) Delete(key int64) (bool, error) {
	committed, results, err := t.runBatch([]Op{{Kind: OpDelete, Key: key}})
	if err != nil {
		return false, err
	}

	if !committed {
		return false, ErrAborted
	}

	return results[0].Matched, nil
}

// Increment executes a single increment as its own one-operation
// transaction: reads the current value of col for key and writes back
// value+1. Returns false if key has no match.
func (t *Table) Increment(key int64, col int) (bool, error) {
	committed, results, err := t.runBatch([]Op{{Kind: OpIncrement, Key: key, Column: col}})
	if err != nil {
		return false, err
	}

	if !committed {
		return false, ErrAborted
	}

	return results[0].Matched, nil
}

// Sum accumulates col's value across every key in [lo, hi] inclusive,
// skipping keys with no live match.
func (t *Table) Sum(lo, hi int64, col int) (int64, error) {
	if col < 0 || col >= t.userColumns {
		return 0, ErrOutOfRange
	}

	mask := make([]bool, t.userColumns)
	mask[col] = true

	var total int64

	for key := lo; key <= hi; key++ {
		records, err := t.Select(key, mask)
		if err != nil {
			return 0, err
		}

		for _, rec := range records {
			total += rec.Columns[0]
		}
	}

	return total, nil
}

// MergeAll folds every partition's tail history back into its base page.
// Table-level convenience over spec.md §4.3's per-partition Partition.merge.
func (t *Table) MergeAll() error {
	count := t.bp.partitionCount()

	for pi := range count {
		p, release, err := t.bp.get(pi)
		if err != nil {
			return err
		}

		err = p.merge()

		release()

		if err != nil {
			return err
		}
	}

	t.logger.Info("merge complete", zap.Int("partitions", count))

	return nil
}

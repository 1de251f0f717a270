package lstore

import "sync"

// lockMode is the mode a transaction requests a per-RID lock in.
type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// lockRequest is one entry of a transaction's lock pre-check batch.
type lockRequest struct {
	rid  RID
	mode lockMode
}

// lockState is the global per-RID lock-table entry: either a set of shared
// holders (transaction ID -> acquisition count) or a single exclusive
// holder.
type lockState struct {
	exclusive       bool
	exclusiveHolder uint64
	sharedHolders   map[uint64]int
}

func newLockState() *lockState {
	return &lockState{sharedHolders: make(map[uint64]int)}
}

func (st *lockState) empty() bool {
	return !st.exclusive && len(st.sharedHolders) == 0
}

// lockManager implements the non-blocking, no-wait locking protocol of
// spec.md §5: `glb_locks: map<rid, S|X|count>` guarded by a single mutex.
// There is no waiting and no deadlock possibility — a conflicting request
// aborts the whole batch immediately.
type lockManager struct {
	mu    sync.Mutex
	locks map[RID]*lockState
	nextT uint64
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[RID]*lockState)}
}

// beginTxn returns a fresh transaction ID for use with checkAndLock.
func (lm *lockManager) beginTxn() uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.nextT++

	return lm.nextT
}

// checkAndLock attempts to acquire every request in order, atomically. On
// any conflict it undoes everything it had acquired so far in this call and
// returns (nil, false). On success it returns a release func the caller
// must invoke exactly once, after executing the corresponding operations,
// to drop every lock acquired by this call.
func (lm *lockManager) checkAndLock(txn uint64, requests []lockRequest) (release func(), ok bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var undo []func()

	abort := func() (func(), bool) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}

		return nil, false
	}

	for _, req := range requests {
		st, exists := lm.locks[req.rid]
		if !exists {
			st = newLockState()
			lm.locks[req.rid] = st
		}

		rid := req.rid

		switch req.mode {
		case lockShared:
			if st.exclusive {
				if st.exclusiveHolder != txn {
					return abort()
				}
				// X already held by self: X subsumes S, no-op.
				continue
			}

			st.sharedHolders[txn]++

			undo = append(undo, func() {
				lm.releaseShared(rid, txn)
			})

		case lockExclusive:
			if st.exclusive {
				if st.exclusiveHolder != txn {
					return abort()
				}
				// Already X by self: no-op.
				continue
			}

			switch len(st.sharedHolders) {
			case 0:
				st.exclusive = true
				st.exclusiveHolder = txn

				undo = append(undo, func() {
					lm.releaseExclusive(rid, txn)
				})
			case 1:
				if _, onlySelf := st.sharedHolders[txn]; !onlySelf {
					return abort()
				}

				priorCount := st.sharedHolders[txn]
				delete(st.sharedHolders, txn)
				st.exclusive = true
				st.exclusiveHolder = txn

				undo = append(undo, func() {
					s, ok := lm.locks[rid]
					if !ok {
						return
					}

					s.exclusive = false
					s.exclusiveHolder = 0
					s.sharedHolders[txn] = priorCount
				})
			default:
				return abort()
			}
		}
	}

	acquired := undo

	return func() {
		lm.mu.Lock()
		defer lm.mu.Unlock()

		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i]()
		}
	}, true
}

// releaseShared decrements txn's shared hold on rid, pruning empty entries.
// Must be called with lm.mu held.
func (lm *lockManager) releaseShared(rid RID, txn uint64) {
	st, ok := lm.locks[rid]
	if !ok {
		return
	}

	st.sharedHolders[txn]--
	if st.sharedHolders[txn] <= 0 {
		delete(st.sharedHolders, txn)
	}

	if st.empty() {
		delete(lm.locks, rid)
	}
}

// releaseExclusive clears txn's exclusive hold on rid, pruning empty
// entries. Must be called with lm.mu held.
func (lm *lockManager) releaseExclusive(rid RID, txn uint64) {
	st, ok := lm.locks[rid]
	if !ok {
		return
	}

	if st.exclusive && st.exclusiveHolder == txn {
		st.exclusive = false
		st.exclusiveHolder = 0
	}

	if st.empty() {
		delete(lm.locks, rid)
	}
}

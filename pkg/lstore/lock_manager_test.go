package lstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LockManager_Grants_NonConflicting_Shared_Locks(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()
	t2 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockShared}})
	require.True(t, ok)
	defer release1()

	release2, ok := lm.checkAndLock(t2, []lockRequest{{rid: 1, mode: lockShared}})
	require.True(t, ok, "two shared locks on the same RID by different transactions must both be granted")
	defer release2()
}

func Test_LockManager_Exclusive_Conflicts_With_Exclusive(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()
	t2 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockExclusive}})
	require.True(t, ok)
	defer release1()

	_, ok = lm.checkAndLock(t2, []lockRequest{{rid: 1, mode: lockExclusive}})
	assert.False(t, ok)
}

func Test_LockManager_Exclusive_Conflicts_With_Shared_By_Other_Txn(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()
	t2 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockShared}})
	require.True(t, ok)
	defer release1()

	_, ok = lm.checkAndLock(t2, []lockRequest{{rid: 1, mode: lockExclusive}})
	assert.False(t, ok)
}

func Test_LockManager_Same_Txn_Can_Upgrade_Shared_To_Exclusive(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockShared}})
	require.True(t, ok)

	release2, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockExclusive}})
	require.True(t, ok, "the sole shared holder must be able to upgrade to exclusive")

	release2()
	release1()
}

func Test_LockManager_Same_Txn_Shared_Request_Under_Own_Exclusive_Is_NoOp(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockExclusive}})
	require.True(t, ok)
	defer release1()

	release2, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockShared}})
	require.True(t, ok, "X already held by self subsumes a later S request")
	defer release2()
}

func Test_LockManager_Conflict_Aborts_Entire_Batch_With_No_Partial_Effect(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()
	t2 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 2, mode: lockExclusive}})
	require.True(t, ok)
	defer release1()

	// t2 requests rid 1 (free) then rid 2 (conflicts). The whole batch must
	// abort, releasing the lock it took on rid 1 along the way.
	_, ok = lm.checkAndLock(t2, []lockRequest{
		{rid: 1, mode: lockExclusive},
		{rid: 2, mode: lockExclusive},
	})
	require.False(t, ok)

	// rid 1 must now be free again: a third transaction can take it.
	t3 := lm.beginTxn()
	release3, ok := lm.checkAndLock(t3, []lockRequest{{rid: 1, mode: lockExclusive}})
	require.True(t, ok, "rollback of the aborted batch must have freed rid 1")
	defer release3()
}

func Test_LockManager_Release_Frees_Lock_For_Other_Transactions(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()
	t2 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockExclusive}})
	require.True(t, ok)

	release1()

	_, ok = lm.checkAndLock(t2, []lockRequest{{rid: 1, mode: lockExclusive}})
	assert.True(t, ok)
}

func Test_LockManager_Exclusive_Upgrade_Conflicts_When_Other_Sharers_Present(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()
	t2 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockShared}})
	require.True(t, ok)
	defer release1()

	release2, ok := lm.checkAndLock(t2, []lockRequest{{rid: 1, mode: lockShared}})
	require.True(t, ok)
	defer release2()

	_, ok = lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockExclusive}})
	assert.False(t, ok, "upgrade must fail while another transaction also holds a shared lock")
}

func Test_LockManager_Upgrade_Undo_Restores_Shared_Hold(t *testing.T) {
	t.Parallel()

	lm := newLockManager()
	t1 := lm.beginTxn()
	t2 := lm.beginTxn()

	release1, ok := lm.checkAndLock(t1, []lockRequest{{rid: 1, mode: lockShared}})
	require.True(t, ok)
	defer release1()

	// t1 tries to batch-acquire an upgrade on rid 1 together with an
	// exclusive lock on rid 2 that t3 already holds; the whole batch must
	// abort and t1's shared hold on rid 1 must survive intact.
	t3 := lm.beginTxn()
	release3, ok := lm.checkAndLock(t3, []lockRequest{{rid: 2, mode: lockExclusive}})
	require.True(t, ok)
	defer release3()

	_, ok = lm.checkAndLock(t1, []lockRequest{
		{rid: 1, mode: lockExclusive},
		{rid: 2, mode: lockExclusive},
	})
	require.False(t, ok)

	// t2 should still be able to take a shared lock on rid 1 alongside t1.
	release2, ok := lm.checkAndLock(t2, []lockRequest{{rid: 1, mode: lockShared}})
	assert.True(t, ok, "t1's shared hold on rid 1 must have been restored by the aborted upgrade's rollback")
	defer release2()
}

package lstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calvinalkan/lstore/pkg/fs"
)

func newTestBufferPool(t *testing.T, capacity int) *bufferPool {
	t.Helper()

	dir := t.TempDir()

	return newBufferPool(dir, capacity, testUserColumns, fs.NewReal(), zap.NewNop())
}

func Test_BufferPool_NewPartition_Allocates_Sequential_Indices(t *testing.T) {
	t.Parallel()

	bp := newTestBufferPool(t, 4)

	i0, err := bp.newPartition()
	require.NoError(t, err)
	assert.Equal(t, 0, i0)

	i1, err := bp.newPartition()
	require.NoError(t, err)
	assert.Equal(t, 1, i1)

	assert.Equal(t, 2, bp.partitionCount())
}

func Test_BufferPool_Get_Returns_Same_Partition_Instance_While_Resident(t *testing.T) {
	t.Parallel()

	bp := newTestBufferPool(t, 4)

	idx, err := bp.newPartition()
	require.NoError(t, err)

	p1, release1, err := bp.get(idx)
	require.NoError(t, err)
	release1()

	p2, release2, err := bp.get(idx)
	require.NoError(t, err)
	defer release2()

	assert.Same(t, p1, p2)
}

func Test_BufferPool_Get_Rejects_Unallocated_Index(t *testing.T) {
	t.Parallel()

	bp := newTestBufferPool(t, 4)

	_, _, err := bp.get(0)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func Test_BufferPool_Evicts_LRU_And_Reloads_With_Persisted_Data(t *testing.T) {
	t.Parallel()

	bp := newTestBufferPool(t, 1)

	idx0, err := bp.newPartition()
	require.NoError(t, err)

	p0, release0, err := bp.get(idx0)
	require.NoError(t, err)

	row := make([]int64, numMetaColumns+testUserColumns)
	row[colRID] = 1
	row[numMetaColumns] = 123
	ok, err := p0.insert(row)
	require.NoError(t, err)
	require.True(t, ok)

	release0()

	// Allocating a second partition forces eviction of the first, since
	// capacity is 1 and it is no longer pinned.
	idx1, err := bp.newPartition()
	require.NoError(t, err)
	assert.NotEqual(t, idx0, idx1)

	p0Reloaded, release, err := bp.get(idx0)
	require.NoError(t, err)
	defer release()

	vals, err := p0Reloaded.read(0, userOnlyMask())
	require.NoError(t, err)
	assert.Equal(t, int64(123), vals[0])
}

func Test_BufferPool_Does_Not_Evict_Pinned_Partition(t *testing.T) {
	t.Parallel()

	bp := newTestBufferPool(t, 1)

	idx0, err := bp.newPartition()
	require.NoError(t, err)

	_, release0, err := bp.get(idx0)
	require.NoError(t, err)
	defer release0()

	_, err = bp.newPartition()
	require.Error(t, err, "allocating beyond capacity while the only resident partition is pinned must fail")
}

func Test_BufferPool_Concurrent_Miss_On_Same_Index_Installs_Once(t *testing.T) {
	t.Parallel()

	bp := newTestBufferPool(t, 4)

	idx, err := bp.newPartition()
	require.NoError(t, err)

	_, release, err := bp.get(idx)
	require.NoError(t, err)
	release()

	// Force idx out of residency so the next gets below all take the miss
	// path concurrently.
	bp.mu.Lock()
	delete(bp.resident, idx)
	bp.lru.Remove(bp.lruElem[idx])
	delete(bp.lruElem, idx)
	bp.mu.Unlock()

	const goroutines = 8

	results := make([]*partition, goroutines)
	releases := make([]func(), goroutines)

	var wg sync.WaitGroup

	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()

			p, rel, err := bp.get(idx)
			require.NoError(t, err)

			results[g] = p
			releases[g] = rel
		}(g)
	}

	wg.Wait()

	for g := 0; g < goroutines; g++ {
		assert.Same(t, results[0], results[g], "every concurrent loader of the same index must observe the same installed partition")
		releases[g]()
	}
}

func Test_BufferPool_Flush_Persists_Dirty_Partitions(t *testing.T) {
	t.Parallel()

	bp := newTestBufferPool(t, 4)

	idx, err := bp.newPartition()
	require.NoError(t, err)

	p, release, err := bp.get(idx)
	require.NoError(t, err)

	row := make([]int64, numMetaColumns+testUserColumns)
	row[colRID] = 1
	ok, err := p.insert(row)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.isDirty())

	release()

	require.NoError(t, bp.flush())

	exists, err := bp.fsys.Exists(bp.path(idx))
	require.NoError(t, err)
	assert.True(t, exists)
}

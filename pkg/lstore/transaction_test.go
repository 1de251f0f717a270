package lstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Transaction_Runs_Ops_In_Submission_Order(t *testing.T) {
	t.Parallel()

	table := newTestTable(t)

	_, err := table.Insert([]int64{1, 10, 20})
	require.NoError(t, err)

	tx := NewTransaction(table)
	tx.Add(Op{Kind: OpUpdate, Key: 1, NewValues: []*int64{nil, int64Ptr(999), nil}})
	tx.Add(Op{Kind: OpSelect, Key: 1, Mask: []bool{true, true, true}})

	committed, results, err := tx.Run()
	require.NoError(t, err)
	require.True(t, committed)
	require.Len(t, results, 2)

	assert.True(t, results[0].Matched)
	require.Len(t, results[1].Records, 1)
	assert.Equal(t, int64(999), results[1].Records[0].Columns[1], "select must observe the update queued earlier in the same batch")
}

func Test_Transaction_Insert_Then_Separate_Select_Sees_New_Row(t *testing.T) {
	t.Parallel()

	table := newTestTable(t)

	tx := NewTransaction(table)
	tx.Add(Op{Kind: OpInsert, UserCols: []int64{1, 10, 20}})

	committed, results, err := tx.Run()
	require.NoError(t, err)
	require.True(t, committed)
	require.Len(t, results, 1)
	assert.Equal(t, RID(1), results[0].RID)

	records, err := table.Select(1, []bool{true, true, true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []int64{1, 10, 20}, records[0].Columns)
}

func int64Ptr(v int64) *int64 {
	return &v
}

package lstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ColumnGroup_WriteCell_Then_ReadCell(t *testing.T) {
	t.Parallel()

	cg := newColumnGroup(3)

	require.NoError(t, cg.writeCell(5, 1, 42))

	got, err := cg.readCell(5, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func Test_ColumnGroup_ReadCell_Rejects_OutOfRange_Column(t *testing.T) {
	t.Parallel()

	cg := newColumnGroup(2)

	_, err := cg.readCell(0, 2)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func Test_ColumnGroup_ReadRow_Honors_Mask(t *testing.T) {
	t.Parallel()

	cg := newColumnGroup(4)
	require.NoError(t, cg.writeCell(0, 0, 10))
	require.NoError(t, cg.writeCell(0, 1, 20))
	require.NoError(t, cg.writeCell(0, 2, 30))
	require.NoError(t, cg.writeCell(0, 3, 40))

	vals, err := cg.readRow(0, []bool{true, false, true, false})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 30}, vals)
}

func Test_ColumnGroup_ReadRow_Rejects_MaskLength_Mismatch(t *testing.T) {
	t.Parallel()

	cg := newColumnGroup(3)

	_, err := cg.readRow(0, []bool{true, false})
	require.ErrorIs(t, err, ErrOutOfRange)
}

func Test_ColumnGroup_WriteRow_Nil_Entries_Leave_Column_Untouched(t *testing.T) {
	t.Parallel()

	cg := newColumnGroup(2)
	require.NoError(t, cg.writeCell(0, 0, 111))
	require.NoError(t, cg.writeCell(0, 1, 222))

	newVal := uint64(999)
	require.NoError(t, cg.writeRow(0, []*uint64{nil, &newVal}))

	col0, err := cg.readCell(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(111), col0)

	col1, err := cg.readCell(0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(999), col1)
}

func Test_ColumnGroup_ColumnCount(t *testing.T) {
	t.Parallel()

	cg := newColumnGroup(7)
	assert.Equal(t, 7, cg.columnCount())
}

package lstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_EncodePartition_Then_DecodePartition_RoundTrips(t *testing.T) {
	t.Parallel()

	p := newPartition(testUserColumns)
	rid := RID(1)
	slot := insertRow(t, p, rid, 1, 2, 3)

	v1 := int64(77)
	require.NoError(t, p.update(slot, rid, []*int64{&v1, nil, nil}))

	data := encodePartition(p)

	got, err := decodePartition(data)
	require.NoError(t, err)

	assert.Equal(t, p.countBase, got.countBase)
	assert.Equal(t, p.countTail, got.countTail)
	assert.Equal(t, len(p.tailPages), len(got.tailPages))
	assert.Equal(t, p.updatedSlots, got.updatedSlots)

	vals, err := got.read(slot, userOnlyMask())
	require.NoError(t, err)
	assert.Equal(t, []int64{77, 2, 3}, vals)
}

func Test_DecodePartition_Rejects_BadMagic(t *testing.T) {
	t.Parallel()

	p := newPartition(testUserColumns)
	data := encodePartition(p)
	data[0] = 'X'

	_, err := decodePartition(data)
	require.ErrorIs(t, err, ErrIO)
}

func Test_DecodePartition_Rejects_Corrupted_Body(t *testing.T) {
	t.Parallel()

	p := newPartition(testUserColumns)
	insertRow(t, p, 1, 1, 2, 3)

	data := encodePartition(p)
	data[len(data)-10] ^= 0xFF

	_, err := decodePartition(data)
	require.ErrorIs(t, err, ErrIO)
}

func Test_DecodePartition_Rejects_TooSmall(t *testing.T) {
	t.Parallel()

	_, err := decodePartition([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrIO)
}

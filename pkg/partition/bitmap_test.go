package partition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/partition"
)

func TestNewBitmapAllFreeMasksTrailingBits(t *testing.T) {
	b := partition.NewBitmap(10, true)
	assert.Equal(t, uint32(10), b.FreeBlocks())
	for i := uint32(0); i < 10; i++ {
		assert.True(t, b.Free(i))
	}
	for i := uint32(10); i < 16; i++ {
		assert.False(t, b.Free(i))
	}
}

func TestMarkUsedAndFree(t *testing.T) {
	b := partition.NewBitmap(100, true)
	require.NoError(t, b.MarkUsed(10, 5))
	for i := uint32(10); i < 15; i++ {
		assert.False(t, b.Free(i))
	}
	assert.Equal(t, uint32(95), b.FreeBlocks())

	require.NoError(t, b.MarkFree(10, 5))
	assert.Equal(t, uint32(100), b.FreeBlocks())
}

func TestMarkUsedRejectsOutOfRange(t *testing.T) {
	b := partition.NewBitmap(10, true)
	err := b.MarkUsed(8, 5)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := partition.NewBitmap(32, true)
	b := partition.NewBitmap(32, true)
	assert.True(t, a.Equal(b))

	require.NoError(t, a.MarkUsed(0, 1))
	assert.False(t, a.Equal(b))
}

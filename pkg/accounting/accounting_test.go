package accounting_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/accounting"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/partition"
)

func newTestPartition(length uint32) *partition.Partition {
	return &partition.Partition{
		PD:       descriptor.PD{PartitionLength: length},
		Observed: partition.NewBitmap(length, true),
	}
}

func TestIncrementAndDecrementUsed(t *testing.T) {
	p := newTestPartition(1000)
	e := accounting.New(p)

	require.NoError(t, e.IncrementUsed(4096, 10, 2048))
	assert.Equal(t, uint32(998), e.FreeBlocks())

	require.NoError(t, e.DecrementUsed(4096, 10, 2048))
	assert.Equal(t, uint32(1000), e.FreeBlocks())
}

func TestIncrementUsedRejectsOutOfRange(t *testing.T) {
	p := newTestPartition(10)
	e := accounting.New(p)
	err := e.IncrementUsed(2048*5, 8, 2048)
	assert.Error(t, err)
}

func TestIncrementUsedCountsSoftWarningOnDoubleMark(t *testing.T) {
	p := newTestPartition(100)
	e := accounting.New(p)
	require.NoError(t, e.IncrementUsed(2048, 5, 2048))
	require.NoError(t, e.IncrementUsed(2048, 5, 2048))
	assert.Equal(t, 1, e.SoftWarnings)
}

func TestUsedBlocks(t *testing.T) {
	p := newTestPartition(100)
	e := accounting.New(p)
	require.NoError(t, e.IncrementUsed(2048*10, 0, 2048))
	assert.Equal(t, uint32(10), e.UsedBlocks())
}

func TestUpdateMinUDFRevIsMonotonic(t *testing.T) {
	e := accounting.New(newTestPartition(10))
	e.UpdateMinUDFRev(0x0150)
	e.UpdateMinUDFRev(0x0102)
	assert.Equal(t, uint16(0x0150), e.MinReadRevision())
	e.UpdateMinUDFRev(0x0200)
	assert.Equal(t, uint16(0x0200), e.MinReadRevision())
	assert.Equal(t, uint16(0x0200), e.MinWriteRevision())
}

func TestSetMaxWriteRevision(t *testing.T) {
	e := accounting.New(newTestPartition(10))
	e.SetMaxWriteRevision(0x0260)
	assert.Equal(t, uint16(0x0260), e.MaxWriteRevision())
}

package partition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/partition"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

const sectorSize = 2048

type fakeDevice struct {
	sectors map[uint32][]byte
}

func (f *fakeDevice) SectorSize() uint32 { return sectorSize }

func (f *fakeDevice) ReadSectors(lsn uint32, n uint32) ([]byte, error) {
	buf := make([]byte, int(n)*sectorSize)
	if data, ok := f.sectors[lsn]; ok {
		copy(buf, data)
	}
	return buf, nil
}

func buildPD(t *testing.T, bitmapLSN, partitionLength uint32, bitmapPresent bool) descriptor.PD {
	t.Helper()
	var header descriptor.PartitionHeader
	if bitmapPresent {
		header.UnallocatedSpaceBitmap = descriptor.AllocDescriptor{Length: sectorSize, LogicalBlockNum: bitmapLSN}
	}
	return descriptor.PD{
		Tag:                  tag.Tag{Identifier: consts.TagIdentPD},
		PartitionNumber:      0,
		PartitionHeader:      header,
		PartitionStartingLoc: 0,
		PartitionLength:      partitionLength,
	}
}

func buildSBDSector(t *testing.T, numBits uint32) []byte {
	t.Helper()
	nbytes := (numBits + 7) / 8
	bitmap := make([]byte, nbytes)
	for i := range bitmap {
		bitmap[i] = 0xFF
	}
	sbd := descriptor.SBD{
		Tag:        tag.Tag{Identifier: consts.TagIdentSBD},
		NumOfBits:  numBits,
		NumOfBytes: nbytes,
		Bitmap:     bitmap,
	}
	raw := sbd.Marshal()
	out := make([]byte, sectorSize)
	copy(out, raw)
	return out
}

func TestLoadWithBitmapPresent(t *testing.T) {
	pd := buildPD(t, 5, 1000, true)
	dev := &fakeDevice{sectors: map[uint32][]byte{5: buildSBDSector(t, 1000)}}

	p, err := partition.Load(dev, pd)
	require.NoError(t, err)
	require.NotNil(t, p.RecordedBitmap)
	assert.Equal(t, uint32(1000), p.RecordedBitmap.Len())
	assert.Equal(t, uint32(1000), p.Observed.Len())
	assert.Equal(t, uint32(1000), p.Observed.FreeBlocks())
	assert.Zero(t, p.Errors)
}

func TestLoadFlagsFreeSpaceMismatch(t *testing.T) {
	pd := buildPD(t, 5, 1000, true)
	dev := &fakeDevice{sectors: map[uint32][]byte{5: buildSBDSector(t, 500)}}

	p, err := partition.Load(dev, pd)
	require.NoError(t, err)
	assert.NotZero(t, p.Errors&consts.ErrFreeSpace)
}

func TestLoadWithoutBitmap(t *testing.T) {
	pd := buildPD(t, 0, 1000, false)
	dev := &fakeDevice{sectors: map[uint32][]byte{}}

	p, err := partition.Load(dev, pd)
	require.NoError(t, err)
	assert.Nil(t, p.RecordedBitmap)
	assert.Equal(t, uint32(1000), p.Observed.FreeBlocks())
}

package fsd_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/fsd"
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

// buildFSDSector hand-encodes a minimal FSD matching descriptor.UnmarshalFSD's
// byte layout, since descriptor.FSD exposes no Marshal.
func buildFSDSector(t *testing.T, rootICBBlock uint32) []byte {
	t.Helper()
	buf := make([]byte, sectorSize)

	tg := tag.Tag{Identifier: consts.TagIdentFSD}
	tb := tg.Marshal()
	copy(buf[:16], tb[:])

	off := 16 + 12 // timestamp
	off += 2 + 2 + 4 + 4
	binary.LittleEndian.PutUint32(buf[off:off+4], 0) // fileSetNum
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], 0) // fileSetDescNum
	off += 4
	off += 64 // logicalVolIdentCharSet

	off += 128 // logicalVolIdent left all-zero: compID 0 means "empty"
	off += 64 // fileSetCharSet
	off += 32 // fileSetIdent
	off += 32 // copyright
	off += 32 // abstract

	rootICB := descriptor.AllocDescriptor{Length: 2048, LogicalBlockNum: rootICBBlock, PartitionRefNum: 0}
	icbBytes, err := descriptor.MarshalAllocDescriptor(rootICB, consts.ADLong)
	require.NoError(t, err)
	copy(buf[off:off+16], icbBytes)
	off += 16

	off += 32 // domainIdent
	off += 16 // nextExt

	streamICB := descriptor.AllocDescriptor{}
	streamBytes, err := descriptor.MarshalAllocDescriptor(streamICB, consts.ADLong)
	require.NoError(t, err)
	copy(buf[off:off+16], streamBytes)

	return buf
}

func buildLVD(t *testing.T, fsdBlock uint32, partitionRef uint16) descriptor.LVD {
	t.Helper()
	ad := descriptor.AllocDescriptor{Length: descriptor.FSDSize, LogicalBlockNum: fsdBlock, PartitionRefNum: partitionRef}
	raw, err := descriptor.MarshalAllocDescriptor(ad, consts.ADLong)
	require.NoError(t, err)

	var contentsUse [16]byte
	copy(contentsUse[:], raw)
	return descriptor.LVD{ContentsUse: contentsUse}
}

func TestReadFSDHappyPath(t *testing.T) {
	lvd := buildLVD(t, 10, 0)
	dev := &fakeDevice{sectors: map[uint32][]byte{10: buildFSDSector(t, 20)}}

	res, err := fsd.Read(dev, lvd, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), res.FSD.RootDirectoryICB.LogicalBlockNum)
	assert.True(t, res.LogicalVolIdentErrors.OK())
	assert.Zero(t, res.Errors)
}

func TestReadFSDPartitionMismatch(t *testing.T) {
	lvd := buildLVD(t, 10, 1)
	dev := &fakeDevice{sectors: map[uint32][]byte{10: buildFSDSector(t, 20)}}

	_, err := fsd.Read(dev, lvd, 0, 0)
	assert.Error(t, err)
}

func TestReadFSDWrongTag(t *testing.T) {
	lvd := buildLVD(t, 10, 0)
	raw := buildFSDSector(t, 20)
	wrongTag := tag.Tag{Identifier: consts.TagIdentPVD}
	tb := wrongTag.Marshal()
	copy(raw[:16], tb[:])
	dev := &fakeDevice{sectors: map[uint32][]byte{10: raw}}

	_, err := fsd.Read(dev, lvd, 0, 0)
	assert.Error(t, err)
}

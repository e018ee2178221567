package integrity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/integrity"
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

func validLVIDSector(t *testing.T, lsn uint32) []byte {
	t.Helper()
	lvid := descriptor.LVID{
		NumOfPartitions: 1,
		LengthOfImplUse: 46,
		FreeSpaceTable:  []uint32{10},
		SizeTable:       []uint32{100},
		ImplIdent:       make([]byte, 32),
		NumFiles:        3,
		NumDirs:         1,
	}
	raw := lvid.Marshal()

	tg := tag.Tag{
		Identifier:          consts.TagIdentLVID,
		Location:            lsn,
		DescriptorCRCLength: uint16(len(raw) - 16),
	}
	tg.DescriptorCRC = crcOf(raw[16:])
	tb := tg.Marshal()
	copy(raw[:16], tb[:])

	out := make([]byte, sectorSize)
	copy(out, raw)
	return out
}

func crcOf(data []byte) uint16 {
	const poly = 0x1021
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func TestLoadValidLVID(t *testing.T) {
	dev := &fakeDevice{sectors: map[uint32][]byte{5: validLVIDSector(t, 5)}}
	res, err := integrity.Load(dev, descriptor.Extent{Location: 5, Length: sectorSize})
	require.NoError(t, err)
	assert.Zero(t, res.Errors)
	assert.Equal(t, uint32(3), res.LVID.NumFiles)
}

func TestLoadFlagsWrongTag(t *testing.T) {
	sector := validLVIDSector(t, 5)
	wrong := tag.Tag{Identifier: consts.TagIdentPVD}
	tb := wrong.Marshal()
	copy(sector[:16], tb[:])

	dev := &fakeDevice{sectors: map[uint32][]byte{5: sector}}
	res, err := integrity.Load(dev, descriptor.Extent{Location: 5, Length: sectorSize})
	require.NoError(t, err)
	assert.NotZero(t, res.Errors&consts.ErrWrongDesc)
}

func TestRebuildProducesClosedIntegrity(t *testing.T) {
	state := integrity.AccountingState{
		FreeSpacePerPartition: []uint32{100},
		SizePerPartition:      []uint32{1000},
		NumFiles:              5,
		NumDirs:               2,
		NextUniqueID:          42,
	}
	lvid := integrity.Rebuild(state)
	assert.Equal(t, consts.IntegrityClosed, lvid.IntegrityType)
	assert.Equal(t, uint32(5), lvid.NumFiles)
	assert.Equal(t, uint64(42), lvid.NextUniqueID)
}

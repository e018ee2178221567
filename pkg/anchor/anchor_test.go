package anchor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/anchor"
	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/crc"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

const testSectorSize = 2048

type fakeDevice struct {
	sectorSize uint32
	sectors    map[uint32][]byte
	count      uint32
}

func (f *fakeDevice) SectorSize() uint32  { return f.sectorSize }
func (f *fakeDevice) SectorCount() uint32 { return f.count }

func (f *fakeDevice) ReadSectors(lsn uint32, n uint32) ([]byte, error) {
	buf := make([]byte, int(n)*int(f.sectorSize))
	if data, ok := f.sectors[lsn]; ok {
		copy(buf, data)
	}
	return buf, nil
}

func validAVDP(lsn uint32) []byte {
	main := descriptor.Extent{Length: 32 * testSectorSize, Location: 300}
	res := descriptor.Extent{Length: 32 * testSectorSize, Location: 400}
	avdp := descriptor.AVDP{
		Tag: tag.Tag{
			Identifier:          consts.TagIdentAVDP,
			SerialNumber:        1,
			Location:            lsn,
			DescriptorCRCLength: uint16(descriptor.AVDPSize - tag.Size),
		},
		MainVolDescSeqExtent: main,
		ResVolDescSeqExtent:  res,
	}
	raw := avdp.Marshal()
	payload := raw[tag.Size:]
	avdp.Tag.DescriptorCRC = crc.Checksum(payload)
	raw = avdp.Marshal()
	out := make([]byte, descriptor.AVDPSize)
	copy(out, raw[:])
	return out
}

func TestLocateHappyPath(t *testing.T) {
	count := uint32(100000)
	dev := &fakeDevice{
		sectorSize: testSectorSize,
		count:      count,
		sectors:    map[uint32][]byte{},
	}
	dev.sectors[consts.AVDPFirstSector] = validAVDP(consts.AVDPFirstSector)
	dev.sectors[count-1] = validAVDP(count - 1)
	dev.sectors[count-1-consts.AVDPThirdFromTail] = validAVDP(count - 1 - consts.AVDPThirdFromTail)

	set, err := anchor.Locate(dev, testSectorSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(testSectorSize), set.SectorSize)
	assert.True(t, set.SerialNumberConsistent)
	assert.Equal(t, consts.ErrorFlags(0), set.Anchors[consts.FirstAVDP].Errors)
	assert.Equal(t, consts.ErrorFlags(0), set.Anchors[consts.SecondAVDP].Errors)
	assert.Equal(t, consts.ErrorFlags(0), set.Anchors[consts.ThirdAVDP].Errors)
}

func TestLocateDetectsChecksumFailure(t *testing.T) {
	count := uint32(100000)
	dev := &fakeDevice{
		sectorSize: testSectorSize,
		count:      count,
		sectors:    map[uint32][]byte{},
	}
	bad := validAVDP(consts.AVDPFirstSector)
	bad[0] ^= 0xFF
	dev.sectors[consts.AVDPFirstSector] = bad

	_, err := anchor.Locate(dev, testSectorSize)
	require.Error(t, err)
}

func TestLocateRejectsCRCFailure(t *testing.T) {
	count := uint32(100000)
	dev := &fakeDevice{
		sectorSize: testSectorSize,
		count:      count,
		sectors:    map[uint32][]byte{},
	}
	bad := validAVDP(consts.AVDPFirstSector)
	bad[descriptor.AVDPSize-1] ^= 0xFF // corrupt payload without touching the tag checksum
	dev.sectors[consts.AVDPFirstSector] = bad

	_, err := anchor.Locate(dev, testSectorSize)
	require.Error(t, err)
}

func TestLocateRejectsPositionMismatch(t *testing.T) {
	count := uint32(100000)
	dev := &fakeDevice{
		sectorSize: testSectorSize,
		count:      count,
		sectors:    map[uint32][]byte{},
	}
	// Tag claims a location other than where it was actually read from.
	dev.sectors[consts.AVDPFirstSector] = validAVDP(consts.AVDPFirstSector + 1)

	_, err := anchor.Locate(dev, testSectorSize)
	require.Error(t, err)
}

func TestLocateFlagsShortExtent(t *testing.T) {
	count := uint32(100000)
	dev := &fakeDevice{sectorSize: testSectorSize, count: count, sectors: map[uint32][]byte{}}

	main := descriptor.Extent{Length: 10, Location: 300} // too short
	res := descriptor.Extent{Length: 10, Location: 400}
	avdp := descriptor.AVDP{
		Tag: tag.Tag{
			Identifier:          consts.TagIdentAVDP,
			SerialNumber:        1,
			Location:            consts.AVDPFirstSector,
			DescriptorCRCLength: uint16(descriptor.AVDPSize - tag.Size),
		},
		MainVolDescSeqExtent: main,
		ResVolDescSeqExtent:  res,
	}
	raw := avdp.Marshal()
	avdp.Tag.DescriptorCRC = crc.Checksum(raw[tag.Size:])
	raw = avdp.Marshal()
	buf := make([]byte, descriptor.AVDPSize)
	copy(buf, raw[:])
	dev.sectors[consts.AVDPFirstSector] = buf
	dev.sectors[count-1] = validAVDP(count - 1)
	dev.sectors[count-1-consts.AVDPThirdFromTail] = validAVDP(count - 1 - consts.AVDPThirdFromTail)

	set, err := anchor.Locate(dev, testSectorSize)
	require.NoError(t, err)
	assert.NotZero(t, set.Anchors[consts.FirstAVDP].Errors&consts.ErrExtLen)
}

package vds_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/tag"
	"github.com/bgrewell/udf-fsck/pkg/vds"
)

// fakeDevice backs a contiguous flat byte array so multi-sector descriptors
// (LVD, USD) can be exercised the way the real device would serve them.
type fakeDevice struct {
	data       []byte
	sectorSize uint32
}

func newFakeDevice(sectorSize uint32, totalSectors uint32) *fakeDevice {
	return &fakeDevice{data: make([]byte, sectorSize*totalSectors), sectorSize: sectorSize}
}

func (f *fakeDevice) SectorSize() uint32 { return f.sectorSize }

func (f *fakeDevice) ReadSectors(lsn uint32, n uint32) ([]byte, error) {
	start := int(lsn) * int(f.sectorSize)
	end := start + int(n)*int(f.sectorSize)
	if end > len(f.data) {
		end = len(f.data)
	}
	out := make([]byte, int(n)*int(f.sectorSize))
	copy(out, f.data[start:end])
	return out, nil
}

func (f *fakeDevice) writeAt(lsn uint32, b []byte) {
	start := int(lsn) * int(f.sectorSize)
	copy(f.data[start:], b)
}

func writeValidTag(buf []byte, ident uint16, location uint32, crcLength uint16) {
	t := tag.Tag{Identifier: ident, Location: location, DescriptorCRCLength: crcLength}
	if crcLength > 0 && int(crcLength) <= len(buf)-tag.Size {
		t.DescriptorCRC = crcOf(buf[tag.Size : tag.Size+int(crcLength)])
	}
	tb := t.Marshal()
	copy(buf[:tag.Size], tb[:])
}

// crcOf duplicates pkg/crc's checksum so this test package doesn't need to
// import it just to pre-stamp a tag (tag.Marshal already recomputes the
// checksum byte; only the CRC needs manual computation here).
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

func buildPVD(buf []byte, location uint32) {
	writeValidTag(buf, consts.TagIdentPVD, location, descriptor.PVDSize-tag.Size)
}

func buildIUVD(buf []byte, location uint32) {
	writeValidTag(buf, consts.TagIdentIUVD, location, descriptor.IUVDSize-tag.Size)
}

func buildPD(buf []byte, location uint32, startingLoc, length uint32) {
	binary.LittleEndian.PutUint32(buf[188:192], startingLoc)
	binary.LittleEndian.PutUint32(buf[192:196], length)
	writeValidTag(buf, consts.TagIdentPD, location, descriptor.PDSize-tag.Size)
}

func buildTD(buf []byte, location uint32) {
	writeValidTag(buf, consts.TagIdentTD, location, descriptor.TDSize-tag.Size)
}

// buildLVD writes a full fixed-header LVD (440 bytes) plus mapTableLength
// bytes of zeroed partition maps, matching descriptor.UnmarshalLVD's byte
// layout.
func buildLVD(buf []byte, location uint32, mapTableLength, numPartitionMaps uint32) {
	const mapTableLengthOffset = 16 + 4 + 64 + 128 + 4 + 32 + 16
	binary.LittleEndian.PutUint32(buf[mapTableLengthOffset:mapTableLengthOffset+4], mapTableLength)
	binary.LittleEndian.PutUint32(buf[mapTableLengthOffset+4:mapTableLengthOffset+8], numPartitionMaps)
	total := 440 + int(mapTableLength)
	writeValidTag(buf[:total], consts.TagIdentLVD, location, uint16(total-tag.Size))
}

func buildUSD(buf []byte, location uint32, extents []descriptor.Extent) {
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(extents)))
	for i, e := range extents {
		eb := e.Marshal()
		off := 24 + i*descriptor.ExtentSize
		copy(buf[off:off+descriptor.ExtentSize], eb[:])
	}
	total := 24 + len(extents)*descriptor.ExtentSize
	writeValidTag(buf[:total], consts.TagIdentUSD, location, uint16(total-tag.Size))
}

func TestLoadPVDThenTD(t *testing.T) {
	dev := newFakeDevice(512, 4)
	pvd := make([]byte, 512)
	buildPVD(pvd, 0)
	dev.writeAt(0, pvd)
	td := make([]byte, 512)
	buildTD(td, 1)
	dev.writeAt(1, td)

	seq, err := vds.Load(dev, descriptor.Extent{Location: 0, Length: 1024})
	require.NoError(t, err)
	require.NotNil(t, seq.PVD)
	require.NotNil(t, seq.TD)
	assert.Zero(t, seq.KindErrors[consts.TagIdentPVD])
}

func TestLoadDuplicatePVDIsFatal(t *testing.T) {
	dev := newFakeDevice(512, 4)
	pvd1 := make([]byte, 512)
	buildPVD(pvd1, 0)
	dev.writeAt(0, pvd1)
	pvd2 := make([]byte, 512)
	buildPVD(pvd2, 1)
	dev.writeAt(1, pvd2)

	_, err := vds.Load(dev, descriptor.Extent{Location: 0, Length: 1024})
	assert.Error(t, err)
}

func TestLoadUnknownIdentifierAborts(t *testing.T) {
	dev := newFakeDevice(512, 2)
	garbage := make([]byte, 512)
	writeValidTag(garbage, 9999, 0, 0)
	dev.writeAt(0, garbage)

	_, err := vds.Load(dev, descriptor.Extent{Location: 0, Length: 512})
	assert.Error(t, err)
}

func TestLoadLVDSpansMultipleSectorsAndAdvancesCorrectly(t *testing.T) {
	dev := newFakeDevice(512, 8)
	lvdBuf := make([]byte, 1024) // 440 fixed + 200 maps, rounded to sectors
	buildLVD(lvdBuf, 0, 200, 1)
	dev.writeAt(0, lvdBuf)

	td := make([]byte, 512)
	buildTD(td, 2) // LVD occupies sectors 0-1 (640 bytes -> 2 sectors), TD at sector 2
	dev.writeAt(2, td)

	seq, err := vds.Load(dev, descriptor.Extent{Location: 0, Length: 512 * 3})
	require.NoError(t, err)
	require.NotNil(t, seq.LVD)
	assert.Equal(t, uint32(200), seq.LVD.MapTableLength)
	assert.Equal(t, uint32(1), seq.LVD.NumPartitionMaps)
	require.NotNil(t, seq.TD)
}

func TestLoadPDAndUSD(t *testing.T) {
	dev := newFakeDevice(512, 4)
	pd := make([]byte, 512)
	buildPD(pd, 0, 100, 5000)
	dev.writeAt(0, pd)

	usdBuf := make([]byte, 512)
	buildUSD(usdBuf, 1, []descriptor.Extent{{Length: 10, Location: 1}, {Length: 20, Location: 2}})
	dev.writeAt(1, usdBuf)

	seq, err := vds.Load(dev, descriptor.Extent{Location: 0, Length: 1024})
	require.NoError(t, err)
	require.NotNil(t, seq.PD)
	assert.Equal(t, uint32(100), seq.PD.PartitionStartingLoc)
	require.NotNil(t, seq.USD)
	require.Len(t, seq.USD.AllocDescriptors, 2)
}

package walker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/accounting"
	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/partition"
	"github.com/bgrewell/udf-fsck/pkg/tag"
	"github.com/bgrewell/udf-fsck/pkg/timestamp"
	"github.com/bgrewell/udf-fsck/pkg/walker"
)

const sectorSize = 2048

type fakeDevice struct {
	data []byte
}

func newFakeDevice(totalSectors uint32) *fakeDevice {
	return &fakeDevice{data: make([]byte, totalSectors*sectorSize)}
}

func (f *fakeDevice) SectorSize() uint32 { return sectorSize }

func (f *fakeDevice) ReadSectors(lsn uint32, n uint32) ([]byte, error) {
	start := int(lsn) * sectorSize
	end := start + int(n)*sectorSize
	buf := make([]byte, end-start)
	copy(buf, f.data[start:end])
	return buf, nil
}

func (f *fakeDevice) writeAt(lsn uint32, b []byte) {
	copy(f.data[int(lsn)*sectorSize:], b)
}

func stampTag(raw []byte, ident uint16, location uint32, serial uint16) {
	t := tag.Tag{
		Identifier:          ident,
		Location:            location,
		SerialNumber:        serial,
		DescriptorCRCLength: uint16(len(raw) - tag.Size),
	}
	// The CRC over the payload is filled in by hand first; tag.Marshal then
	// computes the checksum, mirroring the other packages' test helpers.
	payload := raw[tag.Size:]
	t.DescriptorCRC = crcOf(payload)
	tb := t.Marshal()
	copy(raw[:tag.Size], tb[:])
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

// shortAD builds a short_ad (ECMA-167 4/14.14.1) with extent type 0
// (recorded and allocated) in the length field's top 2 bits.
func shortAD(length, block uint32) []byte {
	b := make([]byte, 8)
	b[0] = byte(length)
	b[1] = byte(length >> 8)
	b[2] = byte(length >> 16)
	b[3] = byte(length >> 24)
	b[4] = byte(block)
	b[5] = byte(block >> 8)
	b[6] = byte(block >> 16)
	b[7] = byte(block >> 24)
	return b
}

func buildFID(parent bool, name string, icbBlock uint32, serial uint16) []byte {
	var ident []byte
	var lengthFileIdent uint8
	var characteristics uint8
	if name == "." {
		characteristics = 0
	} else if parent {
		characteristics = consts.FIDParent
	} else {
		ident = append([]byte{8}, []byte(name)...)
		lengthFileIdent = uint8(len(ident))
	}

	icb := make([]byte, 16)
	const icbRefLength = sectorSize // one block's worth, extent type 0 in the top bits
	icb[0] = byte(icbRefLength)
	icb[1] = byte(icbRefLength >> 8)
	icb[2] = byte(icbRefLength >> 16)
	icb[3] = byte(icbRefLength >> 24)
	icb[4] = byte(icbBlock)
	icb[5] = byte(icbBlock >> 8)

	fixed := 38
	total := fixed + len(ident)
	padded := total
	if rem := padded % 4; rem != 0 {
		padded += 4 - rem
	}
	out := make([]byte, padded)
	out[16] = 0 // fileVersionNum lo
	out[18] = characteristics
	out[19] = lengthFileIdent
	copy(out[20:36], icb)
	// lengthOfImplUse (36:38) left zero
	copy(out[38:38+len(ident)], ident)

	stampTag(out, consts.TagIdentFID, 0, serial)
	return out
}

func buildFE(fileType uint8, blocksData []byte, informationLength uint64, modTime timestamp.Timestamp, serial uint16, location uint32) []byte {
	fe := descriptor.FileEntry{
		Tag:                tag.Tag{Identifier: consts.TagIdentFE, SerialNumber: serial, Location: location},
		ICBTag:             descriptor.ICBTag{FileType: fileType},
		InformationLength:  informationLength,
		ModificationTime:   modTime,
		LengthOfAllocDescs: uint32(len(blocksData)),
		AllocDescs:         blocksData,
	}
	raw := fe.Marshal()
	return raw
}

func TestWalkCleanTreeCountsFilesAndDirs(t *testing.T) {
	dev := newFakeDevice(64)
	const serial = 7
	partitionStart := uint32(0)

	// Layout: root dir FE at block 10, root dir data at block 11.
	// File "a.txt" FE at block 20 (regular, in-ICB, informationLength 0).
	rootData := []byte{}
	rootData = append(rootData, buildFID(false, ".", 10, serial)...)
	rootData = append(rootData, buildFID(true, "..", 10, serial)...)
	rootData = append(rootData, buildFID(false, "a.txt", 20, serial)...)

	dev.writeAt(11, rootData)

	rootAD := shortAD(uint32(len(rootData)), 11)
	rootFE := buildFE(consts.ICBFileTypeDirectory, rootAD, 0, timestamp.Timestamp{Year: 2020, Month: 1, Day: 1}, serial, 10)
	dev.writeAt(10, rootFE)

	fileFE := buildFE(consts.ICBFileTypeRegular, nil, 0, timestamp.Timestamp{Year: 2020, Month: 1, Day: 1}, serial, 20)
	dev.writeAt(20, fileFE)

	p := &partition.Partition{
		PD:       descriptor.PD{PartitionLength: 64},
		Observed: partition.NewBitmap(64, true),
	}
	engine := accounting.New(p)

	w := walker.New(dev, partitionStart, 0, engine, serial, consts.UDFRev150, timestamp.Timestamp{Year: 2030, Month: 1, Day: 1})

	rootICB := descriptor.AllocDescriptor{Length: sectorSize, LogicalBlockNum: 10}
	err := w.WalkRoot(rootICB)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), w.Counts.Dirs)
	assert.Equal(t, uint32(1), w.Counts.Files)
	assert.Zero(t, w.Errors)
}

func TestWalkDetectsUnfinishedFile(t *testing.T) {
	dev := newFakeDevice(64)
	const serial = 3

	rootData := buildFID(false, "partial.bin", 20, serial)
	dev.writeAt(11, rootData)

	rootAD := shortAD(uint32(len(rootData)), 11)
	rootFE := buildFE(consts.ICBFileTypeDirectory, rootAD, 0, timestamp.Timestamp{Year: 2020, Month: 1, Day: 1}, serial, 10)
	dev.writeAt(10, rootFE)

	// FE declares 2048 bytes of content but no allocation descriptors.
	fileFE := buildFE(consts.ICBFileTypeRegular, nil, 2048, timestamp.Timestamp{Year: 2020, Month: 1, Day: 1}, serial, 20)
	dev.writeAt(20, fileFE)

	p := &partition.Partition{
		PD:       descriptor.PD{PartitionLength: 64},
		Observed: partition.NewBitmap(64, true),
	}
	engine := accounting.New(p)
	w := walker.New(dev, 0, 0, engine, serial, consts.UDFRev150, timestamp.Timestamp{Year: 2030, Month: 1, Day: 1})

	err := w.WalkRoot(descriptor.AllocDescriptor{Length: sectorSize, LogicalBlockNum: 10})
	require.NoError(t, err)

	require.Len(t, w.UnfinishedFiles, 1)
	assert.Equal(t, "partial.bin", w.UnfinishedFiles[0].Name)
}

func TestWalkFlagsTimestampOrderingViolation(t *testing.T) {
	dev := newFakeDevice(64)
	const serial = 1

	rootData := buildFID(true, "..", 10, serial)
	dev.writeAt(11, rootData)
	rootAD := shortAD(uint32(len(rootData)), 11)

	future := timestamp.Timestamp{Year: 2099, Month: 1, Day: 1}
	rootFE := buildFE(consts.ICBFileTypeDirectory, rootAD, 0, future, serial, 10)
	dev.writeAt(10, rootFE)

	p := &partition.Partition{
		PD:       descriptor.PD{PartitionLength: 64},
		Observed: partition.NewBitmap(64, true),
	}
	engine := accounting.New(p)
	lvidTime := timestamp.Timestamp{Year: 2000, Month: 1, Day: 1}
	w := walker.New(dev, 0, 0, engine, serial, consts.UDFRev150, lvidTime)

	err := w.WalkRoot(descriptor.AllocDescriptor{Length: sectorSize, LogicalBlockNum: 10})
	require.NoError(t, err)
	assert.NotZero(t, w.Errors&consts.ErrTimestamp)
}

package descriptor_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/tag"
	"github.com/bgrewell/udf-fsck/pkg/timestamp"
)

func TestExtentRoundTrip(t *testing.T) {
	want := descriptor.Extent{Length: 1024, Location: 512}
	got := descriptor.UnmarshalExtent(want.Marshal())
	assert.Equal(t, want, got)
}

func TestAllocDescriptorRoundTripAllFlavours(t *testing.T) {
	want := descriptor.AllocDescriptor{ExtentType: consts.ExtentRecordedAndAllocated, Length: 2048, LogicalBlockNum: 77}
	for _, flavour := range []consts.ADFlavour{consts.ADShort, consts.ADLong, consts.ADExtended} {
		raw, err := descriptor.MarshalAllocDescriptor(want, flavour)
		require.NoError(t, err)
		got, n, err := descriptor.UnmarshalAllocDescriptor(raw, flavour)
		require.NoError(t, err)
		assert.Equal(t, descriptor.ADSize(flavour), n)
		assert.Equal(t, want.ExtentType, got.ExtentType)
		assert.Equal(t, want.Length, got.Length)
		assert.Equal(t, want.LogicalBlockNum, got.LogicalBlockNum)
	}
}

func TestAllocDescriptorTerminal(t *testing.T) {
	assert.True(t, descriptor.AllocDescriptor{Length: 0}.Terminal())
	assert.False(t, descriptor.AllocDescriptor{Length: 1}.Terminal())
}

func TestUnmarshalAVDPRoundTrip(t *testing.T) {
	avdp := descriptor.AVDP{
		Tag:                  tag.Tag{Identifier: consts.TagIdentAVDP, Location: 256},
		MainVolDescSeqExtent: descriptor.Extent{Length: 32768, Location: 257},
		ResVolDescSeqExtent:  descriptor.Extent{Length: 32768, Location: 289},
	}
	raw := avdp.Marshal()
	got, err := descriptor.UnmarshalAVDP(raw[:])
	require.NoError(t, err)
	assert.Equal(t, avdp.MainVolDescSeqExtent, got.MainVolDescSeqExtent)
	assert.Equal(t, avdp.ResVolDescSeqExtent, got.ResVolDescSeqExtent)
}

func buildFID(t *testing.T, ident string, characteristics uint8, implUse []byte) []byte {
	t.Helper()
	tg := tag.Tag{Identifier: consts.TagIdentFID}
	f := descriptor.FID{
		Tag:                 tg,
		FileCharacteristics: characteristics,
		LengthOfFileIdent:   uint8(len(ident)),
		ICB:                 descriptor.AllocDescriptor{Length: 2048, LogicalBlockNum: 10, PartitionRefNum: 0},
		LengthOfImplUse:     uint16(len(implUse)),
		ImplUse:             implUse,
		FileIdent:           []byte(ident),
	}
	return f.Marshal()
}

func TestFIDRoundTrip(t *testing.T) {
	implUse := make([]byte, 8)
	binary.LittleEndian.PutUint32(implUse[4:8], 42)
	raw := buildFID(t, "readme.txt", 0, implUse)

	got, n, err := descriptor.UnmarshalFID(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "readme.txt", string(got.FileIdent))
	assert.False(t, got.IsDeleted())
	assert.Equal(t, uint32(42), got.UniqueID())
}

func TestFIDPaddedLengthIsMultipleOfFour(t *testing.T) {
	raw := buildFID(t, "a", 0, nil)
	assert.Zero(t, len(raw)%4)
}

func TestFIDCharacteristicBits(t *testing.T) {
	raw := buildFID(t, "d", consts.FIDDirectory|consts.FIDDeleted, nil)
	got, _, err := descriptor.UnmarshalFID(raw)
	require.NoError(t, err)
	assert.True(t, got.IsDirectory())
	assert.True(t, got.IsDeleted())
}

func buildFE(t *testing.T, infoLength uint64, allocDescs []byte, fileType uint8) []byte {
	t.Helper()
	const fixedSize = 176 // feFixedHeaderSize, duplicated here deliberately as an independent check
	buf := make([]byte, fixedSize+len(allocDescs))

	tg := tag.Tag{Identifier: consts.TagIdentFE}
	tb := tg.Marshal()
	copy(buf[:16], tb[:])

	buf[16+11] = fileType // icbtag.fileType at offset 11 within the 20-byte icbtag

	off := 16 + 20 + 4 + 4 + 4 + 2 + 1 + 1 + 4
	binary.LittleEndian.PutUint64(buf[off:off+8], infoLength)

	lengthAllocDescsOffset := fixedSize - 4
	binary.LittleEndian.PutUint32(buf[lengthAllocDescsOffset:lengthAllocDescsOffset+4], uint32(len(allocDescs)))

	copy(buf[fixedSize:], allocDescs)
	return buf
}

func TestUnmarshalFE(t *testing.T) {
	raw := buildFE(t, 4096, nil, consts.ICBFileTypeRegular)
	fe, err := descriptor.UnmarshalFE(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), fe.InformationLength)
	assert.False(t, fe.IsDirectory())
	assert.False(t, fe.Extended)
}

func TestUnmarshalFEDirectory(t *testing.T) {
	raw := buildFE(t, 2048, nil, consts.ICBFileTypeDirectory)
	fe, err := descriptor.UnmarshalFE(raw)
	require.NoError(t, err)
	assert.True(t, fe.IsDirectory())
}

func TestUnmarshalSBDRoundTrip(t *testing.T) {
	bitmap := make([]byte, 16)
	for i := range bitmap {
		bitmap[i] = 0xFF
	}
	sbd := descriptor.SBD{
		Tag:        tag.Tag{Identifier: consts.TagIdentSBD},
		NumOfBits:  128,
		NumOfBytes: 16,
		Bitmap:     bitmap,
	}
	raw := sbd.Marshal()
	got, err := descriptor.UnmarshalSBD(raw)
	require.NoError(t, err)
	assert.Equal(t, sbd.NumOfBits, got.NumOfBits)
	assert.Equal(t, sbd.Bitmap, got.Bitmap)
}

func TestUnmarshalUSD(t *testing.T) {
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[20:24], 2)
	e1 := descriptor.Extent{Length: 10, Location: 1}.Marshal()
	e2 := descriptor.Extent{Length: 20, Location: 2}.Marshal()
	raw := append(hdr, append(e1[:], e2[:]...)...)

	usd, err := descriptor.UnmarshalUSD(raw)
	require.NoError(t, err)
	require.Len(t, usd.AllocDescriptors, 2)
	assert.Equal(t, uint32(10), usd.AllocDescriptors[0].Length)
	assert.Equal(t, uint32(20), usd.AllocDescriptors[1].Length)
}

func TestTimestampFieldOnLVIDRoundTrips(t *testing.T) {
	ts := timestamp.Timestamp{Year: 2022, Month: 7, Day: 4, Hour: 10, Minute: 0, Second: 0}
	lvid := descriptor.LVID{
		RecordingTime:   ts,
		NextUniqueID:    99,
		NumOfPartitions: 1,
		LengthOfImplUse: 46,
		FreeSpaceTable:  []uint32{5},
		SizeTable:       []uint32{100},
		ImplIdent:       make([]byte, 32),
		NumFiles:        3,
		NumDirs:         2,
	}
	raw := lvid.Marshal()
	got, err := descriptor.UnmarshalLVID(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), got.NextUniqueID)
	assert.Equal(t, uint32(3), got.NumFiles)
	assert.Equal(t, uint32(2), got.NumDirs)
	assert.Equal(t, ts.Year, got.RecordingTime.Year)
}

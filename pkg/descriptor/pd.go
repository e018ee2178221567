package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// PDSize is the fixed on-disk size of a Partition Descriptor (ECMA-167
// 3/10.5): one full sector.
const PDSize = 512

// partitionHeaderSize is the fixed width ECMA-167 3/10.5.1 assigns to the
// Partition Header Description embedded in PD's partitionContentsUse.
const partitionHeaderSize = 128

// PartitionHeader is ECMA-167 3/10.5.1's partitionHeaderDesc, the four
// short_ad extent pointers spec 4.7 names: unallocated space table,
// unallocated space bitmap, freed space table, freed space bitmap. A zero
// length on any of them, or the reserved "special" lengths 1-3, means
// "not present" (spec 4.7).
type PartitionHeader struct {
	UnallocatedSpaceTable  AllocDescriptor
	UnallocatedSpaceBitmap AllocDescriptor
	FreedSpaceTable        AllocDescriptor
	FreedSpaceBitmap       AllocDescriptor
}

// Present reports whether ad names a real extent: ECMA-167 treats lengths
// 0-3 as all meaning "absent" (0 literally absent; 1-3 reserved specials
// this checker does not interpret, spec 4.7).
func present(ad AllocDescriptor) bool {
	return ad.Length > 3
}

// UnallocatedSpaceBitmapPresent reports whether the unallocated space
// bitmap form is in use, the only form spec 4.7 supports.
func (h PartitionHeader) UnallocatedSpaceBitmapPresent() bool {
	return present(h.UnallocatedSpaceBitmap)
}

// UnhandledFormsPresent reports whether any of the table-based or freed-
// space forms spec 4.7 declines to repair are present with nonzero length.
func (h PartitionHeader) UnhandledFormsPresent() bool {
	return present(h.UnallocatedSpaceTable) || present(h.FreedSpaceTable) || present(h.FreedSpaceBitmap)
}

func unmarshalPartitionHeader(buf []byte) (PartitionHeader, error) {
	if len(buf) < partitionHeaderSize {
		return PartitionHeader{}, fmt.Errorf("descriptor: partition header needs %d bytes, got %d", partitionHeaderSize, len(buf))
	}
	read := func(off int) AllocDescriptor {
		ad, _, _ := UnmarshalAllocDescriptor(buf[off:off+consts.ShortADSize], consts.ADShort)
		return ad
	}
	return PartitionHeader{
		UnallocatedSpaceTable:  read(0),
		UnallocatedSpaceBitmap: read(8),
		FreedSpaceTable:        read(16),
		FreedSpaceBitmap:       read(24),
	}, nil
}

// PD is ECMA-167 3/10.5's partitionDesc.
type PD struct {
	Tag                      tag.Tag
	VolDescSeqNum            uint32
	PartitionFlags           uint16
	PartitionNumber          uint16
	PartitionContents        []byte // 32-byte regid, raw
	PartitionHeader          PartitionHeader
	AccessType               uint32
	PartitionStartingLoc     uint32
	PartitionLength          uint32
	ImplementationIdent      []byte // 32-byte regid, raw
}

// UnmarshalPD decodes a full-sector PD buffer.
func UnmarshalPD(raw []byte) (PD, error) {
	if len(raw) < PDSize {
		return PD{}, fmt.Errorf("descriptor: PD buffer is %d bytes, want %d", len(raw), PDSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	off := tag.Size
	volDescSeqNum := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	flags := binary.LittleEndian.Uint16(raw[off : off+2])
	off += 2
	number := binary.LittleEndian.Uint16(raw[off : off+2])
	off += 2

	contentsStart := off
	contentsEnd := contentsStart + 32
	off = contentsEnd

	headerStart := off
	headerEnd := headerStart + partitionHeaderSize
	header, err := unmarshalPartitionHeader(raw[headerStart:headerEnd])
	if err != nil {
		return PD{}, err
	}
	off = headerEnd

	accessType := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	startingLoc := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	length := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	implStart := off
	implEnd := implStart + 32

	return PD{
		Tag:                  tag.Unmarshal(tb),
		VolDescSeqNum:        volDescSeqNum,
		PartitionFlags:       flags,
		PartitionNumber:      number,
		PartitionContents:    append([]byte(nil), raw[contentsStart:contentsEnd]...),
		PartitionHeader:      header,
		AccessType:           accessType,
		PartitionStartingLoc: startingLoc,
		PartitionLength:      length,
		ImplementationIdent:  append([]byte(nil), raw[implStart:implEnd]...),
	}, nil
}

// SBDHeaderSize is the fixed portion of a Space Bitmap Descriptor preceding
// its bitmap bytes (ECMA-167 4/14.12): tag(16) + numOfBits(4) + numOfBytes(4).
const SBDHeaderSize = tag.Size + 8

// SBD is ECMA-167 4/14.12's spaceBitmapDesc.
type SBD struct {
	Tag        tag.Tag
	NumOfBits  uint32
	NumOfBytes uint32
	Bitmap     []byte // bit set (1) means free
}

// UnmarshalSBD decodes an SBD from raw, which must already span the full
// variable-length descriptor (header plus NumOfBytes of bitmap).
func UnmarshalSBD(raw []byte) (SBD, error) {
	if len(raw) < SBDHeaderSize {
		return SBD{}, fmt.Errorf("descriptor: SBD buffer is %d bytes, want at least %d", len(raw), SBDHeaderSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	numBits := binary.LittleEndian.Uint32(raw[tag.Size : tag.Size+4])
	numBytes := binary.LittleEndian.Uint32(raw[tag.Size+4 : tag.Size+8])

	bitmapEnd := SBDHeaderSize + int(numBytes)
	if bitmapEnd > len(raw) {
		return SBD{}, fmt.Errorf("descriptor: SBD declares %d bitmap bytes, only %d available", numBytes, len(raw)-SBDHeaderSize)
	}

	return SBD{
		Tag:        tag.Unmarshal(tb),
		NumOfBits:  numBits,
		NumOfBytes: numBytes,
		Bitmap:     append([]byte(nil), raw[SBDHeaderSize:bitmapEnd]...),
	}, nil
}

// Marshal re-encodes the SBD. The tag checksum is recomputed (tag.Tag.Marshal
// always does so) but the descriptor CRC is not (callers must set
// Tag.DescriptorCRC themselves via the repair driver after mutating Bitmap).
func (s SBD) Marshal() []byte {
	out := make([]byte, SBDHeaderSize+len(s.Bitmap))
	tb := s.Tag.Marshal()
	copy(out[:tag.Size], tb[:])
	binary.LittleEndian.PutUint32(out[tag.Size:tag.Size+4], s.NumOfBits)
	binary.LittleEndian.PutUint32(out[tag.Size+4:tag.Size+8], s.NumOfBytes)
	copy(out[SBDHeaderSize:], s.Bitmap)
	return out
}

// SBDTotalSize returns the on-disk size of an SBD given its bitmap length.
func SBDTotalSize(numOfBytes uint32) int {
	return SBDHeaderSize + int(numOfBytes)
}

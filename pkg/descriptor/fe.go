package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/tag"
	"github.com/bgrewell/udf-fsck/pkg/timestamp"
)

// icbTagSize is ECMA-167 4/14.6's fixed 20-byte icbtag: prior recorded
// direct entries(4), strategy type(2), strategy parameter(2), max number
// of entries(2), reserved(1), file type(1), parent ICB location(6: block
// num + partition ref num), flags(2).
const icbTagSize = 20

// ICBTag is ECMA-167 4/14.6's icbtag.
type ICBTag struct {
	StrategyType        uint16
	FileType             uint8
	ParentICBBlockNum    uint32
	ParentICBPartRefNum  uint16
	Flags                uint16
}

// ADFlavour decodes the bottom 3 bits of Flags into the allocation
// descriptor encoding this ICB's extents use.
func (t ICBTag) ADFlavour() consts.ADFlavour {
	return consts.ADFlavour(t.Flags & 0x0007)
}

func unmarshalICBTag(buf []byte) (ICBTag, error) {
	if len(buf) < icbTagSize {
		return ICBTag{}, fmt.Errorf("descriptor: icbtag needs %d bytes, got %d", icbTagSize, len(buf))
	}
	return ICBTag{
		StrategyType:        binary.LittleEndian.Uint16(buf[4:6]),
		FileType:            buf[11],
		ParentICBBlockNum:   binary.LittleEndian.Uint32(buf[12:16]),
		ParentICBPartRefNum: binary.LittleEndian.Uint16(buf[16:18]),
		Flags:               binary.LittleEndian.Uint16(buf[18:20]),
	}, nil
}

// FileEntry is the common view this checker needs of either an FE (ECMA-167
// 4/14.9) or an EFE (ECMA-167 4/14.17); Extended reports which was parsed.
// Field offsets differ between the two formats (EFE inserts ObjectSize,
// CreationTime and a StreamDirectoryICB), so UnmarshalFE/UnmarshalEFE each
// compute their own layout and populate this shared struct.
type FileEntry struct {
	Tag                 tag.Tag
	ICBTag              ICBTag
	Extended            bool
	InformationLength   uint64
	LogicalBlocksRecorded uint64
	ModificationTime    timestamp.Timestamp
	CreationTime        timestamp.Timestamp
	ExtendedAttrICB     AllocDescriptor
	StreamDirectoryICB  AllocDescriptor
	UniqueID            uint64
	LengthOfExtAttrs    uint32
	LengthOfAllocDescs  uint32
	ExtendedAttrs       []byte
	AllocDescs          []byte // raw bytes; decode with the Extent Collector
}

// FileType classifications this checker distinguishes, ECMA-167 4/14.6.6.
const (
	FileTypeRegular   = consts.ICBFileTypeRegular
	FileTypeDirectory = consts.ICBFileTypeDirectory
	FileTypeSymlink   = consts.ICBFileTypeSymlink
	FileTypeStreamDir = consts.ICBFileTypeStreamDir
)

// IsDirectory reports whether this entry describes a directory or stream
// directory.
func (f FileEntry) IsDirectory() bool {
	return f.ICBTag.FileType == FileTypeDirectory || f.ICBTag.FileType == FileTypeStreamDir
}

// feFixedHeaderSize is tag(16) + icbtag(20) + uid(4) + gid(4) +
// permissions(4) + fileLinkCount(2) + recordFormat(1) +
// recordDisplayAttributes(1) + recordLength(4) + informationLength(8) +
// logicalBlocksRecorded(8) + accessTime(12) + modificationTime(12) +
// attributeTime(12) + checkpoint(4) + extendedAttrICB(16) +
// implementationIdent(32) + uniqueID(8) + lengthOfExtendedAttrs(4) +
// lengthOfAllocDescs(4), ECMA-167 4/14.9.
const feFixedHeaderSize = 16 + icbTagSize + 4 + 4 + 4 + 2 + 1 + 1 + 4 + 8 + 8 + 12 + 12 + 12 + 4 + 16 + 32 + 8 + 4 + 4

// UnmarshalFE decodes a File Entry.
func UnmarshalFE(raw []byte) (FileEntry, error) {
	if len(raw) < feFixedHeaderSize {
		return FileEntry{}, fmt.Errorf("descriptor: FE buffer is %d bytes, want at least %d", len(raw), feFixedHeaderSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	icbTag, err := unmarshalICBTag(raw[tag.Size : tag.Size+icbTagSize])
	if err != nil {
		return FileEntry{}, err
	}

	off := tag.Size + icbTagSize
	off += 4 + 4 + 4 + 2 + 1 + 1 + 4 // uid, gid, permissions, linkCount, recordFormat, recordDisplayAttr, recordLength

	infoLength := binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8
	blocksRecorded := binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8

	off += timestamp.Size // accessTime

	var modTsb [timestamp.Size]byte
	copy(modTsb[:], raw[off:off+timestamp.Size])
	modTime := timestamp.Unmarshal(modTsb)
	off += timestamp.Size

	off += timestamp.Size // attributeTime
	off += 4              // checkpoint

	extAttrICB, _, err := UnmarshalAllocDescriptor(raw[off:off+consts.LongADSize], consts.ADLong)
	if err != nil {
		return FileEntry{}, fmt.Errorf("descriptor: FE extended attr ICB: %w", err)
	}
	off += consts.LongADSize

	off += 32 // implementationIdent

	uniqueID := binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8

	lengthExtAttrs := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	lengthAllocDescs := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	if off != feFixedHeaderSize {
		return FileEntry{}, fmt.Errorf("descriptor: FE fixed-header offset arithmetic drifted (got %d want %d)", off, feFixedHeaderSize)
	}

	return readTail(raw, off, lengthExtAttrs, lengthAllocDescs, FileEntry{
		Tag:                   tag.Unmarshal(tb),
		ICBTag:                icbTag,
		InformationLength:     infoLength,
		LogicalBlocksRecorded: blocksRecorded,
		ModificationTime:      modTime,
		ExtendedAttrICB:       extAttrICB,
		UniqueID:              uniqueID,
		LengthOfExtAttrs:      lengthExtAttrs,
		LengthOfAllocDescs:    lengthAllocDescs,
	})
}

// efeFixedHeaderSize is tag(16) + icbtag(20) + uid(4) + gid(4) +
// permissions(4) + fileLinkCount(2) + recordFormat(1) +
// recordDisplayAttributes(1) + recordLength(4) + informationLength(8) +
// objectSize(8) + logicalBlocksRecorded(8) + accessTime(12) +
// modificationTime(12) + creationTime(12) + attributeTime(12) +
// checkpoint(4) + reserved(4) + extendedAttrICB(16) +
// streamDirectoryICB(16) + implementationIdent(32) + uniqueID(8) +
// lengthOfExtendedAttrs(4) + lengthOfAllocDescs(4), ECMA-167 4/14.17.
const efeFixedHeaderSize = 16 + icbTagSize + 4 + 4 + 4 + 2 + 1 + 1 + 4 + 8 + 8 + 8 + 12 + 12 + 12 + 12 + 4 + 4 + 16 + 16 + 32 + 8 + 4 + 4

// UnmarshalEFE decodes an Extended File Entry.
func UnmarshalEFE(raw []byte) (FileEntry, error) {
	if len(raw) < efeFixedHeaderSize {
		return FileEntry{}, fmt.Errorf("descriptor: EFE buffer is %d bytes, want at least %d", len(raw), efeFixedHeaderSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	icbTag, err := unmarshalICBTag(raw[tag.Size : tag.Size+icbTagSize])
	if err != nil {
		return FileEntry{}, err
	}

	off := tag.Size + icbTagSize
	off += 4 + 4 + 4 + 2 + 1 + 1 + 4 // uid, gid, permissions, linkCount, recordFormat, recordDisplayAttr, recordLength

	infoLength := binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8
	off += 8 // objectSize
	blocksRecorded := binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8

	off += timestamp.Size // accessTime

	var modTsb [timestamp.Size]byte
	copy(modTsb[:], raw[off:off+timestamp.Size])
	modTime := timestamp.Unmarshal(modTsb)
	off += timestamp.Size

	var creTsb [timestamp.Size]byte
	copy(creTsb[:], raw[off:off+timestamp.Size])
	creTime := timestamp.Unmarshal(creTsb)
	off += timestamp.Size

	off += timestamp.Size // attributeTime
	off += 4              // checkpoint
	off += 4              // reserved

	extAttrICB, _, err := UnmarshalAllocDescriptor(raw[off:off+consts.LongADSize], consts.ADLong)
	if err != nil {
		return FileEntry{}, fmt.Errorf("descriptor: EFE extended attr ICB: %w", err)
	}
	off += consts.LongADSize

	streamDirICB, _, err := UnmarshalAllocDescriptor(raw[off:off+consts.LongADSize], consts.ADLong)
	if err != nil {
		return FileEntry{}, fmt.Errorf("descriptor: EFE stream directory ICB: %w", err)
	}
	off += consts.LongADSize

	off += 32 // implementationIdent

	uniqueID := binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8

	lengthExtAttrs := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	lengthAllocDescs := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	if off != efeFixedHeaderSize {
		return FileEntry{}, fmt.Errorf("descriptor: EFE fixed-header offset arithmetic drifted (got %d want %d)", off, efeFixedHeaderSize)
	}

	return readTail(raw, off, lengthExtAttrs, lengthAllocDescs, FileEntry{
		Tag:                   tag.Unmarshal(tb),
		ICBTag:                icbTag,
		Extended:              true,
		InformationLength:     infoLength,
		LogicalBlocksRecorded: blocksRecorded,
		ModificationTime:      modTime,
		CreationTime:          creTime,
		ExtendedAttrICB:       extAttrICB,
		StreamDirectoryICB:    streamDirICB,
		UniqueID:              uniqueID,
		LengthOfExtAttrs:      lengthExtAttrs,
		LengthOfAllocDescs:    lengthAllocDescs,
	})
}

// Marshal re-encodes f into its on-disk FE or EFE form (selected by
// f.Extended). The tag checksum is recomputed (tag.Tag.Marshal always does
// so) but the descriptor CRC is not; callers performing a repair
// (LVID-driven unique-ID fixups, spec 4.12) must recompute the CRC via the
// tag package after mutating fields. LengthOfExtAttrs/LengthOfAllocDescs are
// derived from the current ExtendedAttrs/AllocDescs slices rather than
// trusting stale stored values.
func (f FileEntry) Marshal() []byte {
	f.LengthOfExtAttrs = uint32(len(f.ExtendedAttrs))
	f.LengthOfAllocDescs = uint32(len(f.AllocDescs))

	var header int
	if f.Extended {
		header = efeFixedHeaderSize
	} else {
		header = feFixedHeaderSize
	}

	out := make([]byte, header+len(f.ExtendedAttrs)+len(f.AllocDescs))
	tb := f.Tag.Marshal()
	copy(out[:tag.Size], tb[:])

	putICBTag(out[tag.Size:tag.Size+icbTagSize], f.ICBTag)

	off := tag.Size + icbTagSize
	off += 4 + 4 + 4 + 2 + 1 + 1 + 4 // uid, gid, permissions, linkCount, recordFormat, recordDisplayAttr, recordLength

	binary.LittleEndian.PutUint64(out[off:off+8], f.InformationLength)
	off += 8

	if f.Extended {
		off += 8 // objectSize, not tracked separately from InformationLength
	}

	binary.LittleEndian.PutUint64(out[off:off+8], f.LogicalBlocksRecorded)
	off += 8

	off += timestamp.Size // accessTime

	modTb := f.ModificationTime.Marshal()
	copy(out[off:off+timestamp.Size], modTb[:])
	off += timestamp.Size

	if f.Extended {
		creTb := f.CreationTime.Marshal()
		copy(out[off:off+timestamp.Size], creTb[:])
		off += timestamp.Size
	}

	off += timestamp.Size // attributeTime
	off += 4              // checkpoint
	if f.Extended {
		off += 4 // reserved
	}

	extAttrICBBytes, _ := MarshalAllocDescriptor(f.ExtendedAttrICB, consts.ADLong)
	copy(out[off:off+consts.LongADSize], extAttrICBBytes)
	off += consts.LongADSize

	if f.Extended {
		streamDirICBBytes, _ := MarshalAllocDescriptor(f.StreamDirectoryICB, consts.ADLong)
		copy(out[off:off+consts.LongADSize], streamDirICBBytes)
		off += consts.LongADSize
	}

	off += 32 // implementationIdent

	binary.LittleEndian.PutUint64(out[off:off+8], f.UniqueID)
	off += 8

	binary.LittleEndian.PutUint32(out[off:off+4], f.LengthOfExtAttrs)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], f.LengthOfAllocDescs)
	off += 4

	copy(out[off:], f.ExtendedAttrs)
	off += len(f.ExtendedAttrs)
	copy(out[off:], f.AllocDescs)

	return out
}

// putICBTag encodes an ICBTag into buf, which must be icbTagSize bytes.
// Fields this checker does not track (prior recorded direct entries,
// strategy parameter, max number of entries) are left zero.
func putICBTag(buf []byte, t ICBTag) {
	binary.LittleEndian.PutUint16(buf[4:6], t.StrategyType)
	buf[11] = t.FileType
	binary.LittleEndian.PutUint32(buf[12:16], t.ParentICBBlockNum)
	binary.LittleEndian.PutUint16(buf[16:18], t.ParentICBPartRefNum)
	binary.LittleEndian.PutUint16(buf[18:20], t.Flags)
}

func readTail(raw []byte, off int, lengthExtAttrs, lengthAllocDescs uint32, f FileEntry) (FileEntry, error) {
	extAttrsEnd := off + int(lengthExtAttrs)
	allocDescsEnd := extAttrsEnd + int(lengthAllocDescs)
	if allocDescsEnd > len(raw) {
		return FileEntry{}, fmt.Errorf("descriptor: FE/EFE declares %d EA + %d AD bytes, only %d available", lengthExtAttrs, lengthAllocDescs, len(raw)-off)
	}
	f.ExtendedAttrs = append([]byte(nil), raw[off:extAttrsEnd]...)
	f.AllocDescs = append([]byte(nil), raw[extAttrsEnd:allocDescsEnd]...)
	return f, nil
}

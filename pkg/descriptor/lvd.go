package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// lvdDstringIdentSize is the fixed width of LVD's logical volume identifier
// dstring (ECMA-167 3/10.6).
const lvdDstringIdentSize = 128

// lvdPartitionMapsOffset is the byte offset of LVD's variable partition-map
// table, after all fixed-width fields: tag(16) + volDescSeqNum(4) +
// descCharSet(64) + logicalVolIdent(128) + logicalBlockSize(4) +
// domainIdent(32) + logicalVolContentsUse(16) + mapTableLength(4) +
// numPartitionMaps(4) + implementationIdent(32) + implementationUse(128) +
// integritySeqExtent(8).
const lvdPartitionMapsOffset = tag.Size + 4 + 64 + 128 + 4 + 32 + 16 + 4 + 4 + 32 + 128 + 8

// LVD is ECMA-167 3/10.6's logicalVolDesc.
type LVD struct {
	Tag                   tag.Tag
	VolDescSeqNum         uint32
	LogicalVolIdent       []byte // raw dstring, lvdDstringIdentSize bytes
	LogicalBlockSize      uint32
	DomainIdent           []byte // 32-byte regid, raw
	ContentsUse           [16]byte // holds a long_ad pointing at the FSD
	MapTableLength        uint32
	NumPartitionMaps      uint32
	ImplementationIdent   []byte // 32-byte regid, raw
	IntegritySeqExtent    Extent
	PartitionMaps         []byte // raw bytes, MapTableLength long
}

// FSDExtent decodes the 16-byte long allocation descriptor embedded in
// ContentsUse, which points at the File Set Descriptor (spec 4.8).
func (l LVD) FSDExtent() (AllocDescriptor, error) {
	ad, _, err := UnmarshalAllocDescriptor(l.ContentsUse[:], consts.ADLong)
	return ad, err
}

// UnmarshalLVD decodes an LVD from raw, which must already span the full
// variable-length descriptor (fixed header plus MapTableLength bytes of
// partition maps), as assembled by the VDS Loader's two-window re-map.
func UnmarshalLVD(raw []byte) (LVD, error) {
	if len(raw) < lvdPartitionMapsOffset {
		return LVD{}, fmt.Errorf("descriptor: LVD buffer is %d bytes, want at least %d", len(raw), lvdPartitionMapsOffset)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	off := tag.Size
	volDescSeqNum := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4 + 64 // skip descCharSet

	identStart := off
	identEnd := identStart + lvdDstringIdentSize
	off = identEnd

	blockSize := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	domainIdentStart := off
	domainIdentEnd := domainIdentStart + 32
	off = domainIdentEnd

	var contentsUse [16]byte
	copy(contentsUse[:], raw[off:off+16])
	off += 16

	mapTableLength := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	numPartitionMaps := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	implIdentStart := off
	implIdentEnd := implIdentStart + 32
	off = implIdentEnd

	off += 128 // skip implementationUse

	var integrityExt [ExtentSize]byte
	copy(integrityExt[:], raw[off:off+ExtentSize])
	off += ExtentSize

	if off != lvdPartitionMapsOffset {
		return LVD{}, fmt.Errorf("descriptor: LVD fixed-header offset arithmetic drifted (got %d want %d)", off, lvdPartitionMapsOffset)
	}

	mapsEnd := off + int(mapTableLength)
	if mapsEnd > len(raw) {
		return LVD{}, fmt.Errorf("descriptor: LVD declares %d bytes of partition maps, only %d available", mapTableLength, len(raw)-off)
	}

	return LVD{
		Tag:                 tag.Unmarshal(tb),
		VolDescSeqNum:       volDescSeqNum,
		LogicalVolIdent:     append([]byte(nil), raw[identStart:identEnd]...),
		LogicalBlockSize:    blockSize,
		DomainIdent:         append([]byte(nil), raw[domainIdentStart:domainIdentEnd]...),
		ContentsUse:         contentsUse,
		MapTableLength:      mapTableLength,
		NumPartitionMaps:    numPartitionMaps,
		ImplementationIdent: append([]byte(nil), raw[implIdentStart:implIdentEnd]...),
		IntegritySeqExtent:  UnmarshalExtent(integrityExt),
		PartitionMaps:       append([]byte(nil), raw[off:mapsEnd]...),
	}, nil
}

// LVDTotalSize returns the full variable-length size of an LVD on disk,
// given its map table length, so the VDS Loader can compute how many
// sectors to re-map and how far to advance.
func LVDTotalSize(mapTableLength uint32) int {
	return lvdPartitionMapsOffset + int(mapTableLength)
}

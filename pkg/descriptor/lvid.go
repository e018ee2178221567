package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/timestamp"
)

// lvidFixedHeaderSize covers tag(16) + recordingDateAndTime(12) +
// integrityType(4) + nextIntegrityExtent(8) + logicalVolumeContentsUse(32)
// + numOfPartitions(4) + lengthOfImplUse(4), per ECMA-167 3/10.10.
const lvidFixedHeaderSize = 16 + 12 + 4 + 8 + 32 + 4 + 4

// lvidContentsUseOffset is where the 32-byte logicalVolumeContentsUse
// region starts; its first 8 bytes hold the 64-bit next-unique-ID counter
// (UDF 2.3.5.1).
const lvidContentsUseOffset = 16 + 12 + 4 + 8

// LVID is ECMA-167 3/10.10's logicalVolIntegrityDesc, trimmed to the
// counters spec 4.6 and the Accounting Engine (spec 4.13) need.
type LVID struct {
	TagRaw              [16]byte // kept raw; pkg/tag operates on this directly
	RecordingTime       timestamp.Timestamp
	IntegrityType        uint32
	NextIntegrityExtent  Extent
	NextUniqueID         uint64
	NumOfPartitions      uint32
	LengthOfImplUse      uint32
	FreeSpaceTable       []uint32
	SizeTable            []uint32
	ImplIdent            []byte // 32-byte regid, raw
	NumFiles             uint32
	NumDirs              uint32
	MinUDFReadRevision   uint16
	MinUDFWriteRevision  uint16
	MaxUDFWriteRevision  uint16
}

// implUseHeaderSize is impIdent(32) + numFiles(4) + numDirs(4) +
// minUDFReadRev(2) + minUDFWriteRev(2) + maxUDFWriteRev(2), the fixed
// prefix of LVID's implementation-use trailer (UDF 2.2.6.4).
const implUseHeaderSize = 32 + 4 + 4 + 2 + 2 + 2

// UnmarshalLVID decodes an LVID from raw, which must already span the full
// variable-length descriptor: fixed header, then NumOfPartitions
// free-space-table entries, then NumOfPartitions size-table entries, then
// LengthOfImplUse bytes of implementation use.
func UnmarshalLVID(raw []byte) (LVID, error) {
	if len(raw) < lvidFixedHeaderSize {
		return LVID{}, fmt.Errorf("descriptor: LVID buffer is %d bytes, want at least %d", len(raw), lvidFixedHeaderSize)
	}

	var tb [16]byte
	copy(tb[:], raw[:16])

	var tsb [timestamp.Size]byte
	copy(tsb[:], raw[16:16+timestamp.Size])
	recTime := timestamp.Unmarshal(tsb)

	off := 16 + timestamp.Size
	integrityType := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	var eb [ExtentSize]byte
	copy(eb[:], raw[off:off+ExtentSize])
	nextExt := UnmarshalExtent(eb)
	off += ExtentSize

	nextUniqueID := binary.LittleEndian.Uint64(raw[off : off+8])
	off += 32 // logicalVolumeContentsUse is 32 bytes total

	numPartitions := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	lengthOfImplUse := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	if off != lvidFixedHeaderSize {
		return LVID{}, fmt.Errorf("descriptor: LVID fixed-header offset arithmetic drifted (got %d want %d)", off, lvidFixedHeaderSize)
	}

	freeTableEnd := off + int(numPartitions)*4
	sizeTableEnd := freeTableEnd + int(numPartitions)*4
	implUseEnd := sizeTableEnd + int(lengthOfImplUse)
	if implUseEnd > len(raw) {
		return LVID{}, fmt.Errorf("descriptor: LVID declares %d partitions and %d impl-use bytes, only %d available", numPartitions, lengthOfImplUse, len(raw)-off)
	}

	freeTable := make([]uint32, numPartitions)
	for i := range freeTable {
		freeTable[i] = binary.LittleEndian.Uint32(raw[off+i*4 : off+i*4+4])
	}
	sizeTable := make([]uint32, numPartitions)
	for i := range sizeTable {
		sizeTable[i] = binary.LittleEndian.Uint32(raw[freeTableEnd+i*4 : freeTableEnd+i*4+4])
	}

	lvid := LVID{
		TagRaw:              tb,
		RecordingTime:       recTime,
		IntegrityType:       integrityType,
		NextIntegrityExtent: nextExt,
		NextUniqueID:        nextUniqueID,
		NumOfPartitions:     numPartitions,
		LengthOfImplUse:     lengthOfImplUse,
		FreeSpaceTable:      freeTable,
		SizeTable:           sizeTable,
	}

	if lengthOfImplUse >= implUseHeaderSize {
		implUse := raw[sizeTableEnd:implUseEnd]
		lvid.ImplIdent = append([]byte(nil), implUse[:32]...)
		lvid.NumFiles = binary.LittleEndian.Uint32(implUse[32:36])
		lvid.NumDirs = binary.LittleEndian.Uint32(implUse[36:40])
		lvid.MinUDFReadRevision = binary.LittleEndian.Uint16(implUse[40:42])
		lvid.MinUDFWriteRevision = binary.LittleEndian.Uint16(implUse[42:44])
		lvid.MaxUDFWriteRevision = binary.LittleEndian.Uint16(implUse[44:46])
	}

	return lvid, nil
}

// Marshal re-encodes the LVID. Counters and impl-use fields reflect the
// struct's current in-memory values; callers performing a repair must
// recompute Tag checksum/CRC afterward via the tag package.
func (l LVID) Marshal() []byte {
	total := lvidFixedHeaderSize + len(l.FreeSpaceTable)*4 + len(l.SizeTable)*4 + int(l.LengthOfImplUse)
	out := make([]byte, total)
	copy(out[:16], l.TagRaw[:])

	tsb := l.RecordingTime.Marshal()
	copy(out[16:16+timestamp.Size], tsb[:])

	off := 16 + timestamp.Size
	binary.LittleEndian.PutUint32(out[off:off+4], l.IntegrityType)
	off += 4
	eb := l.NextIntegrityExtent.Marshal()
	copy(out[off:off+ExtentSize], eb[:])
	off += ExtentSize
	binary.LittleEndian.PutUint64(out[off:off+8], l.NextUniqueID)
	off += 32

	binary.LittleEndian.PutUint32(out[off:off+4], l.NumOfPartitions)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], l.LengthOfImplUse)
	off += 4

	for i, v := range l.FreeSpaceTable {
		binary.LittleEndian.PutUint32(out[off+i*4:off+i*4+4], v)
	}
	off += len(l.FreeSpaceTable) * 4
	for i, v := range l.SizeTable {
		binary.LittleEndian.PutUint32(out[off+i*4:off+i*4+4], v)
	}
	off += len(l.SizeTable) * 4

	if l.LengthOfImplUse >= implUseHeaderSize {
		copy(out[off:off+32], l.ImplIdent)
		binary.LittleEndian.PutUint32(out[off+32:off+36], l.NumFiles)
		binary.LittleEndian.PutUint32(out[off+36:off+40], l.NumDirs)
		binary.LittleEndian.PutUint16(out[off+40:off+42], l.MinUDFReadRevision)
		binary.LittleEndian.PutUint16(out[off+42:off+44], l.MinUDFWriteRevision)
		binary.LittleEndian.PutUint16(out[off+44:off+46], l.MaxUDFWriteRevision)
	}

	return out
}

// LVIDTotalSize returns the on-disk size of an LVID given its partition
// count and impl-use length.
func LVIDTotalSize(numPartitions uint32, lengthOfImplUse uint32) int {
	return lvidFixedHeaderSize + int(numPartitions)*4*2 + int(lengthOfImplUse)
}

package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/tag"
	"github.com/bgrewell/udf-fsck/pkg/timestamp"
)

// FSDSize is the fixed on-disk size of a File Set Descriptor (ECMA-167
// 4/14.1): one full sector.
const FSDSize = 512

const (
	fsdLogicalVolIdentSize = 128
	fsdFileSetIdentSize    = 32
	fsdCopyrightIdentSize  = 32
	fsdAbstractIdentSize   = 32
)

// FSD is ECMA-167 4/14.1's fileSetDesc, trimmed to the fields spec 4.8
// names: the two dstring identifiers, the domain identifier (whose suffix
// carries the minimum UDF revision), and the root/stream-directory ICBs.
type FSD struct {
	Tag                 tag.Tag
	RecordingTime       timestamp.Timestamp
	FileSetNum          uint32
	FileSetDescNum      uint32
	LogicalVolIdent     []byte // raw dstring, fsdLogicalVolIdentSize bytes
	FileSetIdent        []byte // raw dstring, fsdFileSetIdentSize bytes
	CopyrightFileIdent  []byte // raw dstring, fsdCopyrightIdentSize bytes
	AbstractFileIdent   []byte // raw dstring, fsdAbstractIdentSize bytes
	RootDirectoryICB    AllocDescriptor
	DomainIdent         []byte // 32-byte regid, raw
	StreamDirectoryICB  AllocDescriptor
}

// UnmarshalFSD decodes a full-sector FSD buffer.
func UnmarshalFSD(raw []byte) (FSD, error) {
	if len(raw) < FSDSize {
		return FSD{}, fmt.Errorf("descriptor: FSD buffer is %d bytes, want %d", len(raw), FSDSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	off := tag.Size
	var tsb [timestamp.Size]byte
	copy(tsb[:], raw[off:off+timestamp.Size])
	recTime := timestamp.Unmarshal(tsb)
	off += timestamp.Size

	off += 2 + 2 + 4 + 4 // interchangeLevel, maxInterchangeLevel, charSetList, maxCharSetList

	fileSetNum := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	fileSetDescNum := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4

	off += 64 // logicalVolIdentCharSet

	logicalVolIdentStart := off
	logicalVolIdentEnd := logicalVolIdentStart + fsdLogicalVolIdentSize
	off = logicalVolIdentEnd

	off += 64 // fileSetCharSet

	fileSetIdentStart := off
	fileSetIdentEnd := fileSetIdentStart + fsdFileSetIdentSize
	off = fileSetIdentEnd

	copyrightStart := off
	copyrightEnd := copyrightStart + fsdCopyrightIdentSize
	off = copyrightEnd

	abstractStart := off
	abstractEnd := abstractStart + fsdAbstractIdentSize
	off = abstractEnd

	rootICB, _, err := UnmarshalAllocDescriptor(raw[off:off+consts.LongADSize], consts.ADLong)
	if err != nil {
		return FSD{}, fmt.Errorf("descriptor: FSD root ICB: %w", err)
	}
	off += consts.LongADSize

	domainIdentStart := off
	domainIdentEnd := domainIdentStart + 32
	off = domainIdentEnd

	off += consts.LongADSize // nextExt, unused by this checker

	streamICB, _, err := UnmarshalAllocDescriptor(raw[off:off+consts.LongADSize], consts.ADLong)
	if err != nil {
		return FSD{}, fmt.Errorf("descriptor: FSD stream ICB: %w", err)
	}

	return FSD{
		Tag:                tag.Unmarshal(tb),
		RecordingTime:      recTime,
		FileSetNum:         fileSetNum,
		FileSetDescNum:     fileSetDescNum,
		LogicalVolIdent:    append([]byte(nil), raw[logicalVolIdentStart:logicalVolIdentEnd]...),
		FileSetIdent:       append([]byte(nil), raw[fileSetIdentStart:fileSetIdentEnd]...),
		CopyrightFileIdent: append([]byte(nil), raw[copyrightStart:copyrightEnd]...),
		AbstractFileIdent:  append([]byte(nil), raw[abstractStart:abstractEnd]...),
		RootDirectoryICB:   rootICB,
		DomainIdent:        append([]byte(nil), raw[domainIdentStart:domainIdentEnd]...),
		StreamDirectoryICB: streamICB,
	}, nil
}

// HasStreamDirectory reports whether the FSD names a non-empty stream
// directory ICB.
func (f FSD) HasStreamDirectory() bool {
	return f.StreamDirectoryICB.Length > 0
}

// MinUDFRevisionFromDomainIdent extracts the minimum UDF revision encoded
// in the domain identifier's suffix (the bytes following the fixed
// "*OSTA UDF Compliant" prefix, UDF 2.1.5.2), or 0 if the suffix is absent
// or malformed.
func MinUDFRevisionFromDomainIdent(domainIdent []byte) uint16 {
	const suffixOffset = 24 // offset of the 2-byte revision suffix within the 32-byte regid
	if len(domainIdent) < suffixOffset+2 {
		return 0
	}
	return binary.LittleEndian.Uint16(domainIdent[suffixOffset : suffixOffset+2])
}

package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// fidFixedHeaderSize is ECMA-167 4/14.4's fixed prefix before the variable
// implementation-use and file-identifier bytes: tag(16) +
// fileVersionNumber(2) + fileCharacteristics(1) + lengthOfFileIdent(1) +
// ICB(16) + lengthOfImplUse(2).
const fidFixedHeaderSize = tag.Size + 2 + 1 + 1 + consts.LongADSize + 2

// FID is ECMA-167 4/14.4's fileIdentDesc.
type FID struct {
	Tag                 tag.Tag
	FileVersionNum      uint16
	FileCharacteristics uint8
	LengthOfFileIdent   uint8
	ICB                 AllocDescriptor
	LengthOfImplUse     uint16
	ImplUse             []byte
	FileIdent           []byte // raw dstring-like bytes, LengthOfFileIdent long
}

// TotalLength is the unpadded on-disk size of the FID: 38 +
// lengthOfImplUse + lengthFileIdent (spec 4.11).
func (f FID) TotalLength() int {
	return fidFixedHeaderSize + int(f.LengthOfImplUse) + int(f.LengthOfFileIdent)
}

// PaddedLength rounds TotalLength up to the next 4-byte boundary, per
// ECMA-167 4/14.4's padding requirement.
func (f FID) PaddedLength() int {
	total := f.TotalLength()
	if rem := total % 4; rem != 0 {
		total += 4 - rem
	}
	return total
}

// IsDeleted reports whether the FID's DELETED characteristic bit is set.
func (f FID) IsDeleted() bool {
	return f.FileCharacteristics&consts.FIDDeleted != 0
}

// IsParent reports whether this FID is the ".." parent-directory entry.
func (f FID) IsParent() bool {
	return f.FileCharacteristics&consts.FIDParent != 0
}

// IsDirectory reports whether this FID names a directory.
func (f FID) IsDirectory() bool {
	return f.FileCharacteristics&consts.FIDDirectory != 0
}

// UnmarshalFID decodes one FID starting at offset 0 of buf, returning the
// decoded descriptor and the number of bytes consumed including 4-byte
// padding (so the Directory Walker can advance to the next entry).
func UnmarshalFID(buf []byte) (FID, int, error) {
	if len(buf) < fidFixedHeaderSize {
		return FID{}, 0, fmt.Errorf("descriptor: FID buffer is %d bytes, want at least %d", len(buf), fidFixedHeaderSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], buf[:tag.Size])

	off := tag.Size
	versionNum := binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	characteristics := buf[off]
	off++
	lengthFileIdent := buf[off]
	off++

	icb, _, err := UnmarshalAllocDescriptor(buf[off:off+consts.LongADSize], consts.ADLong)
	if err != nil {
		return FID{}, 0, fmt.Errorf("descriptor: FID ICB: %w", err)
	}
	off += consts.LongADSize

	lengthImplUse := binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2

	f := FID{
		Tag:                 tag.Unmarshal(tb),
		FileVersionNum:      versionNum,
		FileCharacteristics: characteristics,
		LengthOfFileIdent:   lengthFileIdent,
		ICB:                 icb,
		LengthOfImplUse:     lengthImplUse,
	}

	implEnd := off + int(lengthImplUse)
	identEnd := implEnd + int(lengthFileIdent)
	if identEnd > len(buf) {
		return FID{}, 0, fmt.Errorf("descriptor: FID declares %d impl-use + %d ident bytes, only %d available", lengthImplUse, lengthFileIdent, len(buf)-off)
	}
	f.ImplUse = append([]byte(nil), buf[off:implEnd]...)
	f.FileIdent = append([]byte(nil), buf[implEnd:identEnd]...)

	return f, f.PaddedLength(), nil
}

// UniqueID extracts the 32-bit unique ID UDF 2.3.4.3 places at the start of
// a non-parent FID's implementation-use bytes (the "implementation use"
// region for UDF carries a 4-byte unique-ID field after a 4-byte ident
// header when the client-side ID is present). Returns 0 if ImplUse is too
// short to carry one.
func (f FID) UniqueID() uint32 {
	const uniqueIDOffset = 4
	if len(f.ImplUse) < uniqueIDOffset+4 {
		return 0
	}
	return binary.LittleEndian.Uint32(f.ImplUse[uniqueIDOffset : uniqueIDOffset+4])
}

// Marshal re-encodes the FID. The tag checksum is recomputed (tag.Tag.Marshal
// always does so) but the descriptor CRC is not; callers performing a repair
// must recompute the CRC via the tag package after mutating fields.
func (f FID) Marshal() []byte {
	out := make([]byte, f.PaddedLength())
	tb := f.Tag.Marshal()
	copy(out[:tag.Size], tb[:])

	off := tag.Size
	binary.LittleEndian.PutUint16(out[off:off+2], f.FileVersionNum)
	off += 2
	out[off] = f.FileCharacteristics
	off++
	out[off] = f.LengthOfFileIdent
	off++

	icbBytes, _ := MarshalAllocDescriptor(f.ICB, consts.ADLong)
	copy(out[off:off+consts.LongADSize], icbBytes)
	off += consts.LongADSize

	binary.LittleEndian.PutUint16(out[off:off+2], f.LengthOfImplUse)
	off += 2

	copy(out[off:off+len(f.ImplUse)], f.ImplUse)
	off += len(f.ImplUse)
	copy(out[off:off+len(f.FileIdent)], f.FileIdent)

	return out
}

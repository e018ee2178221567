package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// PVDSize is the fixed on-disk size of a Primary Volume Descriptor
// (ECMA-167 3/10.1): one full sector's worth, tag plus fixed fields plus
// reserved padding.
const PVDSize = 512

// dstringVolIdentSize and dstringVolSetIdentSize are the fixed field widths
// ECMA-167 3/10.1 assigns the PVD's two dstring identifiers.
const (
	dstringVolIdentSize    = 32
	dstringVolSetIdentSize = 128
)

// PVD is ECMA-167 3/10.1's primaryVolDesc, trimmed to the fields this
// checker inspects: the volume and volume-set identifiers (dstring-
// validated per spec 4.14) and the sequence numbers used to detect a
// duplicate PVD within one VDS.
type PVD struct {
	Tag                 tag.Tag
	VolDescSeqNum       uint32
	PrimaryVolDescNum   uint32
	VolIdent            []byte // raw dstring, dstringVolIdentSize bytes
	VolSeqNum           uint16
	MaxVolSeqNum        uint16
	VolSetIdent         []byte // raw dstring, dstringVolSetIdentSize bytes
}

const pvdFixedOffsetVolIdent = tag.Size + 8

// UnmarshalPVD decodes a full-sector PVD buffer.
func UnmarshalPVD(raw []byte) (PVD, error) {
	if len(raw) < PVDSize {
		return PVD{}, fmt.Errorf("descriptor: PVD buffer is %d bytes, want %d", len(raw), PVDSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	volIdentStart := pvdFixedOffsetVolIdent
	volIdentEnd := volIdentStart + dstringVolIdentSize
	volSeqNumOffset := volIdentEnd
	volSetIdentStart := volSeqNumOffset + 4
	volSetIdentEnd := volSetIdentStart + dstringVolSetIdentSize

	return PVD{
		Tag:               tag.Unmarshal(tb),
		VolDescSeqNum:     binary.LittleEndian.Uint32(raw[tag.Size : tag.Size+4]),
		PrimaryVolDescNum: binary.LittleEndian.Uint32(raw[tag.Size+4 : tag.Size+8]),
		VolIdent:          append([]byte(nil), raw[volIdentStart:volIdentEnd]...),
		VolSeqNum:         binary.LittleEndian.Uint16(raw[volSeqNumOffset : volSeqNumOffset+2]),
		MaxVolSeqNum:      binary.LittleEndian.Uint16(raw[volSeqNumOffset+2 : volSeqNumOffset+4]),
		VolSetIdent:       append([]byte(nil), raw[volSetIdentStart:volSetIdentEnd]...),
	}, nil
}

// IUVDSize is the fixed on-disk size of an Implementation Use Volume
// Descriptor (ECMA-167 3/10.4).
const IUVDSize = 512

// IUVD is trimmed to what this checker needs: the implementation
// identifier, used only to confirm a slot is well-formed. The large
// implementation-use payload (logical volume info) is carried opaquely.
type IUVD struct {
	Tag                 tag.Tag
	VolDescSeqNum       uint32
	ImplementationIdent []byte // 32-byte regid, raw
	ImplementationUse   []byte // remainder of the descriptor, raw
}

const iuvdImplIdentSize = 32

// UnmarshalIUVD decodes a full-sector IUVD buffer.
func UnmarshalIUVD(raw []byte) (IUVD, error) {
	if len(raw) < IUVDSize {
		return IUVD{}, fmt.Errorf("descriptor: IUVD buffer is %d bytes, want %d", len(raw), IUVDSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	identStart := tag.Size + 4
	identEnd := identStart + iuvdImplIdentSize

	return IUVD{
		Tag:                 tag.Unmarshal(tb),
		VolDescSeqNum:       binary.LittleEndian.Uint32(raw[tag.Size : tag.Size+4]),
		ImplementationIdent: append([]byte(nil), raw[identStart:identEnd]...),
		ImplementationUse:   append([]byte(nil), raw[identEnd:IUVDSize]...),
	}, nil
}

// TDSize is the fixed on-disk size of a Terminating Descriptor (ECMA-167
// 3/10.9): just a tag followed by reserved padding to fill a sector.
const TDSize = 512

// TD is ECMA-167 3/10.9's terminatingDesc. Its presence, not its content,
// ends a Volume Descriptor Sequence.
type TD struct {
	Tag tag.Tag
}

// UnmarshalTD decodes a full-sector TD buffer.
func UnmarshalTD(raw []byte) (TD, error) {
	if len(raw) < TDSize {
		return TD{}, fmt.Errorf("descriptor: TD buffer is %d bytes, want %d", len(raw), TDSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])
	return TD{Tag: tag.Unmarshal(tb)}, nil
}

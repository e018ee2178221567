package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// AllocDescriptor is one decoded allocation descriptor regardless of its
// on-disk flavour (short_ad, long_ad, or ext_ad — ECMA-167 4/14.14.1,
// 4/14.14.2, 4/14.14.3). ExtentType is the top 2 bits of the length field
// (consts.Extent*); Length is the remaining 30-bit byte count.
type AllocDescriptor struct {
	ExtentType       uint8
	Length           uint32
	PartitionRefNum  uint16 // long_ad/ext_ad only; 0 for short_ad
	LogicalBlockNum  uint32
}

const lengthMask = 0x3FFFFFFF

// decodeLength splits a raw 32-bit extent-length field into its 2-bit type
// and 30-bit byte count.
func decodeLength(raw uint32) (extentType uint8, length uint32) {
	return uint8(raw >> 30), raw & lengthMask
}

// encodeLength packs a type and length back into the combined field.
func encodeLength(extentType uint8, length uint32) uint32 {
	return uint32(extentType)<<30 | (length & lengthMask)
}

// Terminal reports whether this descriptor's masked length is zero, which
// ECMA-167 §12 uses to terminate an allocation-descriptor list early.
func (a AllocDescriptor) Terminal() bool {
	return a.Length == 0
}

// UnmarshalAllocDescriptor decodes one allocation descriptor of the given
// flavour from the front of buf, returning it along with the flavour's
// on-disk size so the caller can advance past it.
func UnmarshalAllocDescriptor(buf []byte, flavour consts.ADFlavour) (AllocDescriptor, int, error) {
	switch flavour {
	case consts.ADShort:
		if len(buf) < consts.ShortADSize {
			return AllocDescriptor{}, 0, fmt.Errorf("descriptor: short AD needs %d bytes, got %d", consts.ShortADSize, len(buf))
		}
		raw := binary.LittleEndian.Uint32(buf[0:4])
		et, length := decodeLength(raw)
		return AllocDescriptor{
			ExtentType:      et,
			Length:          length,
			LogicalBlockNum: binary.LittleEndian.Uint32(buf[4:8]),
		}, consts.ShortADSize, nil

	case consts.ADLong:
		if len(buf) < consts.LongADSize {
			return AllocDescriptor{}, 0, fmt.Errorf("descriptor: long AD needs %d bytes, got %d", consts.LongADSize, len(buf))
		}
		raw := binary.LittleEndian.Uint32(buf[0:4])
		et, length := decodeLength(raw)
		return AllocDescriptor{
			ExtentType:      et,
			Length:          length,
			LogicalBlockNum: binary.LittleEndian.Uint32(buf[4:8]),
			PartitionRefNum: binary.LittleEndian.Uint16(buf[8:10]),
			// bytes [10:16] are implementation use, ignored here.
		}, consts.LongADSize, nil

	case consts.ADExtended:
		if len(buf) < consts.ExtendedADSize {
			return AllocDescriptor{}, 0, fmt.Errorf("descriptor: extended AD needs %d bytes, got %d", consts.ExtendedADSize, len(buf))
		}
		raw := binary.LittleEndian.Uint32(buf[0:4])
		et, length := decodeLength(raw)
		return AllocDescriptor{
			ExtentType:      et,
			Length:          length,
			LogicalBlockNum: binary.LittleEndian.Uint32(buf[8:12]),
			PartitionRefNum: binary.LittleEndian.Uint16(buf[12:14]),
			// bytes [4:8] recorded length, [14:20] implementation use, ignored.
		}, consts.ExtendedADSize, nil

	default:
		return AllocDescriptor{}, 0, fmt.Errorf("descriptor: AD_IN_ICB has no allocation descriptor to decode")
	}
}

// MarshalAllocDescriptor encodes a into its on-disk form for the given
// flavour.
func MarshalAllocDescriptor(a AllocDescriptor, flavour consts.ADFlavour) ([]byte, error) {
	switch flavour {
	case consts.ADShort:
		b := make([]byte, consts.ShortADSize)
		binary.LittleEndian.PutUint32(b[0:4], encodeLength(a.ExtentType, a.Length))
		binary.LittleEndian.PutUint32(b[4:8], a.LogicalBlockNum)
		return b, nil
	case consts.ADLong:
		b := make([]byte, consts.LongADSize)
		binary.LittleEndian.PutUint32(b[0:4], encodeLength(a.ExtentType, a.Length))
		binary.LittleEndian.PutUint32(b[4:8], a.LogicalBlockNum)
		binary.LittleEndian.PutUint16(b[8:10], a.PartitionRefNum)
		return b, nil
	case consts.ADExtended:
		b := make([]byte, consts.ExtendedADSize)
		binary.LittleEndian.PutUint32(b[0:4], encodeLength(a.ExtentType, a.Length))
		binary.LittleEndian.PutUint32(b[4:8], encodeLength(a.ExtentType, a.Length))
		binary.LittleEndian.PutUint32(b[8:12], a.LogicalBlockNum)
		binary.LittleEndian.PutUint16(b[12:14], a.PartitionRefNum)
		return b, nil
	default:
		return nil, fmt.Errorf("descriptor: cannot marshal AD_IN_ICB")
	}
}

// ADSize returns the on-disk byte size of one allocation descriptor of the
// given flavour.
func ADSize(flavour consts.ADFlavour) int {
	switch flavour {
	case consts.ADShort:
		return consts.ShortADSize
	case consts.ADLong:
		return consts.LongADSize
	case consts.ADExtended:
		return consts.ExtendedADSize
	default:
		return 0
	}
}

// AED is ECMA-167 4/14.5's Allocation Extent Descriptor: a tagged overflow
// block holding additional allocation descriptors, plus a length-of-
// allocation-descriptors field giving the valid byte span of its payload.
type AED struct {
	Tag                   tag.Tag
	LengthOfAllocDescs    uint32
	PreviousAllocExtLoc   uint32
	Payload               []byte // raw bytes of the AD array, length == LengthOfAllocDescs
}

// aedHeaderSize is the fixed portion preceding an AED's AD array: tag (16)
// + lengthOfAllocDescs (4) + previousAllocExtLocation (4).
const aedHeaderSize = tag.Size + 8

// UnmarshalAED decodes an AED from a full sector buffer. The tag itself is
// not validated here; callers run the same tag checks used throughout this
// package.
func UnmarshalAED(raw []byte) (AED, error) {
	if len(raw) < aedHeaderSize {
		return AED{}, fmt.Errorf("descriptor: AED buffer is %d bytes, want at least %d", len(raw), aedHeaderSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])
	t := tag.Unmarshal(tb)

	length := binary.LittleEndian.Uint32(raw[tag.Size : tag.Size+4])
	prevLoc := binary.LittleEndian.Uint32(raw[tag.Size+4 : tag.Size+8])

	payloadEnd := aedHeaderSize + int(length)
	if payloadEnd > len(raw) {
		return AED{}, fmt.Errorf("descriptor: AED declares %d bytes of allocation descriptors, only %d available", length, len(raw)-aedHeaderSize)
	}

	payload := make([]byte, length)
	copy(payload, raw[aedHeaderSize:payloadEnd])

	return AED{
		Tag:                 t,
		LengthOfAllocDescs:  length,
		PreviousAllocExtLoc: prevLoc,
		Payload:             payload,
	}, nil
}

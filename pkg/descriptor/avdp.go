package descriptor

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// AVDPSize is the full on-disk size of an Anchor Volume Descriptor Pointer:
// one sector's worth, tag plus two extents plus reserved padding, per
// ECMA-167 3/10.2.
const AVDPSize = 512

// avdpReservedOffset is the byte offset of the AVDP's reserved tail, used
// to recognize the non-compliant-but-tolerated short descCRCLength some
// writers emit (original checker's "shortenedDescSize").
const avdpReservedOffset = tag.Size + 2*ExtentSize

// AVDP is ECMA-167 3/10.2's anchorVolDescPtr.
type AVDP struct {
	Tag                  tag.Tag
	MainVolDescSeqExtent Extent
	ResVolDescSeqExtent  Extent
}

// UnmarshalAVDP decodes a full-sector AVDP buffer. It does not validate the
// tag; callers run tag.ChecksumOK/CRCOK/PositionOK/IdentOK explicitly so the
// Anchor Locator can report each failure mode distinctly.
func UnmarshalAVDP(raw []byte) (AVDP, error) {
	if len(raw) < AVDPSize {
		return AVDP{}, fmt.Errorf("descriptor: AVDP buffer is %d bytes, want %d", len(raw), AVDPSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	var mainB, resB [ExtentSize]byte
	copy(mainB[:], raw[tag.Size:tag.Size+ExtentSize])
	copy(resB[:], raw[tag.Size+ExtentSize:tag.Size+2*ExtentSize])

	return AVDP{
		Tag:                  tag.Unmarshal(tb),
		MainVolDescSeqExtent: UnmarshalExtent(mainB),
		ResVolDescSeqExtent:  UnmarshalExtent(resB),
	}, nil
}

// ShortDescCRCLengthCompliant reports whether declaredCRCLength matches the
// non-standard but widely-tolerated length some UDF writers emit, which
// covers the two extents but stops short of the AVDP's reserved region
// instead of continuing to the full sector (original checker's
// "shortenedDescSize" tolerance, UDF 2.1.6 note).
func ShortDescCRCLengthCompliant(declaredCRCLength uint16) bool {
	return int(declaredCRCLength) == avdpReservedOffset-tag.Size
}

// Marshal encodes the AVDP back into a full AVDPSize buffer, recomputing
// the tag's checksum but leaving DescriptorCRC/DescriptorCRCLength as set
// on a.Tag — callers performing a repair must set those explicitly from the
// freshly computed CRC of the encoded payload.
func (a AVDP) Marshal() [AVDPSize]byte {
	var b [AVDPSize]byte
	mainB := a.MainVolDescSeqExtent.Marshal()
	resB := a.ResVolDescSeqExtent.Marshal()
	copy(b[tag.Size:tag.Size+ExtentSize], mainB[:])
	copy(b[tag.Size+ExtentSize:tag.Size+2*ExtentSize], resB[:])
	tagBytes := a.Tag.Marshal()
	copy(b[:tag.Size], tagBytes[:])
	return b
}

package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// usdFixedHeaderSize is tag(16) + volDescSeqNum(4) + numAllocDescs(4).
const usdFixedHeaderSize = tag.Size + 8

// USD is ECMA-167 3/10.8's unallocatedSpaceDesc: a list of extents the
// volume as a whole considers free, independent of any partition's own
// space bitmap.
type USD struct {
	Tag              tag.Tag
	VolDescSeqNum    uint32
	NumAllocDescs    uint32
	AllocDescriptors []Extent
}

// UnmarshalUSD decodes a USD from raw, which must already span the full
// variable-length descriptor (header plus NumAllocDescs extent_ad entries).
func UnmarshalUSD(raw []byte) (USD, error) {
	if len(raw) < usdFixedHeaderSize {
		return USD{}, fmt.Errorf("descriptor: USD buffer is %d bytes, want at least %d", len(raw), usdFixedHeaderSize)
	}
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	volDescSeqNum := binary.LittleEndian.Uint32(raw[tag.Size : tag.Size+4])
	numAllocDescs := binary.LittleEndian.Uint32(raw[tag.Size+4 : tag.Size+8])

	end := usdFixedHeaderSize + int(numAllocDescs)*ExtentSize
	if end > len(raw) {
		return USD{}, fmt.Errorf("descriptor: USD declares %d alloc descriptors, only %d bytes available", numAllocDescs, len(raw)-usdFixedHeaderSize)
	}

	descs := make([]Extent, 0, numAllocDescs)
	for i := 0; i < int(numAllocDescs); i++ {
		var eb [ExtentSize]byte
		off := usdFixedHeaderSize + i*ExtentSize
		copy(eb[:], raw[off:off+ExtentSize])
		descs = append(descs, UnmarshalExtent(eb))
	}

	return USD{
		Tag:              tag.Unmarshal(tb),
		VolDescSeqNum:    volDescSeqNum,
		NumAllocDescs:    numAllocDescs,
		AllocDescriptors: descs,
	}, nil
}

// USDTotalSize returns the on-disk size of a USD given its alloc-descriptor
// count, so the VDS Loader can compute how many sectors to re-map.
func USDTotalSize(numAllocDescs uint32) int {
	return usdFixedHeaderSize + int(numAllocDescs)*ExtentSize
}

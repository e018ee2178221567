// Package descriptor holds the Go representations of every ECMA-167 volume
// and file-structure descriptor this checker reads and writes: the Anchor
// Volume Descriptor Pointer, the Volume Descriptor Sequence members
// (Primary/Logical/Partition/Unallocated Space/Implementation Use/
// Terminating), the Logical Volume Integrity Descriptor, and the File Set,
// File/Extended File Entry and File Identifier Descriptors used while
// walking a volume's directory tree. The teacher's pkg/iso9660/descriptor
// package is the structural model this one follows — one file per
// descriptor kind, a Marshal/Unmarshal pair per type, byte-offset field
// access instead of reflection-based (de)serialization — generalized from
// ECMA-119's ASCII/both-byte-order fields to ECMA-167's tag-prefixed,
// little-endian layout.
package descriptor

import "encoding/binary"

// ExtentSize is the on-disk size of an extent_ad (ECMA-167 3/7.1): a
// 32-bit length followed by a 32-bit starting logical block number.
const ExtentSize = 8

// Extent is ECMA-167 3/7.1's extent_ad, used by the AVDP to point at the
// Main and Reserve Volume Descriptor Sequences.
type Extent struct {
	Length   uint32
	Location uint32
}

// Marshal encodes the extent into its 8-byte on-disk form.
func (e Extent) Marshal() [ExtentSize]byte {
	var b [ExtentSize]byte
	binary.LittleEndian.PutUint32(b[0:4], e.Length)
	binary.LittleEndian.PutUint32(b[4:8], e.Location)
	return b
}

// UnmarshalExtent decodes an 8-byte extent_ad.
func UnmarshalExtent(b [ExtentSize]byte) Extent {
	return Extent{
		Length:   binary.LittleEndian.Uint32(b[0:4]),
		Location: binary.LittleEndian.Uint32(b[4:8]),
	}
}

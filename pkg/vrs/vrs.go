// Package vrs implements the Volume Recognition Sequence probe supplemented
// into this tool from the original checker's is_udf(): before trusting the
// Anchor Volume Descriptor Pointer, scan the Volume Structure Descriptors
// starting at sector 16 for the BEA01/NSR02/NSR03/TEA01 bridge-format
// markers UDF inherits from ECMA-119 compatibility, both to corroborate the
// candidate sector size and to reject plain ISO 9660 media early with a
// clear diagnostic. There is no teacher analogue for this scan (the teacher
// parses ECMA-119 volume descriptors directly, never the VSD chain that
// precedes them), so the walking loop is adapted from the systemarea
// package's role as the fixed-size area preceding the descriptor sequence,
// generalized from one 32KiB blob into a walk over individually sized VSDs.
package vrs

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
)

// vsdSize is the fixed on-disk size of every Volume Structure Descriptor.
const vsdSize = 2048

// maxVSDCount bounds the scan so a corrupt or adversarial image can't force
// an unbounded read.
const maxVSDCount = 64

// Descriptor is one decoded Volume Structure Descriptor.
type Descriptor struct {
	StructureType    uint8
	StandardIdent    string
	StructureVersion uint8
}

// Result summarizes a completed probe.
type Result struct {
	Recognized    bool
	FoundISO9660  bool
	MinUDFVersion uint16
	Descriptors   []Descriptor
}

// sectorReader is the minimal access the probe needs; satisfied by
// *blockdev.Device without importing it, avoiding a dependency cycle.
type sectorReader interface {
	ReadSectors(lsn uint32, count uint32) ([]byte, error)
	SectorSize() uint32
}

// Probe scans the Volume Structure Descriptor sequence beginning at sector
// 16, returning once a TEA01 terminator is found, a run of zero bytes ends
// the sequence, or maxVSDCount descriptors have been read without a
// terminator (spec Non-goal: this tool never invents a verdict past what
// the original's six-iteration cap established; see DESIGN.md).
func Probe(dev sectorReader) (Result, error) {
	sectorSize := dev.SectorSize()
	vsdPerSector := uint32(1)
	if sectorSize < vsdSize {
		vsdPerSector = uint32(vsdSize / sectorSize)
	}

	var res Result
	var sawBEA bool

	for i := 0; i < maxVSDCount; i++ {
		sector := consts.VRSStartSector + uint32(i)*vsdPerSector
		raw, err := dev.ReadSectors(sector, vsdPerSector)
		if err != nil {
			return res, fmt.Errorf("vrs: read sector %d: %w", sector, err)
		}
		if len(raw) < 7 {
			return res, fmt.Errorf("vrs: short read at sector %d", sector)
		}

		d := Descriptor{
			StructureType:    raw[0],
			StandardIdent:    string(raw[1:6]),
			StructureVersion: raw[6],
		}
		res.Descriptors = append(res.Descriptors, d)

		switch d.StandardIdent {
		case consts.VRSBEA01:
			sawBEA = true
		case consts.VRSCD001:
			res.FoundISO9660 = true
			continue
		case consts.VRSNSR02:
			res.Recognized = true
			res.MinUDFVersion = consts.UDFRev102
		case consts.VRSNSR03:
			res.Recognized = true
			if res.MinUDFVersion < consts.UDFRev200 {
				res.MinUDFVersion = consts.UDFRev200
			}
		case consts.VRSTEA01:
			return res, nil
		case "":
			if sawBEA {
				continue
			}
			return res, nil
		default:
			return res, fmt.Errorf("vrs: unrecognized structure identifier %q at sector %d", d.StandardIdent, sector)
		}
	}
	return res, fmt.Errorf("vrs: no terminating descriptor found within %d sectors, possibly unclosed or bridged media", maxVSDCount)
}

// Package vds implements the VDS Loader and VDS Reconciler (spec 4.4, 4.5):
// walking a Volume Descriptor Sequence one slot at a time, dispatching on
// tag identifier, and picking the trustworthy copy between the Main and
// Reserve sequences the AVDP names.
package vds

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// sectorReader is the minimal device access the loader needs.
type sectorReader interface {
	ReadSectors(lsn uint32, count uint32) ([]byte, error)
	SectorSize() uint32
}

// maxSlots bounds how many descriptors one sequence walk will examine
// before giving up, guarding against a runaway sequence with no
// terminator.
const maxSlots = 256

// Slot records what the loader found at one sector of the sequence, kept
// for diagnostics regardless of whether the descriptor there was one this
// checker understands.
type Slot struct {
	Sector     uint32
	Identifier uint16
	Errors     consts.ErrorFlags
}

// Sequence is one walk of a Volume Descriptor Sequence (either Main or
// Reserve). Only one of each kind is expected; a second occurrence is
// fatal per spec 4.4.
type Sequence struct {
	PVD  *descriptor.PVD
	IUVD *descriptor.IUVD
	PD   *descriptor.PD
	LVD  *descriptor.LVD
	USD  *descriptor.USD
	TD   *descriptor.TD

	// KindErrors is keyed by tag identifier, holding the structural error
	// flags found on that kind's slot. The VDS Reconciler reads this to
	// decide between Main and Reserve (spec 4.5).
	KindErrors map[uint16]consts.ErrorFlags

	Slots []Slot
}

// Load walks the Volume Descriptor Sequence described by extent, one
// sector-aligned descriptor at a time, populating a Sequence.
func Load(dev sectorReader, extent descriptor.Extent) (Sequence, error) {
	seq := Sequence{KindErrors: make(map[uint16]consts.ErrorFlags)}

	sectorSize := dev.SectorSize()
	lsn := extent.Location

	for slotIdx := 0; slotIdx < maxSlots; slotIdx++ {
		window, err := dev.ReadSectors(lsn, 1)
		if err != nil {
			return Sequence{}, fmt.Errorf("vds: read sector %d: %w", lsn, err)
		}
		if len(window) < tag.Size {
			return Sequence{}, fmt.Errorf("vds: sector %d too short for a tag", lsn)
		}

		var tb [tag.Size]byte
		copy(tb[:], window[:tag.Size])
		peeked := tag.Unmarshal(tb)

		if peeked.Identifier == 0 {
			return seq, nil
		}

		switch peeked.Identifier {
		case consts.TagIdentTD:
			d, err := descriptor.UnmarshalTD(window)
			if err != nil {
				return Sequence{}, fmt.Errorf("vds: decode TD at sector %d: %w", lsn, err)
			}
			seq.TD = &d
			seq.recordSlot(lsn, peeked.Identifier, validationFlags(window, lsn, descriptor.TDSize))
			return seq, nil

		case consts.TagIdentPVD:
			if seq.PVD != nil {
				return Sequence{}, fmt.Errorf("vds: duplicate PVD at sector %d", lsn)
			}
			d, err := descriptor.UnmarshalPVD(window)
			if err != nil {
				return Sequence{}, fmt.Errorf("vds: decode PVD at sector %d: %w", lsn, err)
			}
			seq.PVD = &d
			seq.recordSlot(lsn, peeked.Identifier, validationFlags(window, lsn, descriptor.PVDSize))
			lsn += sectorsFor(sectorSize, descriptor.PVDSize)
			continue

		case consts.TagIdentIUVD:
			if seq.IUVD != nil {
				return Sequence{}, fmt.Errorf("vds: duplicate IUVD at sector %d", lsn)
			}
			d, err := descriptor.UnmarshalIUVD(window)
			if err != nil {
				return Sequence{}, fmt.Errorf("vds: decode IUVD at sector %d: %w", lsn, err)
			}
			seq.IUVD = &d
			seq.recordSlot(lsn, peeked.Identifier, validationFlags(window, lsn, descriptor.IUVDSize))
			lsn += sectorsFor(sectorSize, descriptor.IUVDSize)
			continue

		case consts.TagIdentPD:
			if seq.PD != nil {
				return Sequence{}, fmt.Errorf("vds: duplicate PD at sector %d", lsn)
			}
			d, err := descriptor.UnmarshalPD(window)
			if err != nil {
				return Sequence{}, fmt.Errorf("vds: decode PD at sector %d: %w", lsn, err)
			}
			seq.PD = &d
			seq.recordSlot(lsn, peeked.Identifier, validationFlags(window, lsn, descriptor.PDSize))
			lsn += sectorsFor(sectorSize, descriptor.PDSize)
			continue

		case consts.TagIdentLVD:
			if seq.LVD != nil {
				return Sequence{}, fmt.Errorf("vds: duplicate LVD at sector %d", lsn)
			}
			full, totalSize, err := remap(dev, lsn, window, lvdMapTableLength)
			if err != nil {
				return Sequence{}, fmt.Errorf("vds: re-map LVD at sector %d: %w", lsn, err)
			}
			d, err := descriptor.UnmarshalLVD(full)
			if err != nil {
				return Sequence{}, fmt.Errorf("vds: decode LVD at sector %d: %w", lsn, err)
			}
			seq.LVD = &d
			seq.recordSlot(lsn, peeked.Identifier, validationFlags(full, lsn, totalSize))
			lsn += sectorsFor(sectorSize, totalSize)
			continue

		case consts.TagIdentUSD:
			if seq.USD != nil {
				return Sequence{}, fmt.Errorf("vds: duplicate USD at sector %d", lsn)
			}
			full, totalSize, err := remap(dev, lsn, window, usdNumAllocDescs)
			if err != nil {
				return Sequence{}, fmt.Errorf("vds: re-map USD at sector %d: %w", lsn, err)
			}
			d, err := descriptor.UnmarshalUSD(full)
			if err != nil {
				return Sequence{}, fmt.Errorf("vds: decode USD at sector %d: %w", lsn, err)
			}
			seq.USD = &d
			seq.recordSlot(lsn, peeked.Identifier, validationFlags(full, lsn, totalSize))
			lsn += sectorsFor(sectorSize, totalSize)
			continue

		default:
			return Sequence{}, fmt.Errorf("vds: unknown tag identifier %d at sector %d", peeked.Identifier, lsn)
		}
	}

	return Sequence{}, fmt.Errorf("vds: sequence exceeded %d slots with no terminator", maxSlots)
}

func (s *Sequence) recordSlot(sector uint32, ident uint16, errs consts.ErrorFlags) {
	s.Slots = append(s.Slots, Slot{Sector: sector, Identifier: ident, Errors: errs})
	s.KindErrors[ident] = errs
}

// validationFlags runs the three Tag Validator checks against a fully
// assembled descriptor buffer and composes them into an ErrorFlags value.
func validationFlags(full []byte, expectedLocation uint32, totalSize int) consts.ErrorFlags {
	var tb [tag.Size]byte
	copy(tb[:], full[:tag.Size])
	t := tag.Unmarshal(tb)

	var flags consts.ErrorFlags
	if !tag.ChecksumOK(tb) {
		flags |= consts.ErrChecksum
	}
	payload := full[tag.Size:]
	if totalSize > len(full) {
		totalSize = len(full)
	}
	if !tag.CRCOK(t, payload) {
		flags |= consts.ErrCRC
	}
	if !tag.PositionOK(t, expectedLocation) {
		flags |= consts.ErrPosition
	}
	return flags
}

// remap re-reads the descriptor at lsn once its true variable length is
// known, returning a contiguous buffer spanning the whole descriptor and
// that length. lengthFn extracts the variable component's declared count
// from the already-read fixed-header window.
func remap(dev sectorReader, lsn uint32, window []byte, lengthFn func([]byte) (int, error)) ([]byte, int, error) {
	extra, err := lengthFn(window)
	if err != nil {
		return nil, 0, err
	}
	totalSize := extra
	sectorSize := int(dev.SectorSize())
	if totalSize <= len(window) {
		return window[:totalSize], totalSize, nil
	}
	count := sectorsFor(uint32(sectorSize), totalSize)
	full, err := dev.ReadSectors(lsn, count)
	if err != nil {
		return nil, 0, err
	}
	if len(full) < totalSize {
		return nil, 0, fmt.Errorf("vds: re-map at sector %d short by %d bytes", lsn, totalSize-len(full))
	}
	return full[:totalSize], totalSize, nil
}

// lvdMapTableLength peeks at an LVD's fixed header (already known to fit in
// one sector, since sectorSize is always >= 512 and the header is 440
// bytes) and returns the descriptor's true total size.
func lvdMapTableLength(window []byte) (int, error) {
	// tag(16) + volDescSeqNum(4) + descCharSet(64) + logicalVolIdent(128) +
	// logicalBlockSize(4) + domainIdent(32) + logicalVolContentsUse(16),
	// immediately preceding the mapTableLength field itself.
	const mapTableLengthOffset = 16 + 4 + 64 + 128 + 4 + 32 + 16
	if len(window) < mapTableLengthOffset+4 {
		return 0, fmt.Errorf("vds: window too short to read LVD map table length")
	}
	mapTableLength := le32(window[mapTableLengthOffset : mapTableLengthOffset+4])
	return descriptor.LVDTotalSize(mapTableLength), nil
}

// usdNumAllocDescs peeks at a USD's fixed header and returns the
// descriptor's true total size.
func usdNumAllocDescs(window []byte) (int, error) {
	const numAllocDescsOffset = tag.Size + 4
	if len(window) < numAllocDescsOffset+4 {
		return 0, fmt.Errorf("vds: window too short to read USD alloc descriptor count")
	}
	n := le32(window[numAllocDescsOffset : numAllocDescsOffset+4])
	return descriptor.USDTotalSize(n), nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func sectorsFor(sectorSize uint32, n int) uint32 {
	if sectorSize == 0 {
		return 1
	}
	count := uint32(n) / sectorSize
	if uint32(n)%sectorSize != 0 {
		count++
	}
	if count == 0 {
		count = 1
	}
	return count
}

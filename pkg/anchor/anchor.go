// Package anchor implements the Anchor Locator and the sector-size
// auto-detection it doubles as (spec 4.3): it finds the three well-known
// Anchor Volume Descriptor Pointer positions (LSN 256, the last LSN, and
// LSN-256-from-the-end, with an unclosed-media fallback at LSN 512 stored
// in the FIRST slot), validates each one's tag, and tracks the composed
// consts.ErrorFlags per slot. There is no teacher analogue — the teacher
// never auto-detects a sector size, it is handed one — so this package is
// built fresh from the original checker's get_avdp(), generalized from a
// single 512-step doubling loop over four consts.SectorSizeCandidates.
package anchor

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// sectorReader is the minimal device access the locator needs.
type sectorReader interface {
	ReadSectors(lsn uint32, count uint32) ([]byte, error)
	SectorSize() uint32
	SectorCount() uint32
}

// Anchor holds one successfully located and validated AVDP slot.
type Anchor struct {
	Slot   consts.AVDPSlot
	AVDP   descriptor.AVDP
	Errors consts.ErrorFlags
}

// Set is the result of locating all three AVDP slots.
type Set struct {
	SectorSize   uint32
	Anchors      [3]Anchor
	SerialNumber uint16
	// SerialNumberConsistent is false once two successfully parsed AVDPs
	// disagree on tag serial number, per UDF 2.1.6: recovery across AVDPs
	// is only attempted when they agree.
	SerialNumberConsistent bool
}

// Locate runs the Anchor Locator against dev, trying each sector size in
// consts.SectorSizeCandidates (or just forcedSectorSize if non-zero) until
// the FIRST_AVDP slot parses with a matching AVDP tag, then locating the
// remaining two slots at that confirmed sector size.
func Locate(dev sectorReader, forcedSectorSize uint32) (Set, error) {
	candidates := consts.SectorSizeCandidates
	if forcedSectorSize != 0 {
		candidates = []uint32{forcedSectorSize}
	}

	var lastErr error
	for _, ssize := range candidates {
		first, err := probeSlot(dev, consts.FirstAVDP, ssize)
		if err != nil {
			lastErr = err
			continue
		}
		if first.Errors&(consts.ErrChecksum|consts.ErrWrongDesc|consts.ErrCRC|consts.ErrPosition) != 0 {
			lastErr = fmt.Errorf("anchor: FIRST_AVDP invalid at sector size %d: %s", ssize, first.Errors)
			continue
		}

		set := Set{SectorSize: ssize, SerialNumberConsistent: true}
		set.Anchors[consts.FirstAVDP] = first
		set.SerialNumber = first.AVDP.Tag.SerialNumber

		second, _ := probeSlot(dev, consts.SecondAVDP, ssize)
		set.Anchors[consts.SecondAVDP] = second
		reconcileSerial(&set, second)

		third, thirdErr := probeSlot(dev, consts.ThirdAVDP, ssize)
		if thirdErr != nil {
			return Set{}, fmt.Errorf("anchor: THIRD_AVDP: %w", thirdErr)
		}
		set.Anchors[consts.ThirdAVDP] = third
		reconcileSerial(&set, third)

		return set, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("anchor: no AVDP found at FIRST_AVDP across candidate sector sizes")
	}
	return Set{}, lastErr
}

func reconcileSerial(set *Set, a Anchor) {
	if a.Errors&(consts.ErrChecksum|consts.ErrWrongDesc|consts.ErrCRC|consts.ErrPosition) != 0 {
		return
	}
	if a.AVDP.Tag.SerialNumber != set.SerialNumber {
		set.SerialNumberConsistent = false
	}
}

// position computes the expected logical block number for slot at the
// given sector size, per the original checker's three well-known formulas.
func position(slot consts.AVDPSlot, sectorCount uint32) uint32 {
	switch slot {
	case consts.FirstAVDP:
		return consts.AVDPFirstSector
	case consts.SecondAVDP:
		return sectorCount - 1
	case consts.ThirdAVDP:
		return sectorCount - 1 - consts.AVDPThirdFromTail
	default:
		return 0
	}
}

func probeSlot(dev sectorReader, slot consts.AVDPSlot, sectorSize uint32) (Anchor, error) {
	sectorCount := dev.SectorCount()
	lsn := position(slot, sectorCount)

	raw, err := dev.ReadSectors(lsn, descriptorSectors(sectorSize))
	if err != nil {
		if slot == consts.FirstAVDP {
			return fallbackFirstSlot(dev, sectorSize)
		}
		return Anchor{Slot: slot, Errors: consts.ErrWrongDesc}, nil
	}

	return parseAnchor(slot, lsn, raw, sectorSize), nil
}

// parseAnchor runs the Tag Validator and extent-length check against one
// AVDP candidate buffer, composing the resulting ErrorFlags. Shared between
// the normal slot positions and the unclosed-media fallback so both go
// through identical validation.
func parseAnchor(slot consts.AVDPSlot, lsn uint32, raw []byte, sectorSize uint32) Anchor {
	var flags consts.ErrorFlags
	t, checksumOK, crcOK, positionOK, err := tag.ParseAndValidate(raw, lsn)
	if err != nil {
		return Anchor{Slot: slot, Errors: consts.ErrWrongDesc}
	}
	if !checksumOK {
		flags |= consts.ErrChecksum
	}
	if !tag.IdentOK(t, consts.TagIdentAVDP) {
		flags |= consts.ErrWrongDesc
	}
	if !crcOK && !descriptor.ShortDescCRCLengthCompliant(t.DescriptorCRCLength) {
		flags |= consts.ErrCRC
	}
	if !positionOK {
		flags |= consts.ErrPosition
	}

	avdp, err := descriptor.UnmarshalAVDP(raw)
	if err != nil {
		return Anchor{Slot: slot, Errors: flags | consts.ErrWrongDesc}
	}
	minExtent := consts.AVDPMinExtentBlocks * sectorSize
	if avdp.MainVolDescSeqExtent.Length < minExtent || avdp.ResVolDescSeqExtent.Length < minExtent {
		flags |= consts.ErrExtLen
	}

	return Anchor{Slot: slot, AVDP: avdp, Errors: flags}
}

// fallbackFirstSlot retries FIRST_AVDP at LSN 512, the position used by
// unclosed media (original checker's fourth "type" branch), and validates
// it exactly as probeSlot would have validated the primary position.
func fallbackFirstSlot(dev sectorReader, sectorSize uint32) (Anchor, error) {
	raw, err := dev.ReadSectors(consts.AVDPFallbackSector, descriptorSectors(sectorSize))
	if err != nil {
		return Anchor{}, fmt.Errorf("anchor: FIRST_AVDP not found at sector %d or fallback sector %d: %w",
			consts.AVDPFirstSector, consts.AVDPFallbackSector, err)
	}
	if len(raw) < descriptor.AVDPSize {
		return Anchor{}, fmt.Errorf("anchor: short read at fallback sector %d", consts.AVDPFallbackSector)
	}
	return parseAnchor(consts.FirstAVDP, consts.AVDPFallbackSector, raw, sectorSize), nil
}

// descriptorSectors returns how many sectors of sectorSize are needed to
// cover one AVDPSize buffer.
func descriptorSectors(sectorSize uint32) uint32 {
	if sectorSize >= descriptor.AVDPSize {
		return 1
	}
	n := descriptor.AVDPSize / sectorSize
	if descriptor.AVDPSize%sectorSize != 0 {
		n++
	}
	return n
}

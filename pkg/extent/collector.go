// Package extent implements the Extent Collector (spec 4.9): given the raw
// allocation-descriptor bytes carried inside an FE/EFE, it materializes the
// full flat list of allocation descriptors, transparently following chain
// entries (extent type 3) into Allocation Extent Descriptors so callers
// never see the AED indirection. Grounded on the original checker's
// in-place realloc-and-shift loop over the AD array, reworked per spec
// Design Note "AED chaining" into an explicit two-list merge instead of a
// mutate-in-place C array.
package extent

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// sectorReader is the minimal device access needed to resolve AED chain
// entries.
type sectorReader interface {
	ReadSectors(lsn uint32, count uint32) ([]byte, error)
	SectorSize() uint32
}

// Result is the flattened extent list plus the set of AED sectors
// traversed, which the caller must mark used in the Accounting Engine.
type Result struct {
	Descriptors []descriptor.AllocDescriptor
	AEDSectors  []uint32
}

// maxChainDepth bounds AED-chain following so a cyclic or adversarial chain
// cannot loop forever.
const maxChainDepth = 1024

// Collect decodes adBytes as a sequence of allocation descriptors of the
// given flavour, following any continuation entries by reading the AED
// they reference from dev. partitionStart is the LSN of the owning
// partition's first block, needed to resolve an AED's own sector from its
// partition-relative location.
func Collect(dev sectorReader, adBytes []byte, flavour consts.ADFlavour, partitionStart uint32) (Result, error) {
	if flavour == consts.ADInICB {
		return Result{}, nil
	}

	adSize := descriptor.ADSize(flavour)
	if adSize == 0 {
		return Result{}, fmt.Errorf("extent: unknown AD flavour %v", flavour)
	}

	var out Result
	pending := append([]byte(nil), adBytes...)

	depth := 0
	for i := 0; i*adSize+adSize <= len(pending); i++ {
		if depth > maxChainDepth {
			return Result{}, fmt.Errorf("extent: AED chain exceeded %d links, likely cyclic", maxChainDepth)
		}

		entryBytes := pending[i*adSize : i*adSize+adSize]
		ad, _, err := descriptor.UnmarshalAllocDescriptor(entryBytes, flavour)
		if err != nil {
			return Result{}, fmt.Errorf("extent: decode entry %d: %w", i, err)
		}

		if ad.Terminal() {
			break
		}

		if ad.ExtentType == consts.ExtentContinuation {
			depth++
			lsn := partitionStart + ad.LogicalBlockNum
			out.AEDSectors = append(out.AEDSectors, lsn)

			raw, err := dev.ReadSectors(lsn, sectorsFor(dev.SectorSize(), ad.Length))
			if err != nil {
				return Result{}, fmt.Errorf("extent: read AED at LSN %d: %w", lsn, err)
			}
			aed, err := descriptor.UnmarshalAED(raw)
			if err != nil {
				return Result{}, fmt.Errorf("extent: decode AED at LSN %d: %w", lsn, err)
			}
			var tb [tag.Size]byte
			copy(tb[:], raw[:tag.Size])
			if !tag.ChecksumOK(tb) {
				return Result{}, fmt.Errorf("extent: AED at LSN %d failed tag checksum", lsn)
			}
			if !tag.IdentOK(aed.Tag, consts.TagIdentAED) {
				return Result{}, fmt.Errorf("extent: expected AED tag at LSN %d, got identifier %d", lsn, aed.Tag.Identifier)
			}
			if !tag.CRCOK(aed.Tag, raw[tag.Size:]) {
				return Result{}, fmt.Errorf("extent: AED at LSN %d failed descriptor CRC", lsn)
			}
			if !tag.PositionOK(aed.Tag, lsn) {
				return Result{}, fmt.Errorf("extent: AED at LSN %d recorded tag location does not match", lsn)
			}

			rest := pending[(i+1)*adSize:]
			merged := append(append([]byte(nil), aed.Payload...), rest...)
			pending = pending[:i*adSize]
			pending = append(pending, merged...)
			i-- // re-examine the swapped-in first entry for further chaining
			continue
		}

		out.Descriptors = append(out.Descriptors, ad)
	}

	return out, nil
}

// sectorsFor returns how many sectors of sectorSize are needed to cover n
// bytes.
func sectorsFor(sectorSize uint32, n uint32) uint32 {
	if sectorSize == 0 {
		return 1
	}
	count := n / sectorSize
	if n%sectorSize != 0 {
		count++
	}
	if count == 0 {
		count = 1
	}
	return count
}

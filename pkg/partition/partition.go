// Package partition implements the Partition & SpaceBitmap component (spec
// 4.7): resolving a reconciled Partition Descriptor's header extents,
// loading the recorded Space Bitmap Descriptor, and allocating the
// parallel observed bitmap the Accounting Engine marks as it walks files.
package partition

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
)

// sectorReader is the minimal device access needed to load the SBD, which
// may span more than one sector.
type sectorReader interface {
	ReadSectors(lsn uint32, count uint32) ([]byte, error)
	SectorSize() uint32
}

// Partition bundles a reconciled PD with its recorded and observed free
// space bitmaps.
type Partition struct {
	PD               descriptor.PD
	RecordedBitmap   *Bitmap // nil if the unallocated space bitmap form is absent
	Observed         *Bitmap
	UnhandledForms   bool // table-based or freed-space forms present, unrepaired per spec 4.7
	Errors           consts.ErrorFlags
}

// Load resolves pd's Partition Header, reads the unallocated space bitmap
// if present, and allocates the observed bitmap all-free per spec 4.7.
// The partition's starting sector is taken from pd.PartitionStartingLoc.
func Load(dev sectorReader, pd descriptor.PD) (*Partition, error) {
	p := &Partition{
		PD:             pd,
		Observed:       NewBitmap(pd.PartitionLength, true),
		UnhandledForms: pd.PartitionHeader.UnhandledFormsPresent(),
	}

	if !pd.PartitionHeader.UnallocatedSpaceBitmapPresent() {
		return p, nil
	}

	ad := pd.PartitionHeader.UnallocatedSpaceBitmap
	lsn := pd.PartitionStartingLoc + ad.LogicalBlockNum
	sectorSize := dev.SectorSize()
	sectorCount := sectorsFor(sectorSize, ad.Length)

	raw, err := dev.ReadSectors(lsn, sectorCount)
	if err != nil {
		return nil, fmt.Errorf("partition: read space bitmap at LSN %d: %w", lsn, err)
	}

	sbd, err := descriptor.UnmarshalSBD(raw)
	if err != nil {
		return nil, fmt.Errorf("partition: decode space bitmap at LSN %d: %w", lsn, err)
	}

	if sbd.NumOfBits != pd.PartitionLength {
		p.Errors |= consts.ErrFreeSpace
	}

	p.RecordedBitmap = FromBytes(sbd.Bitmap, sbd.NumOfBits)
	return p, nil
}

// sectorsFor returns how many sectorSize sectors are needed to cover n
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

// Package integrity implements the LVID Loader (spec 4.6): resolving the
// Logical Volume Integrity Descriptor from the LVD's integrity-sequence
// extent, and reconstructing one from accounting state when it is damaged
// beyond use (the rebuild path the Repair Driver, spec 4.15, invokes).
package integrity

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// sectorReader is the minimal device access needed to load the LVID.
type sectorReader interface {
	ReadSectors(lsn uint32, count uint32) ([]byte, error)
	SectorSize() uint32
}

// Result is the resolved LVID plus the structural errors found on it.
type Result struct {
	LVID   descriptor.LVID
	Errors consts.ErrorFlags
}

// Load reads the LVID named by seqExtent (the LVD's integrity-sequence
// extent, ECMA-167 3/10.6.12). If the tag identifier is wrong or any
// structural check fails, Errors carries the reason and the caller (the
// Repair Driver) may fall back to Rebuild instead of trusting this result.
func Load(dev sectorReader, seqExtent descriptor.Extent) (Result, error) {
	sectorCount := sectorsFor(dev.SectorSize(), seqExtent.Length)
	raw, err := dev.ReadSectors(seqExtent.Location, sectorCount)
	if err != nil {
		return Result{}, fmt.Errorf("integrity: read LVID at LSN %d: %w", seqExtent.Location, err)
	}

	lvid, err := descriptor.UnmarshalLVID(raw)
	if err != nil {
		return Result{Errors: consts.ErrWrongDesc}, nil
	}

	var tb [16]byte
	copy(tb[:], lvid.TagRaw[:])
	t := tag.Unmarshal(tb)

	var errs consts.ErrorFlags
	if t.Identifier != consts.TagIdentLVID {
		errs |= consts.ErrWrongDesc
	}
	if !tag.ChecksumOK(tb) {
		errs |= consts.ErrChecksum
	}
	if !tag.CRCOK(t, raw[16:]) {
		errs |= consts.ErrCRC
	}
	if !tag.PositionOK(t, seqExtent.Location) {
		errs |= consts.ErrPosition
	}

	return Result{LVID: lvid, Errors: errs}, nil
}

// AccountingState is the subset of observed state the Accounting Engine
// (spec 4.13) maintains across the walk, used to rebuild an LVID from
// scratch when the recorded one cannot be trusted.
type AccountingState struct {
	FreeSpacePerPartition []uint32
	SizePerPartition       []uint32
	NumFiles               uint32
	NumDirs                uint32
	NextUniqueID           uint64
	MinUDFReadRevision     uint16
	MinUDFWriteRevision    uint16
	MaxUDFWriteRevision    uint16
	ImplIdent              []byte
}

// Rebuild constructs a fresh, internally consistent LVID from accounting
// state observed during the walk (spec 4.6's "the rebuild path in §4.15
// can reconstruct the descriptor from AccountingState"). The caller (the
// Repair Driver) is responsible for placing it at the correct LSN and
// recomputing tag checksum/CRC via pkg/tag before writing it to disk.
func Rebuild(state AccountingState) descriptor.LVID {
	implIdent := make([]byte, 32)
	copy(implIdent, state.ImplIdent)

	return descriptor.LVID{
		IntegrityType:       consts.IntegrityClosed,
		NextUniqueID:        state.NextUniqueID,
		NumOfPartitions:     uint32(len(state.FreeSpacePerPartition)),
		LengthOfImplUse:     46,
		FreeSpaceTable:      append([]uint32(nil), state.FreeSpacePerPartition...),
		SizeTable:           append([]uint32(nil), state.SizePerPartition...),
		ImplIdent:           implIdent,
		NumFiles:            state.NumFiles,
		NumDirs:             state.NumDirs,
		MinUDFReadRevision:  state.MinUDFReadRevision,
		MinUDFWriteRevision: state.MinUDFWriteRevision,
		MaxUDFWriteRevision: state.MaxUDFWriteRevision,
	}
}

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

// Package fsd implements the FSD Reader component (spec 4.8): resolving
// the File Set Descriptor from the LVD's logical-volume-contents-use
// pointer, and validating its four dstring fields.
package fsd

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/dstring"
)

// sectorReader is the minimal device access needed to read the FSD's
// sector.
type sectorReader interface {
	ReadSectors(lsn uint32, count uint32) ([]byte, error)
	SectorSize() uint32
}

// Result is the resolved FSD plus the dstring validation outcome for each
// of its four identifier fields.
type Result struct {
	FSD                    descriptor.FSD
	LogicalVolIdentErrors  dstring.Result
	FileSetIdentErrors     dstring.Result
	CopyrightIdentErrors   dstring.Result
	AbstractIdentErrors    dstring.Result
	MinUDFRevision         uint16
	Errors                 consts.ErrorFlags
}

// Read locates and decodes the File Set Descriptor named by lvd's
// logical-volume-contents-use pointer. partitionNumber and
// partitionStartingLoc come from the partition the reconciled PD names;
// the FSD's own partition reference number must match partitionNumber.
func Read(dev sectorReader, lvd descriptor.LVD, partitionNumber uint16, partitionStartingLoc uint32) (Result, error) {
	ad, err := lvd.FSDExtent()
	if err != nil {
		return Result{}, fmt.Errorf("fsd: decode LVD contents-use pointer: %w", err)
	}
	if ad.PartitionRefNum != partitionNumber {
		return Result{}, fmt.Errorf("fsd: LVD contents-use references partition %d, reconciled partition is %d", ad.PartitionRefNum, partitionNumber)
	}

	lsn := partitionStartingLoc + ad.LogicalBlockNum
	sectorCount := sectorsFor(dev.SectorSize(), descriptor.FSDSize)

	raw, err := dev.ReadSectors(lsn, sectorCount)
	if err != nil {
		return Result{}, fmt.Errorf("fsd: read FSD at LSN %d: %w", lsn, err)
	}

	d, err := descriptor.UnmarshalFSD(raw)
	if err != nil {
		return Result{}, fmt.Errorf("fsd: decode FSD at LSN %d: %w", lsn, err)
	}
	if d.Tag.Identifier != consts.TagIdentFSD {
		return Result{}, fmt.Errorf("fsd: expected FSD tag at LSN %d, got identifier %d", lsn, d.Tag.Identifier)
	}

	res := Result{
		FSD:                   d,
		LogicalVolIdentErrors: dstring.Validate(d.LogicalVolIdent),
		FileSetIdentErrors:    dstring.Validate(d.FileSetIdent),
		CopyrightIdentErrors:  dstring.Validate(d.CopyrightFileIdent),
		AbstractIdentErrors:   dstring.Validate(d.AbstractFileIdent),
		MinUDFRevision:        descriptor.MinUDFRevisionFromDomainIdent(d.DomainIdent),
	}

	for _, r := range []dstring.Result{res.LogicalVolIdentErrors, res.FileSetIdentErrors, res.CopyrightIdentErrors, res.AbstractIdentErrors} {
		res.Errors |= r.Flags()
	}

	return res, nil
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

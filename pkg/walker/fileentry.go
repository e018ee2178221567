package walker

import (
	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/extent"
	"github.com/bgrewell/udf-fsck/pkg/tag"
)

// walkFileEntry implements the File Entry Walker (spec 4.12) for the ICB
// named by icb. It reads and validates the File Entry or Extended File
// Entry, classifies the file type, marks its own sector and data extents
// used in the Accounting Engine, and recurses into the Directory Walker
// when the entry names a directory. The returned error is ErrUnfinishedFile
// when the entry's declared information length implies data that was
// never allocated (spec 4.12, end-to-end scenario 4); any other non-nil
// error is a fatal I/O or decode failure that aborts this subtree.
//
// fidUniqueID is the UniqueID recorded in the FID that referenced icb, and
// haveFIDUniqueID is false for the File Set root, which has no owning FID
// to compare against (spec 4.11 item 5, P4).
func (w *Walker) walkFileEntry(icb descriptor.AllocDescriptor, fidUniqueID uint32, haveFIDUniqueID bool) (descriptor.FileEntry, error) {
	if icb.Terminal() {
		return descriptor.FileEntry{}, nil
	}
	if icb.PartitionRefNum != w.partitionNumber {
		// An ICB in a partition other than the PD's own is a per-file
		// error; the entry is not read.
		w.Errors |= consts.ErrWrongDesc
		return descriptor.FileEntry{}, nil
	}

	key := visitKey(icb.PartitionRefNum, icb.LogicalBlockNum)
	if _, seen := w.visited[key]; seen {
		return descriptor.FileEntry{}, nil
	}
	w.visited[key] = struct{}{}

	lsn := w.partitionStart + icb.LogicalBlockNum
	sectorSize := w.dev.SectorSize()

	raw, identifier, err := readFileEntry(w.dev, lsn)
	if err != nil {
		w.Errors |= consts.ErrWrongDesc
		return descriptor.FileEntry{}, err
	}

	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])
	if !tag.ChecksumOK(tb) {
		// Fatal per spec 7: "checksum at the top-level ICB" aborts the
		// subtree rather than accumulating as a soft error.
		w.Errors |= consts.ErrChecksum
		return descriptor.FileEntry{}, nil
	}

	var fe descriptor.FileEntry
	switch identifier {
	case consts.TagIdentFE:
		fe, err = descriptor.UnmarshalFE(raw)
	case consts.TagIdentEFE:
		fe, err = descriptor.UnmarshalEFE(raw)
	default:
		w.Errors |= consts.ErrWrongDesc
		return descriptor.FileEntry{}, nil
	}
	if err != nil {
		w.Errors |= consts.ErrWrongDesc
		return descriptor.FileEntry{}, nil
	}

	t := tag.Unmarshal(tb)
	if !tag.CRCOK(t, raw[tag.Size:]) {
		w.Errors |= consts.ErrCRC
	}
	if !tag.PositionOK(t, lsn) {
		w.Errors |= consts.ErrPosition
	}
	if t.SerialNumber != w.serialNumber {
		w.Errors |= consts.ErrWrongDesc
		w.MismatchedSerialFEs = append(w.MismatchedSerialFEs, icb)
	}

	// P5: LVID recordingDateAndTime must be >= every FE/EFE modification
	// time; a later modification time than the captured LVID is a
	// timestamp ordering violation.
	if fe.ModificationTime.After(w.lvidTime) {
		w.Errors |= consts.ErrTimestamp
	}

	// Unfinished-write detection (spec 4.12): declared length implies data
	// but no allocation descriptors were ever recorded.
	if fe.InformationLength > 0 && fe.LengthOfAllocDescs == 0 {
		return fe, ErrUnfinishedFile
	}

	w.engine.ObserveUniqueID(fe.UniqueID)
	if haveFIDUniqueID && fe.UniqueID != 0 && uint64(fidUniqueID) != fe.UniqueID {
		w.Errors |= consts.ErrUniqueID
	}

	if err := w.engine.IncrementUsed(uint64(sectorSize), icb.LogicalBlockNum, sectorSize); err != nil {
		w.Errors |= consts.ErrFreeSpace
	}

	if fe.IsDirectory() {
		w.Counts.Dirs++
		if err := w.walkDirectoryExtents(icb, fe); err != nil {
			return fe, err
		}
		return fe, nil
	}

	switch fe.ICBTag.FileType {
	case consts.ICBFileTypeRegular, consts.ICBFileTypeSymlink, consts.ICBFileTypeBlockDevice,
		consts.ICBFileTypeCharDevice, consts.ICBFileTypeFIFO:
		w.Counts.Files++
	}

	flavour := fe.ICBTag.ADFlavour()
	if flavour == consts.ADInICB {
		return fe, nil
	}

	res, err := extent.Collect(w.dev, fe.AllocDescs, flavour, w.partitionStart)
	if err != nil {
		w.Errors |= consts.ErrExtLen
		return fe, nil
	}
	for _, ad := range res.Descriptors {
		if ad.ExtentType != consts.ExtentRecordedAndAllocated {
			continue
		}
		if err := w.engine.IncrementUsed(uint64(ad.Length), ad.LogicalBlockNum, sectorSize); err != nil {
			w.Errors |= consts.ErrFreeSpace
		}
	}
	for _, aedLSN := range res.AEDSectors {
		block := aedLSN - w.partitionStart
		if err := w.engine.IncrementUsed(uint64(sectorSize), block, sectorSize); err != nil {
			w.Errors |= consts.ErrFreeSpace
		}
	}

	return fe, nil
}

package walker

import (
	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/extent"
	"github.com/bgrewell/udf-fsck/pkg/tag"
	"github.com/bgrewell/udf-fsck/pkg/validation"
)

// walkDirectoryExtents implements the Directory Walker (spec 4.10): it
// collects fe's data extents via the Extent Collector, marks them used,
// then scans each extent for a sequence of FIDs and runs the FID Inspector
// (spec 4.11) on each one. A FID is never split across the boundary
// between two allocation descriptors in a well-formed image; this walker
// does not attempt to reassemble one that is, matching the teacher's
// general preference for failing a malformed structure loudly over
// guessing at a repair.
func (w *Walker) walkDirectoryExtents(dirICB descriptor.AllocDescriptor, fe descriptor.FileEntry) error {
	flavour := fe.ICBTag.ADFlavour()
	sectorSize := w.dev.SectorSize()

	if flavour == consts.ADInICB {
		return w.scanFIDs(dirICB, fe.AllocDescs)
	}

	res, err := extent.Collect(w.dev, fe.AllocDescs, flavour, w.partitionStart)
	if err != nil {
		w.Errors |= consts.ErrExtLen
		return nil
	}

	for _, aedLSN := range res.AEDSectors {
		block := aedLSN - w.partitionStart
		if err := w.engine.IncrementUsed(uint64(sectorSize), block, sectorSize); err != nil {
			w.Errors |= consts.ErrFreeSpace
		}
	}

	for _, ad := range res.Descriptors {
		if ad.ExtentType != consts.ExtentRecordedAndAllocated {
			continue
		}
		if err := w.engine.IncrementUsed(uint64(ad.Length), ad.LogicalBlockNum, sectorSize); err != nil {
			w.Errors |= consts.ErrFreeSpace
		}

		lsn := w.partitionStart + ad.LogicalBlockNum
		count := sectorsFor(sectorSize, ad.Length)
		raw, err := w.dev.ReadSectors(lsn, count)
		if err != nil {
			w.Errors |= consts.ErrExtLen
			continue
		}
		if err := w.scanFIDs(dirICB, raw[:ad.Length]); err != nil {
			return err
		}
	}

	return nil
}

// scanFIDs walks a directory extent's raw bytes as a sequence of FIDs,
// running the FID Inspector on each. dirICB is the ICB of the directory
// these FIDs live in, carried through to the FID Inspector so it can
// record the owning directory of an unfinished file for repair.
func (w *Walker) scanFIDs(dirICB descriptor.AllocDescriptor, data []byte) error {
	off := 0
	for off < len(data) {
		fid, consumed, err := descriptor.UnmarshalFID(data[off:])
		if err != nil || consumed == 0 {
			// A zeroed tail (end of the last extent's final sector) decodes
			// as garbage; stop scanning rather than erroring the subtree.
			break
		}
		if err := w.inspectFID(dirICB, fid, data[off:off+consumed], off); err != nil {
			return err
		}
		off += consumed
	}
	return nil
}

// inspectFID implements the FID Inspector (spec 4.11).
func (w *Walker) inspectFID(dirICB descriptor.AllocDescriptor, fid descriptor.FID, raw []byte, offsetInParent int) error {
	var tb [tag.Size]byte
	copy(tb[:], raw[:tag.Size])

	if !tag.ChecksumOK(tb) {
		w.Errors |= consts.ErrChecksum
		return nil
	}

	t := tag.Unmarshal(tb)
	if !tag.CRCOK(t, raw[tag.Size:]) {
		w.Errors |= consts.ErrCRC
	}
	serialMismatch := t.SerialNumber != w.serialNumber
	if serialMismatch {
		w.Errors |= consts.ErrWrongDesc
	}

	// "." (self, LengthOfFileIdent == 0) and ".." (parent) never recurse.
	if fid.LengthOfFileIdent == 0 || fid.IsParent() {
		return nil
	}

	name := decodeFileIdent(fid.FileIdent)
	if !validation.ValidFileIdentifier(name) {
		w.Errors |= consts.ErrDstring
	}

	if fid.IsDeleted() {
		// Still dstring-validated above, but its child is not traversed.
		return nil
	}

	if serialMismatch {
		w.MismatchedSerialFIDs = append(w.MismatchedSerialFIDs, MismatchedSerialFID{
			Name:      name,
			ParentFE:  dirICB,
			FIDOffset: offsetInParent,
		})
	}

	if w.minReadRevision >= consts.UDFRev200 && fid.UniqueID() == 0 {
		w.Errors |= consts.ErrUniqueID
	}

	_, err := w.walkFileEntry(fid.ICB, fid.UniqueID(), true)
	if err == ErrUnfinishedFile {
		w.UnfinishedFiles = append(w.UnfinishedFiles, UnfinishedFile{
			Name:      name,
			ParentFE:  dirICB,
			FIDOffset: offsetInParent,
		})
		return nil
	}
	return err
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

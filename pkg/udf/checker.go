// Package udf implements the Checker: the top-level control flow spec 2
// describes, wiring every other component together in dependency order
// (Block Mapper -> Anchor Locator -> VRS probe -> VDS Loader/Reconciler ->
// Partition/SpaceBitmap -> LVID Loader -> FSD Reader -> Directory Walker ->
// Accounting Engine -> Repair Driver -> report). Grounded on the teacher's
// pkg/iso9660.ISO9660 as the single entry point a cmd/ tool constructs and
// drives (Open, then one pass over the volume), generalized from a single
// read-only parse into a pipeline that optionally repairs as it goes.
package udf

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/accounting"
	"github.com/bgrewell/udf-fsck/pkg/anchor"
	"github.com/bgrewell/udf-fsck/pkg/blockdev"
	"github.com/bgrewell/udf-fsck/pkg/consts"
	"github.com/bgrewell/udf-fsck/pkg/descriptor"
	"github.com/bgrewell/udf-fsck/pkg/fsd"
	"github.com/bgrewell/udf-fsck/pkg/integrity"
	"github.com/bgrewell/udf-fsck/pkg/logging"
	"github.com/bgrewell/udf-fsck/pkg/options"
	"github.com/bgrewell/udf-fsck/pkg/partition"
	"github.com/bgrewell/udf-fsck/pkg/repair"
	"github.com/bgrewell/udf-fsck/pkg/report"
	"github.com/bgrewell/udf-fsck/pkg/vds"
	"github.com/bgrewell/udf-fsck/pkg/vrs"
	"github.com/bgrewell/udf-fsck/pkg/walker"
)

// Checker drives one run of the pipeline against a single device or image.
type Checker struct {
	opts options.RunOptions
	log  *logging.Logger
}

// New constructs a Checker. log may be nil, in which case logging.DefaultLogger
// is used (discards everything), matching the teacher's pkg/logging default.
func New(opts options.RunOptions, log *logging.Logger) *Checker {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Checker{opts: opts, log: log}
}

// Run executes the full pipeline and returns the accumulated report. A
// non-nil error means the run stopped before any report could be
// meaningfully produced; Report.OperationalError is set in that case, or
// Report.UsageError when the -p partition number does not match the
// volume's, so callers can rely on r.ExitCode() even when err != nil.
func (c *Checker) Run() (*report.Report, error) {
	r := &report.Report{}

	dev, sectorSize, anchors, vrsResult, err := c.openAndLocate()
	if err != nil {
		r.OperationalError = true
		return r, err
	}
	defer dev.Close()

	primary := anchors.Anchors[consts.FirstAVDP]
	c.log.Debug("located primary anchor", "sector-size", sectorSize, "serial", primary.AVDP.Tag.SerialNumber)

	if vrsResult.FoundISO9660 && !vrsResult.Recognized {
		r.OperationalError = true
		return r, fmt.Errorf("udf: %s carries a plain ISO 9660 volume structure, not UDF", c.opts.Device)
	}

	drv := repair.New(dev)

	main, err := vds.Load(dev, primary.AVDP.MainVolDescSeqExtent)
	if err != nil {
		r.OperationalError = true
		return r, fmt.Errorf("udf: load Main Volume Descriptor Sequence: %w", err)
	}
	reserve, err := vds.Load(dev, primary.AVDP.ResVolDescSeqExtent)
	if err != nil {
		r.OperationalError = true
		return r, fmt.Errorf("udf: load Reserve Volume Descriptor Sequence: %w", err)
	}
	seqs := vds.VDSSequence{Main: main, Reserve: reserve}

	if err := c.reconcileAndRepairSecondaryAVDP(drv, r, dev, anchors, sectorSize); err != nil {
		c.log.Error(err, "secondary AVDP repair failed")
	}

	pd, err := c.reconcilePD(drv, r, &seqs)
	if err != nil {
		r.OperationalError = true
		return r, err
	}
	lvd, err := c.reconcileLVD(drv, r, &seqs)
	if err != nil {
		r.OperationalError = true
		return r, err
	}
	if err := c.reconcileKind(drv, r, &seqs, consts.TagIdentPVD); err != nil {
		c.log.Error(err, "PVD reconciliation")
	}
	if err := c.reconcileKind(drv, r, &seqs, consts.TagIdentIUVD); err != nil {
		c.log.Error(err, "IUVD reconciliation")
	}
	if err := c.reconcileKind(drv, r, &seqs, consts.TagIdentUSD); err != nil {
		c.log.Error(err, "USD reconciliation")
	}

	if c.opts.PartitionNumber >= 0 && uint16(c.opts.PartitionNumber) != pd.PartitionNumber {
		r.UsageError = true
		return r, fmt.Errorf("udf: -p %d does not match the volume's partition number %d", c.opts.PartitionNumber, pd.PartitionNumber)
	}

	part, err := partition.Load(dev, pd)
	if err != nil {
		r.OperationalError = true
		return r, fmt.Errorf("udf: load partition %d: %w", pd.PartitionNumber, err)
	}
	if part.Errors != 0 {
		r.AddFinding("PD", pd.PartitionStartingLoc, part.Errors, false)
	}
	if part.UnhandledForms {
		c.log.Info("partition header carries table-based or freed-space forms this checker does not repair", "partition", pd.PartitionNumber)
	}

	lvidResult, err := integrity.Load(dev, lvd.IntegritySeqExtent)
	if err != nil {
		r.OperationalError = true
		return r, fmt.Errorf("udf: load LVID: %w", err)
	}
	if lvidResult.Errors != 0 {
		r.AddFinding("LVID", lvd.IntegritySeqExtent.Location, lvidResult.Errors, false)
	}

	fsdResult, err := fsd.Read(dev, lvd, pd.PartitionNumber, pd.PartitionStartingLoc)
	if err != nil {
		r.OperationalError = true
		return r, fmt.Errorf("udf: read FSD: %w", err)
	}
	if fsdResult.Errors != 0 {
		r.AddFinding("FSD", pd.PartitionStartingLoc, fsdResult.Errors, false)
	}

	engine := accounting.New(part)
	serial := primary.AVDP.Tag.SerialNumber
	w := walker.New(dev, pd.PartitionStartingLoc, pd.PartitionNumber, engine, serial, fsdResult.MinUDFRevision, lvidResult.LVID.RecordingTime)

	if err := w.WalkRoot(fsdResult.FSD.RootDirectoryICB); err != nil {
		r.OperationalError = true
		return r, fmt.Errorf("udf: walk root directory: %w", err)
	}
	if fsdResult.FSD.HasStreamDirectory() {
		if err := w.WalkRoot(fsdResult.FSD.StreamDirectoryICB); err != nil {
			c.log.Error(err, "walk stream directory")
		}
	}
	if w.Errors != 0 {
		r.AddFinding("FILE-TREE", pd.PartitionStartingLoc, w.Errors, false)
	}

	r.ObservedFiles = w.Counts.Files
	r.ObservedDirs = w.Counts.Dirs
	r.RecordedFiles = lvidResult.LVID.NumFiles
	r.RecordedDirs = lvidResult.LVID.NumDirs
	r.ObservedFree = engine.FreeBlocks()
	if len(lvidResult.LVID.FreeSpaceTable) > 0 {
		r.RecordedFree = lvidResult.LVID.FreeSpaceTable[0]
	}

	nextUniqueID := engine.NextUniqueID()
	if lvidResult.LVID.NextUniqueID > nextUniqueID {
		nextUniqueID = lvidResult.LVID.NextUniqueID
	}
	for _, gap := range engine.UniqueIDGaps() {
		r.UniqueIDGaps = append(r.UniqueIDGaps, report.UniqueIDGap{After: gap.After, Before: gap.Before})
	}
	if len(r.UniqueIDGaps) > 0 || engine.NextUniqueID() > lvidResult.LVID.NextUniqueID {
		r.AddFinding("LVID:uniqueID", lvd.IntegritySeqExtent.Location, consts.ErrUniqueID, false)
	}

	if len(w.UnfinishedFiles) > 0 {
		c.log.Info("unfinished files found", "count", len(w.UnfinishedFiles))
		for _, uf := range w.UnfinishedFiles {
			if !c.opts.ReadWrite() {
				r.AddFinding("FID:"+uf.Name, pd.PartitionStartingLoc, consts.ErrExtLen, false)
				continue
			}
			if err := c.repairUnfinishedFile(dev, w, pd.PartitionStartingLoc, uf); err != nil {
				c.log.Error(err, "repair unfinished file", "name", uf.Name)
				r.AddFinding("FID:"+uf.Name, pd.PartitionStartingLoc, consts.ErrExtLen, false)
				continue
			}
			r.AddFinding("FID:"+uf.Name, pd.PartitionStartingLoc, consts.ErrExtLen, true)
		}
	}

	for _, ms := range w.MismatchedSerialFIDs {
		if !c.opts.ReadWrite() {
			r.AddFinding("FID:"+ms.Name+":serial", pd.PartitionStartingLoc, consts.ErrWrongDesc, false)
			continue
		}
		if err := c.repairMismatchedSerialFID(dev, w, pd.PartitionStartingLoc, serial, ms); err != nil {
			c.log.Error(err, "repair FID serial number", "name", ms.Name)
			r.AddFinding("FID:"+ms.Name+":serial", pd.PartitionStartingLoc, consts.ErrWrongDesc, false)
			continue
		}
		r.AddFinding("FID:"+ms.Name+":serial", pd.PartitionStartingLoc, consts.ErrWrongDesc, true)
	}

	for _, icb := range w.MismatchedSerialFEs {
		lsn := pd.PartitionStartingLoc + icb.LogicalBlockNum
		if !c.opts.ReadWrite() {
			r.AddFinding("FE:serial", lsn, consts.ErrWrongDesc, false)
			continue
		}
		if err := c.repairMismatchedSerialFE(drv, w, pd.PartitionStartingLoc, serial, icb); err != nil {
			c.log.Error(err, "repair FE serial number")
			r.AddFinding("FE:serial", lsn, consts.ErrWrongDesc, false)
			continue
		}
		r.AddFinding("FE:serial", lsn, consts.ErrWrongDesc, true)
	}

	accountingDrift := r.ObservedFiles != r.RecordedFiles || r.ObservedDirs != r.RecordedDirs
	if part.RecordedBitmap != nil && !part.RecordedBitmap.Equal(part.Observed) {
		accountingDrift = true
		r.AddFinding("SBD", pd.PartitionStartingLoc, consts.ErrFreeSpace, false)
	}

	if accountingDrift && c.opts.ReadWrite() && part.RecordedBitmap != nil {
		sbdAD := pd.PartitionHeader.UnallocatedSpaceBitmap
		sbdLSN := pd.PartitionStartingLoc + sbdAD.LogicalBlockNum
		sbd := descriptor.SBD{NumOfBits: part.RecordedBitmap.Len()}
		if err := drv.RepairPartitionBitmap(sbdLSN, sbd, part.Observed); err != nil {
			c.log.Error(err, "repair partition bitmap")
		} else {
			r.CorrectedCount++
		}
	}

	uniqueIDDrift := nextUniqueID != lvidResult.LVID.NextUniqueID
	if c.opts.ReadWrite() && (accountingDrift || lvidResult.Errors != 0 || uniqueIDDrift) {
		state := integrity.AccountingState{
			FreeSpacePerPartition: []uint32{engine.FreeBlocks()},
			SizePerPartition:      []uint32{pd.PartitionLength},
			NumFiles:              w.Counts.Files,
			NumDirs:               w.Counts.Dirs,
			NextUniqueID:          nextUniqueID,
			MinUDFReadRevision:    engine.MinReadRevision(),
			MinUDFWriteRevision:   engine.MinWriteRevision(),
			MaxUDFWriteRevision:   lvidResult.LVID.MaxUDFWriteRevision,
		}
		if err := drv.RepairLVID(lvd.IntegritySeqExtent.Location, lvidResult, state, lvidResult.LVID.RecordingTime); err != nil {
			c.log.Error(err, "repair LVID")
		} else {
			r.CorrectedCount++
		}
	}

	return r, nil
}

// repairUnfinishedFile implements spec 4.15 item 6's write-back for a File
// Entry whose declared length outran its allocation descriptors: re-read
// the owning directory's data, mark the FID deleted and re-zero its ICB in
// place, and write the directory's extents back. Repair of a directory
// whose own data lives in-ICB is out of scope (spec 9's "in-ICB directory
// repair" open question): the FID fix would require rewriting the
// directory's own File Entry rather than a separate extent, which this
// driver does not yet do.
func (c *Checker) repairUnfinishedFile(dev *blockdev.Device, w *walker.Walker, partitionStart uint32, uf walker.UnfinishedFile) error {
	data, extents, inICB, err := w.ReadDirectoryData(uf.ParentFE)
	if err != nil {
		return fmt.Errorf("udf: re-read directory for unfinished file %q: %w", uf.Name, err)
	}
	if inICB {
		return fmt.Errorf("udf: unfinished file %q lives in an in-ICB directory, repair not supported", uf.Name)
	}
	if err := repair.RepairUnfinishedFile(data, uf); err != nil {
		return fmt.Errorf("udf: mark FID deleted for %q: %w", uf.Name, err)
	}
	if err := repair.WriteDirectoryExtent(dev, partitionStart, extents, data); err != nil {
		return fmt.Errorf("udf: write back directory for %q: %w", uf.Name, err)
	}
	return nil
}

// repairMismatchedSerialFID implements the FID half of spec 4.11's optional
// serial-number repair, following the same re-read/patch/write-back shape
// as repairUnfinishedFile.
func (c *Checker) repairMismatchedSerialFID(dev *blockdev.Device, w *walker.Walker, partitionStart uint32, serial uint16, ms walker.MismatchedSerialFID) error {
	data, extents, inICB, err := w.ReadDirectoryData(ms.ParentFE)
	if err != nil {
		return fmt.Errorf("udf: re-read directory for FID %q: %w", ms.Name, err)
	}
	if inICB {
		return fmt.Errorf("udf: FID %q lives in an in-ICB directory, repair not supported", ms.Name)
	}
	if err := repair.RepairFIDSerial(data, ms.FIDOffset, serial); err != nil {
		return fmt.Errorf("udf: rewrite FID serial number for %q: %w", ms.Name, err)
	}
	if err := repair.WriteDirectoryExtent(dev, partitionStart, extents, data); err != nil {
		return fmt.Errorf("udf: write back directory for %q: %w", ms.Name, err)
	}
	return nil
}

// repairMismatchedSerialFE implements the FE/EFE half of spec 4.11's
// optional serial-number repair: re-read the File Entry and rewrite its
// tag serial number in place.
func (c *Checker) repairMismatchedSerialFE(drv *repair.Driver, w *walker.Walker, partitionStart uint32, serial uint16, icb descriptor.AllocDescriptor) error {
	raw, err := w.ReadRawFileEntry(icb)
	if err != nil {
		return fmt.Errorf("udf: re-read File Entry: %w", err)
	}
	lsn := partitionStart + icb.LogicalBlockNum
	if err := drv.RepairFESerial(lsn, raw, serial); err != nil {
		return fmt.Errorf("udf: rewrite File Entry serial number: %w", err)
	}
	return nil
}

// openAndLocate implements the Block Mapper's sector-size negotiation
// (spec 4.1, 4.3): open the device at each candidate sector size in turn,
// running the VRS probe and the Anchor Locator against it, until both
// corroborate the same sector size. Running the VRS probe inside this loop
// (rather than once afterward against whatever size the Anchor Locator
// settled on) is what lets it actually corroborate sector-size detection
// per spec component "VRS probe" rather than merely re-validate a size
// already committed to. Opens read-only first regardless of opts.ReadWrite,
// then reopens read-write once the size is known, since a failed probe at
// the wrong size must never risk a write.
func (c *Checker) openAndLocate() (*blockdev.Device, uint32, anchor.Set, vrs.Result, error) {
	candidates := consts.SectorSizeCandidates
	if c.opts.ForcedSectorSize != 0 {
		candidates = []uint32{c.opts.ForcedSectorSize}
	}

	var lastErr error
	for _, ssize := range candidates {
		dev, err := blockdev.Open(c.opts.Device, ssize, true)
		if err != nil {
			lastErr = err
			continue
		}

		vrsResult, err := vrs.Probe(dev)
		if err != nil {
			dev.Close()
			lastErr = err
			continue
		}

		set, err := anchor.Locate(dev, ssize)
		if err != nil {
			dev.Close()
			lastErr = err
			continue
		}
		dev.Close()

		if !c.opts.ReadWrite() {
			dev, err = blockdev.Open(c.opts.Device, ssize, true)
		} else {
			dev, err = blockdev.Open(c.opts.Device, ssize, false)
		}
		if err != nil {
			return nil, 0, anchor.Set{}, vrs.Result{}, err
		}
		return dev, ssize, set, vrsResult, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("udf: no candidate sector size produced both a valid VRS and a valid anchor")
	}
	return nil, 0, anchor.Set{}, vrs.Result{}, lastErr
}

// reconcileAndRepairSecondaryAVDP implements spec 4.15 policies 2 and 3:
// widen either extent that is too short, and copy the primary AVDP over
// whichever of SECOND_AVDP/THIRD_AVDP failed validation, provided the
// anchor set agreed on a serial number.
func (c *Checker) reconcileAndRepairSecondaryAVDP(drv *repair.Driver, r *report.Report, dev *blockdev.Device, set anchor.Set, sectorSize uint32) error {
	primary := set.Anchors[consts.FirstAVDP]
	if primary.Errors&consts.ErrExtLen != 0 && c.opts.ReadWrite() {
		widened, err := drv.WidenAVDPExtents(primary.AVDP, consts.AVDPFirstSector, sectorSize)
		if err != nil {
			return err
		}
		primary.AVDP = widened
		r.AddFinding("AVDP:FIRST", consts.AVDPFirstSector, consts.ErrExtLen, true)
	} else if primary.Errors != 0 {
		r.AddFinding("AVDP:FIRST", consts.AVDPFirstSector, primary.Errors, false)
	}

	if !set.SerialNumberConsistent || !c.opts.ReadWrite() {
		return nil
	}

	for _, slot := range []consts.AVDPSlot{consts.SecondAVDP, consts.ThirdAVDP} {
		a := set.Anchors[slot]
		if a.Errors == 0 {
			continue
		}
		lsn := secondaryLSN(slot, dev.SectorCount())
		if err := drv.RepairSecondaryAVDP(primary.AVDP, lsn); err != nil {
			return fmt.Errorf("udf: repair %s: %w", slot, err)
		}
		r.AddFinding("AVDP:"+slot.String(), lsn, a.Errors, true)
	}
	return nil
}

func secondaryLSN(slot consts.AVDPSlot, sectorCount uint32) uint32 {
	switch slot {
	case consts.SecondAVDP:
		return sectorCount - 1
	case consts.ThirdAVDP:
		return sectorCount - 1 - consts.AVDPThirdFromTail
	default:
		return consts.AVDPFirstSector
	}
}

// reconcileKind runs the VDS Reconciler for one descriptor kind and, when
// the two copies disagree and autofix/interactive is enabled, repairs the
// damaged side in place (spec 4.15 policy 1).
func (c *Checker) reconcileKind(drv *repair.Driver, r *report.Report, seqs *vds.VDSSequence, ident uint16) error {
	source, errs, err := seqs.Reconcile(ident)
	if err != nil {
		r.AddFinding(kindName(ident), 0, errs, false)
		return err
	}
	if errs == 0 {
		return nil
	}
	r.AddFinding(kindName(ident), 0, errs, false)
	if !c.opts.ReadWrite() {
		return nil
	}
	_ = source
	if err := drv.ReconcileVDSSlot(seqs.Main, seqs.Reserve, ident); err != nil {
		return err
	}
	r.Findings[len(r.Findings)-1].Repaired = true
	r.CorrectedCount++
	r.UncorrectedCount--
	return nil
}

func (c *Checker) reconcilePD(drv *repair.Driver, r *report.Report, seqs *vds.VDSSequence) (descriptor.PD, error) {
	if err := c.reconcileKind(drv, r, seqs, consts.TagIdentPD); err != nil {
		return descriptor.PD{}, err
	}
	source, _, err := seqs.Reconcile(consts.TagIdentPD)
	if err != nil {
		return descriptor.PD{}, err
	}
	var pd *descriptor.PD
	if source == vds.SourceReserve {
		pd = seqs.Reserve.PD
	} else {
		pd = seqs.Main.PD
	}
	if pd == nil {
		return descriptor.PD{}, fmt.Errorf("udf: no usable Partition Descriptor in either sequence")
	}
	return *pd, nil
}

func (c *Checker) reconcileLVD(drv *repair.Driver, r *report.Report, seqs *vds.VDSSequence) (descriptor.LVD, error) {
	if err := c.reconcileKind(drv, r, seqs, consts.TagIdentLVD); err != nil {
		return descriptor.LVD{}, err
	}
	source, _, err := seqs.Reconcile(consts.TagIdentLVD)
	if err != nil {
		return descriptor.LVD{}, err
	}
	var lvd *descriptor.LVD
	if source == vds.SourceReserve {
		lvd = seqs.Reserve.LVD
	} else {
		lvd = seqs.Main.LVD
	}
	if lvd == nil {
		return descriptor.LVD{}, fmt.Errorf("udf: no usable Logical Volume Descriptor in either sequence")
	}
	return *lvd, nil
}

func kindName(ident uint16) string {
	switch ident {
	case consts.TagIdentPVD:
		return "PVD"
	case consts.TagIdentIUVD:
		return "IUVD"
	case consts.TagIdentPD:
		return "PD"
	case consts.TagIdentLVD:
		return "LVD"
	case consts.TagIdentUSD:
		return "USD"
	case consts.TagIdentTD:
		return "TD"
	default:
		return fmt.Sprintf("KIND-%d", ident)
	}
}

// Package accounting implements the Accounting Engine (spec 4.13): the
// mutators the Directory Walker and File Entry Walker call as they mark
// extents used, plus the monotonic UDF revision tracking every component
// feeds into.
package accounting

import (
	"fmt"
	"sort"

	"github.com/bgrewell/udf-fsck/pkg/partition"
)

// Engine tracks one partition's observed space usage plus the checker's
// running minimum/maximum UDF revision observations.
type Engine struct {
	bitmap            *partition.Bitmap
	partitionNumBlocks uint32

	minReadRevision  uint16
	minWriteRevision uint16
	maxWriteRevision uint16

	nextUniqueID uint64
	uniqueIDs    []uint64

	// SoftWarnings counts non-fatal inconsistencies, such as marking an
	// already-used block, that the Repair Driver reports but does not
	// abort on.
	SoftWarnings int
}

// New creates an Engine over p's observed bitmap.
func New(p *partition.Partition) *Engine {
	return &Engine{bitmap: p.Observed, partitionNumBlocks: p.PD.PartitionLength}
}

// ceilBlocks converts a byte length into the number of blocks it spans,
// given blockSize.
func ceilBlocks(byteLength uint64, blockSize uint32) uint32 {
	if blockSize == 0 {
		return 0
	}
	blocks := byteLength / uint64(blockSize)
	if byteLength%uint64(blockSize) != 0 {
		blocks++
	}
	return uint32(blocks)
}

// IncrementUsed marks byteLength bytes starting at startingBlock as used,
// converting to ceil-blocks first (spec 4.13). Marking an already-used
// block is a soft warning, not an error; only a range exceeding the
// partition is fatal.
func (e *Engine) IncrementUsed(byteLength uint64, startingBlock uint32, blockSize uint32) error {
	blocks := ceilBlocks(byteLength, blockSize)
	if blocks == 0 {
		return nil
	}
	if startingBlock+blocks > e.partitionNumBlocks {
		return fmt.Errorf("accounting: marking blocks [%d, %d) exceeds partition length %d", startingBlock, startingBlock+blocks, e.partitionNumBlocks)
	}
	for b := startingBlock; b < startingBlock+blocks; b++ {
		if !e.bitmap.Free(b) {
			e.SoftWarnings++
		}
	}
	return e.bitmap.MarkUsed(startingBlock, blocks)
}

// DecrementUsed is IncrementUsed's inverse (spec 4.13).
func (e *Engine) DecrementUsed(byteLength uint64, startingBlock uint32, blockSize uint32) error {
	blocks := ceilBlocks(byteLength, blockSize)
	if blocks == 0 {
		return nil
	}
	if startingBlock+blocks > e.partitionNumBlocks {
		return fmt.Errorf("accounting: unmarking blocks [%d, %d) exceeds partition length %d", startingBlock, startingBlock+blocks, e.partitionNumBlocks)
	}
	return e.bitmap.MarkFree(startingBlock, blocks)
}

// UsedBlocks returns partition_num_blocks - free_space_blocks (spec 4.13).
func (e *Engine) UsedBlocks() uint32 {
	return e.partitionNumBlocks - e.bitmap.FreeBlocks()
}

// FreeBlocks returns the observed free block count.
func (e *Engine) FreeBlocks() uint32 {
	return e.bitmap.FreeBlocks()
}

// UpdateMinUDFRev monotonically upgrades the minimum read/write revisions
// observed so far (spec 4.13). Max-write is set explicitly from the LVID
// only, via SetMaxWriteRevision, never derived here.
func (e *Engine) UpdateMinUDFRev(rev uint16) {
	if rev > e.minReadRevision {
		e.minReadRevision = rev
	}
	if rev > e.minWriteRevision {
		e.minWriteRevision = rev
	}
}

// SetMaxWriteRevision records the LVID's own maximum-write-revision value,
// which this checker never derives from observation.
func (e *Engine) SetMaxWriteRevision(rev uint16) {
	e.maxWriteRevision = rev
}

// MinReadRevision returns the running minimum UDF read revision.
func (e *Engine) MinReadRevision() uint16 { return e.minReadRevision }

// MinWriteRevision returns the running minimum UDF write revision.
func (e *Engine) MinWriteRevision() uint16 { return e.minWriteRevision }

// MaxWriteRevision returns the LVID-sourced maximum UDF write revision.
func (e *Engine) MaxWriteRevision() uint16 { return e.maxWriteRevision }

// ObserveUniqueID records a non-deleted FE/EFE's UniqueID as seen during the
// walk (spec 4.13 item 5, P4), feeding both the running next-unique-ID
// watermark and the gap detector. A zero UniqueID carries no information
// (it denotes "not yet assigned" below UDF rev 2.00) and is ignored here;
// the FID Inspector separately flags it via consts.ErrUniqueID (E_UUID).
func (e *Engine) ObserveUniqueID(id uint64) {
	if id == 0 {
		return
	}
	e.uniqueIDs = append(e.uniqueIDs, id)
	if id+1 > e.nextUniqueID {
		e.nextUniqueID = id + 1
	}
}

// NextUniqueID returns one past the highest UniqueID observed during the
// walk, the value a correct LVID's uniqueID field should be at least as
// large as (spec 4.13 item 5, P4).
func (e *Engine) NextUniqueID() uint64 { return e.nextUniqueID }

// UniqueIDGap records a break in an otherwise-increasing run of observed
// UniqueIDs: every value strictly between After and Before was never seen.
type UniqueIDGap struct {
	After  uint64
	Before uint64
}

// UniqueIDGaps sorts the UniqueIDs observed during the walk and reports
// every non-adjacent pair of distinct values, surfacing UniqueIDs that were
// skipped or never recorded in sequence (spec 4.13 item 5). A UniqueID
// observed more than once is not reported.
func (e *Engine) UniqueIDGaps() []UniqueIDGap {
	if len(e.uniqueIDs) < 2 {
		return nil
	}
	ids := append([]uint64(nil), e.uniqueIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var gaps []UniqueIDGap
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			continue
		}
		if ids[i] > ids[i-1]+1 {
			gaps = append(gaps, UniqueIDGap{After: ids[i-1], Before: ids[i]})
		}
	}
	return gaps
}

package vds

import (
	"fmt"

	"github.com/bgrewell/udf-fsck/pkg/consts"
)

// VDSSequence holds both independent walks the VDS Loader performs: Main
// and Reserve, per the AVDP's two extents (spec 4.4).
type VDSSequence struct {
	Main    Sequence
	Reserve Sequence
}

// reconcilerFatalMask is the set of per-kind errors that disqualify a copy
// from being used, per spec 4.5.
const reconcilerFatalMask = consts.ErrCRC | consts.ErrChecksum | consts.ErrWrongDesc

// Source names which copy of a VDS descriptor the Reconciler selected.
type Source int

const (
	SourceNone Source = iota
	SourceMain
	SourceReserve
)

func (s Source) String() string {
	switch s {
	case SourceMain:
		return "main"
	case SourceReserve:
		return "reserve"
	default:
		return "none"
	}
}

// Reconcile picks the trustworthy copy of the descriptor identified by
// ident: Main if its recorded errors carry none of E_CRC/E_CHECKSUM/
// E_WRONGDESC, else Reserve under the same test, else SourceNone meaning
// no correct copy exists for that kind (spec 4.5).
func (v VDSSequence) Reconcile(ident uint16) (Source, consts.ErrorFlags, error) {
	mainErr, mainSeen := v.Main.KindErrors[ident]
	if mainSeen && mainErr&reconcilerFatalMask == 0 {
		return SourceMain, mainErr, nil
	}

	reserveErr, reserveSeen := v.Reserve.KindErrors[ident]
	if reserveSeen && reserveErr&reconcilerFatalMask == 0 {
		return SourceReserve, reserveErr, nil
	}

	if !mainSeen && !reserveSeen {
		return SourceNone, 0, fmt.Errorf("vds: neither sequence carries tag identifier %d", ident)
	}
	return SourceNone, 0, fmt.Errorf("vds: no correct copy of tag identifier %d in either sequence", ident)
}

// Package options holds RunOptions, the single read-only-after-parse value
// threaded through every component instead of process-wide globals (spec
// 9's design note: "re-architect into an explicit RunOptions value threaded
// into the walker"). Grounded on the teacher's cmd/ tools, each of which
// builds one options struct from github.com/bgrewell/usage and passes it
// down rather than reading flags from deeper packages.
package options

// RunOptions is built once by cmd/udffsck's flag parsing and never mutated
// afterward; every component that needs a run-time choice takes it (or a
// field of it) as a constructor argument.
type RunOptions struct {
	// Device is the positional path to the block device or image file.
	Device string

	// ForcedSectorSize overrides the Anchor Locator's auto-detection when
	// nonzero (the `-b SIZE` flag).
	ForcedSectorSize uint32

	// PartitionNumber is the partition number the volume is checked
	// against (the `-p` flag, supplemented from the original checker).
	// When it is >= 0, Checker.Run requires the reconciled Partition
	// Descriptor's number to equal it and stops with a usage error
	// otherwise; -1 skips that check.
	PartitionNumber int

	// Interactive enables the repair prompt: each proposed write is
	// described and confirmed before being applied.
	Interactive bool

	// Autofix applies every proposed repair without prompting.
	Autofix bool

	// Verbosity is 0 by default (info and above, suppressed only under
	// Quiet), 1 (debug) with `-v`, and 2 (trace) with `-vv`.
	Verbosity int

	// Quiet suppresses all logging except the final one-line summary
	// (spec 7).
	Quiet bool
}

// ReadWrite reports whether the run may write to the device at all: the
// Block Mapper only opens read/write, and only flushes on release, when
// this is true (spec 4.1).
func (o RunOptions) ReadWrite() bool {
	return o.Interactive || o.Autofix
}

// Command udffsck checks (and optionally repairs) a UDF/ECMA-167 volume on
// a block device or disk image. Grounded on cmd/isoview's use of
// github.com/bgrewell/usage for argument parsing and the version banner,
// generalized from a single read-only inspection tool into one that can
// also write repairs back when -i or -y is given.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/bgrewell/udf-fsck/pkg/logging"
	"github.com/bgrewell/udf-fsck/pkg/options"
	"github.com/bgrewell/udf-fsck/pkg/report"
	"github.com/bgrewell/udf-fsck/pkg/udf"
	"github.com/bgrewell/udf-fsck/pkg/version"
	"github.com/bgrewell/usage"
	"github.com/theckman/yacspin"
	"golang.org/x/term"
)

func main() {
	u := usage.NewUsage(
		usage.WithApplicationVersion(version.Version()),
		usage.WithApplicationBranch(version.Branch()),
		usage.WithApplicationBuildDate(version.Date()),
		usage.WithApplicationCommitHash(version.Revision()),
		usage.WithApplicationName("udffsck"),
		usage.WithApplicationDescription("udffsck checks a UDF/ECMA-167 volume for structural consistency and, when run interactively or with autofix, repairs what it can."),
	)

	help := u.AddBooleanOption("h", "help", false, "Show this help message", "", nil)
	verbose := u.AddBooleanOption("v", "verbose", false, "Enable debug logging", "", nil)
	trace := u.AddBooleanOption("vv", "trace", false, "Enable trace logging", "", nil)
	quiet := u.AddBooleanOption("q", "quiet", false, "Suppress all output except the final summary", "", nil)
	interactive := u.AddBooleanOption("i", "interactive", false, "Prompt before applying each repair", "", nil)
	autofix := u.AddBooleanOption("y", "autofix", false, "Apply every proposed repair without prompting", "", nil)
	sectorSize := u.AddIntegerOption("b", "sector-size", 0, "Force a sector size instead of auto-detecting one", "", nil)
	partitionNum := u.AddIntegerOption("p", "partition", -1, "Check against a specific partition number instead of the one the volume names", "", nil)
	device := u.AddArgument(1, "device", "Path to the block device or disk image to check", "")

	parsed := u.Parse()
	if !parsed {
		u.PrintError(fmt.Errorf("failed to parse arguments"))
		os.Exit(int(report.ExitUsageError))
	}
	if *help {
		u.PrintUsage()
		os.Exit(report.ExitOK)
	}
	if device == nil || *device == "" {
		u.PrintError(fmt.Errorf("path to the device or image <device> must be provided"))
		os.Exit(report.ExitUsageError)
	}
	if *interactive && *autofix {
		u.PrintError(fmt.Errorf("-i and -y are mutually exclusive"))
		os.Exit(report.ExitUsageError)
	}

	verbosity := 0
	if *trace {
		verbosity = logging.LEVEL_TRACE
	} else if *verbose {
		verbosity = logging.LEVEL_DEBUG
	}

	var log *logging.Logger
	if *quiet {
		log = logging.DefaultLogger()
	} else {
		sink := logging.NewSimpleLogger(os.Stderr, verbosity, true)
		log = logging.NewLogger(sink)
	}

	opts := options.RunOptions{
		Device:           *device,
		ForcedSectorSize: uint32(*sectorSize),
		PartitionNumber:  *partitionNum,
		Interactive:      *interactive,
		Autofix:          *autofix,
		Verbosity:        verbosity,
		Quiet:            *quiet,
	}

	spinner := startSpinner(opts)

	checker := udf.New(opts, log)
	r, err := checker.Run()

	stopSpinner(spinner, err)

	if err != nil {
		log.Error(err, "check failed")
	}

	if !opts.Quiet {
		r.WriteFindings(os.Stdout)
	}
	r.Summary(os.Stdout)

	os.Exit(r.ExitCode())
}

// startSpinner engages a terminal spinner for the duration of the walk when
// stdout is a TTY and output has not been silenced; it is a no-op otherwise
// so redirected or quiet runs never see spinner escape codes in their logs.
func startSpinner(opts options.RunOptions) *yacspin.Spinner {
	if opts.Quiet || !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}
	s, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " checking volume",
		SuffixAutoColon: true,
		Message:         "scanning",
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		return nil
	}
	if err := s.Start(); err != nil {
		return nil
	}
	return s
}

func stopSpinner(s *yacspin.Spinner, runErr error) {
	if s == nil {
		return
	}
	if runErr != nil {
		s.StopFailMessage("check failed")
		_ = s.StopFail()
		return
	}
	s.StopMessage("done")
	_ = s.Stop()
}

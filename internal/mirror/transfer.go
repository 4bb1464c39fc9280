package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TransferSpec describes one invocation of the bulk-transfer capability.
// It is created per transfer step and discarded after execution.
type TransferSpec struct {
	// Source and Dest are the remote source location and the local
	// destination directory.  Dest is created if missing.
	Source string
	Dest   string

	// Includes is an rsync --include chain terminated by an implicit
	// --exclude=* selecting a subtree of the source.  Mutually exclusive
	// with FileList.
	Includes []string

	// FileList restricts the transfer to an explicit set of relative
	// paths.  The list is passed order-stable (sorted) so repeated runs
	// with unchanged selection produce identical invocations, and so
	// locally present files absent from the list are eligible for the
	// deletion pass.  Mutually exclusive with Includes.
	FileList []string

	// Delete removes local files absent from the remote set after the
	// transfer.  Only valid when the spec covers the full authoritative
	// file set for Dest.
	Delete bool

	// HardLinks preserves hard links, worthwhile on RPM trees where
	// upstream dedupes packages across components.
	HardLinks bool

	// DryRun asks the transfer to report changes without applying them.
	DryRun bool

	// Timeout overrides the I/O timeout from the base options when set.
	Timeout time.Duration
}

// Runner executes the external transfer command.  Implementations must
// not kill a started process on context cancellation: an in-flight
// transfer has to reach a clean exit so the destination tree stays
// consistent with any deletion pass.  Callers gate on ctx before Run.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (exitCode int, output string, err error)
}

type execRunner struct{}

func (execRunner) Run(_ context.Context, name string, args []string) (int, string, error) {
	// Deliberately not exec.CommandContext: cancellation is handled
	// between transfers, never by signaling a running rsync.
	cmd := exec.Command(name, args...) // #nosec G204 - name and args are built from validated configuration
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, string(out), nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), string(out), nil
	default:
		return -1, string(out), err
	}
}

// Executor invokes the external mirror-transfer capability once per
// Transfer call and classifies the outcome.  Retrying is the Retrier's
// job, not the Executor's.
type Executor struct {
	rsyncPath string
	baseOpts  []string
	runner    Runner
}

// NewExecutor creates an Executor running the given rsync binary with the
// given base options on every invocation.
func NewExecutor(rsyncPath string, baseOpts []string) *Executor {
	return &Executor{
		rsyncPath: rsyncPath,
		baseOpts:  baseOpts,
		runner:    execRunner{},
	}
}

// Transfer performs one transfer according to spec.
//
// A nil return means the transfer succeeded.  Failures are classified:
// errors marked Transient are retryable (connection slots exhausted,
// network errors, timeouts), errors marked Permanent are not (bad paths,
// authentication failures, malformed arguments).
func (e *Executor) Transfer(ctx context.Context, spec *TransferSpec) error {
	if len(spec.FileList) > 0 && len(spec.Includes) > 0 {
		return Permanent(errors.New("transfer spec has both a file list and include filters"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(spec.Dest, 0750); err != nil {
		return Permanent(errors.Wrap(err, "transfer destination"))
	}

	args := make([]string, 0, len(e.baseOpts)+len(spec.Includes)+8)
	args = append(args, e.baseOpts...)

	if spec.HardLinks {
		args = append(args, "--hard-links")
	}
	if spec.DryRun {
		args = append(args, "--dry-run")
	}
	if spec.Timeout > 0 {
		args = append(args, fmt.Sprintf("--timeout=%d", int(spec.Timeout.Seconds())))
	}
	if spec.Delete {
		args = append(args, "--delete-after")
	}

	var listFile string
	switch {
	case len(spec.FileList) > 0:
		f, err := writeFileList(spec.FileList)
		if err != nil {
			return Permanent(errors.Wrap(err, "write file list"))
		}
		listFile = f
		defer func() {
			if err := os.Remove(listFile); err != nil {
				slog.Warn("failed to remove file list", "file", listFile, "error", err)
			}
		}()
		// --archive does not imply --recursive under --files-from, and
		// --relative is needed to recreate the listed directory structure.
		args = append(args, "--files-from="+listFile, "--recursive", "--relative")
	case len(spec.Includes) > 0:
		for _, inc := range spec.Includes {
			args = append(args, "--include="+inc)
		}
		args = append(args, "--exclude=*")
	}

	args = append(args, spec.Source, spec.Dest+"/")

	slog.Debug("executing transfer", "command", e.rsyncPath, "args", strings.Join(args, " "))

	exitCode, output, err := e.runner.Run(ctx, e.rsyncPath, args)
	if err != nil {
		return Permanent(errors.Wrap(err, "invoke "+e.rsyncPath))
	}
	if exitCode == 0 {
		return nil
	}
	return classify(exitCode, output)
}

// writeFileList writes the sorted relative paths to a temporary file for
// rsync --files-from.
func writeFileList(paths []string) (string, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	f, err := os.CreateTemp("", "reposync-files-")
	if err != nil {
		return "", err
	}
	for _, p := range sorted {
		if _, err := fmt.Fprintln(f, p); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Transient rsync exit codes: socket I/O (10), protocol stream (12),
// partial transfer (23), vanished source files (24), I/O timeout (30),
// daemon connection timeout (35).
var transientExitCodes = map[int]bool{
	10: true,
	12: true,
	23: true,
	24: true,
	30: true,
	35: true,
}

// Permanent rsync exit codes: syntax/usage (1), protocol incompatibility
// (2), file selection errors (3), client-server startup such as a refused
// or unauthenticated daemon connection (5).
var permanentExitCodes = map[int]bool{
	1: true,
	2: true,
	3: true,
	5: true,
}

// classify maps a non-zero transfer exit to the error taxonomy.
//
// Output text takes precedence over the exit code: rsync daemons report
// exhausted connection slots with the same exit code as a hard refusal,
// distinguishable only by the "max connections" message.
func classify(exitCode int, output string) error {
	err := errors.Newf("rsync exited with code %d: %s", exitCode, lastLine(output))

	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "max connections"):
		return Transient(err)
	case strings.Contains(lower, "@error: auth failed"),
		strings.Contains(lower, "permission denied"):
		return Permanent(err)
	}

	if permanentExitCodes[exitCode] {
		return Permanent(err)
	}
	if transientExitCodes[exitCode] {
		return Transient(err)
	}
	// Unknown failures get the benefit of a retry; exhaustion turns them
	// terminal anyway.
	return Transient(err)
}

// lastLine extracts the last non-empty output line for compact error text.
func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

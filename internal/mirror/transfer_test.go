package mirror

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

// fakeRunner records transfer invocations instead of running rsync.  The
// optional respond hook picks the exit code and output per invocation;
// without it every transfer succeeds.
type fakeRunner struct {
	respond func(name string, args []string) (int, string)

	calls     [][]string
	fileLists [][]string
}

func (r *fakeRunner) Run(_ context.Context, name string, args []string) (int, string, error) {
	r.calls = append(r.calls, args)

	// Capture --files-from contents before Transfer removes the temp file.
	var list []string
	for _, arg := range args {
		if path, ok := strings.CutPrefix(arg, "--files-from="); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return -1, "", err
			}
			list = strings.Fields(string(data))
		}
	}
	r.fileLists = append(r.fileLists, list)

	if r.respond != nil {
		code, out := r.respond(name, args)
		return code, out, nil
	}
	return 0, "", nil
}

func (r *fakeRunner) last() []string {
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func newTestExecutor(runner Runner) *Executor {
	e := NewExecutor("rsync", []string{"--archive", "--partial"})
	e.runner = runner
	return e
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestTransferIncludeChain(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	e := newTestExecutor(runner)
	dest := filepath.Join(t.TempDir(), "debian")

	err := e.Transfer(context.Background(), &TransferSpec{
		Source:   "rsync://mirror.example.org/debian/dists/",
		Dest:     dest,
		Includes: []string{"/bookworm/", "/bookworm/Release"},
		Delete:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	args := runner.last()
	want := []string{
		"--archive", "--partial",
		"--delete-after",
		"--include=/bookworm/", "--include=/bookworm/Release",
		"--exclude=*",
		"rsync://mirror.example.org/debian/dists/",
		dest + "/",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %q, want %q", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}

	if _, err := os.Stat(dest); err != nil {
		t.Errorf("destination directory not created: %v", err)
	}
}

func TestTransferFileList(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	e := newTestExecutor(runner)

	err := e.Transfer(context.Background(), &TransferSpec{
		Source:   "rsync://mirror.example.org/debian/",
		Dest:     filepath.Join(t.TempDir(), "debian"),
		FileList: []string{"pool/main/z/zsh_5.9_amd64.deb", "pool/main/a/abc_1.0_amd64.deb"},
	})
	if err != nil {
		t.Fatal(err)
	}

	args := runner.last()
	if !hasArg(args, "--recursive") || !hasArg(args, "--relative") {
		t.Errorf("file list transfer must force --recursive and --relative: %q", args)
	}
	if hasArg(args, "--delete-after") {
		t.Errorf("deletion was not requested: %q", args)
	}

	// The list is handed over sorted so repeated runs are stable.
	got := runner.fileLists[0]
	want := []string{"pool/main/a/abc_1.0_amd64.deb", "pool/main/z/zsh_5.9_amd64.deb"}
	if len(got) != len(want) {
		t.Fatalf("file list = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("file list[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTransferFlagBuilding(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	e := newTestExecutor(runner)

	err := e.Transfer(context.Background(), &TransferSpec{
		Source:    "msync.example.org::rocky/8/BaseOS/x86_64/os/",
		Dest:      filepath.Join(t.TempDir(), "rocky"),
		Includes:  []string{"/repodata/", "/repodata/**"},
		Delete:    true,
		HardLinks: true,
		DryRun:    true,
	})
	if err != nil {
		t.Fatal(err)
	}

	args := runner.last()
	for _, flag := range []string{"--hard-links", "--dry-run", "--delete-after"} {
		if !hasArg(args, flag) {
			t.Errorf("missing %s in %q", flag, args)
		}
	}
}

func TestTransferRejectsListWithIncludes(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	e := newTestExecutor(runner)

	err := e.Transfer(context.Background(), &TransferSpec{
		Source:   "rsync://mirror.example.org/debian/",
		Dest:     t.TempDir(),
		Includes: []string{"/dists/"},
		FileList: []string{"pool/main/a/abc_1.0_amd64.deb"},
	})
	if err == nil {
		t.Fatal("expected an error for a spec with both selections")
	}
	if IsTransient(err) {
		t.Error("malformed spec must be a permanent failure")
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner invoked %d times, want 0", len(runner.calls))
	}
}

func TestTransferCancelled(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	e := newTestExecutor(runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Transfer(ctx, &TransferSpec{
		Source: "rsync://mirror.example.org/debian/",
		Dest:   t.TempDir(),
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner invoked %d times after cancellation, want 0", len(runner.calls))
	}
}

func TestTransferClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		exitCode  int
		output    string
		transient bool
	}{
		{name: "socket io", exitCode: 10, output: "rsync: connection refused", transient: true},
		{name: "protocol stream", exitCode: 12, transient: true},
		{name: "partial transfer", exitCode: 23, transient: true},
		{name: "vanished files", exitCode: 24, transient: true},
		{name: "io timeout", exitCode: 30, transient: true},
		{name: "daemon timeout", exitCode: 35, transient: true},
		{name: "usage error", exitCode: 1, transient: false},
		{name: "protocol mismatch", exitCode: 2, transient: false},
		{name: "selection error", exitCode: 3, transient: false},
		{name: "startup error", exitCode: 5, output: "@ERROR: access denied", transient: false},
		{
			// Exhausted connection slots share exit code 5 with hard
			// refusals; the message text decides.
			name:      "max connections",
			exitCode:  5,
			output:    "@ERROR: max connections (25) reached -- try again later",
			transient: true,
		},
		{name: "auth failure", exitCode: 10, output: "@ERROR: auth failed on module rocky", transient: false},
		{name: "permission denied", exitCode: 23, output: "rsync: opendir failed: Permission denied (13)", transient: false},
		{name: "unknown code", exitCode: 42, transient: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{respond: func(string, []string) (int, string) {
				return tc.exitCode, tc.output
			}}
			e := newTestExecutor(runner)

			err := e.Transfer(context.Background(), &TransferSpec{
				Source: "rsync://mirror.example.org/debian/",
				Dest:   t.TempDir(),
			})
			if err == nil {
				t.Fatal("expected a classified failure")
			}
			if got := IsTransient(err); got != tc.transient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", got, tc.transient, err)
			}
		})
	}
}

func TestTransferSuccessIsNil(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{respond: func(string, []string) (int, string) {
		return 0, "sent 1,024 bytes  received 35 bytes"
	}}
	e := newTestExecutor(runner)

	err := e.Transfer(context.Background(), &TransferSpec{
		Source: "rsync://mirror.example.org/debian/",
		Dest:   t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const lockFilename = ".lock"

// RunOptions carry the per-invocation flags of a sync run.
type RunOptions struct {
	Quiet  bool
	DryRun bool
}

// Run synchronizes the selected repositories.
//
// The first thing to do is to acquire flock on the lock file so
// overlapping runs cannot interleave their deletion passes.
//
// ids is a list of repository IDs defined in the configuration file (or
// keys in config.Repos).  If ids is an empty list, all repositories are
// synchronized.  Targets run with bounded concurrency and are fully
// independent: one target's failure never prevents the others from being
// attempted.  Run returns an error when any target failed; partial
// success is reported, not escalated into an early abort.
func Run(ctx context.Context, config *Config, ids []string, opts RunOptions) error {
	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return errors.Wrap(err, "Run")
	}

	unlock, err := acquireLock(config.Dir)
	if err != nil {
		return errors.Wrap(err, "Run")
	}
	defer unlock()

	targets, err := ExpandTargets(config, ids)
	if err != nil {
		return errors.Wrap(err, "Run")
	}
	if len(targets) == 0 {
		return errors.New("no repositories configured")
	}

	if opts.DryRun {
		slog.Info("dry-run mode: transfers report changes without applying them")
	}
	slog.Info("sync starts", "targets", len(targets), "max_concurrent", config.MaxConcurrent)

	executor := NewExecutor(config.RsyncPath, config.RsyncOptions)
	retrier := NewRetrier(config.Retry)

	var bar *pb.ProgressBar
	if !opts.Quiet {
		bar = pb.StartNew(len(targets))
	}

	var completed atomic.Int64
	total := int64(len(targets))
	results := make([]*SyncResult, len(targets))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(config.MaxConcurrent)

	for i, target := range targets {
		group.Go(func() error {
			m := NewMirror(target, executor, retrier, opts.DryRun)
			results[i] = m.Sync(groupCtx)

			done := completed.Add(1)
			if bar != nil {
				bar.Increment()
			}
			slog.Info("progress", "completed", done, "total", total,
				"repo", target.ID(), "state", results[i].State)
			// Target failures are collected, not returned: returning an
			// error here would cancel the sibling targets.
			return nil
		})
	}
	_ = group.Wait()

	if bar != nil {
		bar.Finish()
	}

	return summarize(results)
}

// summarize reports the aggregate outcome of a run.
func summarize(results []*SyncResult) error {
	var succeeded int
	var failed []*SyncResult
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.State == StateDone {
			succeeded++
		} else {
			failed = append(failed, r)
		}
	}

	slog.Info("sync ends", "succeeded", succeeded, "failed", len(failed))
	if len(failed) == 0 {
		return nil
	}

	errs := make([]error, 0, len(failed))
	for _, r := range failed {
		errs = append(errs, errors.Wrap(r.Err, r.Target))
	}
	return errors.Wrapf(errors.Join(errs...), "%d of %d targets failed",
		len(failed), succeeded+len(failed))
}

// acquireLock takes an exclusive flock on the run lock file and returns
// the release function.
func acquireLock(dir string) (func(), error) {
	lockFile := filepath.Join(dir, lockFilename)

	file, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE, 0644) // #nosec G304,G302 - path is rooted at validated config.Dir, 0644 standard for lock files
	if err != nil {
		return nil, err
	}

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close lock file", "error", closeErr)
		}
		return nil, errors.Wrap(err, "another sync appears to be running")
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
	}, nil
}

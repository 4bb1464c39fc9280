package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

// TargetState is the position of a target in its sync state machine.
type TargetState int

// Target states, in phase order.
const (
	StatePending TargetState = iota
	StateMetadataSyncing
	StateContentFiltering
	StateContentSyncing
	StateAuxSyncing
	StateDone
	StateFailed
)

func (s TargetState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateMetadataSyncing:
		return "metadata-syncing"
	case StateContentFiltering:
		return "content-filtering"
	case StateContentSyncing:
		return "content-syncing"
	case StateAuxSyncing:
		return "aux-syncing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// SyncResult is the outcome of one target's sync.
type SyncResult struct {
	Target   string
	State    TargetState
	Selected int // content files selected by the filter, if any
	Elapsed  time.Duration
	Err      error
}

// Mirror drives the sync state machine for one target:
//
//	Pending -> MetadataSyncing -> [ContentFiltering ->] ContentSyncing
//	        -> AuxSyncing -> Done | Failed
//
// Phases within a target are strictly sequential because each depends on
// the previous phase's output.  A metadata failure is fatal for the
// target; aux failures never are.
type Mirror struct {
	target   *Target
	executor *Executor
	retrier  *Retrier
	dryRun   bool

	state TargetState
}

// NewMirror constructs a Mirror for a target.
func NewMirror(target *Target, executor *Executor, retrier *Retrier, dryRun bool) *Mirror {
	return &Mirror{
		target:   target,
		executor: executor,
		retrier:  retrier,
		dryRun:   dryRun,
		state:    StatePending,
	}
}

func (m *Mirror) setState(s TargetState) {
	slog.Debug("target state change", "repo", m.target.ID(), "from", m.state, "to", s)
	m.state = s
}

// transfer runs one retry-wrapped transfer step.
func (m *Mirror) transfer(ctx context.Context, spec *TransferSpec) error {
	spec.DryRun = m.dryRun
	attempts, err := m.retrier.Do(ctx, func(ctx context.Context) error {
		return m.executor.Transfer(ctx, spec)
	})
	if err != nil {
		return errors.Wrapf(err, "after %d attempt(s)", attempts)
	}
	return nil
}

// Sync runs the target's state machine to completion.  It always returns
// a result; a failed target never aborts its siblings.
func (m *Mirror) Sync(ctx context.Context) *SyncResult {
	start := time.Now()
	result := &SyncResult{Target: m.target.ID()}

	fail := func(err error) *SyncResult {
		m.setState(StateFailed)
		result.State = StateFailed
		result.Err = err
		result.Elapsed = time.Since(start)
		slog.Error("target sync failed", "repo", m.target.ID(), "state", m.state, "error", err)
		return result
	}

	m.setState(StateMetadataSyncing)
	if err := m.syncMetadata(ctx); err != nil {
		return fail(errors.Wrap(err, "metadata phase"))
	}

	var filter *ContentFilter
	if m.target.Layout == IndexFiltered {
		m.setState(StateContentFiltering)
		filter = buildContentFilter(m.target)
		if removed := filter.Apply(m.target.Filters, m.target.Name); removed > 0 {
			slog.Info("package filters applied", "repo", m.target.ID(), "removed", removed)
		}
		result.Selected = filter.Len()
		slog.Info("content filter built", "repo", m.target.ID(),
			"selected", filter.Len(), "parsed", filter.docsParsed,
			"failed", filter.Failures(), "malformed_stanzas", filter.Warnings())
	}

	m.setState(StateContentSyncing)
	if err := m.syncContent(ctx, filter); err != nil {
		return fail(errors.Wrap(err, "content phase"))
	}

	m.setState(StateAuxSyncing)
	m.syncAuxiliary(ctx)

	m.setState(StateDone)
	result.State = StateDone
	result.Elapsed = time.Since(start)
	slog.Info("target sync succeeded", "repo", m.target.ID(),
		"selected", result.Selected, "elapsed", result.Elapsed)
	return result
}

// syncMetadata transfers the metadata/index trees in full.  The metadata
// phase always has full knowledge of its own directory tree, so stale
// local files are deleted.
func (m *Mirror) syncMetadata(ctx context.Context) error {
	if m.target.Layout == FullDirectory {
		return m.transfer(ctx, &TransferSpec{
			Source:    m.target.Source + "/",
			Dest:      m.target.Dest,
			Includes:  []string{"/repodata/", "/repodata/**"},
			Delete:    true,
			HardLinks: true,
		})
	}

	distsSource := m.target.Source + "/dists/"
	distsDest := m.target.Dest + "/dists"

	for _, suite := range m.target.Suites {
		slog.Info("syncing release files", "repo", m.target.ID(), "suite", suite)
		err := m.transfer(ctx, &TransferSpec{
			Source: distsSource,
			Dest:   distsDest,
			Includes: []string{
				"/" + suite + "/",
				"/" + suite + "/Release",
				"/" + suite + "/Release.gpg",
				"/" + suite + "/InRelease",
			},
			Delete: true,
		})
		if err != nil {
			return errors.Wrapf(err, "release files for %s", suite)
		}

		for _, section := range m.target.Sections {
			for _, arch := range m.target.Architectures {
				if arch == "all" {
					// arch-all indices live inside the per-arch trees.
					continue
				}

				slog.Info("syncing package indices", "repo", m.target.ID(),
					"suite", suite, "section", section, "arch", arch)
				err := m.transfer(ctx, &TransferSpec{
					Source: distsSource,
					Dest:   distsDest,
					Includes: []string{
						"/" + suite + "/",
						"/" + suite + "/" + section + "/",
						"/" + suite + "/" + section + "/binary-" + arch + "/",
						"/" + suite + "/" + section + "/binary-" + arch + "/**",
					},
					Delete: true,
				})
				if err != nil {
					return errors.Wrapf(err, "%s/%s/binary-%s", suite, section, arch)
				}
			}
		}
	}
	return nil
}

// syncContent transfers the package payload: filtered for index-filtered
// layouts, the whole Packages tree for full-directory layouts.
func (m *Mirror) syncContent(ctx context.Context, filter *ContentFilter) error {
	if m.target.Layout == FullDirectory {
		return m.transfer(ctx, &TransferSpec{
			Source:    m.target.Source + "/",
			Dest:      m.target.Dest,
			Includes:  []string{"/Packages/", "/Packages/**"},
			Delete:    true,
			HardLinks: true,
		})
	}

	if filter.Len() == 0 {
		if !filter.Authoritative() {
			slog.Warn("no index documents parsed; skipping content phase",
				"repo", m.target.ID())
		} else {
			slog.Info("indices reference no content files", "repo", m.target.ID())
		}
		return nil
	}

	// Deletion is only safe when the filter reflects every parsed index;
	// a partially built filter would mass-delete content it merely
	// failed to learn about.
	deleteStale := filter.Authoritative() && filter.Failures() == 0

	slog.Info("syncing content files", "repo", m.target.ID(),
		"selected", filter.Len(), "delete", deleteStale)
	return m.transfer(ctx, &TransferSpec{
		Source:   m.target.Source + "/",
		Dest:     m.target.Dest,
		FileList: filter.Paths(),
		Delete:   deleteStale,
	})
}

// syncAuxiliary transfers non-critical files best-effort; failures are
// logged and never change the target's outcome.
func (m *Mirror) syncAuxiliary(ctx context.Context) {
	if m.target.Layout == FullDirectory {
		err := m.transfer(ctx, &TransferSpec{
			Source: m.target.Source + "/",
			Dest:   m.target.Dest,
			Includes: []string{
				"/RPM-GPG-KEY-*",
				"/EULA",
				"/LICENSE",
				"/media.repo",
			},
		})
		if err != nil {
			slog.Warn("auxiliary file sync failed", "repo", m.target.ID(), "error", err)
		}
		return
	}

	distsSource := m.target.Source + "/dists/"
	distsDest := m.target.Dest + "/dists"

	for _, suite := range m.target.Suites {
		for _, section := range m.target.Sections {
			err := m.transfer(ctx, &TransferSpec{
				Source: distsSource,
				Dest:   distsDest,
				Includes: []string{
					"/" + suite + "/",
					"/" + suite + "/" + section + "/",
					"/" + suite + "/" + section + "/Contents-*.gz",
					"/" + suite + "/" + section + "/i18n/",
					"/" + suite + "/" + section + "/i18n/**",
					"/" + suite + "/" + section + "/dep11/",
					"/" + suite + "/" + section + "/dep11/**",
				},
			})
			if err != nil {
				slog.Warn("auxiliary metadata sync failed", "repo", m.target.ID(),
					"suite", suite, "section", section, "error", err)
			}
		}
	}
}
